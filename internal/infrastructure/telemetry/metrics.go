package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SetupMetrics installs the global meter provider, bridging every OTel
// instrument into the given Prometheus registerer so GET /metrics exposes
// the domain metrics alongside the HTTP collectors. A nil registerer uses
// the default registry. Callers own the returned provider's Shutdown.
func SetupMetrics(registerer prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	opts := []otelprom.Option{}
	if registerer != nil {
		opts = append(opts, otelprom.WithRegisterer(registerer))
	}

	exporter, err := otelprom.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}
