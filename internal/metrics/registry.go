package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the application
type Registry struct {
	meter metric.Meter

	// Provider call metrics
	ProviderCallDuration  metric.Float64Histogram
	ProviderCallCounter   metric.Int64Counter
	ProviderErrorCounter  metric.Int64Counter
	BreakerStateGauge     metric.Int64ObservableGauge
	RateLimitWaitDuration metric.Float64Histogram

	// Routing metrics
	RoutingLatency  metric.Float64Histogram
	FailoverCounter metric.Int64Counter
	RoutingCounter  metric.Int64Counter

	// Wallet metrics
	TransactionAmount  metric.Float64Histogram
	TransactionCounter metric.Int64Counter
	ReservationBacklog metric.Int64ObservableGauge
	RefundCounter      metric.Int64Counter

	// Activation metrics
	ActiveActivations  metric.Int64ObservableGauge
	TransitionCounter  metric.Int64Counter
	SmsReceivedCounter metric.Int64Counter

	// Orchestrator metrics
	StageDuration      metric.Float64Histogram
	StageSkipCounter   metric.Int64Counter
	OutboxDepthGauge   metric.Int64ObservableGauge
	OutboxDrainCounter metric.Int64Counter

	// API metrics
	APIRequestDuration metric.Float64Histogram
	APIRequestCounter  metric.Int64Counter

	// State for observable metrics
	mu                 sync.RWMutex
	openBreakers       int64
	activeActivations  int64
	reservationBacklog int64
	outboxDepth        int64
}

// NewRegistry creates a new metrics registry with all domain metrics
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{meter: meter}

	if err := r.initProviderMetrics(); err != nil {
		return nil, err
	}

	if err := r.initRoutingMetrics(); err != nil {
		return nil, err
	}

	if err := r.initWalletMetrics(); err != nil {
		return nil, err
	}

	if err := r.initActivationMetrics(); err != nil {
		return nil, err
	}

	if err := r.initOrchestratorMetrics(); err != nil {
		return nil, err
	}

	if err := r.initAPIMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initProviderMetrics() error {
	var err error

	r.ProviderCallDuration, err = r.meter.Float64Histogram(
		"smsa.provider.call_duration",
		metric.WithDescription("Upstream provider call duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return err
	}

	r.ProviderCallCounter, err = r.meter.Int64Counter(
		"smsa.provider.call_total",
		metric.WithDescription("Total upstream provider calls"),
	)
	if err != nil {
		return err
	}

	r.ProviderErrorCounter, err = r.meter.Int64Counter(
		"smsa.provider.error_total",
		metric.WithDescription("Total failed upstream provider calls"),
	)
	if err != nil {
		return err
	}

	r.BreakerStateGauge, err = r.meter.Int64ObservableGauge(
		"smsa.provider.open_breakers",
		metric.WithDescription("Number of providers with an open circuit breaker"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.openBreakers)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.RateLimitWaitDuration, err = r.meter.Float64Histogram(
		"smsa.provider.rate_limit_wait",
		metric.WithDescription("Time spent waiting for a provider rate-limit slot in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000, 5000, 10000),
	)

	return err
}

func (r *Registry) initRoutingMetrics() error {
	var err error

	r.RoutingLatency, err = r.meter.Float64Histogram(
		"smsa.routing.decision_latency",
		metric.WithDescription("Routing decision latency in microseconds"),
		metric.WithUnit("us"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 10000),
	)
	if err != nil {
		return err
	}

	r.FailoverCounter, err = r.meter.Int64Counter(
		"smsa.routing.failover_total",
		metric.WithDescription("Total purchases that fell through to a lower-ranked provider"),
	)
	if err != nil {
		return err
	}

	r.RoutingCounter, err = r.meter.Int64Counter(
		"smsa.routing.decision_total",
		metric.WithDescription("Total routing decisions"),
	)

	return err
}

func (r *Registry) initWalletMetrics() error {
	var err error

	r.TransactionAmount, err = r.meter.Float64Histogram(
		"smsa.wallet.transaction_amount",
		metric.WithDescription("Ledger transaction magnitudes in USD"),
		metric.WithUnit("USD"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 100),
	)
	if err != nil {
		return err
	}

	r.TransactionCounter, err = r.meter.Int64Counter(
		"smsa.wallet.transaction_total",
		metric.WithDescription("Total ledger transactions"),
	)
	if err != nil {
		return err
	}

	r.ReservationBacklog, err = r.meter.Int64ObservableGauge(
		"smsa.wallet.pending_reservations",
		metric.WithDescription("Offer reservations still pending"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.reservationBacklog)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.RefundCounter, err = r.meter.Int64Counter(
		"smsa.wallet.refund_total",
		metric.WithDescription("Total refund transactions written"),
	)

	return err
}

func (r *Registry) initActivationMetrics() error {
	var err error

	r.ActiveActivations, err = r.meter.Int64ObservableGauge(
		"smsa.activation.active_total",
		metric.WithDescription("Activations currently in a non-terminal state"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.activeActivations)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.TransitionCounter, err = r.meter.Int64Counter(
		"smsa.activation.transition_total",
		metric.WithDescription("Total activation state transitions"),
	)
	if err != nil {
		return err
	}

	r.SmsReceivedCounter, err = r.meter.Int64Counter(
		"smsa.activation.sms_received_total",
		metric.WithDescription("Total deduplicated inbound messages"),
	)

	return err
}

func (r *Registry) initOrchestratorMetrics() error {
	var err error

	r.StageDuration, err = r.meter.Float64Histogram(
		"smsa.orchestrator.stage_duration",
		metric.WithDescription("Worker stage run duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000, 5000, 30000),
	)
	if err != nil {
		return err
	}

	r.StageSkipCounter, err = r.meter.Int64Counter(
		"smsa.orchestrator.stage_skip_total",
		metric.WithDescription("Stage runs skipped because the previous run was still going"),
	)
	if err != nil {
		return err
	}

	r.OutboxDepthGauge, err = r.meter.Int64ObservableGauge(
		"smsa.orchestrator.outbox_depth",
		metric.WithDescription("Outbox entries waiting to be drained"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.outboxDepth)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.OutboxDrainCounter, err = r.meter.Int64Counter(
		"smsa.orchestrator.outbox_drain_total",
		metric.WithDescription("Total outbox entries processed"),
	)

	return err
}

func (r *Registry) initAPIMetrics() error {
	var err error

	r.APIRequestDuration, err = r.meter.Float64Histogram(
		"smsa.api.request_duration",
		metric.WithDescription("API request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return err
	}

	r.APIRequestCounter, err = r.meter.Int64Counter(
		"smsa.api.request_total",
		metric.WithDescription("Total API requests"),
	)

	return err
}

// Helper methods for updating observable metric values

// SetOpenBreakers sets the count of providers with open breakers.
func (r *Registry) SetOpenBreakers(count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openBreakers = count
}

// SetActiveActivations sets the non-terminal activation count.
func (r *Registry) SetActiveActivations(count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeActivations = count
}

// SetReservationBacklog sets the pending reservation count.
func (r *Registry) SetReservationBacklog(count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservationBacklog = count
}

// SetOutboxDepth sets the pending outbox entry count.
func (r *Registry) SetOutboxDepth(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outboxDepth = depth
}

// Helper methods for recording metrics with common attribute patterns

// RecordProviderCall records one upstream call's outcome.
func (r *Registry) RecordProviderCall(ctx context.Context, durationMS float64, providerName, operation string, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", providerName),
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	}

	r.ProviderCallDuration.Record(ctx, durationMS, metric.WithAttributes(attrs...))
	r.ProviderCallCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if !success {
		r.ProviderErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRouting records one routing decision.
func (r *Registry) RecordRouting(ctx context.Context, latencyUS float64, attempt int, success bool) {
	attrs := []attribute.KeyValue{
		attribute.Int("attempt", attempt),
		attribute.Bool("success", success),
	}

	r.RoutingLatency.Record(ctx, latencyUS, metric.WithAttributes(attrs...))
	r.RoutingCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if attempt > 1 {
		r.FailoverCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordTransaction records one ledger write.
func (r *Registry) RecordTransaction(ctx context.Context, amountUSD float64, transactionType string) {
	attrs := []attribute.KeyValue{
		attribute.String("type", transactionType),
	}

	r.TransactionAmount.Record(ctx, amountUSD, metric.WithAttributes(attrs...))
	r.TransactionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if transactionType == "refund" {
		r.RefundCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordTransition records one state machine move.
func (r *Registry) RecordTransition(ctx context.Context, from, to string) {
	r.TransitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordStage records one worker stage run.
func (r *Registry) RecordStage(ctx context.Context, stage string, durationMS float64, skipped bool) {
	attrs := []attribute.KeyValue{
		attribute.String("stage", stage),
	}

	if skipped {
		r.StageSkipCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}

	r.StageDuration.Record(ctx, durationMS, metric.WithAttributes(attrs...))
}

// RecordAPIRequest records API request metrics
func (r *Registry) RecordAPIRequest(ctx context.Context, duration float64, method, path string, statusCode int) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status_code", statusCode),
	}

	r.APIRequestDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
	r.APIRequestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
