package provider

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider is an upstream SMS provider configuration. Providers are never
// deleted, only soft-disabled via IsActive, so historical activations keep a
// valid reference.
type Provider struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	BaseURL  string    `json:"base_url"`
	APIKey   string    `json:"-"`
	IsActive bool      `json:"is_active"`

	// Routing inputs
	Priority    int     `json:"priority"`
	AdminWeight float64 `json:"admin_weight"`

	// Rolling statistics maintained by the adapter; scoring treats zero
	// values as worst case, never as free.
	AvgCostUSD   float64       `json:"avg_cost_usd"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty"`
	SyncStatus   SyncStatus    `json:"sync_status"`

	// Outbound call shaping
	MaxConcurrency    int `json:"max_concurrency"`
	RequestsPerMinute int `json:"requests_per_minute"`

	// Per-operation wire mapping, validated at load time.
	Endpoints EndpointMap `json:"endpoints"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SyncStatus string

const (
	SyncStatusOK      SyncStatus = "ok"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// Operation names the canonical provider operations every adapter mapping
// must be able to express.
type Operation string

const (
	OpGetNumber    Operation = "getNumber"
	OpCancelNumber Operation = "cancelNumber"
	OpGetStatus    Operation = "getStatus"
	OpGetBalance   Operation = "getBalance"
	OpGetPrices    Operation = "getPrices"
	OpGetCountries Operation = "getCountries"
	OpGetServices  Operation = "getServices"
)

// Operations lists every canonical operation in a stable order.
func Operations() []Operation {
	return []Operation{
		OpGetNumber, OpCancelNumber, OpGetStatus,
		OpGetBalance, OpGetPrices, OpGetCountries, OpGetServices,
	}
}

// RequiredOperations are the mappings a provider cannot go live without.
// Price/country/service listings may be synced out of band.
func RequiredOperations() []Operation {
	return []Operation{OpGetNumber, OpCancelNumber, OpGetStatus}
}

// New creates a provider with defaults applied and the endpoint map validated.
func New(name, baseURL, apiKey string, endpoints EndpointMap) (*Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("provider base URL cannot be empty")
	}
	if err := endpoints.Validate(); err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}

	now := time.Now()
	return &Provider{
		ID:                uuid.New(),
		Name:              name,
		BaseURL:           baseURL,
		APIKey:            apiKey,
		IsActive:          true,
		Priority:          1,
		AdminWeight:       1.0,
		SyncStatus:        SyncStatusPending,
		MaxConcurrency:    4,
		RequestsPerMinute: 60,
		Endpoints:         endpoints,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Disable soft-disables the provider for routing.
func (p *Provider) Disable() {
	p.IsActive = false
	p.UpdatedAt = time.Now()
}

// Enable re-enables the provider for routing.
func (p *Provider) Enable() {
	p.IsActive = true
	p.UpdatedAt = time.Now()
}

// HealthSample is a single success/failure observation for a provider call.
// Samples are append-only; the health tracker reduces them to a trailing
// failure rate.
type HealthSample struct {
	ID         uuid.UUID     `json:"id"`
	ProviderID uuid.UUID     `json:"provider_id"`
	Operation  Operation     `json:"operation"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"status_code"`
	ObservedAt time.Time     `json:"observed_at"`
}

// NewHealthSample records one completed provider call.
func NewHealthSample(providerID uuid.UUID, op Operation, success bool, latency time.Duration, statusCode int) HealthSample {
	return HealthSample{
		ID:         uuid.New(),
		ProviderID: providerID,
		Operation:  op,
		Success:    success,
		Latency:    latency,
		StatusCode: statusCode,
		ObservedAt: time.Now(),
	}
}

// Offer is a provider's quoted price and stock for a (country, service) pair,
// as reported by getPrices. The router scores candidates from these.
type Offer struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Country    string    `json:"country"`
	Service    string    `json:"service"`
	PriceUSD   float64   `json:"price_usd"`
	Stock      int       `json:"stock"`
	FetchedAt  time.Time `json:"fetched_at"`
}
