package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
)

// ProviderRepository persists provider configurations. Providers are only
// ever soft-disabled, so there is no delete.
type ProviderRepository struct {
	pool *pgxpool.Pool
}

func NewProviderRepository(pool *pgxpool.Pool) *ProviderRepository {
	return &ProviderRepository{pool: pool}
}

const providerColumns = `
	id, name, base_url, api_key, is_active, priority, admin_weight,
	avg_cost_usd, avg_latency_ms, last_synced_at, sync_status,
	max_concurrency, requests_per_minute, endpoints, created_at, updated_at
`

// Create inserts a new provider with its validated endpoint map.
func (r *ProviderRepository) Create(ctx context.Context, p *provider.Provider) error {
	if err := p.Endpoints.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid endpoint map: %w", err)
	}

	endpointsJSON, err := json.Marshal(p.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoints: %w", err)
	}

	query := `
		INSERT INTO providers (
			id, name, base_url, api_key, is_active, priority, admin_weight,
			avg_cost_usd, avg_latency_ms, last_synced_at, sync_status,
			max_concurrency, requests_per_minute, endpoints, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`

	_, err = r.pool.Exec(ctx, query,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.IsActive, p.Priority, p.AdminWeight,
		p.AvgCostUSD, p.AvgLatency.Milliseconds(), p.LastSyncedAt, string(p.SyncStatus),
		p.MaxConcurrency, p.RequestsPerMinute, endpointsJSON, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	return nil
}

// GetByID retrieves a provider by ID.
func (r *ProviderRepository) GetByID(ctx context.Context, id uuid.UUID) (*provider.Provider, error) {
	query := `SELECT` + providerColumns + `FROM providers WHERE id = $1`

	p, err := scanProvider(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	return p, nil
}

// ListActive returns every provider eligible for routing, ordered for
// deterministic iteration.
func (r *ProviderRepository) ListActive(ctx context.Context) ([]*provider.Provider, error) {
	query := `SELECT` + providerColumns + `FROM providers WHERE is_active ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*provider.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, p)
	}

	return providers, rows.Err()
}

// UpdateStats folds a completed call's latency and cost into the provider's
// rolling averages used by routing.
func (r *ProviderRepository) UpdateStats(ctx context.Context, id uuid.UUID, costUSD float64, latency time.Duration) error {
	// Exponential moving average, alpha 0.2; a zero stored value adopts the
	// new observation outright.
	query := `
		UPDATE providers SET
			avg_cost_usd = CASE WHEN avg_cost_usd = 0 THEN $2 ELSE avg_cost_usd*0.8 + $2*0.2 END,
			avg_latency_ms = CASE WHEN avg_latency_ms = 0 THEN $3 ELSE avg_latency_ms*0.8 + $3*0.2 END,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, costUSD, latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to update provider stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrProviderNotFound
	}

	return nil
}

// SetActive flips the soft-disable flag.
func (r *ProviderRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE providers SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update provider active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrProviderNotFound
	}

	return nil
}

// SetSyncStatus records the result of the latest catalog sync.
func (r *ProviderRepository) SetSyncStatus(ctx context.Context, id uuid.UUID, status provider.SyncStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE providers SET sync_status = $2, last_synced_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update provider sync status: %w", err)
	}

	return nil
}

func scanProvider(row pgx.Row) (*provider.Provider, error) {
	var p provider.Provider
	var endpointsJSON []byte
	var latencyMS int64
	var syncStatus string

	err := row.Scan(
		&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.IsActive, &p.Priority, &p.AdminWeight,
		&p.AvgCostUSD, &latencyMS, &p.LastSyncedAt, &syncStatus,
		&p.MaxConcurrency, &p.RequestsPerMinute, &endpointsJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.AvgLatency = time.Duration(latencyMS) * time.Millisecond
	p.SyncStatus = provider.SyncStatus(syncStatus)

	if err := json.Unmarshal(endpointsJSON, &p.Endpoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoints: %w", err)
	}

	return &p, nil
}
