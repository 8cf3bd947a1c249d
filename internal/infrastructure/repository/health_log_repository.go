package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virtualsim/activation-backend/internal/domain/provider"
)

// HealthLogRepository keeps the durable, append-only record of provider call
// outcomes. The live breaker window lives in Redis; this table backs audit
// queries and offline analysis, pruned on a retention schedule.
type HealthLogRepository struct {
	pool *pgxpool.Pool
}

func NewHealthLogRepository(pool *pgxpool.Pool) *HealthLogRepository {
	return &HealthLogRepository{pool: pool}
}

// Append stores one call outcome.
func (r *HealthLogRepository) Append(ctx context.Context, s provider.HealthSample) error {
	query := `
		INSERT INTO provider_health_log (provider_id, operation, success, latency_ms, status_code, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		s.ProviderID, string(s.Operation), s.Success,
		s.Latency.Milliseconds(), s.StatusCode, s.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to append health sample: %w", err)
	}

	return nil
}

// RecentFailureRate returns the failure fraction and sample count for a
// provider since the given time.
func (r *HealthLogRepository) RecentFailureRate(ctx context.Context, providerID uuid.UUID, since time.Time) (float64, int, error) {
	var failures, total int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE NOT success), COUNT(*)
		FROM provider_health_log
		WHERE provider_id = $1 AND observed_at >= $2
	`, providerID, since).Scan(&failures, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute failure rate: %w", err)
	}

	if total == 0 {
		return 0, 0, nil
	}
	return float64(failures) / float64(total), total, nil
}

// Prune deletes samples older than the retention cutoff and reports how
// many rows went.
func (r *HealthLogRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM provider_health_log WHERE observed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune health log: %w", err)
	}

	return tag.RowsAffected(), nil
}
