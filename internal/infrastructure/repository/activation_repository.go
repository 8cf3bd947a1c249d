package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/values"
)

// ActivationRepository persists activations. Writes are optimistic: every
// state-changing update carries the state the writer read, and a zero row
// count surfaces as a stale transition for the caller to re-read.
type ActivationRepository struct {
	pool *pgxpool.Pool
}

func NewActivationRepository(pool *pgxpool.Pool) *ActivationRepository {
	return &ActivationRepository{pool: pool}
}

const activationColumns = `
	id, user_id, provider_id, external_id, phone_number, country, service,
	state, price::text, currency, sms_count, last_sms_text, last_code,
	refunded, version, expires_at, completed_at, cancelled_at, created_at, updated_at
`

// Create inserts a new activation in its initial state.
func (r *ActivationRepository) Create(ctx context.Context, a *activation.Activation) error {
	query := `
		INSERT INTO activations (
			id, user_id, provider_id, external_id, phone_number, country, service,
			state, price, currency, sms_count, last_sms_text, last_code,
			refunded, version, expires_at, completed_at, cancelled_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.UserID, a.ProviderID, a.ExternalID, a.PhoneNumber, a.Country, a.Service,
		a.State.String(), a.Price.Amount().String(), a.Price.Currency(),
		a.SmsCount, a.LastSmsText, a.LastCode,
		a.Refunded, a.Version, a.ExpiresAt, a.CompletedAt, a.CancelledAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create activation: %w", err)
	}

	return nil
}

// GetByID retrieves an activation by ID.
func (r *ActivationRepository) GetByID(ctx context.Context, id uuid.UUID) (*activation.Activation, error) {
	query := `SELECT` + activationColumns + `FROM activations WHERE id = $1`

	a, err := scanActivation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrActivationNotFound
		}
		return nil, fmt.Errorf("failed to get activation: %w", err)
	}

	return a, nil
}

// UpdateWithState writes the mutated activation, guarded on the state the
// caller read. A zero row count means a concurrent writer already moved the
// row, and the caller must re-read before retrying.
func (r *ActivationRepository) UpdateWithState(ctx context.Context, a *activation.Activation, readState activation.State) error {
	query := `
		UPDATE activations SET
			external_id = $3, phone_number = $4, state = $5,
			sms_count = $6, last_sms_text = $7, last_code = $8, refunded = $9,
			version = version + 1, expires_at = $10, completed_at = $11, cancelled_at = $12,
			updated_at = $13
		WHERE id = $1 AND state = $2
	`

	tag, err := r.pool.Exec(ctx, query,
		a.ID, readState.String(),
		a.ExternalID, a.PhoneNumber, a.State.String(),
		a.SmsCount, a.LastSmsText, a.LastCode, a.Refunded,
		a.ExpiresAt, a.CompletedAt, a.CancelledAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update activation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrStaleTransition
	}

	a.Version++
	return nil
}

// ListByUser returns a user's activations, newest first.
func (r *ActivationRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*activation.Activation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT` + activationColumns + `
		FROM activations WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`

	return r.list(ctx, query, userID, limit)
}

// ListPollable returns activations whose providers should be asked for new
// messages: non-terminal with an issued number, oldest update first so no
// activation starves.
func (r *ActivationRepository) ListPollable(ctx context.Context, limit int) ([]*activation.Activation, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT` + activationColumns + `
		FROM activations
		WHERE state IN ('active', 'received')
		ORDER BY updated_at ASC LIMIT $1`

	return r.list(ctx, query, limit)
}

// ListExpired returns activations whose rental window elapsed without
// completion. Cleanup moves these to expired and refunds where eligible.
func (r *ActivationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*activation.Activation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT` + activationColumns + `
		FROM activations
		WHERE state IN ('init', 'active') AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2`

	return r.list(ctx, query, now, limit)
}

// ListStuck returns non-terminal activations older than cutoff. These have
// outlived any plausible rental window and get reconciled to timeout.
func (r *ActivationRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*activation.Activation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT` + activationColumns + `
		FROM activations
		WHERE state IN ('init', 'active', 'received') AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`

	return r.list(ctx, query, cutoff, limit)
}

// CountByState returns activation counts grouped by state, for gauges.
func (r *ActivationRepository) CountByState(ctx context.Context) (map[activation.State]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT state, COUNT(*) FROM activations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count activations: %w", err)
	}
	defer rows.Close()

	counts := make(map[activation.State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan activation count: %w", err)
		}
		counts[activation.State(state)] = count
	}

	return counts, rows.Err()
}

func (r *ActivationRepository) list(ctx context.Context, query string, args ...any) ([]*activation.Activation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	defer rows.Close()

	var activations []*activation.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activation: %w", err)
		}
		activations = append(activations, a)
	}

	return activations, rows.Err()
}

func scanActivation(row pgx.Row) (*activation.Activation, error) {
	var a activation.Activation
	var state, amount, currency string

	err := row.Scan(
		&a.ID, &a.UserID, &a.ProviderID, &a.ExternalID, &a.PhoneNumber, &a.Country, &a.Service,
		&state, &amount, &currency, &a.SmsCount, &a.LastSmsText, &a.LastCode,
		&a.Refunded, &a.Version, &a.ExpiresAt, &a.CompletedAt, &a.CancelledAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.State = activation.State(state)
	a.Price, err = values.NewMoneyFromString(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("invalid activation price: %w", err)
	}

	return &a, nil
}
