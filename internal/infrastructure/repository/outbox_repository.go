package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virtualsim/activation-backend/internal/domain/outbox"
)

// OutboxRepository persists pending side-effects. Due entries are claimed
// with a lease: one UPDATE pushes next_run_at forward and returns the rows,
// with SKIP LOCKED keeping concurrent drain workers off each other's
// entries. Handlers then run outside any transaction.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Enqueue inserts an entry, inside the caller's transaction when one is
// given so the side-effect commits atomically with the state change.
func (r *OutboxRepository) Enqueue(ctx context.Context, tx pgx.Tx, e *outbox.Entry) error {
	query := `
		INSERT INTO outbox_entries (
			id, kind, reference_id, payload, attempts, last_error, next_run_at, done_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`

	args := []any{e.ID, string(e.Kind), e.ReferenceID, e.Payload,
		e.Attempts, e.LastError, e.NextRunAt, e.DoneAt, e.CreatedAt}

	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, query, args...)
	} else {
		_, err = r.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}

	return nil
}

// LeaseDue claims up to limit due entries of the given kinds, pushing their
// next_run_at past the lease so other workers skip them while processing.
func (r *OutboxRepository) LeaseDue(ctx context.Context, now time.Time, lease time.Duration, limit int, kinds ...outbox.Kind) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	if lease <= 0 {
		lease = time.Minute
	}

	kindStrings := make([]string, len(kinds))
	for i, kind := range kinds {
		kindStrings[i] = string(kind)
	}

	query := `
		UPDATE outbox_entries SET next_run_at = $1
		WHERE id IN (
			SELECT id FROM outbox_entries
			WHERE done_at IS NULL AND next_run_at <= $2 AND attempts < $3 AND kind = ANY($4)
			ORDER BY next_run_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, reference_id, payload, attempts, last_error, next_run_at, done_at, created_at
	`

	rows, err := r.pool.Query(ctx, query,
		now.Add(lease), now, outbox.MaxAttempts, kindStrings, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lease outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		var e outbox.Entry
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.ReferenceID, &e.Payload,
			&e.Attempts, &e.LastError, &e.NextRunAt, &e.DoneAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Kind = outbox.Kind(kind)
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// Update writes back an entry's attempt bookkeeping after processing.
func (r *OutboxRepository) Update(ctx context.Context, e *outbox.Entry) error {
	query := `
		UPDATE outbox_entries
		SET attempts = $2, last_error = $3, next_run_at = $4, done_at = $5
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, e.ID, e.Attempts, e.LastError, e.NextRunAt, e.DoneAt)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}

	return nil
}

// CountPending returns the number of entries still waiting, for gauges.
func (r *OutboxRepository) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_entries WHERE done_at IS NULL AND attempts < $1`,
		outbox.MaxAttempts).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox entries: %w", err)
	}
	return count, nil
}
