package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
)

// SmsRepository persists inbound messages. Providers redeliver, so insertion
// dedupes on the message's stable identity instead of erroring.
type SmsRepository struct {
	pool *pgxpool.Pool
}

func NewSmsRepository(pool *pgxpool.Pool) *SmsRepository {
	return &SmsRepository{pool: pool}
}

// InsertIfAbsent stores a message unless its dedup key was already seen.
// Returns true when the row was actually inserted.
func (r *SmsRepository) InsertIfAbsent(ctx context.Context, m activation.SmsMessage) (bool, error) {
	query := `
		INSERT INTO sms_messages (
			id, activation_id, provider_message_id, sender, text, code,
			content_hash, dedup_key, received_at
		) VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9)
		ON CONFLICT (dedup_key) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		m.ID, m.ActivationID, m.ProviderMessageID, m.Sender, m.Text, m.Code,
		m.ContentHash, m.DedupKey(), m.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert sms message: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListByActivation returns an activation's messages in arrival order.
func (r *SmsRepository) ListByActivation(ctx context.Context, activationID uuid.UUID) ([]activation.SmsMessage, error) {
	query := `
		SELECT id, activation_id, COALESCE(provider_message_id, ''), sender, text, code, content_hash, received_at
		FROM sms_messages
		WHERE activation_id = $1
		ORDER BY received_at ASC
	`

	rows, err := r.pool.Query(ctx, query, activationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sms messages: %w", err)
	}
	defer rows.Close()

	var messages []activation.SmsMessage
	for rows.Next() {
		m, err := scanSms(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sms message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// CountByActivation returns how many distinct messages an activation has.
func (r *SmsRepository) CountByActivation(ctx context.Context, activationID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sms_messages WHERE activation_id = $1`, activationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sms messages: %w", err)
	}
	return count, nil
}

func scanSms(row pgx.Row) (activation.SmsMessage, error) {
	var m activation.SmsMessage
	err := row.Scan(&m.ID, &m.ActivationID, &m.ProviderMessageID, &m.Sender,
		&m.Text, &m.Code, &m.ContentHash, &m.ReceivedAt)
	return m, err
}
