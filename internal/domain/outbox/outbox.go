package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is a durable pending side-effect drained asynchronously by the
// orchestrator: search-index sync for a new purchase order, a lifecycle
// notification, a provider catalog refresh. Entries survive restarts;
// processing is at-least-once, so handlers must be idempotent.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	ReferenceID uuid.UUID       `json:"reference_id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	NextRunAt   time.Time       `json:"next_run_at"`
	DoneAt      *time.Time      `json:"done_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Kind string

const (
	KindOrderIndexSync Kind = "order_index_sync"
	KindNotification   Kind = "notification"
	KindCatalogRefresh Kind = "catalog_refresh"
)

// MaxAttempts caps retries before an entry is parked for manual review.
const MaxAttempts = 5

// NewEntry queues one side-effect.
func NewEntry(kind Kind, referenceID uuid.UUID, payload json.RawMessage) *Entry {
	now := time.Now()
	return &Entry{
		ID:          uuid.New(),
		Kind:        kind,
		ReferenceID: referenceID,
		Payload:     payload,
		NextRunAt:   now,
		CreatedAt:   now,
	}
}

// MarkDone records successful processing.
func (e *Entry) MarkDone() {
	now := time.Now()
	e.DoneAt = &now
}

// MarkFailed records a failed attempt and schedules the retry with linear
// backoff. Returns false once the entry is out of attempts.
func (e *Entry) MarkFailed(err error) bool {
	e.Attempts++
	e.LastError = err.Error()
	if e.Attempts >= MaxAttempts {
		return false
	}
	e.NextRunAt = time.Now().Add(time.Duration(e.Attempts) * 30 * time.Second)
	return true
}
