package events

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	"github.com/virtualsim/activation-backend/internal/domain/outbox"
)

// OutboxEnqueuer is the durable queue side of the sink.
type OutboxEnqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, e *outbox.Entry) error
}

// OutboxSink persists user-visible transitions as notification entries. The
// in-process Publisher is best-effort; anything a user must eventually see
// goes through here and is delivered by the orchestrator with retries.
type OutboxSink struct {
	queue  OutboxEnqueuer
	logger *zap.Logger
}

func NewOutboxSink(queue OutboxEnqueuer, logger *zap.Logger) *OutboxSink {
	return &OutboxSink{queue: queue, logger: logger}
}

func (s *OutboxSink) OnTransition(ctx context.Context, event activation.TransitionEvent) {
	if !notifiable(event.ToState) {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal transition event", zap.Error(err))
		return
	}

	entry := outbox.NewEntry(outbox.KindNotification, event.ActivationID, payload)
	if err := s.queue.Enqueue(ctx, nil, entry); err != nil {
		s.logger.Error("failed to enqueue notification",
			zap.String("activation_id", event.ActivationID.String()),
			zap.Error(err))
	}
}

// notifiable lists the states a user cares about. Internal moves like
// init -> active stay out of the notification stream.
func notifiable(state activation.State) bool {
	switch state {
	case activation.StateReceived, activation.StateCompleted,
		activation.StateCancelled, activation.StateExpired, activation.StateTimeout:
		return true
	}
	return false
}
