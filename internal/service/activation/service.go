package activation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/metrics"
	"github.com/virtualsim/activation-backend/internal/service/provideradapter"
)

// Store is the activation persistence surface.
type Store interface {
	Create(ctx context.Context, a *activation.Activation) error
	GetByID(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
	UpdateWithState(ctx context.Context, a *activation.Activation, readState activation.State) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*activation.Activation, error)
	ListPollable(ctx context.Context, limit int) ([]*activation.Activation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*activation.Activation, error)
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*activation.Activation, error)
}

// SmsStore persists deduplicated inbound messages.
type SmsStore interface {
	InsertIfAbsent(ctx context.Context, m activation.SmsMessage) (bool, error)
	ListByActivation(ctx context.Context, activationID uuid.UUID) ([]activation.SmsMessage, error)
}

// Refunder restores funds for terminated activations that never delivered.
type Refunder interface {
	Refund(ctx context.Context, userID, activationID uuid.UUID, price values.Money, reason string) error
}

// Publisher fans out lifecycle events.
type Publisher interface {
	Publish(event activation.TransitionEvent)
}

// NumberCanceller releases a rented number upstream.
type NumberCanceller interface {
	CancelNumber(ctx context.Context, p *provider.Provider, externalID string) error
}

// ProviderSource resolves provider configurations.
type ProviderSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
}

// Service owns the activation state machine: every transition goes through
// the optimistic state-guarded write, and every successful transition emits
// one event.
type Service struct {
	store     Store
	sms       SmsStore
	refunder  Refunder
	publisher Publisher
	providers ProviderSource
	canceller NumberCanceller
	logger    *zap.Logger
	metrics   *metrics.Registry

	rentalWindow time.Duration
}

func NewService(store Store, sms SmsStore, refunder Refunder, publisher Publisher,
	providers ProviderSource, canceller NumberCanceller,
	logger *zap.Logger, reg *metrics.Registry, rentalWindow time.Duration) *Service {
	if rentalWindow <= 0 {
		rentalWindow = activation.DefaultRentalWindow
	}
	return &Service{
		store:        store,
		sms:          sms,
		refunder:     refunder,
		publisher:    publisher,
		providers:    providers,
		canceller:    canceller,
		logger:       logger,
		metrics:      reg,
		rentalWindow: rentalWindow,
	}
}

// Start persists a new activation in its initial state, before the provider
// has issued a number. A crash after this point is repaired by
// reconciliation, never by losing the row.
func (s *Service) Start(ctx context.Context, userID, providerID uuid.UUID, country, service string, price values.Money) (*activation.Activation, error) {
	a, err := activation.New(userID, providerID, country, service, price)
	if err != nil {
		return nil, domainerrors.NewValidationError("INVALID_ACTIVATION", err.Error())
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	return a, nil
}

// Activate records the issued number and opens the rental window.
func (s *Service) Activate(ctx context.Context, id uuid.UUID, externalID, phoneNumber string) (*activation.Activation, error) {
	return s.transition(ctx, id, func(a *activation.Activation) error {
		return a.Activate(externalID, phoneNumber, s.rentalWindow)
	})
}

// Get returns one activation with its messages loaded lazily by callers.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*activation.Activation, error) {
	return s.store.GetByID(ctx, id)
}

// Messages returns an activation's received messages in arrival order.
func (s *Service) Messages(ctx context.Context, id uuid.UUID) ([]activation.SmsMessage, error) {
	return s.sms.ListByActivation(ctx, id)
}

// ListByUser returns a user's activations, newest first.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*activation.Activation, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// RecordSms stores an inbound message and moves the activation to received.
// Redelivered messages are dropped by the dedup key and change nothing.
func (s *Service) RecordSms(ctx context.Context, activationID uuid.UUID, providerMessageID, sender, text string) error {
	message := activation.NewSmsMessage(activationID, providerMessageID, sender, text)

	inserted, err := s.sms.InsertIfAbsent(ctx, message)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	if s.metrics != nil {
		s.metrics.SmsReceivedCounter.Add(ctx, 1)
	}

	_, err = s.transition(ctx, activationID, func(a *activation.Activation) error {
		return a.RecordSms(message.Text, message.Code)
	})
	return err
}

// Complete marks an activation finished on the user's acknowledgement.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*activation.Activation, error) {
	return s.transition(ctx, id, func(a *activation.Activation) error {
		return a.Complete()
	})
}

// Cancel terminates an activation on user request. The guarded transition
// runs first so a cancel that loses to delivery or a terminal state fails
// without touching the provider; only a cancel that actually landed
// releases the number upstream (best effort) and refunds when no message
// was ever delivered.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*activation.Activation, error) {
	a, err := s.transition(ctx, id, func(a *activation.Activation) error {
		return a.Cancel()
	})
	if err != nil {
		return nil, err
	}

	if a.ExternalID != "" {
		s.cancelUpstream(ctx, a)
	}

	s.maybeRefund(ctx, a, "cancelled before delivery")
	return a, nil
}

// Abandon cancels an activation that never left its initial state, used by
// the purchase failover loop. No upstream call and no refund; the matching
// reservation is rolled back separately.
func (s *Service) Abandon(ctx context.Context, id uuid.UUID) error {
	_, err := s.transition(ctx, id, func(a *activation.Activation) error {
		return a.Cancel()
	})
	return err
}

// Expire terminates an activation whose rental window elapsed, refunding
// when nothing was delivered.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (*activation.Activation, error) {
	a, err := s.transition(ctx, id, func(a *activation.Activation) error {
		return a.Expire()
	})
	if err != nil {
		return nil, err
	}

	s.maybeRefund(ctx, a, "rental window elapsed")
	return a, nil
}

// Timeout reconciles a stuck activation, refunding when nothing was
// delivered.
func (s *Service) Timeout(ctx context.Context, id uuid.UUID) (*activation.Activation, error) {
	a, err := s.transition(ctx, id, func(a *activation.Activation) error {
		return a.Timeout()
	})
	if err != nil {
		return nil, err
	}

	s.maybeRefund(ctx, a, "activation stuck past reconciliation cutoff")
	return a, nil
}

// ApplyStatus folds a poll result into the state machine.
func (s *Service) ApplyStatus(ctx context.Context, a *activation.Activation, result *provideradapter.StatusResult) error {
	switch result.Status {
	case provideradapter.StatusReceived:
		if result.Text == "" {
			return nil
		}
		return s.RecordSms(ctx, a.ID, result.MessageID, "", result.Text)
	case provideradapter.StatusCancelled:
		_, err := s.transition(ctx, a.ID, func(a *activation.Activation) error {
			return a.Cancel()
		})
		if err == nil {
			if fresh, getErr := s.store.GetByID(ctx, a.ID); getErr == nil {
				s.maybeRefund(ctx, fresh, "provider cancelled the number")
			}
		}
		return err
	case provideradapter.StatusExpired:
		_, err := s.Timeout(ctx, a.ID)
		return err
	case provideradapter.StatusCompleted:
		_, err := s.transition(ctx, a.ID, func(a *activation.Activation) error {
			return a.Complete()
		})
		return err
	default:
		return nil
	}
}

// Pollable returns activations that should be polled this tick.
func (s *Service) Pollable(ctx context.Context, limit int) ([]*activation.Activation, error) {
	return s.store.ListPollable(ctx, limit)
}

// Expirable returns activations past their rental window.
func (s *Service) Expirable(ctx context.Context, now time.Time, limit int) ([]*activation.Activation, error) {
	return s.store.ListExpired(ctx, now, limit)
}

// Stuck returns non-terminal activations older than cutoff.
func (s *Service) Stuck(ctx context.Context, cutoff time.Time, limit int) ([]*activation.Activation, error) {
	return s.store.ListStuck(ctx, cutoff, limit)
}

// transition reads, mutates and writes with the optimistic state guard. On
// a stale write it re-reads once: if the activation moved to a terminal
// state in the meantime the stale error stands, otherwise the mutation is
// retried against the fresh row.
func (s *Service) transition(ctx context.Context, id uuid.UUID, mutate func(*activation.Activation) error) (*activation.Activation, error) {
	for attempt := 0; attempt < 2; attempt++ {
		a, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		from := a.State
		if err := mutate(a); err != nil {
			return nil, domainerrors.NewConflictError("ILLEGAL_TRANSITION", err.Error())
		}

		err = s.store.UpdateWithState(ctx, a, from)
		if err == nil {
			s.emit(ctx, a, from)
			return a, nil
		}
		if !errors.Is(err, domainerrors.ErrStaleTransition) {
			return nil, err
		}
	}

	return nil, domainerrors.ErrStaleTransition
}

func (s *Service) emit(ctx context.Context, a *activation.Activation, from activation.State) {
	if s.publisher != nil {
		s.publisher.Publish(activation.TransitionEvent{
			ActivationID: a.ID,
			UserID:       a.UserID,
			FromState:    from,
			ToState:      a.State,
			Timestamp:    time.Now(),
		})
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(ctx, from.String(), a.State.String())
	}
}

// maybeRefund restores funds for a terminated activation that never
// delivered, then marks the row refunded.
func (s *Service) maybeRefund(ctx context.Context, a *activation.Activation, reason string) {
	if s.refunder == nil || !a.RefundEligible() {
		return
	}

	if err := s.refunder.Refund(ctx, a.UserID, a.ID, a.Price, reason); err != nil {
		s.logger.Error("refund failed",
			zap.String("activation_id", a.ID.String()),
			zap.Error(err))
		return
	}

	from := a.State
	a.MarkRefunded()
	if err := s.store.UpdateWithState(ctx, a, from); err != nil {
		// The refund transaction is idempotent; a stale flag write is
		// repaired on the next pass.
		s.logger.Warn("failed to persist refunded flag",
			zap.String("activation_id", a.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) cancelUpstream(ctx context.Context, a *activation.Activation) {
	p, err := s.providers.GetByID(ctx, a.ProviderID)
	if err != nil {
		s.logger.Warn("provider lookup for upstream cancel failed",
			zap.String("activation_id", a.ID.String()),
			zap.Error(err))
		return
	}

	if err := s.canceller.CancelNumber(ctx, p, a.ExternalID); err != nil {
		s.logger.Warn("upstream cancel failed",
			zap.String("activation_id", a.ID.String()),
			zap.String("provider", p.Name),
			zap.Error(err))
	}
}
