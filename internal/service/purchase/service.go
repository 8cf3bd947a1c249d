package purchase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/outbox"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/domain/wallet"
	"github.com/virtualsim/activation-backend/internal/metrics"
	"github.com/virtualsim/activation-backend/internal/service/provideradapter"
	"github.com/virtualsim/activation-backend/internal/service/routing"
)

// Router ranks candidates and gates dispatch.
type Router interface {
	Rank(ctx context.Context, country, service string) ([]routing.Candidate, error)
	Allow(ctx context.Context, providerID uuid.UUID) bool
	Decide(c routing.Candidate, attempt int, reason string) *routing.Decision
}

// LedgerAPI is the two-phase money surface the coordinator drives.
type LedgerAPI interface {
	Reserve(ctx context.Context, userID, providerID uuid.UUID, country, service string, price values.Money, idempotencyKey string) (*wallet.OfferReservation, error)
	Commit(ctx context.Context, reservationID, activationID uuid.UUID) (*wallet.PurchaseOrder, error)
	Rollback(ctx context.Context, reservationID uuid.UUID, reason string) error
}

// Activations is the lifecycle surface the coordinator drives.
type Activations interface {
	Start(ctx context.Context, userID, providerID uuid.UUID, country, service string, price values.Money) (*activation.Activation, error)
	Activate(ctx context.Context, id uuid.UUID, externalID, phoneNumber string) (*activation.Activation, error)
	Abandon(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
}

// NumberSource rents numbers upstream.
type NumberSource interface {
	GetNumber(ctx context.Context, p *provider.Provider, country, service string) (*provideradapter.NumberOrder, error)
}

// OutboxQueue enqueues durable side-effects.
type OutboxQueue interface {
	Enqueue(ctx context.Context, tx pgx.Tx, e *outbox.Entry) error
}

// Result is a completed purchase.
type Result struct {
	Activation *activation.Activation `json:"activation"`
	Order      *wallet.PurchaseOrder  `json:"order"`
	Decision   *routing.Decision      `json:"decision"`
}

// Service coordinates one purchase end to end: rank candidates, then per
// candidate reserve funds, rent the number, and commit. Funds are never
// held across a candidate boundary; a failed attempt rolls its hold back
// before the next provider is tried.
type Service struct {
	router      Router
	ledger      LedgerAPI
	activations Activations
	numbers     NumberSource
	outbox      OutboxQueue
	logger      *zap.Logger
	metrics     *metrics.Registry

	currency string
}

func NewService(router Router, ledger LedgerAPI, activations Activations, numbers NumberSource,
	outboxQueue OutboxQueue, logger *zap.Logger, reg *metrics.Registry, currency string) *Service {
	if currency == "" {
		currency = values.USD
	}
	return &Service{
		router:      router,
		ledger:      ledger,
		activations: activations,
		numbers:     numbers,
		outbox:      outboxQueue,
		logger:      logger,
		metrics:     reg,
		currency:    currency,
	}
}

// Purchase buys a number for (country, service), failing over down the
// ranked candidate list on provider-side shortages and faults.
func (s *Service) Purchase(ctx context.Context, userID uuid.UUID, country, service, idempotencyKey string) (*Result, error) {
	candidates, err := s.router.Rank(ctx, country, service)
	if err != nil {
		return nil, err
	}

	var lastErr error
	attempt := 0
	for _, candidate := range candidates {
		if !s.router.Allow(ctx, candidate.Provider.ID) {
			s.logger.Debug("candidate skipped by circuit breaker",
				zap.String("provider", candidate.Provider.Name))
			continue
		}
		attempt++

		result, err := s.attempt(ctx, userID, country, service, idempotencyKey, candidate, attempt)
		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordRouting(ctx, 0, attempt, true)
			}
			return result, nil
		}

		lastErr = err
		if !failoverEligible(err) {
			if s.metrics != nil {
				s.metrics.RecordRouting(ctx, 0, attempt, false)
			}
			return nil, err
		}

		if domainerrors.IsFailoverEligible(err) {
			s.logger.Info("failing over to next provider",
				zap.String("provider", candidate.Provider.Name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else {
			// Timeouts and 5xx still advance the candidate list, but unlike
			// plain stock shortages they warrant incident review.
			s.logger.Error("provider fault, failing over to next provider",
				zap.String("provider", candidate.Provider.Name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordRouting(ctx, 0, attempt, false)
	}
	if lastErr != nil {
		return nil, domainerrors.ErrNoProviderAvailable.WithCause(lastErr)
	}
	return nil, domainerrors.ErrNoProviderAvailable
}

// failoverEligible reports whether an attempt's failure is local to the
// provider that was tried. Shortage codes and any upstream fault (timeout,
// 5xx, unreachable) move on to the next candidate; wallet and internal
// errors terminate the purchase since retrying another provider cannot
// help the caller.
func failoverEligible(err error) bool {
	return domainerrors.IsFailoverEligible(err) ||
		domainerrors.IsType(err, domainerrors.ErrorTypeExternal)
}

// attempt runs the two-phase flow against one candidate. The reservation is
// scoped to (request, provider) so a replayed request recognises prior
// attempts per provider.
func (s *Service) attempt(ctx context.Context, userID uuid.UUID, country, service, idempotencyKey string, candidate routing.Candidate, attemptNo int) (*Result, error) {
	price, err := values.NewMoneyFromFloat(candidate.Offer.PriceUSD, s.currency)
	if err != nil {
		return nil, domainerrors.NewInternalError("invalid offer price").WithCause(err)
	}

	attemptKey := idempotencyKey + ":" + candidate.Provider.ID.String()

	reservation, err := s.ledger.Reserve(ctx, userID, candidate.Provider.ID, country, service, price, attemptKey)
	if err != nil {
		return nil, err
	}

	switch reservation.State {
	case wallet.ReservationConfirmed:
		// Replay of a purchase that already succeeded on this provider.
		return s.replay(ctx, reservation, candidate, attemptNo)
	case wallet.ReservationReleased:
		// A prior run already tried and failed this provider.
		return nil, domainerrors.ErrNoNumbersAvailable
	}

	act, err := s.activations.Start(ctx, userID, candidate.Provider.ID, country, service, price)
	if err != nil {
		s.rollback(ctx, reservation.ID, "activation create failed")
		return nil, err
	}

	started := time.Now()
	order, err := s.numbers.GetNumber(ctx, candidate.Provider, country, service)
	if err != nil {
		s.rollback(ctx, reservation.ID, "provider call failed")
		s.abandon(ctx, act.ID)
		return nil, err
	}

	act, err = s.activations.Activate(ctx, act.ID, order.ExternalID, order.PhoneNumber)
	if err != nil {
		s.rollback(ctx, reservation.ID, "activation transition failed")
		return nil, err
	}

	purchaseOrder, err := s.ledger.Commit(ctx, reservation.ID, act.ID)
	if err != nil {
		// The number is rented but the charge did not land. Reconciliation
		// releases the hold; the activation keeps running on the hold's
		// funds. This must stay rare enough to page on.
		s.logger.Error("commit failed after number was issued",
			zap.String("reservation_id", reservation.ID.String()),
			zap.String("activation_id", act.ID.String()),
			zap.Error(err))
		return nil, err
	}

	s.enqueueIndexSync(ctx, purchaseOrder)

	decision := s.router.Decide(candidate, attemptNo, "weighted score winner")
	s.logger.Info("purchase completed",
		zap.String("activation_id", act.ID.String()),
		zap.String("provider", candidate.Provider.Name),
		zap.Int("attempt", attemptNo),
		zap.Duration("provider_latency", time.Since(started)),
		zap.Float64("score", candidate.Score))

	return &Result{Activation: act, Order: purchaseOrder, Decision: decision}, nil
}

// replay reconstructs the result of an already-committed purchase.
func (s *Service) replay(ctx context.Context, reservation *wallet.OfferReservation, candidate routing.Candidate, attemptNo int) (*Result, error) {
	order, err := s.orderForReservation(ctx, reservation.ID)
	if err != nil {
		return nil, err
	}

	act, err := s.activations.Get(ctx, order.ActivationID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Activation: act,
		Order:      order,
		Decision:   s.router.Decide(candidate, attemptNo, "idempotent replay"),
	}, nil
}

func (s *Service) orderForReservation(ctx context.Context, reservationID uuid.UUID) (*wallet.PurchaseOrder, error) {
	// Commit is idempotent: for a confirmed reservation it returns the
	// stored purchase order without writing anything.
	order, err := s.ledger.Commit(ctx, reservationID, uuid.Nil)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) rollback(ctx context.Context, reservationID uuid.UUID, reason string) {
	if err := s.ledger.Rollback(ctx, reservationID, reason); err != nil {
		s.logger.Error("rollback failed, cleanup will retry",
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err))
	}
}

func (s *Service) abandon(ctx context.Context, activationID uuid.UUID) {
	if err := s.activations.Abandon(ctx, activationID); err != nil {
		s.logger.Warn("failed to abandon activation",
			zap.String("activation_id", activationID.String()),
			zap.Error(err))
	}
}

func (s *Service) enqueueIndexSync(ctx context.Context, order *wallet.PurchaseOrder) {
	payload, err := json.Marshal(order)
	if err != nil {
		s.logger.Warn("failed to marshal purchase order for index sync", zap.Error(err))
		return
	}

	entry := outbox.NewEntry(outbox.KindOrderIndexSync, order.ID, payload)
	if err := s.outbox.Enqueue(ctx, nil, entry); err != nil {
		s.logger.Warn("failed to enqueue index sync", zap.Error(err))
	}
}
