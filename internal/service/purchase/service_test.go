package purchase

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/outbox"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/domain/wallet"
	"github.com/virtualsim/activation-backend/internal/service/provideradapter"
	"github.com/virtualsim/activation-backend/internal/service/routing"
	"github.com/virtualsim/activation-backend/internal/testutil/fixtures"
)

type fakeRouter struct {
	candidates []routing.Candidate
	rankErr    error
	blocked    map[uuid.UUID]bool
}

func (r *fakeRouter) Rank(context.Context, string, string) ([]routing.Candidate, error) {
	return r.candidates, r.rankErr
}

func (r *fakeRouter) Allow(_ context.Context, id uuid.UUID) bool {
	return !r.blocked[id]
}

func (r *fakeRouter) Decide(c routing.Candidate, attempt int, reason string) *routing.Decision {
	return &routing.Decision{ProviderID: c.Provider.ID, Attempt: attempt, Reason: reason}
}

type fakeLedger struct {
	reservations map[uuid.UUID]*wallet.OfferReservation
	byKey        map[string]*wallet.OfferReservation
	orders       map[uuid.UUID]*wallet.PurchaseOrder
	rollbacks    []uuid.UUID
	commits      []uuid.UUID
	reserveErr   error
	commitErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		reservations: make(map[uuid.UUID]*wallet.OfferReservation),
		byKey:        make(map[string]*wallet.OfferReservation),
		orders:       make(map[uuid.UUID]*wallet.PurchaseOrder),
	}
}

func (l *fakeLedger) Reserve(_ context.Context, _, providerID uuid.UUID, country, service string, price values.Money, key string) (*wallet.OfferReservation, error) {
	if l.reserveErr != nil {
		return nil, l.reserveErr
	}
	if existing, ok := l.byKey[key]; ok {
		return existing, nil
	}
	res, err := wallet.NewOfferReservation(uuid.New(), providerID, country, service, price, key)
	if err != nil {
		return nil, err
	}
	l.reservations[res.ID] = res
	l.byKey[key] = res
	return res, nil
}

func (l *fakeLedger) Commit(_ context.Context, reservationID, activationID uuid.UUID) (*wallet.PurchaseOrder, error) {
	if l.commitErr != nil {
		return nil, l.commitErr
	}
	res := l.reservations[reservationID]
	if res.State == wallet.ReservationConfirmed {
		return l.orders[reservationID], nil
	}
	l.commits = append(l.commits, reservationID)
	res.State = wallet.ReservationConfirmed
	order, err := wallet.NewPurchaseOrder(reservationID, uuid.New(), activationID, res.ProviderID, res.Price)
	if err != nil {
		return nil, err
	}
	l.orders[reservationID] = order
	return order, nil
}

func (l *fakeLedger) Rollback(_ context.Context, reservationID uuid.UUID, _ string) error {
	l.rollbacks = append(l.rollbacks, reservationID)
	if res, ok := l.reservations[reservationID]; ok {
		res.State = wallet.ReservationReleased
	}
	return nil
}

type fakeActivations struct {
	rows      map[uuid.UUID]*activation.Activation
	abandoned []uuid.UUID
}

func newFakeActivations() *fakeActivations {
	return &fakeActivations{rows: make(map[uuid.UUID]*activation.Activation)}
}

func (f *fakeActivations) Start(_ context.Context, userID, providerID uuid.UUID, country, service string, price values.Money) (*activation.Activation, error) {
	a, err := activation.New(userID, providerID, country, service, price)
	if err != nil {
		return nil, err
	}
	f.rows[a.ID] = a
	return a, nil
}

func (f *fakeActivations) Activate(_ context.Context, id uuid.UUID, externalID, phoneNumber string) (*activation.Activation, error) {
	a := f.rows[id]
	if err := a.Activate(externalID, phoneNumber, 20*time.Minute); err != nil {
		return nil, err
	}
	return a, nil
}

func (f *fakeActivations) Abandon(_ context.Context, id uuid.UUID) error {
	f.abandoned = append(f.abandoned, id)
	return f.rows[id].Cancel()
}

func (f *fakeActivations) Get(_ context.Context, id uuid.UUID) (*activation.Activation, error) {
	a, ok := f.rows[id]
	if !ok {
		return nil, domainerrors.ErrActivationNotFound
	}
	return a, nil
}

// fakeNumbers returns per-provider canned outcomes.
type fakeNumbers struct {
	outcomes map[uuid.UUID]error
	calls    []uuid.UUID
}

func (f *fakeNumbers) GetNumber(_ context.Context, p *provider.Provider, _, _ string) (*provideradapter.NumberOrder, error) {
	f.calls = append(f.calls, p.ID)
	if err := f.outcomes[p.ID]; err != nil {
		return nil, err
	}
	return &provideradapter.NumberOrder{ExternalID: "ext-1001", PhoneNumber: "+12025550101"}, nil
}

type fakeOutbox struct {
	entries []*outbox.Entry
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, e *outbox.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

type purchaseHarness struct {
	svc         *Service
	router      *fakeRouter
	ledger      *fakeLedger
	activations *fakeActivations
	numbers     *fakeNumbers
	outbox      *fakeOutbox
}

func newHarness(t *testing.T, providers ...*provider.Provider) *purchaseHarness {
	t.Helper()

	candidates := make([]routing.Candidate, 0, len(providers))
	for _, p := range providers {
		candidates = append(candidates, routing.Candidate{
			Provider: p,
			Offer:    fixtures.Offer(p.ID, "US", "telegram", 0.50, 10),
			Score:    1,
		})
	}

	h := &purchaseHarness{
		router:      &fakeRouter{candidates: candidates, blocked: make(map[uuid.UUID]bool)},
		ledger:      newFakeLedger(),
		activations: newFakeActivations(),
		numbers:     &fakeNumbers{outcomes: make(map[uuid.UUID]error)},
		outbox:      &fakeOutbox{},
	}
	h.svc = NewService(h.router, h.ledger, h.activations, h.numbers, h.outbox,
		zap.NewNop(), nil, values.USD)
	return h
}

func TestPurchaseHappyPath(t *testing.T) {
	p := fixtures.Provider(t, "alpha")
	h := newHarness(t, p)

	result, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.NoError(t, err)

	assert.Equal(t, activation.StateActive, result.Activation.State)
	assert.Equal(t, "+12025550101", result.Activation.PhoneNumber)
	assert.Equal(t, p.ID, result.Decision.ProviderID)
	assert.Equal(t, 1, result.Decision.Attempt)
	assert.Empty(t, h.ledger.rollbacks)
	require.Len(t, h.outbox.entries, 1)
	assert.Equal(t, outbox.KindOrderIndexSync, h.outbox.entries[0].Kind)
}

func TestPurchaseFailsOverOnNoNumbers(t *testing.T) {
	empty := fixtures.Provider(t, "empty")
	stocked := fixtures.Provider(t, "stocked")
	h := newHarness(t, empty, stocked)
	h.numbers.outcomes[empty.ID] = domainerrors.ErrNoNumbersAvailable
	h.router.candidates[1].Offer.PriceUSD = 0.75

	result, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.NoError(t, err)

	assert.Equal(t, stocked.ID, result.Order.ProviderID)
	assert.Equal(t, 2, result.Decision.Attempt)
	// The charge reflects the winning provider's offer, not the first one's.
	assert.True(t, result.Order.Price.Equal(fixtures.Money(t, 0.75)))

	// The first attempt's hold was released and its activation abandoned
	// before the second provider was tried.
	require.Len(t, h.ledger.rollbacks, 1)
	require.Len(t, h.activations.abandoned, 1)
	assert.Equal(t, []uuid.UUID{empty.ID, stocked.ID}, h.numbers.calls)
}

func TestPurchaseSkipsBreakerBlockedCandidates(t *testing.T) {
	broken := fixtures.Provider(t, "broken")
	healthy := fixtures.Provider(t, "healthy")
	h := newHarness(t, broken, healthy)
	h.router.blocked[broken.ID] = true

	result, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.NoError(t, err)

	assert.Equal(t, healthy.ID, result.Order.ProviderID)
	// The skipped candidate never counts as an attempt.
	assert.Equal(t, 1, result.Decision.Attempt)
	assert.Equal(t, []uuid.UUID{healthy.ID}, h.numbers.calls)
}

func TestPurchaseAllProvidersExhausted(t *testing.T) {
	a := fixtures.Provider(t, "a")
	b := fixtures.Provider(t, "b")
	h := newHarness(t, a, b)
	h.numbers.outcomes[a.ID] = domainerrors.ErrNoNumbersAvailable
	h.numbers.outcomes[b.ID] = domainerrors.ErrProviderNoBalance

	_, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNoProviderAvailable))
	assert.Len(t, h.ledger.rollbacks, 2)
}

func TestPurchaseAdvancesPastProviderFault(t *testing.T) {
	bad := fixtures.Provider(t, "bad")
	backup := fixtures.Provider(t, "backup")
	h := newHarness(t, bad, backup)
	h.numbers.outcomes[bad.ID] = domainerrors.NewExternalError("bad", "tls handshake failed")

	result, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.NoError(t, err)

	// A 5xx or unreachable upstream burns only that candidate.
	assert.Equal(t, backup.ID, result.Order.ProviderID)
	assert.Equal(t, []uuid.UUID{bad.ID, backup.ID}, h.numbers.calls)
	assert.Len(t, h.ledger.rollbacks, 1)
}

func TestPurchaseTimeoutFailsOver(t *testing.T) {
	slow := fixtures.Provider(t, "slow")
	backup := fixtures.Provider(t, "backup")
	h := newHarness(t, slow, backup)
	h.numbers.outcomes[slow.ID] = domainerrors.NewExternalError("slow", "provider unreachable").
		WithCause(context.DeadlineExceeded)

	result, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.NoError(t, err)
	assert.Equal(t, backup.ID, result.Order.ProviderID)
}

func TestPurchaseReservationConflictAborts(t *testing.T) {
	first := fixtures.Provider(t, "first")
	second := fixtures.Provider(t, "second")
	h := newHarness(t, first, second)
	h.ledger.reserveErr = domainerrors.ErrReservationConflict

	_, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrReservationConflict)

	// Wallet errors are terminal; no candidate is ever dialled.
	assert.Empty(t, h.numbers.calls)
}

func TestPurchaseInsufficientBalanceAborts(t *testing.T) {
	p := fixtures.Provider(t, "alpha")
	h := newHarness(t, p)
	h.ledger.reserveErr = domainerrors.ErrInsufficientBalance

	_, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	assert.ErrorIs(t, err, domainerrors.ErrInsufficientBalance)
	assert.Empty(t, h.numbers.calls)
}

func TestPurchaseReplayReturnsCommittedResult(t *testing.T) {
	p := fixtures.Provider(t, "alpha")
	h := newHarness(t, p)

	first, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.NoError(t, err)

	second, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Activation.ID, second.Activation.ID)
	assert.Equal(t, "idempotent replay", second.Decision.Reason)
	// Only the first request rented a number.
	assert.Len(t, h.numbers.calls, 1)
}

func TestPurchaseReplayOfFailedAttemptDoesNotRetryProvider(t *testing.T) {
	only := fixtures.Provider(t, "only")
	h := newHarness(t, only)
	h.numbers.outcomes[only.ID] = domainerrors.ErrNoNumbersAvailable

	_, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	require.Error(t, err)
	require.Len(t, h.numbers.calls, 1)

	// Same request again: the released reservation is recognised and the
	// provider is not called a second time.
	_, err = h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	assert.True(t, domainerrors.IsCode(err, domainerrors.CodeNoProviderAvailable))
	assert.Len(t, h.numbers.calls, 1)
}

func TestPurchaseNoCandidates(t *testing.T) {
	h := newHarness(t)
	h.router.rankErr = domainerrors.ErrNoProviderAvailable

	_, err := h.svc.Purchase(context.Background(), uuid.New(), "US", "telegram", "req-1")
	assert.ErrorIs(t, err, domainerrors.ErrNoProviderAvailable)
}
