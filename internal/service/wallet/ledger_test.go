package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/domain/wallet"
	"github.com/virtualsim/activation-backend/internal/testutil/fixtures"
)

// fakeTxRunner runs the callback with no real transaction. The memory store
// below is not transactional, which is fine for exercising ledger logic.
type fakeTxRunner struct{}

func (fakeTxRunner) Transaction(_ context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

type memStore struct {
	wallets  map[uuid.UUID]*wallet.Wallet
	byUser   map[uuid.UUID]uuid.UUID
	txns     []*wallet.Transaction
	txnByKey map[string]*wallet.Transaction
	resByID  map[uuid.UUID]*wallet.OfferReservation
	resByKey map[string]*wallet.OfferReservation
	orders   map[uuid.UUID]*wallet.PurchaseOrder
}

func newMemStore() *memStore {
	return &memStore{
		wallets:  make(map[uuid.UUID]*wallet.Wallet),
		byUser:   make(map[uuid.UUID]uuid.UUID),
		txnByKey: make(map[string]*wallet.Transaction),
		resByID:  make(map[uuid.UUID]*wallet.OfferReservation),
		resByKey: make(map[string]*wallet.OfferReservation),
		orders:   make(map[uuid.UUID]*wallet.PurchaseOrder),
	}
}

func (s *memStore) CreateWallet(_ context.Context, w *wallet.Wallet) error {
	if _, exists := s.byUser[w.UserID]; exists {
		return domainerrors.NewConflictError("WALLET_EXISTS", "wallet already exists")
	}
	cp := *w
	s.wallets[w.ID] = &cp
	s.byUser[w.UserID] = w.ID
	return nil
}

func (s *memStore) GetByUserID(_ context.Context, userID uuid.UUID) (*wallet.Wallet, error) {
	id, ok := s.byUser[userID]
	if !ok {
		return nil, domainerrors.ErrWalletNotFound
	}
	cp := *s.wallets[id]
	return &cp, nil
}

func (s *memStore) GetByUserIDForUpdate(ctx context.Context, _ pgx.Tx, userID uuid.UUID) (*wallet.Wallet, error) {
	return s.GetByUserID(ctx, userID)
}

func (s *memStore) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*wallet.Wallet, error) {
	w, ok := s.wallets[id]
	if !ok {
		return nil, domainerrors.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *memStore) UpdateBalance(_ context.Context, _ pgx.Tx, walletID uuid.UUID, balance values.Money) error {
	w, ok := s.wallets[walletID]
	if !ok {
		return domainerrors.ErrWalletNotFound
	}
	w.Balance = balance
	return nil
}

func (s *memStore) InsertTransaction(_ context.Context, _ pgx.Tx, t *wallet.Transaction) error {
	if t.IdempotencyKey != "" {
		if _, dup := s.txnByKey[t.IdempotencyKey]; dup {
			return domainerrors.ErrReservationConflict
		}
		s.txnByKey[t.IdempotencyKey] = t
	}
	s.txns = append(s.txns, t)
	return nil
}

func (s *memStore) GetTransactionByIdempotencyKey(_ context.Context, key string) (*wallet.Transaction, error) {
	return s.txnByKey[key], nil
}

func (s *memStore) SumTransactions(_ context.Context, walletID uuid.UUID, currency string) (values.Money, error) {
	sum := values.Zero(currency)
	for _, t := range s.txns {
		if t.WalletID != walletID {
			continue
		}
		next, err := sum.Add(t.Amount)
		if err != nil {
			return values.Money{}, err
		}
		sum = next
	}
	return sum, nil
}

func (s *memStore) InsertReservation(_ context.Context, _ pgx.Tx, res *wallet.OfferReservation) error {
	if _, dup := s.resByKey[res.IdempotencyKey]; dup {
		return domainerrors.ErrReservationConflict
	}
	cp := *res
	s.resByID[res.ID] = &cp
	s.resByKey[res.IdempotencyKey] = &cp
	return nil
}

func (s *memStore) GetReservation(_ context.Context, id uuid.UUID) (*wallet.OfferReservation, error) {
	res, ok := s.resByID[id]
	if !ok {
		return nil, domainerrors.NewNotFoundError("reservation")
	}
	cp := *res
	return &cp, nil
}

func (s *memStore) GetReservationByIdempotencyKey(_ context.Context, key string) (*wallet.OfferReservation, error) {
	res, ok := s.resByKey[key]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (s *memStore) GetReservationForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*wallet.OfferReservation, error) {
	return s.GetReservation(ctx, id)
}

func (s *memStore) UpdateReservationState(_ context.Context, _ pgx.Tx, id uuid.UUID, from, to wallet.ReservationState) error {
	res, ok := s.resByID[id]
	if !ok {
		return domainerrors.NewNotFoundError("reservation")
	}
	if res.State != from {
		return domainerrors.ErrReservationConflict
	}
	res.State = to
	return nil
}

func (s *memStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*wallet.OfferReservation, error) {
	var out []*wallet.OfferReservation
	for _, res := range s.resByID {
		if res.State == wallet.ReservationPending && res.ExpiresAt.Before(now) && len(out) < limit {
			cp := *res
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) InsertPurchaseOrder(_ context.Context, _ pgx.Tx, po *wallet.PurchaseOrder) error {
	cp := *po
	s.orders[po.ReservationID] = &cp
	return nil
}

func (s *memStore) GetPurchaseOrderByReservation(_ context.Context, reservationID uuid.UUID) (*wallet.PurchaseOrder, error) {
	po := s.orders[reservationID]
	if po == nil {
		return nil, nil
	}
	cp := *po
	return &cp, nil
}

func newTestLedger() (*Ledger, *memStore) {
	store := newMemStore()
	return NewLedger(fakeTxRunner{}, store, zap.NewNop(), nil), store
}

// fundedUser deposits through the ledger so the transaction sum and the
// cached balance agree from the start.
func fundedUser(t *testing.T, ledger *Ledger, balance float64) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, err := ledger.Deposit(context.Background(), userID, fixtures.Money(t, balance), "seed-"+userID.String())
	require.NoError(t, err)
	return userID
}

func balanceOf(t *testing.T, l *Ledger, userID uuid.UUID) float64 {
	t.Helper()
	w, err := l.Balance(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance.ToFloat64()
}

func TestDepositCreatesWalletOnFirstUse(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := uuid.New()

	w, err := ledger.Deposit(context.Background(), userID, fixtures.Money(t, 10), "dep-1")
	require.NoError(t, err)
	assert.InDelta(t, 10, w.Balance.ToFloat64(), 1e-9)

	ok, err := ledger.VerifyBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDepositReplayDoesNotDoubleCredit(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := uuid.New()

	_, err := ledger.Deposit(context.Background(), userID, fixtures.Money(t, 10), "dep-1")
	require.NoError(t, err)

	w, err := ledger.Deposit(context.Background(), userID, fixtures.Money(t, 10), "dep-1")
	require.NoError(t, err)
	assert.InDelta(t, 10, w.Balance.ToFloat64(), 1e-9)
}

func TestReserveDebitsAndCreatesPendingHold(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 5)
	providerID := uuid.New()

	res, err := ledger.Reserve(context.Background(), userID, providerID, "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)
	assert.Equal(t, wallet.ReservationPending, res.State)
	assert.InDelta(t, 4.50, balanceOf(t, ledger, userID), 1e-9)
}

func TestReserveReplayReturnsOriginalHold(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 5)
	providerID := uuid.New()

	first, err := ledger.Reserve(context.Background(), userID, providerID, "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)

	second, err := ledger.Reserve(context.Background(), userID, providerID, "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, 4.50, balanceOf(t, ledger, userID), 1e-9)
}

func TestReserveInsufficientBalance(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 0.25)

	_, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	assert.ErrorIs(t, err, domainerrors.ErrInsufficientBalance)
	assert.InDelta(t, 0.25, balanceOf(t, ledger, userID), 1e-9)
}

func TestCommitLeavesBalanceUntouched(t *testing.T) {
	ledger, store := newTestLedger()
	userID := fundedUser(t, ledger, 5)
	activationID := uuid.New()

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)

	order, err := ledger.Commit(context.Background(), res.ID, activationID)
	require.NoError(t, err)
	assert.Equal(t, activationID, order.ActivationID)

	// The hold already moved the money; commit only reclassifies it.
	assert.InDelta(t, 4.50, balanceOf(t, ledger, userID), 1e-9)

	ok, err := ledger.VerifyBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetReservation(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.ReservationConfirmed, got.State)
}

func TestCommitReplayReturnsOriginalOrder(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 5)
	activationID := uuid.New()

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)

	first, err := ledger.Commit(context.Background(), res.ID, activationID)
	require.NoError(t, err)

	second, err := ledger.Commit(context.Background(), res.ID, activationID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, 4.50, balanceOf(t, ledger, userID), 1e-9)
}

func TestCommitReleasedReservationConflicts(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 5)

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)
	require.NoError(t, ledger.Rollback(context.Background(), res.ID, "caller gave up"))

	_, err = ledger.Commit(context.Background(), res.ID, uuid.New())
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeConflict))
}

func TestRollbackRestoresBalance(t *testing.T) {
	ledger, store := newTestLedger()
	userID := fundedUser(t, ledger, 5)

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)
	require.InDelta(t, 4.50, balanceOf(t, ledger, userID), 1e-9)

	require.NoError(t, ledger.Rollback(context.Background(), res.ID, "provider unreachable"))
	assert.InDelta(t, 5, balanceOf(t, ledger, userID), 1e-9)

	got, err := store.GetReservation(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.ReservationReleased, got.State)

	ok, err := ledger.VerifyBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRollbackIsIdempotent(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 5)

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)

	require.NoError(t, ledger.Rollback(context.Background(), res.ID, "first"))
	require.NoError(t, ledger.Rollback(context.Background(), res.ID, "second"))
	assert.InDelta(t, 5, balanceOf(t, ledger, userID), 1e-9)
}

func TestRollbackConfirmedReservationConflicts(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 5)

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)
	_, err = ledger.Commit(context.Background(), res.ID, uuid.New())
	require.NoError(t, err)

	err = ledger.Rollback(context.Background(), res.ID, "too late")
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeConflict))
}

func TestRefundIsIdempotentPerActivation(t *testing.T) {
	ledger, _ := newTestLedger()
	userID := fundedUser(t, ledger, 5)
	activationID := uuid.New()

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)
	_, err = ledger.Commit(context.Background(), res.ID, activationID)
	require.NoError(t, err)

	require.NoError(t, ledger.Refund(context.Background(), userID, activationID, fixtures.Money(t, 0.50), "no sms before expiry"))
	assert.InDelta(t, 5, balanceOf(t, ledger, userID), 1e-9)

	require.NoError(t, ledger.Refund(context.Background(), userID, activationID, fixtures.Money(t, 0.50), "retry"))
	assert.InDelta(t, 5, balanceOf(t, ledger, userID), 1e-9)

	ok, err := ledger.VerifyBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseExpiredRollsBackOnlyOverdueHolds(t *testing.T) {
	ledger, store := newTestLedger()
	userID := fundedUser(t, ledger, 5)

	res, err := ledger.Reserve(context.Background(), userID, uuid.New(), "US", "telegram",
		fixtures.Money(t, 0.50), "key-1")
	require.NoError(t, err)

	// Not yet expired.
	released, err := ledger.ReleaseExpired(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	released, err = ledger.ReleaseExpired(context.Background(), time.Now().Add(wallet.DefaultReservationTTL+time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.InDelta(t, 5, balanceOf(t, ledger, userID), 1e-9)

	got, err := store.GetReservation(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.ReservationReleased, got.State)
}
