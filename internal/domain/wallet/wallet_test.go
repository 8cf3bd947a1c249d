package wallet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtualsim/activation-backend/internal/domain/values"
)

func usd(t *testing.T, amount float64) values.Money {
	t.Helper()
	m, err := values.NewMoneyFromFloat(amount, values.USD)
	require.NoError(t, err)
	return m
}

func TestNewWalletStartsEmpty(t *testing.T) {
	w, err := NewWallet(uuid.New(), values.USD)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, values.USD, w.Balance.Currency())
}

func TestNewWalletRequiresUser(t *testing.T) {
	_, err := NewWallet(uuid.Nil, values.USD)
	assert.Error(t, err)
}

func TestCanAfford(t *testing.T) {
	w, err := NewWallet(uuid.New(), values.USD)
	require.NoError(t, err)
	w.Balance = usd(t, 1.00)

	assert.True(t, w.CanAfford(usd(t, 0.50)))
	assert.True(t, w.CanAfford(usd(t, 1.00)))
	assert.False(t, w.CanAfford(usd(t, 1.01)))
}

func TestNewTransactionSignConvention(t *testing.T) {
	tests := []struct {
		txnType      TransactionType
		wantNegative bool
	}{
		{TransactionReserve, true},
		{TransactionCommit, true},
		{TransactionRollback, false},
		{TransactionRefund, false},
		{TransactionDeposit, false},
	}

	for _, tc := range tests {
		t.Run(tc.txnType.String(), func(t *testing.T) {
			txn, err := NewTransaction(uuid.New(), tc.txnType, usd(t, 0.50), "key-"+tc.txnType.String(), uuid.New(), "")
			require.NoError(t, err)
			assert.Equal(t, tc.wantNegative, txn.Amount.IsNegative())
		})
	}
}

func TestNewTransactionValidation(t *testing.T) {
	walletID, refID := uuid.New(), uuid.New()

	_, err := NewTransaction(walletID, TransactionType("chargeback"), usd(t, 1), "k", refID, "")
	assert.Error(t, err)

	_, err = NewTransaction(uuid.Nil, TransactionDeposit, usd(t, 1), "k", refID, "")
	assert.Error(t, err)

	_, err = NewTransaction(walletID, TransactionDeposit, values.Zero(values.USD), "k", refID, "")
	assert.Error(t, err)

	_, err = NewTransaction(walletID, TransactionDeposit, usd(t, 1).Neg(), "k", refID, "")
	assert.Error(t, err)

	_, err = NewTransaction(walletID, TransactionDeposit, usd(t, 1), "k", uuid.Nil, "")
	assert.Error(t, err)
}

func TestNewOfferReservationValidation(t *testing.T) {
	_, err := NewOfferReservation(uuid.New(), uuid.New(), "US", "telegram", usd(t, 0.50), "")
	assert.Error(t, err)

	_, err = NewOfferReservation(uuid.New(), uuid.New(), "US", "telegram", values.Zero(values.USD), "key-1")
	assert.Error(t, err)

	res, err := NewOfferReservation(uuid.New(), uuid.New(), "US", "telegram", usd(t, 0.50), "key-1")
	require.NoError(t, err)
	assert.Equal(t, ReservationPending, res.State)
	assert.False(t, res.State.IsTerminal())
}

func TestReservationSingleTerminalTransition(t *testing.T) {
	res, err := NewOfferReservation(uuid.New(), uuid.New(), "US", "telegram", usd(t, 0.50), "key-1")
	require.NoError(t, err)

	require.NoError(t, res.Confirm())
	assert.Equal(t, ReservationConfirmed, res.State)
	assert.True(t, res.State.IsTerminal())

	// Confirmed is final; neither transition may fire again.
	assert.Error(t, res.Confirm())
	assert.Error(t, res.Release())
}

func TestReservationReleaseIsAlsoFinal(t *testing.T) {
	res, err := NewOfferReservation(uuid.New(), uuid.New(), "US", "telegram", usd(t, 0.50), "key-1")
	require.NoError(t, err)

	require.NoError(t, res.Release())
	assert.Equal(t, ReservationReleased, res.State)
	assert.Error(t, res.Confirm())
	assert.Error(t, res.Release())
}

func TestNewPurchaseOrderRequiresLinkedIDs(t *testing.T) {
	price := usd(t, 0.50)

	_, err := NewPurchaseOrder(uuid.Nil, uuid.New(), uuid.New(), uuid.New(), price)
	assert.Error(t, err)

	_, err = NewPurchaseOrder(uuid.New(), uuid.Nil, uuid.New(), uuid.New(), price)
	assert.Error(t, err)

	_, err = NewPurchaseOrder(uuid.New(), uuid.New(), uuid.Nil, uuid.New(), price)
	assert.Error(t, err)

	order, err := NewPurchaseOrder(uuid.New(), uuid.New(), uuid.New(), uuid.New(), price)
	require.NoError(t, err)
	assert.True(t, order.Price.Equal(price))
}
