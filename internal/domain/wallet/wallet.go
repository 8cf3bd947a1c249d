package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/virtualsim/activation-backend/internal/domain/values"
)

// Wallet holds a user's cached balance. The balance is always derivable by
// summing the wallet's transactions; the column exists to avoid the sum on
// every read, never as the source of truth.
type Wallet struct {
	ID        uuid.UUID    `json:"id"`
	UserID    uuid.UUID    `json:"user_id"`
	Balance   values.Money `json:"balance"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewWallet creates an empty wallet for a user.
func NewWallet(userID uuid.UUID, currency string) (*Wallet, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user ID cannot be nil")
	}

	now := time.Now()
	return &Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Balance:   values.Zero(currency),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CanAfford reports whether the cached balance covers the given price.
func (w *Wallet) CanAfford(price values.Money) bool {
	return w.Balance.GreaterOrEqual(price)
}

// TransactionType classifies ledger entries. Reserve and commit carry
// negative amounts, rollback and refund positive ones; deposit tops up.
type TransactionType string

const (
	TransactionReserve  TransactionType = "reserve"
	TransactionCommit   TransactionType = "commit"
	TransactionRollback TransactionType = "rollback"
	TransactionRefund   TransactionType = "refund"
	TransactionDeposit  TransactionType = "deposit"
)

func (t TransactionType) String() string { return string(t) }

// IsValid checks if the transaction type is valid
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionReserve, TransactionCommit, TransactionRollback,
		TransactionRefund, TransactionDeposit:
		return true
	default:
		return false
	}
}

// Transaction is one immutable, append-only ledger entry. Rows are never
// updated or deleted; corrections are new entries.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	WalletID       uuid.UUID       `json:"wallet_id"`
	Type           TransactionType `json:"type"`
	Amount         values.Money    `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ReferenceID    uuid.UUID       `json:"reference_id"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewTransaction creates a ledger entry with the sign convention enforced:
// the caller passes a positive magnitude and the type decides the sign.
func NewTransaction(walletID uuid.UUID, txnType TransactionType, magnitude values.Money, idempotencyKey string, referenceID uuid.UUID, description string) (*Transaction, error) {
	if !txnType.IsValid() {
		return nil, fmt.Errorf("invalid transaction type: %s", txnType)
	}
	if walletID == uuid.Nil {
		return nil, fmt.Errorf("wallet ID cannot be nil")
	}
	if magnitude.IsNegative() || magnitude.IsZero() {
		return nil, fmt.Errorf("transaction magnitude must be positive")
	}
	if referenceID == uuid.Nil {
		return nil, fmt.Errorf("reference ID cannot be nil")
	}

	amount := magnitude
	switch txnType {
	case TransactionReserve, TransactionCommit:
		amount = magnitude.Neg()
	}

	return &Transaction{
		ID:             uuid.New(),
		WalletID:       walletID,
		Type:           txnType,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    referenceID,
		Description:    description,
		CreatedAt:      time.Now(),
	}, nil
}

// ReservationState tracks the single terminal transition an offer
// reservation is allowed.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationReleased  ReservationState = "released"
)

func (s ReservationState) String() string { return string(s) }

// IsTerminal reports whether the reservation has reached its final state.
func (s ReservationState) IsTerminal() bool {
	return s == ReservationConfirmed || s == ReservationReleased
}

// OfferReservation is an ephemeral hold on a (provider, country, service)
// quote plus the matching funds reserve. Exactly one terminal transition.
type OfferReservation struct {
	ID             uuid.UUID        `json:"id"`
	WalletID       uuid.UUID        `json:"wallet_id"`
	ProviderID     uuid.UUID        `json:"provider_id"`
	Country        string           `json:"country"`
	Service        string           `json:"service"`
	Price          values.Money     `json:"price"`
	IdempotencyKey string           `json:"idempotency_key"`
	State          ReservationState `json:"state"`
	ExpiresAt      time.Time        `json:"expires_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// DefaultReservationTTL bounds how long a pending reservation may wait for
// the external call before cleanup releases it.
const DefaultReservationTTL = 5 * time.Minute

// NewOfferReservation creates a pending reservation.
func NewOfferReservation(walletID, providerID uuid.UUID, country, service string, price values.Money, idempotencyKey string) (*OfferReservation, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if price.IsNegative() || price.IsZero() {
		return nil, fmt.Errorf("reservation price must be positive")
	}

	now := time.Now()
	return &OfferReservation{
		ID:             uuid.New(),
		WalletID:       walletID,
		ProviderID:     providerID,
		Country:        country,
		Service:        service,
		Price:          price,
		IdempotencyKey: idempotencyKey,
		State:          ReservationPending,
		ExpiresAt:      now.Add(DefaultReservationTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Confirm moves the reservation to its confirmed terminal state.
func (r *OfferReservation) Confirm() error {
	if r.State != ReservationPending {
		return fmt.Errorf("cannot confirm reservation in state %s", r.State)
	}
	r.State = ReservationConfirmed
	r.UpdatedAt = time.Now()
	return nil
}

// Release moves the reservation to its released terminal state.
func (r *OfferReservation) Release() error {
	if r.State != ReservationPending {
		return fmt.Errorf("cannot release reservation in state %s", r.State)
	}
	r.State = ReservationReleased
	r.UpdatedAt = time.Now()
	return nil
}

// PurchaseOrder is the immutable record linking a confirmed reservation, the
// commit transaction, the provider call result, and the resulting
// activation. Created exactly once per successful commit.
type PurchaseOrder struct {
	ID            uuid.UUID    `json:"id"`
	ReservationID uuid.UUID    `json:"reservation_id"`
	TransactionID uuid.UUID    `json:"transaction_id"`
	ActivationID  uuid.UUID    `json:"activation_id"`
	ProviderID    uuid.UUID    `json:"provider_id"`
	Price         values.Money `json:"price"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NewPurchaseOrder links the artifacts of one committed purchase.
func NewPurchaseOrder(reservationID, transactionID, activationID, providerID uuid.UUID, price values.Money) (*PurchaseOrder, error) {
	if reservationID == uuid.Nil || transactionID == uuid.Nil || activationID == uuid.Nil {
		return nil, fmt.Errorf("purchase order requires reservation, transaction and activation ids")
	}

	return &PurchaseOrder{
		ID:            uuid.New(),
		ReservationID: reservationID,
		TransactionID: transactionID,
		ActivationID:  activationID,
		ProviderID:    providerID,
		Price:         price,
		CreatedAt:     time.Now(),
	}, nil
}
