package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/domain/wallet"
	"github.com/virtualsim/activation-backend/internal/metrics"
)

// TxRunner executes a function inside one database transaction.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

// Store is the persistence surface the ledger needs. Implemented by the
// wallet repository.
type Store interface {
	CreateWallet(ctx context.Context, w *wallet.Wallet) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*wallet.Wallet, error)
	GetByUserIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*wallet.Wallet, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*wallet.Wallet, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, balance values.Money) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *wallet.Transaction) error
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*wallet.Transaction, error)
	SumTransactions(ctx context.Context, walletID uuid.UUID, currency string) (values.Money, error)
	InsertReservation(ctx context.Context, tx pgx.Tx, res *wallet.OfferReservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (*wallet.OfferReservation, error)
	GetReservationByIdempotencyKey(ctx context.Context, key string) (*wallet.OfferReservation, error)
	GetReservationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*wallet.OfferReservation, error)
	UpdateReservationState(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to wallet.ReservationState) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*wallet.OfferReservation, error)
	InsertPurchaseOrder(ctx context.Context, tx pgx.Tx, po *wallet.PurchaseOrder) error
	GetPurchaseOrderByReservation(ctx context.Context, reservationID uuid.UUID) (*wallet.PurchaseOrder, error)
}

// Ledger is the money engine: every balance change is one locked wallet
// row plus one or two append-only transaction rows, committed atomically.
// The cached balance always equals the transaction sum.
type Ledger struct {
	db      TxRunner
	store   Store
	logger  *zap.Logger
	metrics *metrics.Registry
}

func NewLedger(db TxRunner, store Store, logger *zap.Logger, reg *metrics.Registry) *Ledger {
	return &Ledger{db: db, store: store, logger: logger, metrics: reg}
}

// Reserve places a hold: debits the wallet and creates a pending offer
// reservation, all in one transaction. Replaying the same idempotency key
// returns the original reservation without touching the balance again.
func (l *Ledger) Reserve(ctx context.Context, userID, providerID uuid.UUID, country, service string, price values.Money, idempotencyKey string) (*wallet.OfferReservation, error) {
	if existing, err := l.store.GetReservationByIdempotencyKey(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	reservation, err := wallet.NewOfferReservation(uuid.Nil, providerID, country, service, price, idempotencyKey)
	if err != nil {
		return nil, domainerrors.NewValidationError("INVALID_RESERVATION", err.Error())
	}

	err = l.db.Transaction(ctx, func(tx pgx.Tx) error {
		w, err := l.store.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if !w.CanAfford(price) {
			return domainerrors.ErrInsufficientBalance
		}

		reservation.WalletID = w.ID

		txn, err := wallet.NewTransaction(w.ID, wallet.TransactionReserve, price,
			reserveKey(idempotencyKey), reservation.ID, "hold for "+country+"/"+service)
		if err != nil {
			return domainerrors.NewInternalError("failed to build reserve transaction").WithCause(err)
		}

		if err := l.store.InsertReservation(ctx, tx, reservation); err != nil {
			return err
		}
		if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
			return err
		}

		newBalance, err := w.Balance.Add(txn.Amount)
		if err != nil {
			return domainerrors.NewInternalError("currency mismatch on reserve").WithCause(err)
		}
		return l.store.UpdateBalance(ctx, tx, w.ID, newBalance)
	})
	if err != nil {
		// A concurrent request with the same key may have won the race.
		if errors.Is(err, domainerrors.ErrReservationConflict) {
			if existing, lookupErr := l.store.GetReservationByIdempotencyKey(ctx, idempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.RecordTransaction(ctx, price.ToFloat64(), wallet.TransactionReserve.String())
	}

	l.logger.Debug("funds reserved",
		zap.String("reservation_id", reservation.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("price", price.String()))

	return reservation, nil
}

// Commit converts a pending hold into the final charge and records the
// purchase order. The hold entry is compensated and the charge written in
// the same transaction, so the balance does not move. Replaying a commit
// returns the original purchase order.
func (l *Ledger) Commit(ctx context.Context, reservationID, activationID uuid.UUID) (*wallet.PurchaseOrder, error) {
	var order *wallet.PurchaseOrder

	err := l.db.Transaction(ctx, func(tx pgx.Tx) error {
		res, err := l.store.GetReservationForUpdate(ctx, tx, reservationID)
		if err != nil {
			return err
		}

		switch res.State {
		case wallet.ReservationConfirmed:
			return nil // replay; order fetched below
		case wallet.ReservationReleased:
			return domainerrors.NewConflictError("RESERVATION_RELEASED",
				"cannot commit a released reservation")
		}

		release, err := wallet.NewTransaction(res.WalletID, wallet.TransactionRollback, res.Price,
			commitReleaseKey(res.ID), res.ID, "hold converted to charge")
		if err != nil {
			return domainerrors.NewInternalError("failed to build hold release").WithCause(err)
		}
		charge, err := wallet.NewTransaction(res.WalletID, wallet.TransactionCommit, res.Price,
			commitKey(res.ID), activationID, "charge for "+res.Country+"/"+res.Service)
		if err != nil {
			return domainerrors.NewInternalError("failed to build charge").WithCause(err)
		}

		if err := l.store.InsertTransaction(ctx, tx, release); err != nil {
			return err
		}
		if err := l.store.InsertTransaction(ctx, tx, charge); err != nil {
			return err
		}

		if err := l.store.UpdateReservationState(ctx, tx, res.ID,
			wallet.ReservationPending, wallet.ReservationConfirmed); err != nil {
			return err
		}

		order, err = wallet.NewPurchaseOrder(res.ID, charge.ID, activationID, res.ProviderID, res.Price)
		if err != nil {
			return domainerrors.NewInternalError("failed to build purchase order").WithCause(err)
		}
		return l.store.InsertPurchaseOrder(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}

	if order == nil {
		// Replayed commit.
		existing, err := l.store.GetPurchaseOrderByReservation(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, domainerrors.NewInternalError("confirmed reservation has no purchase order")
		}
		return existing, nil
	}

	if l.metrics != nil {
		l.metrics.RecordTransaction(ctx, order.Price.ToFloat64(), wallet.TransactionCommit.String())
	}

	return order, nil
}

// Rollback releases a pending hold: restores the balance and moves the
// reservation to released. Rolling back an already-released reservation is
// a no-op; rolling back a confirmed one is a conflict.
func (l *Ledger) Rollback(ctx context.Context, reservationID uuid.UUID, reason string) error {
	err := l.db.Transaction(ctx, func(tx pgx.Tx) error {
		res, err := l.store.GetReservationForUpdate(ctx, tx, reservationID)
		if err != nil {
			return err
		}

		switch res.State {
		case wallet.ReservationReleased:
			return nil
		case wallet.ReservationConfirmed:
			return domainerrors.NewConflictError("RESERVATION_CONFIRMED",
				"cannot roll back a confirmed reservation")
		}

		w, err := l.store.GetByIDForUpdate(ctx, tx, res.WalletID)
		if err != nil {
			return err
		}

		txn, err := wallet.NewTransaction(w.ID, wallet.TransactionRollback, res.Price,
			rollbackKey(res.ID), res.ID, "hold released: "+reason)
		if err != nil {
			return domainerrors.NewInternalError("failed to build rollback transaction").WithCause(err)
		}

		if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := l.store.UpdateReservationState(ctx, tx, res.ID,
			wallet.ReservationPending, wallet.ReservationReleased); err != nil {
			return err
		}

		newBalance, err := w.Balance.Add(txn.Amount)
		if err != nil {
			return domainerrors.NewInternalError("currency mismatch on rollback").WithCause(err)
		}
		return l.store.UpdateBalance(ctx, tx, w.ID, newBalance)
	})
	if err != nil {
		return err
	}

	l.logger.Debug("reservation rolled back",
		zap.String("reservation_id", reservationID.String()),
		zap.String("reason", reason))

	return nil
}

// Refund restores a committed charge, used when a terminated activation
// never delivered a message. Idempotent per activation.
func (l *Ledger) Refund(ctx context.Context, userID, activationID uuid.UUID, price values.Money, reason string) error {
	key := refundKey(activationID)
	if existing, err := l.store.GetTransactionByIdempotencyKey(ctx, key); err != nil {
		return err
	} else if existing != nil {
		return nil
	}

	err := l.db.Transaction(ctx, func(tx pgx.Tx) error {
		w, err := l.store.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		txn, err := wallet.NewTransaction(w.ID, wallet.TransactionRefund, price,
			key, activationID, "refund: "+reason)
		if err != nil {
			return domainerrors.NewInternalError("failed to build refund transaction").WithCause(err)
		}

		if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
			// Concurrent refund for the same activation already landed.
			if errors.Is(err, domainerrors.ErrReservationConflict) {
				return nil
			}
			return err
		}

		newBalance, err := w.Balance.Add(txn.Amount)
		if err != nil {
			return domainerrors.NewInternalError("currency mismatch on refund").WithCause(err)
		}
		return l.store.UpdateBalance(ctx, tx, w.ID, newBalance)
	})
	if err != nil {
		return err
	}

	if l.metrics != nil {
		l.metrics.RecordTransaction(ctx, price.ToFloat64(), wallet.TransactionRefund.String())
	}

	return nil
}

// Deposit tops up a wallet, creating it on first use.
func (l *Ledger) Deposit(ctx context.Context, userID uuid.UUID, amount values.Money, idempotencyKey string) (*wallet.Wallet, error) {
	if existing, err := l.store.GetTransactionByIdempotencyKey(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return l.store.GetByUserID(ctx, userID)
	}

	w, err := l.store.GetByUserID(ctx, userID)
	if errors.Is(err, domainerrors.ErrWalletNotFound) {
		w, err = wallet.NewWallet(userID, amount.Currency())
		if err != nil {
			return nil, domainerrors.NewValidationError("INVALID_WALLET", err.Error())
		}
		if createErr := l.store.CreateWallet(ctx, w); createErr != nil &&
			!domainerrors.IsType(createErr, domainerrors.ErrorTypeConflict) {
			return nil, createErr
		}
	} else if err != nil {
		return nil, err
	}

	err = l.db.Transaction(ctx, func(tx pgx.Tx) error {
		locked, err := l.store.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		txn, err := wallet.NewTransaction(locked.ID, wallet.TransactionDeposit, amount,
			idempotencyKey, locked.ID, "deposit")
		if err != nil {
			return domainerrors.NewInternalError("failed to build deposit transaction").WithCause(err)
		}

		if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
			if errors.Is(err, domainerrors.ErrReservationConflict) {
				return nil
			}
			return err
		}

		newBalance, err := locked.Balance.Add(txn.Amount)
		if err != nil {
			return domainerrors.NewInternalError("currency mismatch on deposit").WithCause(err)
		}
		return l.store.UpdateBalance(ctx, tx, locked.ID, newBalance)
	})
	if err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.RecordTransaction(ctx, amount.ToFloat64(), wallet.TransactionDeposit.String())
	}

	return l.store.GetByUserID(ctx, userID)
}

// Balance returns a user's wallet.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (*wallet.Wallet, error) {
	return l.store.GetByUserID(ctx, userID)
}

// ReleaseExpired rolls back pending reservations whose TTL passed. Returns
// the number released. Driven by the orchestrator's cleanup stage.
func (l *Ledger) ReleaseExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := l.store.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range expired {
		if err := l.Rollback(ctx, res.ID, "reservation ttl elapsed"); err != nil {
			l.logger.Warn("failed to release expired reservation",
				zap.String("reservation_id", res.ID.String()),
				zap.Error(err))
			continue
		}
		released++
	}

	return released, nil
}

// VerifyBalance recomputes the wallet's balance from the ledger and reports
// whether it matches the cached column.
func (l *Ledger) VerifyBalance(ctx context.Context, userID uuid.UUID) (bool, error) {
	w, err := l.store.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}

	sum, err := l.store.SumTransactions(ctx, w.ID, w.Balance.Currency())
	if err != nil {
		return false, err
	}

	return w.Balance.Equal(sum), nil
}

func reserveKey(idempotencyKey string) string { return "reserve:" + idempotencyKey }

func commitKey(reservationID uuid.UUID) string { return "commit:" + reservationID.String() }

func commitReleaseKey(reservationID uuid.UUID) string {
	return "commit-release:" + reservationID.String()
}

func rollbackKey(reservationID uuid.UUID) string { return "rollback:" + reservationID.String() }

func refundKey(activationID uuid.UUID) string { return "refund:" + activationID.String() }
