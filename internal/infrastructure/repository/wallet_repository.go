package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/values"
	"github.com/virtualsim/activation-backend/internal/domain/wallet"
)

// WalletRepository persists wallets, the append-only transaction ledger,
// offer reservations and purchase orders. Methods that take a pgx.Tx are
// meant to run inside the ledger's reserve/commit/rollback transactions.
type WalletRepository struct {
	pool *pgxpool.Pool
}

func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// CreateWallet inserts a new wallet row.
func (r *WalletRepository) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	query := `
		INSERT INTO wallets (id, user_id, balance, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		w.ID, w.UserID, w.Balance.Amount().String(), w.Balance.Currency(), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.NewConflictError("WALLET_EXISTS", "wallet already exists for user")
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}

	return nil
}

// GetByUserID retrieves a wallet without locking it.
func (r *WalletRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*wallet.Wallet, error) {
	query := `
		SELECT id, user_id, balance::text, currency, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	return w, nil
}

// GetByUserIDForUpdate locks the wallet row for the duration of tx. Every
// balance mutation must go through this lock.
func (r *WalletRepository) GetByUserIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*wallet.Wallet, error) {
	query := `
		SELECT id, user_id, balance::text, currency, created_at, updated_at
		FROM wallets WHERE user_id = $1
		FOR UPDATE
	`

	w, err := scanWallet(tx.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	return w, nil
}

// GetByIDForUpdate locks a wallet by its primary key.
func (r *WalletRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*wallet.Wallet, error) {
	query := `
		SELECT id, user_id, balance::text, currency, created_at, updated_at
		FROM wallets WHERE id = $1
		FOR UPDATE
	`

	w, err := scanWallet(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	return w, nil
}

// UpdateBalance writes the new cached balance inside the caller's
// transaction. The wallet row must already be locked.
func (r *WalletRepository) UpdateBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, balance values.Money) error {
	tag, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $2, updated_at = NOW() WHERE id = $1`,
		walletID, balance.Amount().String())
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrWalletNotFound
	}

	return nil
}

// InsertTransaction appends one ledger entry. The unique index on
// idempotency_key is the last line of defense against double writes.
func (r *WalletRepository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *wallet.Transaction) error {
	query := `
		INSERT INTO wallet_transactions (
			id, wallet_id, type, amount, currency, idempotency_key, reference_id, description, created_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`

	_, err := tx.Exec(ctx, query,
		t.ID, t.WalletID, string(t.Type), t.Amount.Amount().String(), t.Amount.Currency(),
		t.IdempotencyKey, t.ReferenceID, t.Description, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.ErrReservationConflict
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// GetTransactionByIdempotencyKey finds a prior ledger entry for replay
// detection. Returns nil, nil when no entry exists.
func (r *WalletRepository) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*wallet.Transaction, error) {
	query := `
		SELECT id, wallet_id, type, amount::text, currency, COALESCE(idempotency_key, ''), reference_id, description, created_at
		FROM wallet_transactions WHERE idempotency_key = $1
	`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up transaction by idempotency key: %w", err)
	}

	return t, nil
}

// ListTransactions returns a wallet's ledger entries, newest first.
func (r *WalletRepository) ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]*wallet.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, wallet_id, type, amount::text, currency, COALESCE(idempotency_key, ''), reference_id, description, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*wallet.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}

	return txns, rows.Err()
}

// SumTransactions recomputes a wallet's balance from its ledger. The result
// must equal the cached wallets.balance at all times.
func (r *WalletRepository) SumTransactions(ctx context.Context, walletID uuid.UUID, currency string) (values.Money, error) {
	var sum string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM wallet_transactions WHERE wallet_id = $1`,
		walletID).Scan(&sum)
	if err != nil {
		return values.Money{}, fmt.Errorf("failed to sum transactions: %w", err)
	}

	return values.NewMoneyFromString(sum, currency)
}

// InsertReservation creates a pending offer reservation inside tx.
func (r *WalletRepository) InsertReservation(ctx context.Context, tx pgx.Tx, res *wallet.OfferReservation) error {
	query := `
		INSERT INTO offer_reservations (
			id, wallet_id, provider_id, country, service, price, currency,
			idempotency_key, state, expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`

	_, err := tx.Exec(ctx, query,
		res.ID, res.WalletID, res.ProviderID, res.Country, res.Service,
		res.Price.Amount().String(), res.Price.Currency(), res.IdempotencyKey,
		res.State.String(), res.ExpiresAt, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.ErrReservationConflict
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	return nil
}

// GetReservation retrieves a reservation by ID.
func (r *WalletRepository) GetReservation(ctx context.Context, id uuid.UUID) (*wallet.OfferReservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, reservationSelect+`WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.NewNotFoundError("reservation")
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	return res, nil
}

// GetReservationByIdempotencyKey finds a prior reservation for replay.
// Returns nil, nil when no reservation exists for the key.
func (r *WalletRepository) GetReservationByIdempotencyKey(ctx context.Context, key string) (*wallet.OfferReservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, reservationSelect+`WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up reservation by idempotency key: %w", err)
	}

	return res, nil
}

// GetReservationForUpdate locks a reservation row inside tx.
func (r *WalletRepository) GetReservationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*wallet.OfferReservation, error) {
	res, err := scanReservation(tx.QueryRow(ctx, reservationSelect+`WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.NewNotFoundError("reservation")
		}
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}

	return res, nil
}

// UpdateReservationState performs the guarded terminal transition. A zero
// row count means another writer got there first.
func (r *WalletRepository) UpdateReservationState(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to wallet.ReservationState) error {
	tag, err := tx.Exec(ctx,
		`UPDATE offer_reservations SET state = $3, updated_at = NOW() WHERE id = $1 AND state = $2`,
		id, from.String(), to.String())
	if err != nil {
		return fmt.Errorf("failed to update reservation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrReservationConflict
	}

	return nil
}

// ListExpiredPending returns pending reservations whose TTL has passed.
// Cleanup releases these and rolls their reserves back.
func (r *WalletRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*wallet.OfferReservation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx,
		reservationSelect+`WHERE state = $1 AND expires_at < $2 ORDER BY expires_at LIMIT $3`,
		wallet.ReservationPending.String(), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*wallet.OfferReservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, res)
	}

	return reservations, rows.Err()
}

// InsertPurchaseOrder records the immutable link between a confirmed
// reservation, its commit transaction and the resulting activation.
func (r *WalletRepository) InsertPurchaseOrder(ctx context.Context, tx pgx.Tx, po *wallet.PurchaseOrder) error {
	query := `
		INSERT INTO purchase_orders (
			id, reservation_id, transaction_id, activation_id, provider_id, price, currency, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`

	_, err := tx.Exec(ctx, query,
		po.ID, po.ReservationID, po.TransactionID, po.ActivationID, po.ProviderID,
		po.Price.Amount().String(), po.Price.Currency(), po.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.ErrReservationConflict
		}
		return fmt.Errorf("failed to insert purchase order: %w", err)
	}

	return nil
}

// GetPurchaseOrderByReservation returns the order created for a
// reservation, or nil, nil when commit never happened.
func (r *WalletRepository) GetPurchaseOrderByReservation(ctx context.Context, reservationID uuid.UUID) (*wallet.PurchaseOrder, error) {
	query := `
		SELECT id, reservation_id, transaction_id, activation_id, provider_id, price::text, currency, created_at
		FROM purchase_orders WHERE reservation_id = $1
	`

	var po wallet.PurchaseOrder
	var amount, currency string
	err := r.pool.QueryRow(ctx, query, reservationID).Scan(
		&po.ID, &po.ReservationID, &po.TransactionID, &po.ActivationID, &po.ProviderID,
		&amount, &currency, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get purchase order: %w", err)
	}

	po.Price, err = values.NewMoneyFromString(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("invalid purchase order price: %w", err)
	}

	return &po, nil
}

const reservationSelect = `
	SELECT id, wallet_id, provider_id, country, service, price::text, currency,
	       idempotency_key, state, expires_at, created_at, updated_at
	FROM offer_reservations
`

func scanWallet(row pgx.Row) (*wallet.Wallet, error) {
	var w wallet.Wallet
	var amount, currency string

	if err := row.Scan(&w.ID, &w.UserID, &amount, &currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}

	balance, err := values.NewMoneyFromString(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet balance: %w", err)
	}
	w.Balance = balance

	return &w, nil
}

func scanTransaction(row pgx.Row) (*wallet.Transaction, error) {
	var t wallet.Transaction
	var txnType, amount, currency string

	err := row.Scan(&t.ID, &t.WalletID, &txnType, &amount, &currency,
		&t.IdempotencyKey, &t.ReferenceID, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Type = wallet.TransactionType(txnType)
	t.Amount, err = values.NewMoneyFromString(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction amount: %w", err)
	}

	return &t, nil
}

func scanReservation(row pgx.Row) (*wallet.OfferReservation, error) {
	var res wallet.OfferReservation
	var amount, currency, state string

	err := row.Scan(&res.ID, &res.WalletID, &res.ProviderID, &res.Country, &res.Service,
		&amount, &currency, &res.IdempotencyKey, &state,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}

	res.State = wallet.ReservationState(state)
	res.Price, err = values.NewMoneyFromString(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("invalid reservation price: %w", err)
	}

	return &res, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
