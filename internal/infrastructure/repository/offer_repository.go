package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virtualsim/activation-backend/internal/domain/provider"
)

// OfferRepository caches the per-provider price catalog the router consults.
// Rows are refreshed wholesale by catalog sync and read on every purchase.
type OfferRepository struct {
	pool *pgxpool.Pool
}

func NewOfferRepository(pool *pgxpool.Pool) *OfferRepository {
	return &OfferRepository{pool: pool}
}

// ReplaceForProvider swaps a provider's catalog atomically: delete the old
// rows and insert the fresh fetch in one transaction.
func (r *OfferRepository) ReplaceForProvider(ctx context.Context, providerID uuid.UUID, offers []provider.Offer) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM provider_offers WHERE provider_id = $1`, providerID); err != nil {
			return fmt.Errorf("failed to clear provider offers: %w", err)
		}

		for _, o := range offers {
			_, err := tx.Exec(ctx, `
				INSERT INTO provider_offers (provider_id, country, service, price_usd, stock, fetched_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, o.ProviderID, o.Country, o.Service, o.PriceUSD, o.Stock, o.FetchedAt)
			if err != nil {
				return fmt.Errorf("failed to insert offer: %w", err)
			}
		}

		return nil
	})
}

// ListByTarget returns every provider's offer for a (country, service) pair.
func (r *OfferRepository) ListByTarget(ctx context.Context, country, service string) ([]provider.Offer, error) {
	query := `
		SELECT provider_id, country, service, price_usd, stock, fetched_at
		FROM provider_offers
		WHERE country = $1 AND service = $2
	`

	rows, err := r.pool.Query(ctx, query, country, service)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []provider.Offer
	for rows.Next() {
		var o provider.Offer
		if err := rows.Scan(&o.ProviderID, &o.Country, &o.Service, &o.PriceUSD, &o.Stock, &o.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, o)
	}

	return offers, rows.Err()
}

// GetOffer returns one provider's offer for a target, or nil when the
// provider does not serve it.
func (r *OfferRepository) GetOffer(ctx context.Context, providerID uuid.UUID, country, service string) (*provider.Offer, error) {
	query := `
		SELECT provider_id, country, service, price_usd, stock, fetched_at
		FROM provider_offers
		WHERE provider_id = $1 AND country = $2 AND service = $3
	`

	var o provider.Offer
	err := r.pool.QueryRow(ctx, query, providerID, country, service).Scan(
		&o.ProviderID, &o.Country, &o.Service, &o.PriceUSD, &o.Stock, &o.FetchedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}

	return &o, nil
}
