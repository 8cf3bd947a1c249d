package catalog

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
)

// ProviderStore is the provider persistence surface catalog sync needs.
type ProviderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
	ListActive(ctx context.Context) ([]*provider.Provider, error)
	SetSyncStatus(ctx context.Context, id uuid.UUID, status provider.SyncStatus) error
}

// OfferStore caches fetched offers for the router.
type OfferStore interface {
	ReplaceForProvider(ctx context.Context, providerID uuid.UUID, offers []provider.Offer) error
}

// PriceSource fetches a provider's live catalog.
type PriceSource interface {
	GetPrices(ctx context.Context, p *provider.Provider, country, service string) ([]provider.Offer, error)
}

// Service keeps the offer cache fresh. Refreshes run through the outbox so
// they retry on provider flakiness and survive restarts.
type Service struct {
	providers ProviderStore
	offers    OfferStore
	prices    PriceSource
	logger    *zap.Logger
}

func NewService(providers ProviderStore, offers OfferStore, prices PriceSource, logger *zap.Logger) *Service {
	return &Service{providers: providers, offers: offers, prices: prices, logger: logger}
}

// RefreshProvider fetches one provider's catalog and swaps the cached rows.
// The provider's sync status records the outcome either way.
func (s *Service) RefreshProvider(ctx context.Context, providerID uuid.UUID) error {
	p, err := s.providers.GetByID(ctx, providerID)
	if err != nil {
		return err
	}

	if _, ok := p.Endpoints[provider.OpGetPrices]; !ok {
		// Nothing to fetch; routing falls back to the provider's averages.
		return nil
	}

	offers, err := s.prices.GetPrices(ctx, p, "", "")
	if err != nil {
		if statusErr := s.providers.SetSyncStatus(ctx, p.ID, provider.SyncStatusFailed); statusErr != nil {
			s.logger.Warn("failed to record sync failure", zap.Error(statusErr))
		}
		return domainerrors.Wrap(err, "catalog fetch failed")
	}

	if err := s.offers.ReplaceForProvider(ctx, p.ID, offers); err != nil {
		return err
	}

	if err := s.providers.SetSyncStatus(ctx, p.ID, provider.SyncStatusOK); err != nil {
		s.logger.Warn("failed to record sync success", zap.Error(err))
	}

	s.logger.Info("provider catalog refreshed",
		zap.String("provider", p.Name),
		zap.Int("offers", len(offers)))

	return nil
}

// RefreshAll refreshes every active provider, returning the first error
// after attempting all of them.
func (s *Service) RefreshAll(ctx context.Context) error {
	providers, err := s.providers.ListActive(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range providers {
		if err := s.RefreshProvider(ctx, p.ID); err != nil {
			s.logger.Warn("catalog refresh failed",
				zap.String("provider", p.Name),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
