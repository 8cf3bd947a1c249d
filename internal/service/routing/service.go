package routing

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/metrics"
)

// ProviderLister supplies the providers eligible for routing.
type ProviderLister interface {
	ListActive(ctx context.Context) ([]*provider.Provider, error)
}

// OfferSource supplies the cached per-provider offers for a target.
type OfferSource interface {
	ListByTarget(ctx context.Context, country, service string) ([]provider.Offer, error)
}

// BreakerGate admits or refuses a call to a provider. Consulted at dispatch
// time, not during ranking, so half-open probe slots are only consumed by
// real attempts.
type BreakerGate interface {
	Allow(ctx context.Context, providerID uuid.UUID) bool
}

// Candidate is one rankable provider with its offer and computed score.
type Candidate struct {
	Provider *provider.Provider
	Offer    provider.Offer
	Score    float64
}

// Decision records why a provider was picked, for logs and responses.
type Decision struct {
	ProviderID uuid.UUID              `json:"provider_id"`
	Algorithm  string                 `json:"algorithm"`
	Score      float64                `json:"score"`
	Attempt    int                    `json:"attempt"`
	Reason     string                 `json:"reason"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

const algorithmWeightedScore = "weighted_score"

// Service ranks providers for a purchase target. The actual failover loop
// lives with the purchase coordinator; this service only produces the
// ordered candidate list and decision records.
type Service struct {
	providers ProviderLister
	offers    OfferSource
	gate      BreakerGate
	logger    *zap.Logger
	metrics   *metrics.Registry
}

func NewService(providers ProviderLister, offers OfferSource, gate BreakerGate, logger *zap.Logger, reg *metrics.Registry) *Service {
	return &Service{
		providers: providers,
		offers:    offers,
		gate:      gate,
		logger:    logger,
		metrics:   reg,
	}
}

// Rank returns candidates for (country, service) ordered best first.
// Providers without an offer for the target are excluded; soft-disabled
// providers never reach this point.
func (s *Service) Rank(ctx context.Context, country, service string) ([]Candidate, error) {
	started := time.Now()

	active, err := s.providers.ListActive(ctx)
	if err != nil {
		return nil, domainerrors.Wrap(err, "failed to list providers for routing")
	}

	offers, err := s.offers.ListByTarget(ctx, country, service)
	if err != nil {
		return nil, domainerrors.Wrap(err, "failed to load offers for routing")
	}

	offerByProvider := make(map[uuid.UUID]provider.Offer, len(offers))
	for _, offer := range offers {
		offerByProvider[offer.ProviderID] = offer
	}

	candidates := make([]Candidate, 0, len(active))
	for _, p := range active {
		offer, ok := offerByProvider[p.ID]
		if !ok {
			continue
		}
		// Stock figures are advisory; an empty provider answers NO_NUMBERS
		// and the failover loop moves on.
		candidates = append(candidates, Candidate{Provider: p, Offer: offer})
	}

	if len(candidates) == 0 {
		return nil, domainerrors.ErrNoProviderAvailable
	}

	s.score(candidates)
	s.order(candidates)

	if s.metrics != nil {
		s.metrics.RoutingLatency.Record(ctx, float64(time.Since(started).Microseconds()))
	}

	return candidates, nil
}

// Allow defers to the breaker gate for one candidate at dispatch time.
func (s *Service) Allow(ctx context.Context, providerID uuid.UUID) bool {
	return s.gate.Allow(ctx, providerID)
}

// Decide builds the decision record for a dispatch attempt.
func (s *Service) Decide(c Candidate, attempt int, reason string) *Decision {
	return &Decision{
		ProviderID: c.Provider.ID,
		Algorithm:  algorithmWeightedScore,
		Score:      c.Score,
		Attempt:    attempt,
		Reason:     reason,
		Metadata: map[string]interface{}{
			"provider_name": c.Provider.Name,
			"price_usd":     c.Offer.PriceUSD,
			"priority":      c.Provider.Priority,
			"admin_weight":  c.Provider.AdminWeight,
		},
	}
}

// score computes priority * adminWeight / (cost * latency) per candidate.
// Unknown cost or latency gets the worst observed value in the set, so a
// provider never ranks better by withholding data.
func (s *Service) score(candidates []Candidate) {
	worstCost, worstLatency := 1.0, 1.0
	for _, c := range candidates {
		if cost := effectiveCost(c); cost > worstCost {
			worstCost = cost
		}
		if lat := c.Provider.AvgLatency.Seconds(); lat > worstLatency {
			worstLatency = lat
		}
	}

	for i := range candidates {
		c := &candidates[i]

		cost := effectiveCost(*c)
		if cost <= 0 {
			cost = worstCost
		}
		latency := c.Provider.AvgLatency.Seconds()
		if latency <= 0 {
			latency = worstLatency
		}

		weight := c.Provider.AdminWeight
		if weight <= 0 {
			weight = 1
		}
		priority := float64(c.Provider.Priority)
		if priority <= 0 {
			priority = 1
		}

		c.Score = priority * weight / (cost * latency)
	}
}

// order sorts best first with deterministic tie-breaks: cheaper, then
// faster, then lexically smaller provider id.
func (s *Service) order(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Offer.PriceUSD != b.Offer.PriceUSD {
			return a.Offer.PriceUSD < b.Offer.PriceUSD
		}
		if a.Provider.AvgLatency != b.Provider.AvgLatency {
			return a.Provider.AvgLatency < b.Provider.AvgLatency
		}
		return a.Provider.ID.String() < b.Provider.ID.String()
	})
}

func effectiveCost(c Candidate) float64 {
	if c.Offer.PriceUSD > 0 {
		return c.Offer.PriceUSD
	}
	return c.Provider.AvgCostUSD
}
