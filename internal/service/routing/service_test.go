package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/testutil/fixtures"
)

type stubProviders struct {
	providers []*provider.Provider
	err       error
}

func (s *stubProviders) ListActive(context.Context) ([]*provider.Provider, error) {
	return s.providers, s.err
}

type stubOffers struct {
	offers []provider.Offer
	err    error
}

func (s *stubOffers) ListByTarget(context.Context, string, string) ([]provider.Offer, error) {
	return s.offers, s.err
}

type stubGate struct {
	blocked map[uuid.UUID]bool
}

func (s *stubGate) Allow(_ context.Context, id uuid.UUID) bool {
	return !s.blocked[id]
}

func newTestService(providers *stubProviders, offers *stubOffers, gate *stubGate) *Service {
	if gate == nil {
		gate = &stubGate{}
	}
	return NewService(providers, offers, gate, zap.NewNop(), nil)
}

func namedProvider(t *testing.T, name string, priority int, weight float64, latency time.Duration) *provider.Provider {
	t.Helper()
	p := fixtures.Provider(t, name)
	p.Priority = priority
	p.AdminWeight = weight
	p.AvgLatency = latency
	return p
}

func TestRankOrdersByScore(t *testing.T) {
	// Same price, same latency: priority decides.
	strong := namedProvider(t, "strong", 10, 1, time.Second)
	weak := namedProvider(t, "weak", 1, 1, time.Second)

	svc := newTestService(
		&stubProviders{providers: []*provider.Provider{weak, strong}},
		&stubOffers{offers: []provider.Offer{
			fixtures.Offer(strong.ID, "US", "telegram", 0.50, 100),
			fixtures.Offer(weak.ID, "US", "telegram", 0.50, 100),
		}},
		nil,
	)

	candidates, err := svc.Rank(context.Background(), "US", "telegram")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, strong.ID, candidates[0].Provider.ID)
	assert.Greater(t, candidates[0].Score, candidates[1].Score)
}

func TestRankCheaperWinsAtEqualPriority(t *testing.T) {
	cheap := namedProvider(t, "cheap", 5, 1, time.Second)
	pricey := namedProvider(t, "pricey", 5, 1, time.Second)

	svc := newTestService(
		&stubProviders{providers: []*provider.Provider{pricey, cheap}},
		&stubOffers{offers: []provider.Offer{
			fixtures.Offer(cheap.ID, "US", "telegram", 0.20, 10),
			fixtures.Offer(pricey.ID, "US", "telegram", 0.80, 10),
		}},
		nil,
	)

	candidates, err := svc.Rank(context.Background(), "US", "telegram")
	require.NoError(t, err)
	assert.Equal(t, cheap.ID, candidates[0].Provider.ID)
}

func TestRankUnknownLatencyGetsWorstObserved(t *testing.T) {
	// The silent provider must not outrank the slow one just because its
	// latency is unreported.
	slow := namedProvider(t, "slow", 5, 1, 4*time.Second)
	silent := namedProvider(t, "silent", 5, 1, 0)

	svc := newTestService(
		&stubProviders{providers: []*provider.Provider{silent, slow}},
		&stubOffers{offers: []provider.Offer{
			fixtures.Offer(slow.ID, "US", "telegram", 0.50, 10),
			fixtures.Offer(silent.ID, "US", "telegram", 0.50, 10),
		}},
		nil,
	)

	candidates, err := svc.Rank(context.Background(), "US", "telegram")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, candidates[0].Score, candidates[1].Score)
}

func TestRankExcludesProvidersWithoutOffer(t *testing.T) {
	covered := namedProvider(t, "covered", 5, 1, time.Second)
	uncovered := namedProvider(t, "uncovered", 5, 1, time.Second)

	svc := newTestService(
		&stubProviders{providers: []*provider.Provider{covered, uncovered}},
		&stubOffers{offers: []provider.Offer{
			fixtures.Offer(covered.ID, "US", "telegram", 0.50, 10),
		}},
		nil,
	)

	candidates, err := svc.Rank(context.Background(), "US", "telegram")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, covered.ID, candidates[0].Provider.ID)
}

func TestRankZeroStockStillRanked(t *testing.T) {
	p := namedProvider(t, "empty", 5, 1, time.Second)

	svc := newTestService(
		&stubProviders{providers: []*provider.Provider{p}},
		&stubOffers{offers: []provider.Offer{
			fixtures.Offer(p.ID, "US", "telegram", 0.50, 0),
		}},
		nil,
	)

	candidates, err := svc.Rank(context.Background(), "US", "telegram")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestRankNoCandidates(t *testing.T) {
	svc := newTestService(
		&stubProviders{providers: []*provider.Provider{namedProvider(t, "p", 5, 1, time.Second)}},
		&stubOffers{},
		nil,
	)

	_, err := svc.Rank(context.Background(), "US", "telegram")
	assert.ErrorIs(t, err, domainerrors.ErrNoProviderAvailable)
}

func TestRankPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")

	svc := newTestService(&stubProviders{err: boom}, &stubOffers{}, nil)
	_, err := svc.Rank(context.Background(), "US", "telegram")
	assert.Error(t, err)

	svc = newTestService(
		&stubProviders{providers: []*provider.Provider{namedProvider(t, "p", 5, 1, time.Second)}},
		&stubOffers{err: boom},
		nil,
	)
	_, err = svc.Rank(context.Background(), "US", "telegram")
	assert.Error(t, err)
}

func TestRankDeterministicTieBreakOnID(t *testing.T) {
	a := namedProvider(t, "a", 5, 1, time.Second)
	b := namedProvider(t, "b", 5, 1, time.Second)

	offers := []provider.Offer{
		fixtures.Offer(a.ID, "US", "telegram", 0.50, 10),
		fixtures.Offer(b.ID, "US", "telegram", 0.50, 10),
	}

	first := newTestService(&stubProviders{providers: []*provider.Provider{a, b}}, &stubOffers{offers: offers}, nil)
	second := newTestService(&stubProviders{providers: []*provider.Provider{b, a}}, &stubOffers{offers: offers}, nil)

	got1, err := first.Rank(context.Background(), "US", "telegram")
	require.NoError(t, err)
	got2, err := second.Rank(context.Background(), "US", "telegram")
	require.NoError(t, err)

	assert.Equal(t, got1[0].Provider.ID, got2[0].Provider.ID)
	assert.Equal(t, got1[1].Provider.ID, got2[1].Provider.ID)
}

func TestAllowDefersToGate(t *testing.T) {
	blocked := uuid.New()
	svc := newTestService(&stubProviders{}, &stubOffers{}, &stubGate{blocked: map[uuid.UUID]bool{blocked: true}})

	assert.False(t, svc.Allow(context.Background(), blocked))
	assert.True(t, svc.Allow(context.Background(), uuid.New()))
}

func TestDecideRecordsAttemptAndMetadata(t *testing.T) {
	p := namedProvider(t, "chosen", 5, 2, time.Second)
	c := Candidate{Provider: p, Offer: fixtures.Offer(p.ID, "US", "telegram", 0.50, 10), Score: 10}

	svc := newTestService(&stubProviders{}, &stubOffers{}, nil)
	d := svc.Decide(c, 2, "failover")

	assert.Equal(t, p.ID, d.ProviderID)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, "failover", d.Reason)
	assert.Equal(t, "chosen", d.Metadata["provider_name"])
}
