package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/infrastructure/cache"
	"github.com/virtualsim/activation-backend/internal/metrics"
)

// BreakerState is the circuit state for one provider.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// SampleSink optionally receives every observed sample for durable storage.
// The Postgres health log implements it.
type SampleSink interface {
	Append(ctx context.Context, sample provider.HealthSample) error
}

// Config tunes the breaker. Zero values fall back to production defaults.
type Config struct {
	WindowSize           int
	MinSamples           int
	FailureRateThreshold float64
	Cooldown             time.Duration
	ProbeTimeout         time.Duration
}

func (c *Config) setDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
}

// breaker holds one provider's circuit state. The shared trailing window
// lives in the sample store; a local copy is kept so the breaker still works
// when the store is unreachable.
type breaker struct {
	state         atomic.Int32
	openedAt      atomic.Int64 // unix nanos
	probing       atomic.Bool
	probeIssuedAt atomic.Int64 // unix nanos

	localMu     sync.Mutex
	localWindow []bool
}

// Tracker folds call outcomes into per-provider trailing windows and gates
// calls with a circuit breaker: closed until the window shows too many
// failures, open for a cooldown, then a single half-open probe decides.
type Tracker struct {
	samples cache.SampleStore
	sink    SampleSink
	logger  *zap.Logger
	metrics *metrics.Registry
	cfg     Config

	mu       sync.Mutex
	breakers map[uuid.UUID]*breaker

	now func() time.Time
}

func NewTracker(samples cache.SampleStore, sink SampleSink, logger *zap.Logger, reg *metrics.Registry, cfg Config) *Tracker {
	cfg.setDefaults()
	return &Tracker{
		samples:  samples,
		sink:     sink,
		logger:   logger,
		metrics:  reg,
		cfg:      cfg,
		breakers: make(map[uuid.UUID]*breaker),
		now:      time.Now,
	}
}

func (t *Tracker) breakerFor(providerID uuid.UUID) *breaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.breakers[providerID]
	if !ok {
		b = &breaker{}
		t.breakers[providerID] = b
	}
	return b
}

// Observe records one call outcome and re-evaluates the provider's circuit.
// Implements provideradapter.HealthRecorder.
func (t *Tracker) Observe(ctx context.Context, sample provider.HealthSample) {
	b := t.breakerFor(sample.ProviderID)

	b.localMu.Lock()
	b.localWindow = append([]bool{sample.Success}, b.localWindow...)
	if len(b.localWindow) > t.cfg.WindowSize {
		b.localWindow = b.localWindow[:t.cfg.WindowSize]
	}
	b.localMu.Unlock()

	if err := t.samples.Push(ctx, sample.ProviderID.String(), sample.Success, t.cfg.WindowSize); err != nil {
		t.logger.Warn("sample store push failed, using local window",
			zap.String("provider_id", sample.ProviderID.String()),
			zap.Error(err))
	}

	if t.sink != nil {
		if err := t.sink.Append(ctx, sample); err != nil {
			t.logger.Warn("health log append failed", zap.Error(err))
		}
	}

	switch BreakerState(b.state.Load()) {
	case StateHalfOpen:
		t.settleProbe(ctx, sample.ProviderID, b, sample.Success)
	case StateClosed:
		t.evaluate(ctx, sample.ProviderID, b)
	}
}

// Allow reports whether a call to the provider may proceed right now. An
// open breaker whose cooldown has elapsed admits one probe at a time; an
// unreported probe is reclaimed after the probe timeout.
func (t *Tracker) Allow(_ context.Context, providerID uuid.UUID) bool {
	b := t.breakerFor(providerID)

	switch BreakerState(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		openedAt := time.Unix(0, b.openedAt.Load())
		if t.now().Sub(openedAt) < t.cfg.Cooldown {
			return false
		}
		if !b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			return false
		}
		b.probing.Store(false)
		fallthrough
	case StateHalfOpen:
		// One probe at a time. A probe whose caller aborted before the
		// exchange (and so never reported back) frees its slot after the
		// probe timeout.
		if b.probing.CompareAndSwap(false, true) {
			b.probeIssuedAt.Store(t.now().UnixNano())
			return true
		}
		issued := time.Unix(0, b.probeIssuedAt.Load())
		if t.now().Sub(issued) >= t.cfg.ProbeTimeout {
			b.probeIssuedAt.Store(t.now().UnixNano())
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the provider's current circuit state.
func (t *Tracker) State(providerID uuid.UUID) BreakerState {
	return BreakerState(t.breakerFor(providerID).state.Load())
}

// evaluate opens the circuit when the trailing window crosses the failure
// threshold with enough samples behind it.
func (t *Tracker) evaluate(ctx context.Context, providerID uuid.UUID, b *breaker) {
	window := t.window(ctx, providerID, b)
	if len(window) < t.cfg.MinSamples {
		return
	}

	failures := 0
	for _, success := range window {
		if !success {
			failures++
		}
	}

	rate := float64(failures) / float64(len(window))
	if rate < t.cfg.FailureRateThreshold {
		return
	}

	if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
		b.openedAt.Store(t.now().UnixNano())
		t.logger.Warn("circuit breaker opened",
			zap.String("provider_id", providerID.String()),
			zap.Float64("failure_rate", rate),
			zap.Int("samples", len(window)),
			zap.Duration("cooldown", t.cfg.Cooldown))
		t.publishOpenCount(ctx)
	}
}

// settleProbe closes or reopens the circuit based on the half-open probe.
func (t *Tracker) settleProbe(ctx context.Context, providerID uuid.UUID, b *breaker, success bool) {
	if success {
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
			b.probing.Store(false)
			// Fresh start: the failures that opened the circuit are history.
			if err := t.samples.Reset(ctx, providerID.String()); err != nil {
				t.logger.Warn("sample store reset failed", zap.Error(err))
			}
			b.localMu.Lock()
			b.localWindow = nil
			b.localMu.Unlock()

			t.logger.Info("circuit breaker closed after successful probe",
				zap.String("provider_id", providerID.String()))
			t.publishOpenCount(ctx)
		}
		return
	}

	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.openedAt.Store(t.now().UnixNano())
		b.probing.Store(false)
		t.logger.Warn("circuit breaker reopened after failed probe",
			zap.String("provider_id", providerID.String()))
		t.publishOpenCount(ctx)
	}
}

// window returns the shared trailing window, falling back to the local copy
// when the store is unreachable.
func (t *Tracker) window(ctx context.Context, providerID uuid.UUID, b *breaker) []bool {
	window, err := t.samples.Window(ctx, providerID.String(), t.cfg.WindowSize)
	if err == nil {
		return window
	}

	b.localMu.Lock()
	defer b.localMu.Unlock()
	out := make([]bool, len(b.localWindow))
	copy(out, b.localWindow)
	return out
}

func (t *Tracker) publishOpenCount(_ context.Context) {
	if t.metrics == nil {
		return
	}

	t.mu.Lock()
	var open int64
	for _, b := range t.breakers {
		if BreakerState(b.state.Load()) != StateClosed {
			open++
		}
	}
	t.mu.Unlock()

	t.metrics.SetOpenBreakers(open)
}
