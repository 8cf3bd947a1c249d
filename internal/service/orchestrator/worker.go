package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	"github.com/virtualsim/activation-backend/internal/domain/outbox"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/infrastructure/cache"
	"github.com/virtualsim/activation-backend/internal/infrastructure/config"
	"github.com/virtualsim/activation-backend/internal/metrics"
	"github.com/virtualsim/activation-backend/internal/service/provideradapter"
)

// Lifecycle is the activation surface the worker drives.
type Lifecycle interface {
	Pollable(ctx context.Context, limit int) ([]*activation.Activation, error)
	Expirable(ctx context.Context, now time.Time, limit int) ([]*activation.Activation, error)
	Stuck(ctx context.Context, cutoff time.Time, limit int) ([]*activation.Activation, error)
	Get(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
	ApplyStatus(ctx context.Context, a *activation.Activation, result *provideradapter.StatusResult) error
	Expire(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
	Timeout(ctx context.Context, id uuid.UUID) (*activation.Activation, error)
}

// ProviderSource resolves provider configurations.
type ProviderSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
}

// StatusSource polls upstream for an activation's status.
type StatusSource interface {
	GetStatus(ctx context.Context, p *provider.Provider, externalID string) (*provideradapter.StatusResult, error)
}

// OutboxStore leases and settles pending side-effects.
type OutboxStore interface {
	LeaseDue(ctx context.Context, now time.Time, lease time.Duration, limit int, kinds ...outbox.Kind) ([]*outbox.Entry, error)
	Update(ctx context.Context, e *outbox.Entry) error
	CountPending(ctx context.Context) (int, error)
}

// ReservationJanitor releases expired pending holds.
type ReservationJanitor interface {
	ReleaseExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// HealthLogPruner trims the durable health log.
type HealthLogPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Handler processes one outbox entry.
type Handler func(ctx context.Context, e *outbox.Entry) error

// Stage names, also used as metric labels.
const (
	stageOutbox    = "outbox"
	stagePoll      = "poll"
	stageEvents    = "events"
	stageCleanup   = "cleanup"
	stageReconcile = "reconcile"
)

const (
	outboxLease     = time.Minute
	outboxBatchSize = 20
	pollBatchSize   = 200
	expireBatchSize = 100
	pruneInterval   = time.Hour
)

// Adaptive poll intervals by activation age. Young activations are polled
// aggressively because most codes arrive in the first minutes.
var pollIntervals = []struct {
	maxAge   time.Duration
	interval time.Duration
}{
	{2 * time.Minute, 5 * time.Second},
	{10 * time.Minute, 15 * time.Second},
}

const pollIntervalOld = time.Minute

// Worker is the ticker-driven orchestrator. Every tick it kicks the stages
// in priority order; a stage still busy from a previous tick is skipped,
// never run twice concurrently.
type Worker struct {
	cfg          config.OrchestratorConfig
	rentalWindow time.Duration
	logRetention time.Duration

	lifecycle  Lifecycle
	providers  ProviderSource
	statuses   StatusSource
	outbox     OutboxStore
	janitor    ReservationJanitor
	pruner     HealthLogPruner
	pollWindow cache.SlidingWindow
	handlers   map[outbox.Kind]Handler

	logger  *zap.Logger
	metrics *metrics.Registry

	stageBusy  map[string]*atomic.Bool
	lastPolled sync.Map // activation id -> time.Time
	lastPrune  atomic.Int64

	wg sync.WaitGroup
}

func NewWorker(cfg config.OrchestratorConfig, rentalWindow, logRetention time.Duration,
	lifecycle Lifecycle, providers ProviderSource, statuses StatusSource,
	outboxStore OutboxStore, janitor ReservationJanitor, pruner HealthLogPruner,
	pollWindow cache.SlidingWindow, logger *zap.Logger, reg *metrics.Registry) *Worker {

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 3 * time.Second
	}
	if cfg.StuckMultiplier <= 0 {
		cfg.StuckMultiplier = 2
	}
	if rentalWindow <= 0 {
		rentalWindow = activation.DefaultRentalWindow
	}

	w := &Worker{
		cfg:          cfg,
		rentalWindow: rentalWindow,
		logRetention: logRetention,
		lifecycle:    lifecycle,
		providers:    providers,
		statuses:     statuses,
		outbox:       outboxStore,
		janitor:      janitor,
		pruner:       pruner,
		pollWindow:   pollWindow,
		handlers:     make(map[outbox.Kind]Handler),
		logger:       logger,
		metrics:      reg,
		stageBusy:    make(map[string]*atomic.Bool),
	}

	for _, stage := range []string{stageOutbox, stagePoll, stageEvents, stageCleanup, stageReconcile} {
		w.stageBusy[stage] = &atomic.Bool{}
	}

	return w
}

// Handle registers the processor for one outbox kind.
func (w *Worker) Handle(kind outbox.Kind, h Handler) {
	w.handlers[kind] = h
}

// Run drives the tick loop until ctx is cancelled, then waits for in-flight
// stages to finish.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	w.logger.Info("orchestrator started",
		zap.Duration("tick", w.cfg.TickInterval),
		zap.Duration("rental_window", w.rentalWindow))

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	w.runStage(ctx, stageOutbox, w.drainOutbox)
	w.runStage(ctx, stagePoll, w.pollActivations)
	w.runStage(ctx, stageEvents, w.dispatchEvents)
	w.runStage(ctx, stageCleanup, w.cleanup)
	w.runStage(ctx, stageReconcile, w.reconcile)
}

// runStage launches fn unless the stage's previous run is still going.
func (w *Worker) runStage(ctx context.Context, name string, fn func(context.Context)) {
	busy := w.stageBusy[name]
	if !busy.CompareAndSwap(false, true) {
		if w.metrics != nil {
			w.metrics.RecordStage(ctx, name, 0, true)
		}
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer busy.Store(false)

		started := time.Now()
		fn(ctx)
		if w.metrics != nil {
			w.metrics.RecordStage(ctx, name, float64(time.Since(started).Milliseconds()), false)
		}
	}()
}

// drainOutbox processes due side-effects except notifications, which the
// events stage owns.
func (w *Worker) drainOutbox(ctx context.Context) {
	w.drainKinds(ctx, w.cfg.OutboxConcurrency,
		outbox.KindOrderIndexSync, outbox.KindCatalogRefresh)

	if w.metrics != nil {
		if pending, err := w.outbox.CountPending(ctx); err == nil {
			w.metrics.SetOutboxDepth(int64(pending))
		}
	}
}

// dispatchEvents drains queued lifecycle notifications.
func (w *Worker) dispatchEvents(ctx context.Context) {
	w.drainKinds(ctx, 2, outbox.KindNotification)
}

func (w *Worker) drainKinds(ctx context.Context, concurrency int, kinds ...outbox.Kind) {
	entries, err := w.outbox.LeaseDue(ctx, time.Now(), outboxLease, outboxBatchSize, kinds...)
	if err != nil {
		w.logger.Error("outbox lease failed", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, entry := range entries {
		handler, ok := w.handlers[entry.Kind]
		if !ok {
			w.logger.Warn("no handler for outbox kind", zap.String("kind", string(entry.Kind)))
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(entry *outbox.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processEntry(ctx, entry, handler)
		}(entry)
	}

	wg.Wait()
}

func (w *Worker) processEntry(ctx context.Context, entry *outbox.Entry, handler Handler) {
	err := handler(ctx, entry)
	if err == nil {
		entry.MarkDone()
		if w.metrics != nil {
			w.metrics.OutboxDrainCounter.Add(ctx, 1)
		}
	} else {
		if !entry.MarkFailed(err) {
			w.logger.Error("outbox entry exhausted its attempts",
				zap.String("id", entry.ID.String()),
				zap.String("kind", string(entry.Kind)),
				zap.Error(err))
		}
	}

	if updateErr := w.outbox.Update(ctx, entry); updateErr != nil {
		w.logger.Error("outbox update failed", zap.Error(updateErr))
	}
}

// pollActivations asks providers for news on every due activation, with
// adaptive intervals and a shared per-provider call cap.
func (w *Worker) pollActivations(ctx context.Context) {
	due, err := w.lifecycle.Pollable(ctx, pollBatchSize)
	if err != nil {
		w.logger.Error("pollable list failed", zap.Error(err))
		return
	}

	concurrency := w.cfg.PollConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	now := time.Now()
	for _, a := range due {
		if a.ExternalID == "" || !w.pollDue(a, now) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(a *activation.Activation) {
			defer wg.Done()
			defer func() { <-sem }()
			w.pollOne(ctx, a)
		}(a)
	}

	wg.Wait()
}

// pollDue applies the adaptive schedule.
func (w *Worker) pollDue(a *activation.Activation, now time.Time) bool {
	interval := pollIntervalOld
	age := now.Sub(a.CreatedAt)
	for _, band := range pollIntervals {
		if age < band.maxAge {
			interval = band.interval
			break
		}
	}

	if last, ok := w.lastPolled.Load(a.ID); ok {
		if now.Sub(last.(time.Time)) < interval {
			return false
		}
	}
	return true
}

func (w *Worker) pollOne(ctx context.Context, a *activation.Activation) {
	// Re-read: the activation may have been cancelled since the list.
	fresh, err := w.lifecycle.Get(ctx, a.ID)
	if err != nil || fresh.State.IsTerminal() {
		w.lastPolled.Delete(a.ID)
		return
	}

	p, err := w.providers.GetByID(ctx, fresh.ProviderID)
	if err != nil {
		w.logger.Warn("provider lookup failed during poll", zap.Error(err))
		return
	}

	if w.pollWindow != nil {
		allowed, err := w.pollWindow.Allow(ctx, "poll:"+p.ID.String(),
			p.RequestsPerMinute, time.Minute)
		if err == nil && !allowed {
			return
		}
	}

	w.lastPolled.Store(a.ID, time.Now())

	result, err := w.statuses.GetStatus(ctx, p, fresh.ExternalID)
	if err != nil {
		w.logger.Debug("status poll failed",
			zap.String("activation_id", a.ID.String()),
			zap.String("provider", p.Name),
			zap.Error(err))
		return
	}

	if err := w.lifecycle.ApplyStatus(ctx, fresh, result); err != nil {
		w.logger.Warn("failed to apply poll result",
			zap.String("activation_id", a.ID.String()),
			zap.Error(err))
	}

	if current, err := w.lifecycle.Get(ctx, a.ID); err == nil && current.State.IsTerminal() {
		w.lastPolled.Delete(a.ID)
	}
}

// cleanup expires past-window activations, releases stale holds, and prunes
// the health log on its own slower schedule.
func (w *Worker) cleanup(ctx context.Context) {
	now := time.Now()

	expired, err := w.lifecycle.Expirable(ctx, now, expireBatchSize)
	if err != nil {
		w.logger.Error("expirable list failed", zap.Error(err))
		return
	}

	concurrency := w.cfg.CleanupConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, a := range expired {
		wg.Add(1)
		sem <- struct{}{}
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := w.lifecycle.Expire(ctx, id); err != nil {
				w.logger.Debug("expire skipped", zap.String("activation_id", id.String()), zap.Error(err))
			}
			w.lastPolled.Delete(id)
		}(a.ID)
	}
	wg.Wait()

	if w.janitor != nil {
		if released, err := w.janitor.ReleaseExpired(ctx, now, expireBatchSize); err != nil {
			w.logger.Error("reservation cleanup failed", zap.Error(err))
		} else if released > 0 {
			w.logger.Info("released expired reservations", zap.Int("count", released))
		}
	}

	w.maybePrune(ctx, now)
}

func (w *Worker) maybePrune(ctx context.Context, now time.Time) {
	if w.pruner == nil || w.logRetention <= 0 {
		return
	}

	last := time.Unix(0, w.lastPrune.Load())
	if now.Sub(last) < pruneInterval {
		return
	}
	if !w.lastPrune.CompareAndSwap(last.UnixNano(), now.UnixNano()) {
		return
	}

	pruned, err := w.pruner.Prune(ctx, now.Add(-w.logRetention))
	if err != nil {
		w.logger.Error("health log prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		w.logger.Info("pruned health log", zap.Int64("rows", pruned))
	}
}

// reconcile forces activations stuck past any plausible window to timeout.
func (w *Worker) reconcile(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(w.cfg.StuckMultiplier) * w.rentalWindow)

	stuck, err := w.lifecycle.Stuck(ctx, cutoff, expireBatchSize)
	if err != nil {
		w.logger.Error("stuck list failed", zap.Error(err))
		return
	}

	for _, a := range stuck {
		if _, err := w.lifecycle.Timeout(ctx, a.ID); err != nil {
			w.logger.Debug("reconcile skipped",
				zap.String("activation_id", a.ID.String()),
				zap.Error(err))
			continue
		}
		w.lastPolled.Delete(a.ID)
		w.logger.Warn("activation reconciled to timeout",
			zap.String("activation_id", a.ID.String()),
			zap.Time("created_at", a.CreatedAt))
	}
}
