package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
	"github.com/virtualsim/activation-backend/internal/domain/outbox"
	"github.com/virtualsim/activation-backend/internal/domain/provider"
	"github.com/virtualsim/activation-backend/internal/infrastructure/cache"
	"github.com/virtualsim/activation-backend/internal/infrastructure/config"
	"github.com/virtualsim/activation-backend/internal/service/provideradapter"
	"github.com/virtualsim/activation-backend/internal/testutil/fixtures"
)

type fakeLifecycle struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*activation.Activation
	statuses  []uuid.UUID
	expired   []uuid.UUID
	timedOut  []uuid.UUID
	pollable  []*activation.Activation
	expirable []*activation.Activation
	stuck     []*activation.Activation
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{rows: make(map[uuid.UUID]*activation.Activation)}
}

func (f *fakeLifecycle) Pollable(context.Context, int) ([]*activation.Activation, error) {
	return f.pollable, nil
}

func (f *fakeLifecycle) Expirable(context.Context, time.Time, int) ([]*activation.Activation, error) {
	return f.expirable, nil
}

func (f *fakeLifecycle) Stuck(context.Context, time.Time, int) ([]*activation.Activation, error) {
	return f.stuck, nil
}

func (f *fakeLifecycle) Get(_ context.Context, id uuid.UUID) (*activation.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, domainerrors.ErrActivationNotFound
	}
	return a, nil
}

func (f *fakeLifecycle) ApplyStatus(_ context.Context, a *activation.Activation, _ *provideradapter.StatusResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, a.ID)
	return nil
}

func (f *fakeLifecycle) Expire(_ context.Context, id uuid.UUID) (*activation.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
	return f.rows[id], nil
}

func (f *fakeLifecycle) Timeout(_ context.Context, id uuid.UUID) (*activation.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut = append(f.timedOut, id)
	return f.rows[id], nil
}

type fakeProviderSource struct {
	p *provider.Provider
}

func (f *fakeProviderSource) GetByID(_ context.Context, id uuid.UUID) (*provider.Provider, error) {
	if f.p != nil && f.p.ID == id {
		return f.p, nil
	}
	return nil, domainerrors.ErrProviderNotFound
}

type fakeStatusSource struct {
	mu     sync.Mutex
	calls  []string
	result *provideradapter.StatusResult
	err    error
}

func (f *fakeStatusSource) GetStatus(_ context.Context, _ *provider.Provider, externalID string) (*provideradapter.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, externalID)
	return f.result, f.err
}

type fakeOutboxStore struct {
	mu      sync.Mutex
	due     []*outbox.Entry
	updated []*outbox.Entry
}

func (f *fakeOutboxStore) LeaseDue(_ context.Context, _ time.Time, _ time.Duration, _ int, kinds ...outbox.Kind) ([]*outbox.Entry, error) {
	var out []*outbox.Entry
	for _, e := range f.due {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeOutboxStore) Update(_ context.Context, e *outbox.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, e)
	return nil
}

func (f *fakeOutboxStore) CountPending(context.Context) (int, error) { return len(f.due), nil }

type fakeJanitor struct {
	released int
}

func (f *fakeJanitor) ReleaseExpired(context.Context, time.Time, int) (int, error) {
	f.released++
	return 1, nil
}

type workerHarness struct {
	worker    *Worker
	lifecycle *fakeLifecycle
	providers *fakeProviderSource
	statuses  *fakeStatusSource
	outbox    *fakeOutboxStore
	janitor   *fakeJanitor
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	h := &workerHarness{
		lifecycle: newFakeLifecycle(),
		providers: &fakeProviderSource{p: fixtures.Provider(t, "stub")},
		statuses:  &fakeStatusSource{result: &provideradapter.StatusResult{Status: provideradapter.StatusWaiting}},
		outbox:    &fakeOutboxStore{},
		janitor:   &fakeJanitor{},
	}
	h.worker = NewWorker(config.OrchestratorConfig{TickInterval: time.Second},
		20*time.Minute, time.Hour,
		h.lifecycle, h.providers, h.statuses, h.outbox, h.janitor, nil,
		cache.NewMemorySlidingWindow(), zap.NewNop(), nil)
	return h
}

func activeActivation(t *testing.T, h *workerHarness, age time.Duration) *activation.Activation {
	t.Helper()
	a := fixtures.ActiveActivation(t, uuid.New(), h.providers.p.ID)
	a.CreatedAt = time.Now().Add(-age)
	h.lifecycle.rows[a.ID] = a
	return a
}

func TestPollDueAdaptiveBands(t *testing.T) {
	h := newWorkerHarness(t)
	now := time.Now()

	tests := []struct {
		name       string
		age        time.Duration
		sincePoll  time.Duration
		wantDue    bool
	}{
		{"young polled 3s ago", time.Minute, 3 * time.Second, false},
		{"young polled 6s ago", time.Minute, 6 * time.Second, true},
		{"middle polled 10s ago", 5 * time.Minute, 10 * time.Second, false},
		{"middle polled 20s ago", 5 * time.Minute, 20 * time.Second, true},
		{"old polled 30s ago", 30 * time.Minute, 30 * time.Second, false},
		{"old polled 2m ago", 30 * time.Minute, 2 * time.Minute, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := activeActivation(t, h, tc.age)
			h.worker.lastPolled.Store(a.ID, now.Add(-tc.sincePoll))
			assert.Equal(t, tc.wantDue, h.worker.pollDue(a, now))
		})
	}
}

func TestPollDueNeverPolledIsAlwaysDue(t *testing.T) {
	h := newWorkerHarness(t)
	a := activeActivation(t, h, time.Minute)
	assert.True(t, h.worker.pollDue(a, time.Now()))
}

func TestRunStageSkipsOverlappingRun(t *testing.T) {
	h := newWorkerHarness(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var runs int

	h.worker.runStage(context.Background(), stagePoll, func(context.Context) {
		runs++
		close(started)
		<-release
	})
	<-started

	// Second tick while the first run is still busy.
	h.worker.runStage(context.Background(), stagePoll, func(context.Context) {
		runs++
	})

	close(release)
	h.worker.wg.Wait()
	assert.Equal(t, 1, runs)
}

func TestPollActivationsAppliesStatus(t *testing.T) {
	h := newWorkerHarness(t)
	a := activeActivation(t, h, time.Minute)
	h.lifecycle.pollable = []*activation.Activation{a}

	h.worker.pollActivations(context.Background())

	assert.Equal(t, []string{a.ExternalID}, h.statuses.calls)
	assert.Equal(t, []uuid.UUID{a.ID}, h.lifecycle.statuses)
}

func TestPollActivationsSkipsNumberlessRows(t *testing.T) {
	h := newWorkerHarness(t)
	a := fixtures.Activation(t, uuid.New(), h.providers.p.ID)
	h.lifecycle.rows[a.ID] = a
	h.lifecycle.pollable = []*activation.Activation{a}

	h.worker.pollActivations(context.Background())

	assert.Empty(t, h.statuses.calls)
}

func TestPollActivationsSkipsTerminalAfterReread(t *testing.T) {
	h := newWorkerHarness(t)
	a := activeActivation(t, h, time.Minute)
	h.lifecycle.pollable = []*activation.Activation{a}
	require.NoError(t, a.Cancel())

	h.worker.pollActivations(context.Background())

	assert.Empty(t, h.statuses.calls)
}

func TestPollActivationsHonoursSharedCallCap(t *testing.T) {
	h := newWorkerHarness(t)
	h.providers.p.RequestsPerMinute = 1

	first := activeActivation(t, h, time.Minute)
	second := activeActivation(t, h, time.Minute)
	h.lifecycle.pollable = []*activation.Activation{first, second}

	h.worker.pollActivations(context.Background())

	// Both share one provider; the cap admits only one call this minute.
	assert.Len(t, h.statuses.calls, 1)
}

func TestDrainOutboxMarksSuccessDone(t *testing.T) {
	h := newWorkerHarness(t)
	entry := outbox.NewEntry(outbox.KindOrderIndexSync, uuid.New(), []byte(`{}`))
	h.outbox.due = []*outbox.Entry{entry}

	var handled int
	h.worker.Handle(outbox.KindOrderIndexSync, func(context.Context, *outbox.Entry) error {
		handled++
		return nil
	})

	h.worker.drainOutbox(context.Background())

	assert.Equal(t, 1, handled)
	require.Len(t, h.outbox.updated, 1)
	assert.NotNil(t, h.outbox.updated[0].DoneAt)
}

func TestDrainOutboxSchedulesRetryOnFailure(t *testing.T) {
	h := newWorkerHarness(t)
	entry := outbox.NewEntry(outbox.KindCatalogRefresh, uuid.New(), []byte(`{}`))
	h.outbox.due = []*outbox.Entry{entry}

	h.worker.Handle(outbox.KindCatalogRefresh, func(context.Context, *outbox.Entry) error {
		return errors.New("upstream down")
	})

	h.worker.drainOutbox(context.Background())

	require.Len(t, h.outbox.updated, 1)
	updated := h.outbox.updated[0]
	assert.Nil(t, updated.DoneAt)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, "upstream down", updated.LastError)
	assert.True(t, updated.NextRunAt.After(time.Now()))
}

func TestDrainOutboxLeavesNotificationsToEventsStage(t *testing.T) {
	h := newWorkerHarness(t)
	h.outbox.due = []*outbox.Entry{outbox.NewEntry(outbox.KindNotification, uuid.New(), []byte(`{}`))}

	var handled int
	h.worker.Handle(outbox.KindNotification, func(context.Context, *outbox.Entry) error {
		handled++
		return nil
	})

	h.worker.drainOutbox(context.Background())
	assert.Equal(t, 0, handled)

	h.worker.dispatchEvents(context.Background())
	assert.Equal(t, 1, handled)
}

func TestCleanupExpiresAndReleasesHolds(t *testing.T) {
	h := newWorkerHarness(t)
	a := activeActivation(t, h, 25*time.Minute)
	h.lifecycle.expirable = []*activation.Activation{a}

	h.worker.cleanup(context.Background())

	assert.Equal(t, []uuid.UUID{a.ID}, h.lifecycle.expired)
	assert.Equal(t, 1, h.janitor.released)
}

func TestReconcileTimesOutStuckActivations(t *testing.T) {
	h := newWorkerHarness(t)
	a := activeActivation(t, h, 2*time.Hour)
	h.lifecycle.stuck = []*activation.Activation{a}

	h.worker.reconcile(context.Background())

	assert.Equal(t, []uuid.UUID{a.ID}, h.lifecycle.timedOut)
}
