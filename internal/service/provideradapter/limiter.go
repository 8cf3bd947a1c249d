package provideradapter

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// limiter enforces a provider's two call budgets: at most MaxConcurrency
// requests in flight and at most RequestsPerMinute dispatched. Acquire
// blocks until both budgets admit the call or the context ends.
type limiter struct {
	sem     chan struct{}
	rate    *rate.Limiter
	maxConc int
	rpm     int
}

// normalizeBudgets fills in the defaults for unset budgets. Registry
// lookups compare against normalized values so an unconfigured provider
// keeps one limiter instead of getting a fresh one per call.
func normalizeBudgets(maxConcurrency, requestsPerMinute int) (int, int) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return maxConcurrency, requestsPerMinute
}

func newLimiter(maxConcurrency, requestsPerMinute int) *limiter {
	maxConcurrency, requestsPerMinute = normalizeBudgets(maxConcurrency, requestsPerMinute)

	return &limiter{
		sem:     make(chan struct{}, maxConcurrency),
		rate:    rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		maxConc: maxConcurrency,
		rpm:     requestsPerMinute,
	}
}

func (l *limiter) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := l.rate.Wait(ctx); err != nil {
		<-l.sem
		return err
	}

	return nil
}

func (l *limiter) release() {
	<-l.sem
}

// limiterRegistry hands out one limiter per provider, rebuilding it when the
// provider's configured budgets change.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*limiter
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{limiters: make(map[uuid.UUID]*limiter)}
}

func (r *limiterRegistry) get(providerID uuid.UUID, maxConcurrency, requestsPerMinute int) *limiter {
	maxConcurrency, requestsPerMinute = normalizeBudgets(maxConcurrency, requestsPerMinute)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[providerID]
	if ok && l.maxConc == maxConcurrency && l.rpm == requestsPerMinute {
		return l
	}

	l = newLimiter(maxConcurrency, requestsPerMinute)
	r.limiters[providerID] = l
	return l
}
