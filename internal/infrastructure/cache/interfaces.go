package cache

import (
	"context"
	"fmt"
	"time"
)

// Key prefixes. Everything this service writes to redis is ephemeral and
// reconstructable; losing the keyspace degrades routing quality, nothing else.
const (
	HealthPrefix      = "health:"
	RateLimitPrefix   = "ratelimit:"
	IdempotencyPrefix = "idem:"
)

// Cache is the generic KV surface backed by Redis.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Close() error
}

// SampleStore keeps the trailing per-provider success/failure window shared
// across instances. Implementations must be safe for concurrent use.
type SampleStore interface {
	// Push appends a sample and trims the window to size.
	Push(ctx context.Context, providerID string, success bool, size int) error
	// Window returns newest-first samples, at most size.
	Window(ctx context.Context, providerID string, size int) ([]bool, error)
	// Reset drops the window for a provider.
	Reset(ctx context.Context, providerID string) error
}

// SlidingWindow counts events per key over a rolling duration; used to bound
// total poll calls against a provider across all instances.
type SlidingWindow interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Count(ctx context.Context, key string, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

// ErrCacheKeyNotFound indicates a cache miss
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return fmt.Sprintf("cache key not found: %s", e.Key)
}
