package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisSlidingWindow implements SlidingWindow using Redis sorted sets.
// The orchestrator uses it to cap total inbox-poll calls per provider per
// minute across every running instance.
type redisSlidingWindow struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSlidingWindow creates a Redis-backed sliding window counter.
func NewRedisSlidingWindow(client *redis.Client, logger *zap.Logger) SlidingWindow {
	return &redisSlidingWindow{client: client, logger: logger}
}

// Allow checks if an event is allowed under the limit using a sliding window.
func (r *redisSlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window)

	rateLimitKey := RateLimitPrefix + key

	pipe := r.client.Pipeline()

	// Drop entries that fell out of the window, then count what remains.
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey)

	memberID := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)
	pipe.ZAdd(ctx, rateLimitKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: memberID,
	})
	pipe.Expire(ctx, rateLimitKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("sliding window pipeline failed",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, fmt.Errorf("sliding window pipeline failed: %w", err)
	}

	if countCmd.Val() >= int64(limit) {
		// Take back the member we optimistically added.
		r.client.ZRem(ctx, rateLimitKey, memberID)

		r.logger.Debug("sliding window limit reached",
			zap.String("key", key),
			zap.Int64("count", countCmd.Val()),
			zap.Int("limit", limit))
		return false, nil
	}

	return true, nil
}

// Count returns the current count for a key
func (r *redisSlidingWindow) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	windowStart := now.Add(-window)

	rateLimitKey := RateLimitPrefix + key

	if err := r.client.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("sliding window cleanup failed: %w", err)
	}

	count, err := r.client.ZCard(ctx, rateLimitKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sliding window count failed: %w", err)
	}

	return int(count), nil
}

// Reset clears the counter for a key
func (r *redisSlidingWindow) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, RateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("sliding window reset failed: %w", err)
	}
	return nil
}
