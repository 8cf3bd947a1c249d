package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisSampleStore keeps per-provider success/failure windows as Redis
// lists, newest first, so every instance sees the same trailing window.
type redisSampleStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisSampleStore creates a SampleStore over the shared client. The TTL
// keeps windows of retired providers from living forever.
func NewRedisSampleStore(client *redis.Client, logger *zap.Logger, ttl time.Duration) SampleStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisSampleStore{client: client, logger: logger, ttl: ttl}
}

func (s *redisSampleStore) key(providerID string) string {
	return HealthPrefix + "window:" + providerID
}

// Push appends a sample and trims the window to size.
func (s *redisSampleStore) Push(ctx context.Context, providerID string, success bool, size int) error {
	value := "0"
	if success {
		value = "1"
	}

	key := s.key(providerID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, int64(size-1))
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("health sample push failed",
			zap.String("provider_id", providerID),
			zap.Error(err))
		return fmt.Errorf("health sample push failed: %w", err)
	}

	return nil
}

// Window returns newest-first samples, at most size.
func (s *redisSampleStore) Window(ctx context.Context, providerID string, size int) ([]bool, error) {
	values, err := s.client.LRange(ctx, s.key(providerID), 0, int64(size-1)).Result()
	if err != nil {
		s.logger.Error("health window read failed",
			zap.String("provider_id", providerID),
			zap.Error(err))
		return nil, fmt.Errorf("health window read failed: %w", err)
	}

	samples := make([]bool, 0, len(values))
	for _, v := range values {
		samples = append(samples, v == "1")
	}
	return samples, nil
}

// Reset drops the window for a provider.
func (s *redisSampleStore) Reset(ctx context.Context, providerID string) error {
	if err := s.client.Del(ctx, s.key(providerID)).Err(); err != nil {
		return fmt.Errorf("health window reset failed: %w", err)
	}
	return nil
}
