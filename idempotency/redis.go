package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore tracks processed IDs in Redis so dedup state survives
// restarts and is shared across nodes. IsDuplicate uses SET NX so the
// check-and-mark is atomic, the same primitive the pack's lock manager
// uses for lease acquisition.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a Redis-backed idempotency store. prefix
// namespaces keys, e.g. "sched:idemp:".
func NewRedisStore(client redis.Cmdable, ttl time.Duration, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idemp:"
	}
	return &RedisStore{client: client, ttl: ttl, prefix: prefix}
}

// IsDuplicate also marks id as seen when it returns false, so a second
// caller racing the same ID sees true rather than both proceeding.
func (s *RedisStore) IsDuplicate(ctx context.Context, id string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+id, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: setnx: %w", err)
	}
	return !set, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, id string) error {
	return s.MarkProcessedWithTTL(ctx, id, s.ttl)
}

func (s *RedisStore) MarkProcessedWithTTL(ctx context.Context, id string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+id, "1", ttl).Err()
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}

var _ Store = (*RedisStore)(nil)
