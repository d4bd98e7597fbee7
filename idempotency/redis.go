package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis for distributed idempotency.
//
// Redis Commands Used:
//   - SET NX with the claim TTL: atomic duplicate check and claim
//   - SET with the full TTL: mark as processed
//   - DEL: remove entry
//
// A claim is a short lease. If the process dies between IsDuplicate and
// MarkProcessed, the claim lapses and a redelivered command is processed
// again instead of being dropped as a duplicate for the full TTL.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour).WithPrefix("billing:dedup:")
type RedisStore struct {
	client   redis.Cmdable
	ttl      time.Duration
	claimTTL time.Duration
	prefix   string
}

// DefaultClaimTTL bounds how long an unfinished claim blocks redelivery.
const DefaultClaimTTL = time.Minute

// NewRedisStore creates a new Redis-based idempotency store.
// The default key prefix is "saga:dedup:". Claims last DefaultClaimTTL, or
// ttl if that is shorter.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	claim := DefaultClaimTTL
	if ttl > 0 && ttl < claim {
		claim = ttl
	}
	return &RedisStore{
		client:   client,
		ttl:      ttl,
		claimTTL: claim,
		prefix:   "saga:dedup:",
	}
}

// WithClaimTTL sets how long a claim made by IsDuplicate lives before
// MarkProcessed extends it to the full TTL. It should exceed the time a
// handler needs to finish. Returns the store for method chaining.
func (s *RedisStore) WithClaimTTL(d time.Duration) *RedisStore {
	if d > 0 {
		s.claimTTL = d
	}
	return s
}

// WithPrefix sets a custom prefix for Redis keys.
// Returns the store for method chaining.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// IsDuplicate atomically claims key with SET NX for the claim TTL. It
// returns false when the claim succeeded (the caller owns processing) and
// true when the key was already claimed or processed.
func (s *RedisStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+key, "1", s.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !set, nil
}

// MarkProcessed marks a key as processed using the default TTL.
func (s *RedisStore) MarkProcessed(ctx context.Context, key string) error {
	return s.MarkProcessedWithTTL(ctx, key, s.ttl)
}

// MarkProcessedWithTTL marks a key as processed with a custom TTL.
func (s *RedisStore) MarkProcessedWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, "1", ttl).Err()
}

// Remove deletes a key. Missing keys are not an error.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

var _ Store = (*RedisStore)(nil)
