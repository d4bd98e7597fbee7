package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- String: saga:{id} - JSON encoded record
- Set: saga:by_trace:{traceId} - saga IDs started under a trace id
- Sorted Set: saga:by_updated - saga IDs scored by updated_at (unix ms)

Replace runs inside WATCH saga:{id} / MULTI, so a concurrent writer aborts
the transaction and the caller sees a version conflict.
*/

// RedisStore is a Redis-based saga store
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	tracePrefix string
	updatedKey  string
	now         func() time.Time
}

// NewRedisStore creates a new Redis saga store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      "saga:",
		tracePrefix: "saga:by_trace:",
		updatedKey:  "saga:by_updated",
		now:         timestamp,
	}
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	s.tracePrefix = prefix + "by_trace:"
	s.updatedKey = prefix + "by_updated"
	return s
}

// Create stores a new saga
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	doc := rec.Clone()
	doc.Version = 1
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.now()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.prefix+doc.SagaID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, doc.SagaID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.index(ctx, pipe, doc)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	rec.Version = doc.Version
	rec.UpdatedAt = doc.UpdatedAt
	return nil
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, rec *Record) {
	pipe.ZAdd(ctx, s.updatedKey, redis.Z{
		Score:  float64(rec.UpdatedAt.UnixMilli()),
		Member: rec.SagaID,
	})
	if rec.TraceID != "" {
		pipe.SAdd(ctx, s.tracePrefix+rec.TraceID, rec.SagaID)
	}
}

// Get retrieves a saga by id
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (*Record, error) {
	data, err := c.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &rec, nil
}

// Replace overwrites the saga if its version matches
func (s *RedisStore) Replace(ctx context.Context, rec *Record) error {
	key := s.prefix + rec.SagaID
	next := rec.Clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = s.now()

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, rec.SagaID)
		if err != nil {
			return err
		}
		if current.Version != rec.Version {
			return &VersionConflictError{SagaID: rec.SagaID, Expected: rec.Version}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.index(ctx, pipe, next)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return &VersionConflictError{SagaID: rec.SagaID, Expected: rec.Version}
	}
	if err != nil {
		return err
	}

	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

// FindByTraceID returns sagas with the trace id, oldest first
func (s *RedisStore) FindByTraceID(ctx context.Context, traceID string) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.tracePrefix+traceID).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}

	results, err := s.load(ctx, ids, Filter{})
	if err != nil {
		return nil, err
	}
	sortByCreated(results)
	return results, nil
}

// List lists sagas matching the filter, oldest update first
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	upper := "+inf"
	if !filter.UpdatedBefore.IsZero() {
		upper = "(" + strconv.FormatInt(filter.UpdatedBefore.UnixMilli(), 10)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.updatedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: upper,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}

	return s.load(ctx, ids, filter)
}

func (s *RedisStore) load(ctx context.Context, ids []string, filter Filter) ([]*Record, error) {
	var results []*Record
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !filter.Match(rec) {
			continue
		}
		results = append(results, rec)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

var _ Store = (*RedisStore)(nil)
