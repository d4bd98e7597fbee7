// Package idempotency tracks which compensation commands have already been
// carried out, so a redelivered command does not run its rollback twice.
//
// Compensation commands travel over at-least-once transports. A delete that
// already succeeded must not be repeated, and the result topic should not
// receive a second success for the same command.
//
// # Overview
//
// The package provides:
//   - Store interface for idempotency tracking
//   - MemoryStore for single-instance deployments and tests
//   - RedisStore for distributed deployments (atomic SET NX claim)
//   - PostgresStore when the compensator already owns a Postgres database
//
// # Usage
//
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour)
//
//	dup, err := store.IsDuplicate(ctx, key)
//	if err != nil {
//	    return err
//	}
//	if dup {
//	    return nil
//	}
//	if err := rollback(ctx); err != nil {
//	    _ = store.Remove(ctx, key) // allow a later retry
//	    return err
//	}
//	return store.MarkProcessed(ctx, key)
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyProcessed is returned by callers that want to surface a skipped
// duplicate as an error value.
var ErrAlreadyProcessed = errors.New("message already processed")

// Store defines the interface for idempotency tracking.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// IsDuplicate checks if a key has already been processed.
	//
	// Returns:
	//   - (true, nil): key was already processed (or is being processed), skip it
	//   - (false, nil): key is new, proceed with processing
	//   - (false, error): check failed
	//
	// Atomic implementations (RedisStore) also claim the key when they
	// return false, so two replicas never process the same command
	// concurrently. The claim is a short lease that MarkProcessed extends
	// to the full TTL. Callers Remove the key when processing fails.
	IsDuplicate(ctx context.Context, key string) (bool, error)

	// MarkProcessed marks a key as processed using the store's default TTL.
	MarkProcessed(ctx context.Context, key string) error

	// MarkProcessedWithTTL marks a key as processed with a custom TTL.
	MarkProcessedWithTTL(ctx context.Context, key string, ttl time.Duration) error

	// Remove forgets a key, allowing it to be processed again.
	Remove(ctx context.Context, key string) error
}
