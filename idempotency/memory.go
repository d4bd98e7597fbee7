package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage with TTL support.
//
// Data is lost on restart and is not shared between replicas, so it suits
// tests and single-instance compensators. Use RedisStore otherwise.
//
// Example:
//
//	store := idempotency.NewMemoryStore(time.Hour)
//	defer store.Close()
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiry time
	ttl     time.Duration
	now     func() time.Time
	stopCh  chan struct{}
}

// NewMemoryStore creates a new in-memory idempotency store.
//
// A background goroutine removes expired entries every minute.
// Call Close when done to stop it.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// IsDuplicate reports whether key was processed and has not expired.
func (s *MemoryStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, exists := s.entries[key]
	if !exists {
		return false, nil
	}
	return s.now().Before(expiry), nil
}

// MarkProcessed marks a key as processed using the default TTL.
func (s *MemoryStore) MarkProcessed(ctx context.Context, key string) error {
	return s.MarkProcessedWithTTL(ctx, key, s.ttl)
}

// MarkProcessedWithTTL marks a key as processed with a custom TTL.
func (s *MemoryStore) MarkProcessedWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = s.now().Add(ttl)
	return nil
}

// Remove removes a key from the store.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Len returns the number of entries currently in the store, including
// expired entries not yet cleaned up.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
