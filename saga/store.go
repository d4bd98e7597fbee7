package saga

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Store persists saga records.
//
// Implementations must be safe for concurrent use and must never alias the
// caller's record: a later mutation of the passed record does not change
// what is stored.
//
// Records come back the way the backend encodes them. Timestamps are kept
// to TimestampPrecision, so callers stamp times with Timestamp. Numbers in
// Metadata and snapshots may change type: RedisStore and PostgresStore
// decode JSON numbers as float64, MongoStore decodes int as int32 or int64.
// Compare numeric values after conversion, not by type.
//
// Implementations:
//   - MemoryStore: tests and single-process use
//   - MongoStore: MongoDB (see mongodb.go)
//   - RedisStore: Redis (see redis.go)
//   - PostgresStore: PostgreSQL (see postgres.go)
type Store interface {
	// Create inserts a new record and sets its Version to 1.
	// Returns ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, rec *Record) error

	// Get retrieves a record by saga id.
	// Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Record, error)

	// Replace overwrites the stored record if its version equals rec.Version.
	// On success rec.Version is incremented and rec.UpdatedAt is set to the
	// write time. A mismatch returns a *VersionConflictError.
	Replace(ctx context.Context, rec *Record) error

	// FindByTraceID returns every saga started under a correlation id.
	FindByTraceID(ctx context.Context, traceID string) ([]*Record, error)

	// List returns records matching the filter, oldest update first.
	List(ctx context.Context, filter Filter) ([]*Record, error)
}

// Filter specifies criteria for listing sagas.
//
// All fields are optional. Empty filter returns all sagas.
//
// Example:
//
//	// Sagas stuck in flight for more than an hour
//	filter := saga.Filter{
//	    Status:        []saga.Status{saga.StatusInProgress, saga.StatusFailed},
//	    UpdatedBefore: time.Now().Add(-time.Hour),
//	    Limit:         100,
//	}
type Filter struct {
	Name          string    // Filter by saga name (empty = all names)
	Status        []Status  // Filter by status (empty = all statuses)
	UpdatedBefore time.Time // Only records last written before this time (zero = no bound)
	Limit         int       // Maximum results (0 = no limit)
}

// Match reports whether rec satisfies the filter, ignoring Limit.
func (f Filter) Match(rec *Record) bool {
	if f.Name != "" && rec.Name != f.Name {
		return false
	}
	if len(f.Status) > 0 && !slices.Contains(f.Status, rec.Status) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// MemoryStore is an in-memory saga store for testing
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Record
	now   func() time.Time
}

// NewMemoryStore creates a new in-memory saga store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*Record),
		now:   timestamp,
	}
}

// WithClock sets the clock used to stamp UpdatedAt.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = func() time.Time { return Timestamp(now()) }
	return s
}

// Create stores a copy of rec
func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[rec.SagaID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.SagaID)
	}

	rec.Version = 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	s.sagas[rec.SagaID] = rec.Clone()
	return nil
}

// Get returns a copy of the stored record
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sagas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Replace overwrites the record when versions match
func (s *MemoryStore) Replace(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sagas[rec.SagaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.SagaID)
	}
	if current.Version != rec.Version {
		return &VersionConflictError{SagaID: rec.SagaID, Expected: rec.Version}
	}

	next := rec.Clone()
	next.Version++
	next.UpdatedAt = s.now()
	s.sagas[rec.SagaID] = next

	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

// FindByTraceID returns copies of every record with the trace id
func (s *MemoryStore) FindByTraceID(ctx context.Context, traceID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for _, rec := range s.sagas {
		if traceID != "" && rec.TraceID == traceID {
			results = append(results, rec.Clone())
		}
	}
	sortByCreated(results)
	return results, nil
}

// List lists sagas matching the filter
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for _, rec := range s.sagas {
		if filter.Match(rec) {
			results = append(results, rec.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].UpdatedAt.Before(results[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Len returns the number of stored sagas
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

func sortByCreated(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].SagaID < recs[j].SagaID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
