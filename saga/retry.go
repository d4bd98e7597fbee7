package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// DefaultMaxAttempts is the number of write attempts before giving up.
	DefaultMaxAttempts = 5

	// DefaultRetryDelay is the fixed pause between attempts.
	DefaultRetryDelay = 500 * time.Millisecond
)

// RetryStore wraps a Store and retries Replace on version conflicts.
//
// The same payload is reapplied on every attempt; the record is not re-read.
// That is only correct for writes whose intent does not depend on the
// version, such as re-asserting the same step list. Errors other than
// ErrVersionConflict are returned immediately.
type RetryStore struct {
	Store
	maxAttempts int
	delay       time.Duration
	logger      *slog.Logger
	metrics     *MetricsRecorder
}

// RetryOption configures a RetryStore.
type RetryOption func(*RetryStore)

// WithMaxAttempts sets the total number of attempts (minimum 1).
func WithMaxAttempts(n int) RetryOption {
	return func(s *RetryStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) RetryOption {
	return func(s *RetryStore) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithRetryLogger sets the logger used to report conflicts.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(s *RetryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetryMetrics counts retried writes.
func WithRetryMetrics(m *MetricsRecorder) RetryOption {
	return func(s *RetryStore) {
		s.metrics = m
	}
}

// NewRetryStore wraps store with the default policy of 5 attempts
// 500ms apart.
func NewRetryStore(store Store, opts ...RetryOption) *RetryStore {
	s := &RetryStore{
		Store:       store,
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultRetryDelay,
		logger:      slog.Default().With("component", "saga>retry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes rec through Replace, retrying version conflicts. After the
// budget is spent it returns a *PersistenceExhaustedError.
func (s *RetryStore) Save(ctx context.Context, rec *Record) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.Store.Replace(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err

		if attempt == s.maxAttempts {
			break
		}
		s.logger.Debug("version conflict, retrying",
			"saga_id", rec.SagaID,
			"attempt", attempt,
			"version", rec.Version)
		s.metrics.RecordRetry(ctx)

		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	s.logger.Error("persistence retries exhausted",
		"saga_id", rec.SagaID,
		"attempts", s.maxAttempts,
		"error", lastErr)
	return &PersistenceExhaustedError{
		SagaID:   rec.SagaID,
		Attempts: s.maxAttempts,
		LastErr:  lastErr,
	}
}
