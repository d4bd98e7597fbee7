package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/premisehq/saga/sequence"
)

// DefaultSequenceName is the sequence used for saga ids.
const DefaultSequenceName = "saga"

type serviceOptions struct {
	logger       *slog.Logger
	metrics      *MetricsRecorder
	now          func() time.Time
	sequenceName string
	maxAttempts  int
	retryDelay   time.Duration
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithLogger sets a custom logger.
//
// If not set, slog.Default() is used with component "saga".
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
//
// Example:
//
//	recorder, _ := saga.NewMetricsRecorder("premises")
//	svc := saga.NewService(ids, store, registry, saga.WithMetrics(recorder))
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *serviceOptions) {
		o.metrics = recorder
	}
}

// WithClock overrides time.Now for step timestamps. Times are truncated to
// TimestampPrecision in UTC.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSequenceName sets the sequence used to generate saga ids.
func WithSequenceName(name string) Option {
	return func(o *serviceOptions) {
		if name != "" {
			o.sequenceName = name
		}
	}
}

// WithRetry overrides the optimistic-concurrency retry policy.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *serviceOptions) {
		if attempts > 0 {
			o.maxAttempts = attempts
		}
		if delay >= 0 {
			o.retryDelay = delay
		}
	}
}

// Service starts, stores, and looks up sagas.
type Service struct {
	ids      sequence.Generator
	store    *RetryStore
	registry *Registry
	opts     *serviceOptions
}

// NewService creates a service over a sequence generator, a store, and the
// registry of compensators runtimes dispatch to.
func NewService(ids sequence.Generator, store Store, registry *Registry, opts ...Option) *Service {
	o := &serviceOptions{
		logger:       slog.Default().With("component", "saga"),
		now:          time.Now,
		sequenceName: DefaultSequenceName,
		maxAttempts:  DefaultMaxAttempts,
		retryDelay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	clock := o.now
	o.now = func() time.Time { return Timestamp(clock()) }
	if registry == nil {
		registry = NewRegistry()
	}

	return &Service{
		ids: ids,
		store: NewRetryStore(store,
			WithMaxAttempts(o.maxAttempts),
			WithRetryDelay(o.retryDelay),
			WithRetryLogger(o.logger),
			WithRetryMetrics(o.metrics),
		),
		registry: registry,
		opts:     o,
	}
}

// Registry returns the compensator registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// StartSaga creates and persists an IN_PROGRESS saga and returns its runtime.
// The trace id comes from ctx (see TraceIDFromContext).
func (s *Service) StartSaga(ctx context.Context, name string, metadata map[string]any) (*Runtime, error) {
	if name == "" {
		return nil, fmt.Errorf("saga name is required")
	}
	id, err := s.ids.Generate(ctx, s.opts.sequenceName)
	if err != nil {
		return nil, fmt.Errorf("generate saga id: %w", err)
	}

	now := s.opts.now()
	rec := &Record{
		SagaID:        id,
		Name:          name,
		Status:        StatusInProgress,
		Metadata:      cloneMap(metadata),
		Steps:         []Step{},
		Compensations: []Compensation{},
		TraceID:       TraceIDFromContext(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}

	s.opts.metrics.RecordStart(ctx, name)
	s.opts.logger.Info("saga started", "saga_id", id, "saga", name, "trace_id", rec.TraceID)
	return newRuntime(rec, s.registry, s.store, s.opts), nil
}

// StoreSaga persists the runtime's record with optimistic-concurrency retry
// and returns a copy of what was written. The runtime keeps the new version,
// so later transitions on it do not conflict.
func (s *Service) StoreSaga(ctx context.Context, rt *Runtime) (*Record, error) {
	if err := rt.Store(ctx); err != nil {
		return nil, err
	}
	return rt.Record(), nil
}

// GetSagaBySagaID loads a saga for inspection or manual reconciliation.
// Returns an error wrapping ErrNotFound if absent.
func (s *Service) GetSagaBySagaID(ctx context.Context, id string) (*Runtime, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return newRuntime(rec, s.registry, s.store, s.opts), nil
}

// FindByTraceID returns the sagas started under a correlation id.
func (s *Service) FindByTraceID(ctx context.Context, traceID string) ([]*Record, error) {
	if traceID == "" {
		return nil, nil
	}
	return s.store.FindByTraceID(ctx, traceID)
}

// ListStalled returns IN_PROGRESS and FAILED sagas not written for at least
// olderThan. Nothing expires them automatically; they are surfaced for an
// operator to inspect and compensate.
func (s *Service) ListStalled(ctx context.Context, olderThan time.Duration, limit int) ([]*Record, error) {
	return s.store.List(ctx, Filter{
		Status:        []Status{StatusPending, StatusInProgress, StatusFailed},
		UpdatedBefore: s.opts.now().Add(-olderThan),
		Limit:         limit,
	})
}
