package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saga metrics with OpenTelemetry.
//
// Metrics:
//   - saga.started: sagas started, by name
//   - saga.finished: sagas reaching COMPLETED or COMPENSATED, by name and status
//   - saga.step.outcomes: forward steps completed or failed, by name and result
//   - saga.compensations: compensation attempts, by name, kind, and result
//   - saga.unwind.duration: seconds spent unwinding a failed saga
//   - saga.persistence.retries: writes retried after a version conflict
//
// A nil *MetricsRecorder records nothing.
type MetricsRecorder struct {
	started       metric.Int64Counter
	finished      metric.Int64Counter
	steps         metric.Int64Counter
	compensations metric.Int64Counter
	unwind        metric.Float64Histogram
	retries       metric.Int64Counter
}

// NewMetricsRecorder creates a recorder using the global meter provider.
func NewMetricsRecorder(name string) (*MetricsRecorder, error) {
	return NewMetricsRecorderWithMeter(otel.Meter(name))
}

// NewMetricsRecorderWithMeter creates a recorder on the given meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) (*MetricsRecorder, error) {
	m := &MetricsRecorder{}
	var err error

	if m.started, err = meter.Int64Counter("saga.started",
		metric.WithDescription("Number of sagas started"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("saga.finished",
		metric.WithDescription("Number of sagas reaching a terminal status"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, err
	}
	if m.steps, err = meter.Int64Counter("saga.step.outcomes",
		metric.WithDescription("Number of forward steps completed or failed"),
		metric.WithUnit("{step}")); err != nil {
		return nil, err
	}
	if m.compensations, err = meter.Int64Counter("saga.compensations",
		metric.WithDescription("Number of compensation attempts"),
		metric.WithUnit("{compensation}")); err != nil {
		return nil, err
	}
	if m.unwind, err = meter.Float64Histogram("saga.unwind.duration",
		metric.WithDescription("Time spent unwinding a failed saga"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("saga.persistence.retries",
		metric.WithDescription("Number of saga writes retried after a version conflict"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordStart counts a saga entering IN_PROGRESS. Safe on a nil recorder.
func (m *MetricsRecorder) RecordStart(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", name)))
}

// RecordFinish counts a saga reaching a terminal status.
func (m *MetricsRecorder) RecordFinish(ctx context.Context, name string, status Status) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", name),
		attribute.String("status", string(status)),
	))
}

// RecordStep counts a forward step ending with status.
func (m *MetricsRecorder) RecordStep(ctx context.Context, name string, status StepStatus) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", name),
		attribute.String("result", string(status)),
	))
}

// RecordCompensation counts one compensation attempt, labelled by kind
// and whether err was nil.
func (m *MetricsRecorder) RecordCompensation(ctx context.Context, name, kind string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", name),
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// RecordUnwind records how long a full unwind took, in seconds.
func (m *MetricsRecorder) RecordUnwind(ctx context.Context, name string, d time.Duration) {
	if m == nil {
		return
	}
	m.unwind.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("saga", name)))
}

// RecordRetry counts a write retried after a version conflict.
func (m *MetricsRecorder) RecordRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1)
}
