package saga

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// saver persists a record after each transition.
type saver interface {
	Save(ctx context.Context, rec *Record) error
}

// Outcome is the result of one compensation attempt during an unwind.
type Outcome struct {
	Step string // the forward step that was undone
	Kind string
	Err  error // nil on success, *CompensationError otherwise
}

// OK reports whether the compensation succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Runtime is the in-flight handle of one saga. It is driven by one flow at a
// time; methods serialize on an internal mutex, and every transition is
// persisted before the method returns.
type Runtime struct {
	mu       sync.Mutex
	record   *Record
	registry *Registry
	store    saver
	now      func() time.Time
	logger   *slog.Logger
	metrics  *MetricsRecorder
}

func newRuntime(rec *Record, registry *Registry, store saver, o *serviceOptions) *Runtime {
	return &Runtime{
		record:   rec,
		registry: registry,
		store:    store,
		now:      o.now,
		logger:   o.logger.With("saga_id", rec.SagaID, "saga", rec.Name),
		metrics:  o.metrics,
	}
}

// SagaID returns the saga's id.
func (r *Runtime) SagaID() string {
	return r.record.SagaID
}

// Status returns the current status.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Status
}

// Record returns a copy of the wrapped record.
func (r *Runtime) Record() *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Clone()
}

// Store persists the wrapped record as it is, with the same conflict retry
// as every other transition.
func (r *Runtime) Store(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx)
}

// AddCompensation records a new IN_PROGRESS step and pushes its
// compensation. Call it before the step's side effect is considered durable.
func (r *Runtime) AddCompensation(ctx context.Context, stepName string, snapshot map[string]any, kind string) error {
	if _, ok := r.registry.Lookup(kind); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCompensation, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.record.Clone()
	if err := r.appendStep(stepName, snapshot); err != nil {
		return err
	}
	r.record.Compensations = append(r.record.Compensations, Compensation{
		StepName:         stepName,
		ResourceSnapshot: cloneMap(snapshot),
		Kind:             kind,
	})

	r.logger.Debug("compensation registered", "step", stepName, "kind", kind)
	return r.saveOrRevert(ctx, prev)
}

// BeginStep records a new IN_PROGRESS step that has nothing to undo.
func (r *Runtime) BeginStep(ctx context.Context, stepName string, snapshot map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.record.Clone()
	if err := r.appendStep(stepName, snapshot); err != nil {
		return err
	}
	r.logger.Debug("step started", "step", stepName)
	return r.saveOrRevert(ctx, prev)
}

func (r *Runtime) appendStep(stepName string, snapshot map[string]any) error {
	if r.record.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot add step %s to %s saga", ErrInvalidTransition, stepName, r.record.Status)
	}
	if strings.HasSuffix(stepName, CompensateSuffix) {
		return fmt.Errorf("%w: %s", ErrReservedStepName, stepName)
	}
	if r.record.Step(stepName) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, stepName)
	}
	r.record.Steps = append(r.record.Steps, Step{
		Name:             stepName,
		Status:           StepInProgress,
		ResourceSnapshot: cloneMap(snapshot),
		StartedAt:        r.now(),
	})
	return nil
}

// CompleteStep marks the named step COMPLETED. It does nothing for an
// unknown or already terminal step.
func (r *Runtime) CompleteStep(ctx context.Context, stepName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	step := r.record.Step(stepName)
	if step == nil || step.Status.Terminal() {
		return nil
	}
	prev := r.record.Clone()
	ended := r.now()
	step.Status = StepCompleted
	step.EndedAt = &ended

	if err := r.saveOrRevert(ctx, prev); err != nil {
		return err
	}
	r.metrics.RecordStep(ctx, r.record.Name, StepCompleted)
	r.logger.Debug("step completed", "step", stepName)
	return nil
}

// FailStep marks the named step FAILED with cause and fails the saga. The
// saga fails even when the step is unknown or already terminal; the step
// itself is only changed if it was still in progress.
func (r *Runtime) FailStep(ctx context.Context, stepName string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.record.Clone()
	if !r.failStep(ctx, stepName, cause) {
		return nil
	}
	return r.saveOrRevert(ctx, prev)
}

// failStep reports whether anything changed.
func (r *Runtime) failStep(ctx context.Context, stepName string, cause error) bool {
	changed := false
	if step := r.record.Step(stepName); step != nil && !step.Status.Terminal() {
		ended := r.now()
		step.Status = StepFailed
		step.EndedAt = &ended
		if cause != nil {
			step.Error = cause.Error()
		}
		changed = true
		r.metrics.RecordStep(ctx, r.record.Name, StepFailed)
	}
	if CanTransition(r.record.Status, StatusFailed) {
		r.record.Status = StatusFailed
		changed = true
		r.logger.Info("saga failed", "step", stepName, "error", cause)
	}
	return changed
}

// Run executes the forward action of a step already registered with
// AddCompensation or BeginStep. On success the step is completed; on failure
// a *StepError is returned and the step is left for Compensate to fail.
func (r *Runtime) Run(ctx context.Context, stepName string, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return &StepError{Step: stepName, Err: err}
	}
	return r.CompleteStep(ctx, stepName)
}

// Complete marks the saga COMPLETED.
func (r *Runtime) Complete(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.record.Status, StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.record.Status, StatusCompleted)
	}
	prev := r.record.Clone()
	r.record.Status = StatusCompleted
	if err := r.saveOrRevert(ctx, prev); err != nil {
		return err
	}
	r.metrics.RecordFinish(ctx, r.record.Name, StatusCompleted)
	r.logger.Info("saga completed", "steps", len(r.record.Steps))
	return nil
}

// Compensate fails the most recent forward step with cause, then undoes
// every registered compensation newest-first. Each attempt is recorded as a
// step named "<step>:compensate". A failing compensation does not stop the
// unwind. The saga ends COMPENSATED.
//
// The returned error is a *FailedError wrapping cause, unless the record
// could not be persisted, in which case the persistence error (usually a
// *PersistenceExhaustedError) is returned instead.
//
// The unwind runs to completion even if ctx is cancelled.
func (r *Runtime) Compensate(ctx context.Context, cause error) ([]Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.record.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot compensate %s saga", ErrInvalidTransition, r.record.Status)
	}

	ctx = context.WithoutCancel(ctx)
	start := r.now()

	var persistErr error
	keep := func(err error) {
		if err != nil && persistErr == nil {
			persistErr = err
		}
	}

	var failed string
	if last := r.record.LastStep(); last != nil {
		failed = last.Name
	}
	r.failStep(ctx, failed, cause)
	keep(r.save(ctx))

	r.logger.Info("starting compensation",
		"steps_to_compensate", len(r.record.Compensations),
		"error", cause)

	outcomes := make([]Outcome, 0, len(r.record.Compensations))
	for i := len(r.record.Compensations) - 1; i >= 0; i-- {
		c := r.record.Compensations[i]
		outcome := r.runCompensation(ctx, c)
		outcomes = append(outcomes, outcome)
		keep(r.save(ctx))
	}

	if CanTransition(r.record.Status, StatusCompensated) {
		r.record.Status = StatusCompensated
	}
	keep(r.save(ctx))

	r.metrics.RecordUnwind(ctx, r.record.Name, r.now().Sub(start))
	r.metrics.RecordFinish(ctx, r.record.Name, StatusCompensated)
	r.logger.Info("compensation finished", "compensations", len(outcomes))

	if persistErr != nil {
		return outcomes, persistErr
	}
	return outcomes, &FailedError{
		SagaID:   r.record.SagaID,
		Name:     r.record.Name,
		Cause:    cause,
		Outcomes: outcomes,
	}
}

func (r *Runtime) runCompensation(ctx context.Context, c Compensation) Outcome {
	step := Step{
		Name:             c.StepName + CompensateSuffix,
		Status:           StepInProgress,
		ResourceSnapshot: cloneMap(c.ResourceSnapshot),
		StartedAt:        r.now(),
	}

	var err error
	if comp, ok := r.registry.Lookup(c.Kind); ok {
		err = comp.Compensate(withSagaID(ctx, r.record.SagaID), c)
	} else {
		err = fmt.Errorf("%w: %s", ErrUnknownCompensation, c.Kind)
	}

	ended := r.now()
	step.EndedAt = &ended
	outcome := Outcome{Step: c.StepName, Kind: c.Kind}
	if err != nil {
		outcome.Err = &CompensationError{Step: c.StepName, Kind: c.Kind, Err: err}
		step.Status = StepFailed
		step.Error = err.Error()
		r.logger.Error("compensation failed", "step", c.StepName, "kind", c.Kind, "error", err)
	} else {
		step.Status = StepCompleted
		r.logger.Debug("compensation succeeded", "step", c.StepName, "kind", c.Kind)
	}
	r.record.Steps = append(r.record.Steps, step)
	r.metrics.RecordCompensation(ctx, r.record.Name, c.Kind, err)
	return outcome
}

// saveOrRevert persists the record and restores prev if the write fails, so
// the transition can be retried.
func (r *Runtime) saveOrRevert(ctx context.Context, prev *Record) error {
	if err := r.save(ctx); err != nil {
		r.record = prev
		return err
	}
	return nil
}

func (r *Runtime) save(ctx context.Context) error {
	if err := r.store.Save(ctx, r.record); err != nil {
		r.logger.Error("failed to persist saga", "error", err)
		return err
	}
	return nil
}
