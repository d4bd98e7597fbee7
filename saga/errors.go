package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no saga exists for an id.
	ErrNotFound = errors.New("saga: not found")

	// ErrAlreadyExists is returned by Store.Create for a duplicate id.
	ErrAlreadyExists = errors.New("saga: already exists")

	// ErrVersionConflict is returned when a write's version does not match
	// the stored record. It is retryable.
	ErrVersionConflict = errors.New("saga: version conflict")

	// ErrDuplicateStep is returned when a step name is reused within a saga.
	ErrDuplicateStep = errors.New("saga: duplicate step name")

	// ErrReservedStepName is returned for a forward step name ending in
	// CompensateSuffix.
	ErrReservedStepName = errors.New("saga: reserved step name")

	// ErrUnknownCompensation is returned for a compensation kind that has no
	// registered Compensator.
	ErrUnknownCompensation = errors.New("saga: unknown compensation kind")

	// ErrCompensationExists is returned when a kind is registered twice.
	ErrCompensationExists = errors.New("saga: compensation kind already registered")

	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("saga: invalid status transition")
)

// VersionConflictError carries the id and expected version of a rejected write.
type VersionConflictError struct {
	SagaID   string
	Expected int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("saga %s: version conflict (expected version %d)", e.SagaID, e.Expected)
}

// Is makes errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// IsConflict checks if an error is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound checks if an error indicates a missing saga.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StepError is a business failure raised by a step's forward action.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError is a failure raised while undoing one step. It is
// recorded on the compensation's own step and never stops the unwind.
type CompensationError struct {
	Step string
	Kind string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensate %s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// PersistenceExhaustedError indicates saga progress could not be written
// after every retry. The stored record may not match what was attempted and
// needs manual reconciliation.
type PersistenceExhaustedError struct {
	SagaID   string
	Attempts int
	LastErr  error
}

func (e *PersistenceExhaustedError) Error() string {
	return fmt.Sprintf("saga %s: persistence exhausted after %d attempts: %v", e.SagaID, e.Attempts, e.LastErr)
}

func (e *PersistenceExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsPersistenceExhausted checks if an error indicates retry exhaustion.
func IsPersistenceExhausted(err error) bool {
	var exhausted *PersistenceExhaustedError
	return errors.As(err, &exhausted)
}

// FailedError is the single error a caller sees after a saga was unwound.
// It carries the triggering error; the per-compensation results are in
// Outcomes for callers that want them.
type FailedError struct {
	SagaID   string
	Name     string
	Cause    error
	Outcomes []Outcome
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("saga %s %s failed: %v", e.Name, e.SagaID, e.Cause)
}

func (e *FailedError) Unwrap() error {
	return e.Cause
}

// Code returns the code of the triggering error, if it has one.
func (e *FailedError) Code() string {
	return CodeOf(e.Cause)
}

// CodeOf returns the code of the first error in err's chain that implements
// Code() string, or "".
func CodeOf(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

type coder interface {
	Code() string
}
