// Package saga coordinates multi-step operations that span services with no
// shared transaction.
//
// A business flow starts a saga through a Service, receives a Runtime, and
// registers a compensation before each side effect it performs. On success
// the flow marks the saga completed. On failure the Runtime undoes every
// registered side effect newest-first, records each attempt as its own step,
// and returns exactly one error to the caller.
//
// # Overview
//
// The package provides:
//   - Record and Step: the durable audit trail of one saga
//   - Runtime: the in-flight handle that accumulates and unwinds compensations
//   - Registry: compensators keyed by kind, so compensations persist as data
//   - Store implementations for memory, MongoDB, Redis, and PostgreSQL
//   - RetryStore: optimistic-concurrency retry on version conflicts
//   - Service: the facade that ties ids, storage, and runtimes together
//
// # Usage
//
//	registry := saga.NewRegistry()
//	registry.Register("delete-premises", saga.CompensatorFunc(deletePremises))
//
//	svc := saga.NewService(ids, saga.NewMongoStore(db), registry)
//
//	rt, err := svc.StartSaga(ctx, "register-premises", map[string]any{"premisesId": p.ID})
//	if err != nil {
//	    return err
//	}
//	if err := rt.AddCompensation(ctx, "create-premises", map[string]any{"premisesId": p.ID}, "delete-premises"); err != nil {
//	    return err
//	}
//	if err := createPremises(ctx, p); err != nil {
//	    _, err = rt.Compensate(ctx, err)
//	    return err
//	}
//	_ = rt.CompleteStep(ctx, "create-premises")
//	return rt.Complete(ctx)
package saga

import (
	"maps"
	"strings"
	"time"
)

// Status is the lifecycle state of a saga.
//
// State transitions:
//
//	PENDING -> IN_PROGRESS -> COMPLETED
//	                       \
//	                        FAILED -> COMPENSATED
type Status string

const (
	// StatusPending indicates the record was built but not started.
	StatusPending Status = "PENDING"

	// StatusInProgress indicates the flow is executing forward steps.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted indicates every forward step succeeded.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates a step failed; the unwind has not finished.
	StatusFailed Status = "FAILED"

	// StatusCompensated indicates every registered compensation was attempted.
	StatusCompensated Status = "COMPENSATED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusCompensated
	}
	return false
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// Terminal reports whether the step status may no longer change.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// CompensateSuffix is appended to a step name to name the step that records
// its compensation.
const CompensateSuffix = ":compensate"

// Step is one unit of forward or compensating work.
type Step struct {
	Name             string         `json:"name" bson:"name"`
	Status           StepStatus     `json:"status" bson:"status"`
	ResourceSnapshot map[string]any `json:"resourceSnapshot,omitempty" bson:"resource_snapshot,omitempty"`
	StartedAt        time.Time      `json:"startedAt" bson:"started_at"`
	EndedAt          *time.Time     `json:"endedAt,omitempty" bson:"ended_at,omitempty"`
	Error            string         `json:"error,omitempty" bson:"error,omitempty"`
}

// IsCompensation reports whether the step records a compensation attempt.
func (s Step) IsCompensation() bool {
	return strings.HasSuffix(s.Name, CompensateSuffix)
}

// Compensation describes how to undo one step. It is plain data: the Kind
// selects a Compensator from the Registry at unwind time.
type Compensation struct {
	StepName         string         `json:"stepName" bson:"step_name"`
	ResourceSnapshot map[string]any `json:"resourceSnapshot,omitempty" bson:"resource_snapshot,omitempty"`
	Kind             string         `json:"kind" bson:"kind"`
}

// TimestampPrecision is the finest time resolution every Store keeps.
const TimestampPrecision = time.Millisecond

// Timestamp returns t in UTC truncated to TimestampPrecision, the form in
// which records come back from any Store.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

func timestamp() time.Time {
	return Timestamp(time.Now())
}

// Record is the durable state of one saga. Steps and Compensations are
// append-only.
type Record struct {
	SagaID        string         `json:"sagaId"`
	Name          string         `json:"name"`
	Status        Status         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Steps         []Step         `json:"steps"`
	Compensations []Compensation `json:"compensations"`
	TraceID       string         `json:"traceId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Version       int64          `json:"version"`
}

// Step returns a pointer to the named step, or nil.
func (r *Record) Step(name string) *Step {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// LastStep returns the most recently appended forward step, or nil.
func (r *Record) LastStep() *Step {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if !r.Steps[i].IsCompensation() {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = cloneMap(r.Metadata)
	if r.Steps != nil {
		out.Steps = make([]Step, len(r.Steps))
		for i, s := range r.Steps {
			s.ResourceSnapshot = cloneMap(s.ResourceSnapshot)
			if s.EndedAt != nil {
				ended := *s.EndedAt
				s.EndedAt = &ended
			}
			out.Steps[i] = s
		}
	}
	if r.Compensations != nil {
		out.Compensations = make([]Compensation, len(r.Compensations))
		for i, c := range r.Compensations {
			c.ResourceSnapshot = cloneMap(c.ResourceSnapshot)
			out.Compensations[i] = c
		}
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
