package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Compensator undoes one step, given the descriptor recorded when the step
// was registered. Implementations should be idempotent.
type Compensator interface {
	Compensate(ctx context.Context, c Compensation) error
}

// CompensatorFunc adapts a function to the Compensator interface.
type CompensatorFunc func(ctx context.Context, c Compensation) error

// Compensate calls f(ctx, c).
func (f CompensatorFunc) Compensate(ctx context.Context, c Compensation) error {
	return f(ctx, c)
}

// Registry maps compensation kinds to Compensators. A persisted record
// stores only the kind, so any process holding the same registry can run
// the unwind.
type Registry struct {
	mu           sync.RWMutex
	compensators map[string]Compensator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{compensators: make(map[string]Compensator)}
}

// Register adds a compensator for kind.
func (r *Registry) Register(kind string, c Compensator) error {
	if kind == "" || c == nil {
		return fmt.Errorf("register %q: kind and compensator are required", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.compensators[kind]; exists {
		return fmt.Errorf("%w: %s", ErrCompensationExists, kind)
	}
	r.compensators[kind] = c
	return nil
}

// Lookup returns the compensator for kind.
func (r *Registry) Lookup(kind string) (Compensator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compensators[kind]
	return c, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.compensators))
	for k := range r.compensators {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
