// Package sequence issues monotonic, zero-padded identifiers per sequence name.
//
// The saga service consumes a Generator to obtain saga ids. Each backend
// performs an atomic increment-and-fetch so that concurrent callers, in one
// process or many, never receive the same value for a given name.
//
//	ids := sequence.NewRedisGenerator(rdb)
//	id, err := ids.Generate(ctx, "saga") // "0000000001"
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// DefaultWidth is the zero-padded width of generated ids.
const DefaultWidth = 10

// ErrEmptyName is returned when Generate is called with an empty sequence name.
var ErrEmptyName = errors.New("sequence: name is required")

// Generator issues unique values per sequence name.
type Generator interface {
	// Generate increments the named sequence and returns the new value,
	// zero-padded to the generator's width.
	Generate(ctx context.Context, name string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, name string) (string, error)

// Generate calls f(ctx, name).
func (f GeneratorFunc) Generate(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Format zero-pads n to width digits. Values wider than width are returned
// unpadded.
func Format(n int64, width int) string {
	s := strconv.FormatInt(n, 10)
	if len(s) >= width {
		return s
	}
	return fmt.Sprintf("%0*d", width, n)
}

// MemoryGenerator keeps counters in process memory. Values restart at 1
// after a restart, so it is only suitable for tests and single-process use.
type MemoryGenerator struct {
	mu       sync.Mutex
	counters map[string]int64
	width    int
}

// NewMemoryGenerator creates an in-memory generator with DefaultWidth.
func NewMemoryGenerator() *MemoryGenerator {
	return &MemoryGenerator{
		counters: make(map[string]int64),
		width:    DefaultWidth,
	}
}

// WithWidth sets the padded width.
func (g *MemoryGenerator) WithWidth(width int) *MemoryGenerator {
	g.width = width
	return g
}

// Generate increments the named counter.
func (g *MemoryGenerator) Generate(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	g.mu.Lock()
	g.counters[name]++
	n := g.counters[name]
	g.mu.Unlock()
	return Format(n, g.width), nil
}

var (
	_ Generator = (*MemoryGenerator)(nil)
	_ Generator = GeneratorFunc(nil)
)
