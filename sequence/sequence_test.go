package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		n     int64
		width int
		want  string
	}{
		{1, 10, "0000000001"},
		{42, 4, "0042"},
		{12345, 3, "12345"},
		{0, 2, "00"},
	}
	for _, tt := range tests {
		if got := Format(tt.n, tt.width); got != tt.want {
			t.Errorf("Format(%d, %d) = %q, want %q", tt.n, tt.width, got, tt.want)
		}
	}
}

func TestMemoryGenerator(t *testing.T) {
	ctx := context.Background()

	t.Run("monotonic per name", func(t *testing.T) {
		g := NewMemoryGenerator()
		first, _ := g.Generate(ctx, "saga")
		second, _ := g.Generate(ctx, "saga")
		other, _ := g.Generate(ctx, "premises")

		if first != "0000000001" || second != "0000000002" {
			t.Errorf("unexpected sequence %s %s", first, second)
		}
		if other != "0000000001" {
			t.Errorf("expected independent counter, got %s", other)
		}
	})

	t.Run("empty name", func(t *testing.T) {
		if _, err := NewMemoryGenerator().Generate(ctx, ""); !errors.Is(err, ErrEmptyName) {
			t.Errorf("expected ErrEmptyName, got %v", err)
		}
	})

	t.Run("concurrent values are unique", func(t *testing.T) {
		g := NewMemoryGenerator().WithWidth(4)
		var mu sync.Mutex
		seen := make(map[string]bool)
		var wg sync.WaitGroup
		for k := 0; k < 100; k++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, _ := g.Generate(ctx, "saga")
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		if len(seen) != 100 {
			t.Errorf("expected 100 unique ids, got %d", len(seen))
		}
		if !seen["0100"] {
			t.Error("expected last id 0100")
		}
	})
}

func TestRedisGenerator(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	g := NewRedisGenerator(client)

	id, err := g.Generate(ctx, "saga")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if id != "0000000001" {
		t.Errorf("expected 0000000001, got %s", id)
	}

	// Another process sharing the counter continues the sequence.
	_ = mr.Set("seq:saga", "41")
	id, _ = NewRedisGenerator(client).WithWidth(3).Generate(ctx, "saga")
	if id != "042" {
		t.Errorf("expected 042, got %s", id)
	}

	if _, err := g.Generate(ctx, ""); !errors.Is(err, ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}

	_ = mr.Set("seq:broken", "not-a-number")
	if _, err := g.Generate(ctx, "broken"); err == nil {
		t.Error("expected error for non-integer counter")
	}
}

func TestGeneratorFunc(t *testing.T) {
	g := GeneratorFunc(func(ctx context.Context, name string) (string, error) {
		return name + "-1", nil
	})
	if id, _ := g.Generate(context.Background(), "x"); id != "x-1" {
		t.Errorf("expected x-1, got %s", id)
	}
}
