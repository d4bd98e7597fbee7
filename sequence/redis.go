package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGenerator increments counters with INCR on keys "seq:{name}".
type RedisGenerator struct {
	client redis.Cmdable
	prefix string
	width  int
}

// NewRedisGenerator creates a Redis-backed generator.
func NewRedisGenerator(client redis.Cmdable) *RedisGenerator {
	return &RedisGenerator{
		client: client,
		prefix: "seq:",
		width:  DefaultWidth,
	}
}

// WithKeyPrefix sets the counter key prefix.
func (g *RedisGenerator) WithKeyPrefix(prefix string) *RedisGenerator {
	g.prefix = prefix
	return g
}

// WithWidth sets the padded width.
func (g *RedisGenerator) WithWidth(width int) *RedisGenerator {
	g.width = width
	return g
}

// Generate atomically increments the named counter.
func (g *RedisGenerator) Generate(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	n, err := g.client.Incr(ctx, g.prefix+name).Result()
	if err != nil {
		return "", fmt.Errorf("incr %s: %w", name, err)
	}
	return Format(n, g.width), nil
}

var _ Generator = (*RedisGenerator)(nil)
