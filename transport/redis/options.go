package redis

import (
	"log/slog"
	"time"

	"github.com/premisehq/saga/transport/codec"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithCodec sets the codec used for stream entries
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithConsumerGroup sets the base consumer group name.
// WorkerPool subscribers share this group; named worker groups and broadcast
// subscribers derive their own group names from it.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithMaxLen caps each stream at approximately n entries (MAXLEN ~).
// Zero means unlimited.
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		t.maxLen = n
	}
}

// WithBlockTime sets how long XREADGROUP blocks waiting for new entries.
// It bounds how long Close waits for consumers to exit.
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

// WithClaimInterval enables redelivery of entries that stayed unacknowledged
// for at least minIdle, checked every interval. Nacked compensation commands
// are retried this way.
func WithClaimInterval(interval, minIdle time.Duration) Option {
	return func(t *Transport) {
		t.claimInterval = interval
		t.claimMinIdle = minIdle
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}
