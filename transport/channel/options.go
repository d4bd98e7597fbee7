package channel

import (
	"log/slog"
	"time"

	"github.com/premisehq/saga/transport"
)

// Default configuration values
var (
	// DefaultBufferSize is the per-subscription buffer size
	DefaultBufferSize uint = 100

	// DefaultMaxRedeliveries bounds how often a nacked message is requeued
	DefaultMaxRedeliveries = 3

	// DefaultRedeliveryDelay is the pause before a nacked message is requeued
	DefaultRedeliveryDelay = 50 * time.Millisecond
)

type options struct {
	bufferSize      uint
	timeout         time.Duration
	maxRedeliveries int
	redeliveryDelay time.Duration
	onError         func(error)
	logger          *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithBufferSize sets the buffer size for subscription channels.
// Zero makes every send block until the subscriber receives.
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// WithTimeout sets the timeout for sending to each subscriber.
// Set to 0 for no timeout (block indefinitely).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRedelivery configures how nacked messages are requeued.
// max <= 0 disables redelivery.
func WithRedelivery(max int, delay time.Duration) Option {
	return func(o *options) {
		o.maxRedeliveries = max
		o.redeliveryDelay = delay
	}
}

// WithErrorHandler sets the error handler callback.
// Called when transport encounters errors (e.g., send timeout).
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize:      DefaultBufferSize,
		maxRedeliveries: DefaultMaxRedeliveries,
		redeliveryDelay: DefaultRedeliveryDelay,
		onError:         func(error) {},
		logger:          transport.Logger("transport>channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
