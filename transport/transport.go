// Package transport provides the shared types and interfaces of the messaging
// fabric that carries compensation commands and their results.
//
// Implementations (channel, redis, nats, kafka) live in subpackages and import
// this package; callers depend only on the Transport interface.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/premisehq/saga/transport/codec"
	"github.com/premisehq/saga/transport/message"
	"go.opentelemetry.io/otel/trace"
)

// Transport errors
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrEventNotRegistered = errors.New("event not registered")
	ErrEventAlreadyExists = errors.New("event already registered")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrPublishTimeout     = errors.New("publish timeout")
)

// DeliveryMode determines how messages are distributed to subscribers
type DeliveryMode int

const (
	// Broadcast delivers message to ALL subscribers (pub/sub fan-out)
	Broadcast DeliveryMode = iota
	// WorkerPool delivers message to ONE subscriber (load balancing across workers)
	WorkerPool
)

func (m DeliveryMode) String() string {
	if m == WorkerPool {
		return "worker_pool"
	}
	return "broadcast"
}

// SubscribeOptions configures subscription behavior
type SubscribeOptions struct {
	// DeliveryMode determines how messages are distributed.
	// Default: Broadcast (all subscribers receive every message)
	DeliveryMode DeliveryMode

	// WorkerGroup specifies a named group for WorkerPool mode.
	// Workers with the same group name compete for messages.
	// Different groups each receive all messages.
	// Empty string means all WorkerPool subscribers share the default group.
	WorkerGroup string

	// BufferSize overrides the default message channel buffer size.
	// Zero uses the transport's default buffer size.
	BufferSize int
}

// SubscribeOption is a functional option for configuring subscriptions
type SubscribeOption func(*SubscribeOptions)

// WithBufferSize sets the message channel buffer size.
func WithBufferSize(size int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BufferSize = size
	}
}

// WithDeliveryMode sets the message delivery mode.
//
// Modes:
//   - Broadcast (default): all subscribers receive every message
//   - WorkerPool: each message is delivered to only ONE subscriber
//
// Example:
//
//	// Several compensator replicas share the delete commands
//	sub, err := t.Subscribe(ctx, "saga.compensate.order.delete",
//	    transport.WithDeliveryMode(transport.WorkerPool))
func WithDeliveryMode(mode DeliveryMode) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.DeliveryMode = mode
	}
}

// WithWorkerGroup sets the worker group name for WorkerPool mode.
// Workers with the same group name compete for messages.
// Different groups each receive all messages.
func WithWorkerGroup(group string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.WorkerGroup = group
	}
}

// ApplySubscribeOptions applies functional options on top of the defaults.
func ApplySubscribeOptions(opts ...SubscribeOption) *SubscribeOptions {
	o := &SubscribeOptions{DeliveryMode: Broadcast}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Transport manages message delivery for named topics
type Transport interface {
	// RegisterEvent creates resources for a topic (stream, subject, etc.)
	// Must be called before Publish or Subscribe.
	// Returns ErrEventAlreadyExists if the topic is already registered.
	RegisterEvent(ctx context.Context, name string) error

	// Publish sends a message to a topic's subscribers.
	// Returns ErrEventNotRegistered if the topic is not registered.
	// Returns nil if there are no subscribers (message is dropped or retained
	// by the broker, depending on the implementation).
	Publish(ctx context.Context, name string, msg Message) error

	// Subscribe creates a subscription to receive messages for a topic.
	// Default is Broadcast mode (all subscribers receive every message).
	// Returns ErrEventNotRegistered if the topic is not registered.
	Subscribe(ctx context.Context, name string, opts ...SubscribeOption) (Subscription, error)

	// Close shuts down the transport and all subscriptions
	Close(ctx context.Context) error
}

// Subscription represents a subscriber's connection to a topic
type Subscription interface {
	// ID returns the unique subscription identifier
	ID() string

	// Messages returns the channel to receive messages
	Messages() <-chan Message

	// Close unsubscribes and closes the message channel
	Close(ctx context.Context) error
}

// Message is the message interface from the message package
type Message = message.Message

// Codec is the codec interface from the codec package
type Codec = codec.Codec

// DefaultCodec returns the default codec used by transports (JSON)
func DefaultCodec() Codec {
	return codec.Default()
}

// NewMessage creates a new message
func NewMessage(id, source string, payload []byte, metadata map[string]string, spanCtx trace.SpanContext) Message {
	return message.New(id, source, payload, metadata, spanCtx)
}

// RegisterAll registers every name, treating ErrEventAlreadyExists as success.
func RegisterAll(ctx context.Context, t Transport, names ...string) error {
	for _, name := range names {
		if err := t.RegisterEvent(ctx, name); err != nil && !errors.Is(err, ErrEventAlreadyExists) {
			return err
		}
	}
	return nil
}

var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
