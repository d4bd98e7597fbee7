// Package nats provides a NATS Core transport implementation.
//
// NATS Core is at-most-once: a message published while no subscriber is
// connected is lost. Delete commands sent this way rely on the saga record
// as the durable source of truth for manual reconciliation.
//
// WorkerPool subscriptions use queue groups so each command reaches one
// compensator replica.
//
//	tr, err := nats.New(conn, nats.WithCodec(codec.MsgPack{}))
package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/codec"
)

// ErrConnRequired is returned when no NATS connection is provided
var ErrConnRequired = errors.New("nats connection is required")

// DefaultQueueGroup is the queue group shared by WorkerPool subscribers
// without an explicit worker group.
var DefaultQueueGroup = "saga-workers"

// Conn is the subset of *nats.Conn used by the transport
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Transport implements transport.Transport using NATS Core pub/sub.
type Transport struct {
	status  int32
	conn    Conn
	codec   codec.Codec
	logger  *slog.Logger
	onError func(error)
	events  sync.Map // map[string]struct{}
	subs    sync.Map // map[string]*subscription
}

type subscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	sub      *nats.Subscription
	codec    codec.Codec
	logger   *slog.Logger
	mu       sync.RWMutex
	onClose  func()
}

// Option configures the NATS transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithLogger sets the logger
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

// New creates a new NATS Core transport. The caller owns conn.
func New(conn Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &Transport{
		status:  1,
		conn:    conn,
		codec:   codec.Default(),
		logger:  transport.Logger("transport>nats"),
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// RegisterEvent records the subject. NATS subjects need no provisioning.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}
	t.logger.Debug("registered event", "event", name)
	return nil
}

// Publish sends a message on the subject named after the topic
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return transport.ErrEventNotRegistered
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	if err := t.conn.Publish(name, data); err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

// Subscribe creates a subscription to receive messages for a topic
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	bufSize := 100
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	id := transport.NewID()
	sub := &subscription{
		id:       id,
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		codec:    t.codec,
		logger:   t.logger.With("event", name, "subscriber", id),
		onClose:  func() { t.subs.Delete(id) },
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if subOpts.DeliveryMode == transport.WorkerPool {
		queue := DefaultQueueGroup
		if subOpts.WorkerGroup != "" {
			queue = subOpts.WorkerGroup
		}
		natsSub, err = t.conn.QueueSubscribe(name, queue, sub.handleMessage)
	} else {
		natsSub, err = t.conn.Subscribe(name, sub.handleMessage)
	}
	if err != nil {
		return nil, err
	}

	sub.sub = natsSub
	t.subs.Store(id, sub)
	t.logger.Debug("subscribed", "event", name, "subscriber", id, "mode", subOpts.DeliveryMode.String())
	return sub, nil
}

// Close unsubscribes every subscription. The connection is left open.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.subs.Range(func(key, value any) bool {
		_ = value.(*subscription).Close(ctx)
		return true
	})
	t.logger.Debug("transport closed")
	return nil
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	}
	return nil
}

// handleMessage runs on the NATS delivery goroutine. It blocks until the
// subscriber takes the message so slow compensators apply backpressure
// instead of dropping commands.
func (s *subscription) handleMessage(msg *nats.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}

	decoded, err := s.codec.Decode(msg.Data)
	if err != nil {
		s.logger.Error("failed to decode message", "subject", msg.Subject, "error", err)
		return
	}

	select {
	case <-s.closedCh:
	case s.ch <- decoded:
	}
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
	_ Conn                   = (*nats.Conn)(nil)
)
