// Package channel provides an in-memory transport implementation using Go channels.
//
// Channel transport is suitable for a single process (tests, local
// development, an embedded compensator). It does NOT persist messages:
//
//   - Messages are lost on process crash or restart
//   - Messages may be dropped if WithTimeout is set and subscribers are slow
//   - Nacked messages are requeued in memory a bounded number of times
//
// For at-least-once delivery across processes use the Redis, NATS, or Kafka transports.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport using Go channels
type Transport struct {
	status          int32
	events          sync.Map // map[string]*eventChannel
	bufferSize      uint
	timeout         time.Duration
	maxRedeliveries int
	redeliveryDelay time.Duration
	logger          *slog.Logger
	onError         func(error)
	wg              sync.WaitGroup // pending redeliveries

	droppedCounter metric.Int64Counter
}

// eventChannel manages subscribers for a single topic
type eventChannel struct {
	name        string
	subscribers sync.Map // map[string]*subscription
	subCount    int64
	nextWorker  sync.Map // worker group -> *int64 round-robin cursor
	closed      int32
}

type subscription struct {
	id       string
	ch       chan transport.Message
	ev       *eventChannel
	mode     transport.DeliveryMode
	group    string
	mu       sync.RWMutex
	closed   int32
	closedCh chan struct{}
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
		if s.ev != nil {
			s.ev.subscribers.Delete(s.id)
			atomic.AddInt64(&s.ev.subCount, -1)
		}
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	}
	return nil
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("saga.transport.channel")
	droppedCounter, _ := meter.Int64Counter("saga.transport.channel.dropped",
		metric.WithDescription("Number of messages dropped by channel transport"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:          1,
		bufferSize:      o.bufferSize,
		timeout:         o.timeout,
		maxRedeliveries: o.maxRedeliveries,
		redeliveryDelay: o.redeliveryDelay,
		logger:          o.logger,
		onError:         o.onError,
		droppedCounter:  droppedCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// RegisterEvent creates resources for a topic
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, loaded := t.events.LoadOrStore(name, &eventChannel{name: name}); loaded {
		return transport.ErrEventAlreadyExists
	}

	t.logger.Debug("registered event", "event", name)
	return nil
}

// Publish sends a message to a topic's subscribers. Every broadcast
// subscriber receives it; each worker group receives it once.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	ec, err := t.event(name)
	if err != nil {
		return err
	}

	if atomic.LoadInt64(&ec.subCount) == 0 {
		t.logger.Debug("dropping message, no subscribers", "event", name, "msg_id", msg.ID())
		t.dropped(ctx, name, "no_subscribers")
		return nil
	}

	var broadcastSubs []*subscription
	workerGroups := make(map[string][]*subscription)
	ec.subscribers.Range(func(key, value any) bool {
		sub := value.(*subscription)
		if atomic.LoadInt32(&sub.closed) == 1 {
			return true
		}
		if sub.mode == transport.WorkerPool {
			workerGroups[sub.group] = append(workerGroups[sub.group], sub)
		} else {
			broadcastSubs = append(broadcastSubs, sub)
		}
		return true
	})

	for _, sub := range broadcastSubs {
		if err := t.sendToSubscriber(ctx, sub, t.bind(ec, sub, "", msg)); err != nil {
			if errors.Is(err, transport.ErrPublishTimeout) {
				t.logger.Debug("broadcast message dropped due to timeout",
					"event", name,
					"subscriber", sub.id,
					"msg_id", msg.ID())
				t.dropped(ctx, name, "timeout")
			}
			t.onError(err)
		}
	}

	var lastErr error
	for group, workers := range workerGroups {
		if err := t.sendToGroup(ctx, ec, group, workers, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// sendToGroup delivers msg to one worker of the group, trying each in
// round-robin order until one accepts it.
func (t *Transport) sendToGroup(ctx context.Context, ec *eventChannel, group string, workers []*subscription, msg transport.Message) error {
	if len(workers) == 0 {
		t.dropped(ctx, ec.name, "no_subscribers")
		return nil
	}
	cursor, _ := ec.nextWorker.LoadOrStore(group, new(int64))
	start := atomic.AddInt64(cursor.(*int64), 1)
	n := int64(len(workers))

	var lastErr error
	for i := int64(0); i < n; i++ {
		sub := workers[(start+i)%n]
		if err := t.sendToSubscriber(ctx, sub, t.bind(ec, nil, group, msg)); err != nil {
			t.logger.Debug("failed to send to worker subscriber, trying next",
				"event", ec.name,
				"subscriber", sub.id,
				"error", err,
				"attempt", i+1)
			lastErr = err
			continue
		}
		return nil
	}

	t.logger.Warn("all worker pool subscribers failed, message dropped",
		"event", ec.name,
		"group", group,
		"msg_id", msg.ID(),
		"last_error", lastErr)
	t.dropped(ctx, ec.name, "all_workers_failed")
	t.onError(lastErr)
	return lastErr
}

// bind attaches an ack function that requeues the message on nack. A
// broadcast message is requeued to the same subscriber, a worker message
// to its group.
func (t *Transport) bind(ec *eventChannel, sub *subscription, group string, msg transport.Message) transport.Message {
	retry := msg.RetryCount()
	return message.WithAck(msg, retry, func(err error) error {
		if err == nil || retry >= t.maxRedeliveries || !t.isOpen() {
			return nil
		}
		next := message.WithAck(msg, retry+1, nil)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			time.Sleep(t.redeliveryDelay)
			if !t.isOpen() {
				return
			}
			ctx := context.Background()
			if sub != nil {
				_ = t.sendToSubscriber(ctx, sub, t.bind(ec, sub, "", next))
				return
			}
			_ = t.sendToGroup(ctx, ec, group, t.groupMembers(ec, group), next)
		}()
		t.logger.Debug("message nacked, scheduling redelivery",
			"event", ec.name,
			"msg_id", msg.ID(),
			"retry", retry+1,
			"error", err)
		return nil
	})
}

func (t *Transport) groupMembers(ec *eventChannel, group string) []*subscription {
	var out []*subscription
	ec.subscribers.Range(func(key, value any) bool {
		sub := value.(*subscription)
		if sub.mode == transport.WorkerPool && sub.group == group && atomic.LoadInt32(&sub.closed) == 0 {
			out = append(out, sub)
		}
		return true
	})
	return out
}

func (t *Transport) sendToSubscriber(ctx context.Context, sub *subscription, msg transport.Message) error {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if atomic.LoadInt32(&sub.closed) == 1 {
		return transport.ErrSubscriptionClosed
	}

	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			return transport.ErrPublishTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.closedCh:
			return transport.ErrSubscriptionClosed
		case sub.ch <- msg:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sub.closedCh:
		return transport.ErrSubscriptionClosed
	case sub.ch <- msg:
		return nil
	}
}

func (t *Transport) dropped(ctx context.Context, name, reason string) {
	if t.droppedCounter == nil {
		return
	}
	t.droppedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", name),
			attribute.String("reason", reason),
		))
}

func (t *Transport) event(name string) (*eventChannel, error) {
	val, ok := t.events.Load(name)
	if !ok {
		return nil, transport.ErrEventNotRegistered
	}
	ec := val.(*eventChannel)
	if atomic.LoadInt32(&ec.closed) == 1 {
		return nil, transport.ErrEventNotRegistered
	}
	return ec, nil
}

// Subscribe creates a subscription to receive messages for a topic
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	ec, err := t.event(name)
	if err != nil {
		return nil, err
	}

	bufSize := t.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = uint(subOpts.BufferSize)
	}

	sub := &subscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		ev:       ec,
		mode:     subOpts.DeliveryMode,
		group:    subOpts.WorkerGroup,
		closedCh: make(chan struct{}),
	}

	ec.subscribers.Store(sub.id, sub)
	atomic.AddInt64(&ec.subCount, 1)

	t.logger.Debug("added subscriber", "event", name, "subscriber", sub.id, "mode", subOpts.DeliveryMode.String())
	return sub, nil
}

// Close shuts down the transport and all subscriptions
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.events.Range(func(key, value any) bool {
		ec := value.(*eventChannel)
		atomic.StoreInt32(&ec.closed, 1)
		ec.subscribers.Range(func(k, v any) bool {
			_ = v.(*subscription).Close(ctx)
			return true
		})
		return true
	})
	t.wg.Wait()

	t.logger.Debug("transport closed")
	return nil
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
