// Package kafka provides a Kafka-based transport implementation.
//
// Messages are persisted in Kafka. Offsets are marked only when a message is
// acknowledged, so an unacknowledged compensation command is consumed again
// after a rebalance or restart.
//
// Features:
//   - Consumer groups for WorkerPool mode (load balancing)
//   - Unique consumer groups for Broadcast mode (fan-out)
//   - Topic creation with partitions, replication and retention
//   - Reconnection with exponential backoff
//
// Auto-commit must be disabled in the sarama config. See New.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/codec"
	"github.com/premisehq/saga/transport/message"
)

// Errors
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// DefaultConsumerGroup is the base consumer group id.
var DefaultConsumerGroup = "saga"

// topicCreator is the part of sarama.ClusterAdmin used for provisioning
type topicCreator interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// Transport implements transport.Transport using Kafka
type Transport struct {
	status   int32
	producer sarama.SyncProducer
	admin    topicCreator
	newGroup func(groupID string) (sarama.ConsumerGroup, error)
	groupID  string
	codec    codec.Codec
	events   sync.Map // map[string]struct{}
	subs     sync.Map // map[string]*subscription
	logger   *slog.Logger
	onError  func(error)
	topics   TopicConfig
	prefix   string
}

type subscription struct {
	id       string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	consumer sarama.ConsumerGroup
	topic    string
	codec    codec.Codec
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	onClose  func()
}

// New creates a new Kafka transport with a pre-initialized client.
//
// Recommended sarama.Config settings:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = false  // REQUIRED
//	config.Producer.Return.Successes = true            // required by SyncProducer
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		return nil, err
	}

	return newTransport(producer, admin, func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(groupID, client)
	}, opts...), nil
}

func newTransport(producer sarama.SyncProducer, admin topicCreator, newGroup func(string) (sarama.ConsumerGroup, error), opts ...Option) *Transport {
	t := &Transport{
		status:   1,
		producer: producer,
		admin:    admin,
		newGroup: newGroup,
		groupID:  DefaultConsumerGroup,
		codec:    codec.Default(),
		topics:   DefaultTopicConfig,
		logger:   transport.Logger("transport>kafka"),
		onError:  func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// RegisterEvent creates the topic if it does not exist
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}

	err := t.admin.CreateTopic(t.topicName(name), t.topics.detail(), false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			err = nil
		}
	}
	if err != nil {
		t.events.Delete(name)
		return err
	}

	t.logger.Debug("registered event", "event", name)
	return nil
}

// Publish produces the encoded message keyed by its ID
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

	_, _, err = t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topicName(name),
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

// Subscribe joins a consumer group for the topic
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	id := transport.NewID()

	groupID := t.groupID + "-" + name
	switch {
	case subOpts.DeliveryMode == transport.WorkerPool && subOpts.WorkerGroup != "":
		groupID += "-" + subOpts.WorkerGroup
	case subOpts.DeliveryMode == transport.Broadcast:
		groupID += "-" + id
	}

	consumer, err := t.newGroup(groupID)
	if err != nil {
		return nil, err
	}

	bufSize := 100
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		id:       id,
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		consumer: consumer,
		topic:    t.topicName(name),
		codec:    t.codec,
		cancel:   cancel,
		logger:   t.logger.With("event", name, "subscriber", id),
		onClose:  func() { t.subs.Delete(id) },
	}
	t.subs.Store(id, sub)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx)
	}()

	t.logger.Debug("added subscriber", "event", name, "subscriber", id, "group", groupID, "mode", subOpts.DeliveryMode.String())
	return sub, nil
}

// Close stops all subscriptions and closes the producer and admin
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.subs.Range(func(key, value any) bool {
		_ = value.(*subscription).Close(ctx)
		return true
	})

	var errs []error
	if t.producer != nil {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.admin != nil {
		if err := t.admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
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
		s.cancel()
		if s.consumer != nil {
			s.consumer.Close()
		}
		s.wg.Wait()
		close(s.ch)
		if s.onClose != nil {
			s.onClose()
		}
	}
	return nil
}

func (s *subscription) deliver(msg transport.Message) bool {
	select {
	case <-s.closedCh:
		return false
	case s.ch <- msg:
		return true
	}
}

func (s *subscription) consumeLoop(ctx context.Context) {
	handler := &consumerHandler{sub: s}

	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.consumer.Consume(ctx, []string{s.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			wait := transport.Jitter(backoff, 0.3)
			s.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", wait)
			select {
			case <-s.closedCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 100 * time.Millisecond
	}
}

// consumerHandler implements sarama.ConsumerGroupHandler
type consumerHandler struct {
	sub *subscription
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-h.sub.closedCh:
			return nil
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			decoded, err := h.sub.codec.Decode(msg.Value)
			if err != nil {
				h.sub.logger.Error("failed to decode message", "error", err,
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
				session.MarkMessage(msg, "")
				continue
			}

			wrapped := message.WithAck(decoded, decoded.RetryCount(), func(err error) error {
				if err == nil {
					session.MarkMessage(msg, "")
				}
				// Unmarked offsets are consumed again by the next session.
				return nil
			})

			if !h.sub.deliver(wrapped) {
				return nil
			}
		}
	}
}

var (
	_ transport.Transport         = (*Transport)(nil)
	_ transport.Subscription      = (*subscription)(nil)
	_ sarama.ConsumerGroupHandler = (*consumerHandler)(nil)
	_ topicCreator                = (sarama.ClusterAdmin)(nil)
)
