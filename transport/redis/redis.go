// Package redis provides a Redis Streams-based transport implementation.
//
// Each topic maps to a stream. Entries persist until trimmed and are
// redelivered when not acknowledged, which gives compensation commands
// at-least-once delivery.
//
// Features:
//   - Consumer groups for WorkerPool mode (load balancing across compensators)
//   - A private consumer group per Broadcast subscriber (fan-out)
//   - Pending entries are replayed when a consumer starts
//   - Optional claiming of idle entries (WithClaimInterval) to retry nacks
//   - Stream trimming by count (MAXLEN)
package redis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/codec"
	"github.com/premisehq/saga/transport/message"
	"github.com/redis/go-redis/v9"
)

// Client defines the Redis operations used by the transport.
// Satisfied by *redis.Client, *redis.ClusterClient and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Default configuration
var (
	DefaultConsumerGroup = "saga"
	DefaultBlockTime     = 5 * time.Second
	DefaultBufferSize    = 100
)

const streamPrefix = "saga:stream"

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status  int32
	client  Client
	groupID string
	codec   codec.Codec
	events  sync.Map // map[string]struct{}
	subs    sync.Map // map[string]*subscription
	logger  *slog.Logger
	onError func(error)

	maxLen        int64
	blockTime     time.Duration
	claimInterval time.Duration
	claimMinIdle  time.Duration
}

type subscription struct {
	id            string
	ch            chan transport.Message
	closedCh      chan struct{}
	closed        int32
	client        Client
	stream        string
	group         string
	consumer      string
	codec         codec.Codec
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	isBroadcast   bool
	claimInterval time.Duration
	claimMinIdle  time.Duration
	logger        *slog.Logger
	onClose       func()
}

// New creates a new Redis transport with a pre-initialized client.
// The caller owns the client and closes it after the transport.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:    1,
		client:    client,
		groupID:   DefaultConsumerGroup,
		codec:     codec.Default(),
		blockTime: DefaultBlockTime,
		logger:    transport.Logger("transport>redis"),
		onError:   func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) streamName(name string) string {
	return streamPrefix + ":" + name
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// RegisterEvent creates the stream and the default worker consumer group.
// The group starts at the beginning of the stream so commands published
// before any compensator was running are still processed.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	stream := t.streamName(name)
	if err := t.client.XGroupCreateMkStream(ctx, stream, t.groupID, "0").Err(); err != nil && !isBusyGroup(err) {
		return err
	}

	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}

	t.logger.Debug("registered event", "event", name, "stream", stream)
	return nil
}

// Publish appends the encoded message to the topic's stream
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

	args := &redis.XAddArgs{
		Stream: t.streamName(name),
		Values: map[string]any{"data": data},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

// Subscribe starts a consumer for the topic's stream
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	stream := t.streamName(name)
	subID := transport.NewID()

	groupID := t.groupID
	switch {
	case subOpts.DeliveryMode == transport.WorkerPool && subOpts.WorkerGroup != "":
		groupID = t.groupID + "-" + name + "-" + subOpts.WorkerGroup
		if err := t.client.XGroupCreateMkStream(ctx, stream, groupID, "0").Err(); err != nil && !isBusyGroup(err) {
			return nil, err
		}
	case subOpts.DeliveryMode == transport.Broadcast:
		groupID = t.groupID + "-" + subID
		if err := t.client.XGroupCreateMkStream(ctx, stream, groupID, "$").Err(); err != nil && !isBusyGroup(err) {
			return nil, err
		}
	}

	bufSize := DefaultBufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	// The consumer outlives the Subscribe call's context.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		id:            subID,
		ch:            make(chan transport.Message, bufSize),
		closedCh:      make(chan struct{}),
		client:        t.client,
		stream:        stream,
		group:         groupID,
		consumer:      subID,
		codec:         t.codec,
		cancel:        cancel,
		isBroadcast:   subOpts.DeliveryMode == transport.Broadcast,
		claimInterval: t.claimInterval,
		claimMinIdle:  t.claimMinIdle,
		logger:        t.logger.With("event", name, "subscriber", subID),
		onClose:       func() { t.subs.Delete(subID) },
	}
	t.subs.Store(subID, sub)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx, t.blockTime)
	}()

	if sub.claimInterval > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			sub.claimLoop(subCtx)
		}()
	}

	t.logger.Debug("added subscriber", "event", name, "subscriber", subID, "group", groupID, "mode", subOpts.DeliveryMode.String())
	return sub, nil
}

// Close stops all subscriptions. The Redis client is left open.
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
		s.cancel()
		s.wg.Wait()
		close(s.ch)
		if s.onClose != nil {
			s.onClose()
		}

		// Broadcast groups are private to the subscriber.
		if s.isBroadcast {
			s.client.XGroupDestroy(ctx, s.stream, s.group)
		}
	}
	return nil
}

// deliver hands msg to the subscriber, blocking until it is received or the
// subscription closes. Returns false when closed.
func (s *subscription) deliver(msg transport.Message) bool {
	select {
	case <-s.closedCh:
		return false
	case s.ch <- msg:
		return true
	}
}

func (s *subscription) ack(msgID string) func(error) error {
	return func(err error) error {
		if err != nil {
			// Left in the pending list; replayed on restart or claimed later.
			return nil
		}
		return s.client.XAck(context.Background(), s.stream, s.group, msgID).Err()
	}
}

// handle decodes and delivers a batch of stream entries. Entries that cannot
// be decoded are acknowledged and dropped.
func (s *subscription) handle(ctx context.Context, entries []redis.XMessage, retries map[string]int64) bool {
	for _, xmsg := range entries {
		data, ok := xmsg.Values["data"].(string)
		if !ok {
			s.logger.Error("invalid message format", "id", xmsg.ID)
			_ = s.client.XAck(ctx, s.stream, s.group, xmsg.ID).Err()
			continue
		}

		decoded, err := s.codec.Decode([]byte(data))
		if err != nil {
			s.logger.Error("failed to decode message", "error", err, "id", xmsg.ID)
			_ = s.client.XAck(ctx, s.stream, s.group, xmsg.ID).Err()
			continue
		}

		retry := decoded.RetryCount()
		if n, ok := retries[xmsg.ID]; ok {
			retry = int(n)
		}

		if !s.deliver(message.WithAck(decoded, retry, s.ack(xmsg.ID))) {
			return false
		}
	}
	return true
}

func (s *subscription) consumeLoop(ctx context.Context, blockTime time.Duration) {
	if !s.replayPending(ctx) {
		return
	}

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

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    10,
			Block:    blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}
			if ctx.Err() != nil {
				return
			}
			wait := transport.Jitter(backoff, 0.3)
			s.logger.Error("read error, retrying with backoff", "error", err, "backoff", wait)
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

		for _, stream := range streams {
			if !s.handle(ctx, stream.Messages, nil) {
				return
			}
		}
	}
}

// replayPending re-reads entries this consumer received but never
// acknowledged (ID "0" reads the consumer's own pending list).
func (s *subscription) replayPending(ctx context.Context) bool {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, "0"},
		Count:    100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			s.logger.Error("error reading pending messages", "error", err)
		}
		return ctx.Err() == nil
	}
	for _, stream := range streams {
		if !s.handle(ctx, stream.Messages, nil) {
			return false
		}
	}
	return true
}

func (s *subscription) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.claimOnce(ctx)
		}
	}
}

// claimOnce takes over entries idle for at least claimMinIdle, including
// this consumer's own nacked entries, and redelivers them.
func (s *subscription) claimOnce(ctx context.Context) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   s.claimMinIdle,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			s.logger.Error("failed to get pending messages for claim", "error", err)
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	retries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		retries[p.ID] = p.RetryCount
	}

	entries, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.claimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to claim messages", "error", err)
		}
		return
	}

	s.logger.Debug("claimed idle messages", "count", len(entries), "stream", s.stream)
	s.handle(ctx, entries, retries)
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
