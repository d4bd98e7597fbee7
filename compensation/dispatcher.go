package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/premisehq/saga/idempotency"
	"github.com/premisehq/saga/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Compensator performs the local rollback for one resource type.
// Delete must be idempotent: deleting an absent resource is a success.
type Compensator interface {
	Delete(ctx context.Context, cmd Command) error
}

// CompensatorFunc adapts a function to Compensator.
type CompensatorFunc func(ctx context.Context, cmd Command) error

func (f CompensatorFunc) Delete(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// Handled results reported by the dispatcher.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultRetry     = "retry"
)

// Dispatcher consumes delete commands for the resource types it owns and
// publishes one result per command.
type Dispatcher struct {
	transport   transport.Transport
	publisher   *Publisher
	idempotency idempotency.Store
	limiter     *rate.Limiter
	group       string
	workers     int
	timeout     time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	handled     metric.Int64Counter

	mu           sync.Mutex
	compensators map[string]Compensator
	subs         []transport.Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithIdempotency sets the store used to skip redelivered commands.
func WithIdempotency(s idempotency.Store) DispatcherOption {
	return func(d *Dispatcher) { d.idempotency = s }
}

// WithRateLimit paces command handling to r per second with the given burst.
func WithRateLimit(r float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if r > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// WithLimiter shares an existing limiter across dispatchers.
func WithLimiter(l *rate.Limiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithWorkerGroup sets the worker group commands are load-balanced across.
// Every replica of a service should use the same group.
func WithWorkerGroup(group string) DispatcherOption {
	return func(d *Dispatcher) { d.group = group }
}

// WithWorkers sets the number of concurrent handlers per resource type.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithHandlerTimeout bounds each Delete call. Zero means no bound.
func WithHandlerTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithCodec sets the codec for result bodies. Commands are decoded using
// the content type they arrive with.
func WithCodec(c Codec) DispatcherOption {
	return func(d *Dispatcher) {
		d.publisher = NewPublisher(d.transport, WithPublisherCodec(c), WithSource(d.publisher.source))
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher consuming from t.
func NewDispatcher(t transport.Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport:    t,
		publisher:    NewPublisher(t, WithSource("compensator")),
		workers:      1,
		logger:       transport.Logger("compensation>dispatcher"),
		tracer:       otel.Tracer(tracerName),
		compensators: make(map[string]Compensator),
	}
	for _, opt := range opts {
		opt(d)
	}

	meter := otel.Meter(tracerName)
	d.handled, _ = meter.Int64Counter("saga.compensation.commands",
		metric.WithDescription("Compensation commands handled by result"),
		metric.WithUnit("{command}"),
	)
	return d
}

// Register adds the compensator for a resource type. It must be called
// before Start.
func (d *Dispatcher) Register(resource string, c Compensator) error {
	if err := validResource(resource); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrStarted
	}
	if _, ok := d.compensators[resource]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, resource)
	}
	d.compensators[resource] = c
	return nil
}

// Resources returns the registered resource types, sorted.
func (d *Dispatcher) Resources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.compensators))
	for r := range d.compensators {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Start registers the topics and begins consuming. Handlers run until Stop
// is called; ctx only bounds the setup.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var subs []transport.Subscription
	for resource, comp := range d.compensators {
		topics := TopicsFor(resource)
		if err := transport.RegisterAll(ctx, d.transport, topics.All()...); err != nil {
			cancel()
			closeAll(ctx, subs)
			return fmt.Errorf("compensation: register %s: %w", resource, err)
		}
		opts := []transport.SubscribeOption{transport.WithDeliveryMode(transport.WorkerPool)}
		if d.group != "" {
			opts = append(opts, transport.WithWorkerGroup(d.group))
		}
		sub, err := d.transport.Subscribe(ctx, topics.Delete, opts...)
		if err != nil {
			cancel()
			closeAll(ctx, subs)
			return fmt.Errorf("compensation: subscribe %s: %w", topics.Delete, err)
		}
		subs = append(subs, sub)

		for w := 0; w < d.workers; w++ {
			d.wg.Add(1)
			go d.consume(runCtx, resource, comp, sub)
		}
		d.logger.Info("consuming compensation commands", "resource", resource, "topic", topics.Delete, "workers", d.workers)
	}

	d.subs = subs
	d.cancel = cancel
	d.started = true
	return nil
}

// Stop closes the subscriptions and waits for in-flight handlers.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	subs, cancel := d.subs, d.cancel
	d.subs, d.cancel, d.started = nil, nil, false
	d.mu.Unlock()

	cancel()
	err := closeAll(ctx, subs)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func closeAll(ctx context.Context, subs []transport.Subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) consume(ctx context.Context, resource string, comp Compensator, sub transport.Subscription) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			result := d.handle(ctx, resource, comp, msg)
			d.handled.Add(ctx, 1, metric.WithAttributes(
				attribute.String("resource", resource),
				attribute.String("result", result),
			))
		}
	}
}

// handle processes one command and acks or nacks it. The key is claimed
// before the delete and released if the delete fails or its result cannot
// be published, so a later redelivery runs again. A claim that is never
// released or marked lapses with the store's claim lease.
func (d *Dispatcher) handle(ctx context.Context, resource string, comp Compensator, msg transport.Message) string {
	logger := d.logger.With("resource", resource, "msg_id", msg.ID(), "retry", msg.RetryCount())

	cmd, err := DecodeCommand(msg.Payload(), msg.Metadata())
	if err == nil {
		err = cmd.Validate()
	}
	if err != nil {
		// Redelivery cannot fix a malformed body.
		logger.Error("dropping invalid compensation command", "error", err)
		_ = msg.Ack(nil)
		return ResultInvalid
	}
	logger = logger.With("saga_id", cmd.SagaID, "resource_id", cmd.ResourceID)

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			_ = msg.Ack(err)
			return ResultRetry
		}
	}

	key := cmd.Key(resource)
	if d.idempotency != nil {
		dup, err := d.idempotency.IsDuplicate(ctx, key)
		if err != nil {
			logger.Error("idempotency check failed", "error", err)
			_ = msg.Ack(err)
			return ResultRetry
		}
		if dup {
			logger.Debug("skipping duplicate compensation command")
			_ = msg.Ack(nil)
			return ResultDuplicate
		}
	}

	spanCtx := trace.ContextWithRemoteSpanContext(ctx, trace.SpanContextFromContext(msg.Context()))
	spanCtx, span := d.tracer.Start(spanCtx, TopicsFor(resource).Delete+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("saga.id", cmd.SagaID),
			attribute.String("saga.resource_id", cmd.ResourceID),
		))
	defer span.End()

	result := Command{SagaID: cmd.SagaID, ResourceID: cmd.ResourceID}
	if delErr := d.delete(spanCtx, comp, cmd); delErr != nil {
		logger.Warn("compensation delete failed", "error", delErr)
		span.RecordError(delErr)
		span.SetStatus(codes.Error, delErr.Error())
		result.Error = delErr.Error()
		d.release(ctx, logger, key)
	}

	if err := d.publisher.PublishResult(spanCtx, resource, result); err != nil {
		logger.Error("failed to publish compensation result", "error", err)
		if result.Error == "" {
			d.release(ctx, logger, key)
		}
		_ = msg.Ack(err)
		return ResultRetry
	}

	if result.Error != "" {
		_ = msg.Ack(nil)
		return ResultFailure
	}

	if d.idempotency != nil {
		if err := d.idempotency.MarkProcessed(ctx, key); err != nil {
			logger.Warn("failed to mark compensation processed", "error", err)
		}
	}
	_ = msg.Ack(nil)
	logger.Info("compensation applied")
	return ResultSuccess
}

func (d *Dispatcher) delete(ctx context.Context, comp Compensator, cmd Command) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return comp.Delete(ctx, cmd)
}

func (d *Dispatcher) release(ctx context.Context, logger *slog.Logger, key string) {
	if d.idempotency == nil {
		return
	}
	if err := d.idempotency.Remove(ctx, key); err != nil {
		logger.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}
