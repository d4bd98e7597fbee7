package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/premisehq/saga/transport"
)

// Result is a decoded compensation outcome.
type Result struct {
	Resource string
	Command  Command
}

// OK reports whether the remote delete succeeded.
func (r Result) OK() bool { return r.Command.Error == "" }

// ResultHandler receives results. Returning an error nacks the message.
type ResultHandler func(ctx context.Context, r Result) error

// ResultListener follows the success and failure topics for a set of
// resource types. Each listener receives every result (broadcast).
type ResultListener struct {
	transport transport.Transport
	handler   ResultHandler
	logger    *slog.Logger

	mu     sync.Mutex
	subs   []transport.Subscription
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResultListener creates a listener that passes results to handler.
func NewResultListener(t transport.Transport, handler ResultHandler) *ResultListener {
	return &ResultListener{
		transport: t,
		handler:   handler,
		logger:    transport.Logger("compensation>results"),
	}
}

// Listen subscribes to the result topics of each resource.
func (l *ResultListener) Listen(ctx context.Context, resources ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		l.runCtx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	for _, resource := range resources {
		if err := validResource(resource); err != nil {
			return err
		}
		topics := TopicsFor(resource)
		if err := transport.RegisterAll(ctx, l.transport, topics.All()...); err != nil {
			return fmt.Errorf("compensation: register %s: %w", resource, err)
		}
		for _, topic := range []string{topics.Success, topics.Failure} {
			sub, err := l.transport.Subscribe(ctx, topic)
			if err != nil {
				return fmt.Errorf("compensation: subscribe %s: %w", topic, err)
			}
			l.subs = append(l.subs, sub)
			l.wg.Add(1)
			go l.consume(l.runCtx, resource, sub)
		}
	}
	return nil
}

// Close stops all subscriptions and waits for running handlers.
func (l *ResultListener) Close(ctx context.Context) error {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	l.wg.Wait()
	return errors.Join(errs...)
}

func (l *ResultListener) consume(ctx context.Context, resource string, sub transport.Subscription) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			cmd, err := DecodeCommand(msg.Payload(), msg.Metadata())
			if err != nil {
				l.logger.Error("dropping undecodable result", "resource", resource, "msg_id", msg.ID(), "error", err)
				_ = msg.Ack(nil)
				continue
			}
			_ = msg.Ack(l.handler(ctx, Result{Resource: resource, Command: cmd}))
		}
	}
}
