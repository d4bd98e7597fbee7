package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/codec"
	"github.com/premisehq/saga/transport/message"
	"go.opentelemetry.io/otel/trace"
)

// fakeConn routes published data to in-process handlers, picking one handler
// per queue group the way the NATS server does.
type fakeConn struct {
	mu        sync.Mutex
	plain     map[string][]nats.MsgHandler
	queues    map[string]map[string][]nats.MsgHandler
	published int
	err       error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		plain:  make(map[string][]nats.MsgHandler),
		queues: make(map[string]map[string][]nats.MsgHandler),
	}
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.published++
	var targets []nats.MsgHandler
	targets = append(targets, f.plain[subj]...)
	for _, hs := range f.queues[subj] {
		targets = append(targets, hs[f.published%len(hs)])
	}
	f.mu.Unlock()

	for _, h := range targets {
		h(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plain[subj] = append(f.plain[subj], cb)
	return &nats.Subscription{Subject: subj}, nil
}

func (f *fakeConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queues[subj] == nil {
		f.queues[subj] = make(map[string][]nats.MsgHandler)
	}
	f.queues[subj][queue] = append(f.queues[subj][queue], cb)
	return &nats.Subscription{Subject: subj, Queue: queue}, nil
}

func testMessage(id string) transport.Message {
	return message.New(id, "test", []byte("payload"), nil, trace.SpanContext{})
}

func TestNewRequiresConn(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrConnRequired) {
		t.Errorf("expected ErrConnRequired, got %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	tr, _ := New(conn, WithCodec(codec.Proto{}))
	defer tr.Close(ctx)

	if err := tr.Publish(ctx, "saga.compensate.order.success", testMessage("m0")); !errors.Is(err, transport.ErrEventNotRegistered) {
		t.Errorf("expected ErrEventNotRegistered, got %v", err)
	}

	_ = tr.RegisterEvent(ctx, "saga.compensate.order.success")
	b1, _ := tr.Subscribe(ctx, "saga.compensate.order.success")
	b2, _ := tr.Subscribe(ctx, "saga.compensate.order.success")

	if err := tr.Publish(ctx, "saga.compensate.order.success", testMessage("m1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, sub := range []transport.Subscription{b1, b2} {
		select {
		case msg := <-sub.Messages():
			if msg.ID() != "m1" || string(msg.Payload()) != "payload" {
				t.Errorf("unexpected message %s %s", msg.ID(), msg.Payload())
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestQueueGroups(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	tr, _ := New(conn)
	defer tr.Close(ctx)
	_ = tr.RegisterEvent(ctx, "cmd")

	w1, _ := tr.Subscribe(ctx, "cmd", transport.WithDeliveryMode(transport.WorkerPool))
	w2, _ := tr.Subscribe(ctx, "cmd", transport.WithDeliveryMode(transport.WorkerPool))

	if got := len(conn.queues["cmd"][DefaultQueueGroup]); got != 2 {
		t.Fatalf("expected 2 members in default queue group, got %d", got)
	}

	_ = tr.Publish(ctx, "cmd", testMessage("m1"))
	_ = tr.Publish(ctx, "cmd", testMessage("m2"))

	got := len(w1.Messages()) + len(w2.Messages())
	if got != 2 {
		t.Errorf("expected 2 messages across workers, got %d", got)
	}

	_, _ = tr.Subscribe(ctx, "cmd",
		transport.WithDeliveryMode(transport.WorkerPool),
		transport.WithWorkerGroup("audit"))
	if len(conn.queues["cmd"]["audit"]) != 1 {
		t.Error("expected named queue group")
	}
}

func TestPublishError(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.err = errors.New("connection closed")

	var handled error
	tr, _ := New(conn, WithErrorHandler(func(err error) { handled = err }))
	_ = tr.RegisterEvent(ctx, "cmd")

	if err := tr.Publish(ctx, "cmd", testMessage("m1")); err == nil {
		t.Fatal("expected publish error")
	}
	if handled == nil {
		t.Error("expected error handler to be called")
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	tr, _ := New(newFakeConn())
	_ = tr.RegisterEvent(ctx, "cmd")
	sub, _ := tr.Subscribe(ctx, "cmd")

	_ = tr.Close(ctx)
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected closed subscription")
	}
	if err := tr.RegisterEvent(ctx, "other"); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}
