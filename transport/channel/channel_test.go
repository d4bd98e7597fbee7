package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/message"
	"go.opentelemetry.io/otel/trace"
)

func testMessage(id, payload string) transport.Message {
	return message.New(id, "test", []byte(payload), nil, trace.SpanContext{})
}

func receive(t *testing.T, sub transport.Subscription) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func expectNone(t *testing.T, sub transport.Subscription, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("expected no message, got %s", msg.ID())
	case <-time.After(wait):
	}
}

func TestNewWithOptions(t *testing.T) {
	tr := New(
		WithBufferSize(10),
		WithTimeout(time.Second),
		WithRedelivery(5, time.Millisecond),
		WithErrorHandler(func(error) {}),
	)
	defer tr.Close(context.Background())

	if tr.bufferSize != 10 {
		t.Errorf("expected buffer size 10, got %d", tr.bufferSize)
	}
	if tr.maxRedeliveries != 5 {
		t.Errorf("expected 5 redeliveries, got %d", tr.maxRedeliveries)
	}
}

func TestRegisterEvent(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	t.Run("register new event", func(t *testing.T) {
		if err := tr.RegisterEvent(ctx, "saga.compensate.order.delete"); err != nil {
			t.Fatalf("RegisterEvent failed: %v", err)
		}
	})

	t.Run("register duplicate event returns error", func(t *testing.T) {
		err := tr.RegisterEvent(ctx, "saga.compensate.order.delete")
		if !errors.Is(err, transport.ErrEventAlreadyExists) {
			t.Errorf("expected ErrEventAlreadyExists, got %v", err)
		}
	})

	t.Run("RegisterAll tolerates existing events", func(t *testing.T) {
		err := transport.RegisterAll(ctx, tr, "saga.compensate.order.delete", "saga.compensate.order.success")
		if err != nil {
			t.Errorf("RegisterAll failed: %v", err)
		}
	})

	t.Run("register on closed transport returns error", func(t *testing.T) {
		tr2 := New()
		tr2.Close(ctx)
		if err := tr2.RegisterEvent(ctx, "x"); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	_ = tr.RegisterEvent(ctx, "pub-event")

	t.Run("publish without subscribers drops silently", func(t *testing.T) {
		if err := tr.Publish(ctx, "pub-event", testMessage("id-1", "payload")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	})

	t.Run("publish to unregistered event returns error", func(t *testing.T) {
		err := tr.Publish(ctx, "unknown-event", testMessage("id-2", "payload"))
		if !errors.Is(err, transport.ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})

	t.Run("subscribe to unregistered event returns error", func(t *testing.T) {
		_, err := tr.Subscribe(ctx, "unknown-event")
		if !errors.Is(err, transport.ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)
	_ = tr.RegisterEvent(ctx, "results")

	sub1, _ := tr.Subscribe(ctx, "results")
	sub2, _ := tr.Subscribe(ctx, "results")

	if err := tr.Publish(ctx, "results", testMessage("m1", "hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, sub := range []transport.Subscription{sub1, sub2} {
		msg := receive(t, sub)
		if msg.ID() != "m1" || string(msg.Payload()) != "hello" {
			t.Errorf("unexpected message %s %s", msg.ID(), msg.Payload())
		}
	}
}

func TestWorkerPool(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)
	_ = tr.RegisterEvent(ctx, "commands")

	w1, _ := tr.Subscribe(ctx, "commands", transport.WithDeliveryMode(transport.WorkerPool))
	w2, _ := tr.Subscribe(ctx, "commands", transport.WithDeliveryMode(transport.WorkerPool))
	other, _ := tr.Subscribe(ctx, "commands",
		transport.WithDeliveryMode(transport.WorkerPool),
		transport.WithWorkerGroup("audit"))

	const n = 10
	for i := 0; i < n; i++ {
		_ = tr.Publish(ctx, "commands", testMessage(string(rune('a'+i)), "x"))
	}

	got := 0
	deadline := time.After(time.Second)
	for got < n {
		select {
		case <-w1.Messages():
			got++
		case <-w2.Messages():
			got++
		case <-deadline:
			t.Fatalf("expected %d messages across default group, got %d", n, got)
		}
	}
	expectNone(t, w1, 20*time.Millisecond)
	expectNone(t, w2, 20*time.Millisecond)

	for k := 0; k < n; k++ {
		receive(t, other)
	}
}

func TestRedeliveryOnNack(t *testing.T) {
	ctx := context.Background()
	tr := New(WithRedelivery(2, time.Millisecond))
	defer tr.Close(ctx)
	_ = tr.RegisterEvent(ctx, "commands")

	sub, _ := tr.Subscribe(ctx, "commands", transport.WithDeliveryMode(transport.WorkerPool))
	_ = tr.Publish(ctx, "commands", testMessage("m1", "x"))

	first := receive(t, sub)
	if first.RetryCount() != 0 {
		t.Errorf("expected retry 0, got %d", first.RetryCount())
	}
	_ = first.Ack(errors.New("publish failed"))

	second := receive(t, sub)
	if second.ID() != "m1" || second.RetryCount() != 1 {
		t.Errorf("expected m1 retry 1, got %s retry %d", second.ID(), second.RetryCount())
	}
	_ = second.Ack(errors.New("publish failed"))

	third := receive(t, sub)
	if third.RetryCount() != 2 {
		t.Errorf("expected retry 2, got %d", third.RetryCount())
	}
	_ = third.Ack(errors.New("still failing"))

	expectNone(t, sub, 30*time.Millisecond)
}

func TestAckDoesNotRedeliver(t *testing.T) {
	ctx := context.Background()
	tr := New(WithRedelivery(3, time.Millisecond))
	defer tr.Close(ctx)
	_ = tr.RegisterEvent(ctx, "commands")

	sub, _ := tr.Subscribe(ctx, "commands")
	_ = tr.Publish(ctx, "commands", testMessage("m1", "x"))
	_ = receive(t, sub).Ack(nil)

	expectNone(t, sub, 30*time.Millisecond)
}

func TestPublishTimeout(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var errs []error
	tr := New(
		WithBufferSize(0),
		WithTimeout(10*time.Millisecond),
		WithErrorHandler(func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}),
	)
	defer tr.Close(ctx)
	_ = tr.RegisterEvent(ctx, "slow")
	_, _ = tr.Subscribe(ctx, "slow")

	if err := tr.Publish(ctx, "slow", testMessage("m1", "x")); err != nil {
		t.Fatalf("broadcast publish should not fail: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], transport.ErrPublishTimeout) {
		t.Errorf("expected one ErrPublishTimeout, got %v", errs)
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)
	_ = tr.RegisterEvent(ctx, "e")

	sub, _ := tr.Subscribe(ctx, "e")
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected closed channel")
	}
	if err := tr.Publish(ctx, "e", testMessage("m1", "x")); err != nil {
		t.Errorf("publish after unsubscribe failed: %v", err)
	}
}

func TestTransportClose(t *testing.T) {
	ctx := context.Background()
	tr := New()
	_ = tr.RegisterEvent(ctx, "e")
	sub, _ := tr.Subscribe(ctx, "e")

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected subscription channel closed")
	}
	if err := tr.Publish(ctx, "e", testMessage("m1", "x")); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}
