package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/codec"
	"github.com/premisehq/saga/transport/message"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

func newTestTransport(t *testing.T, opts ...Option) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts = append([]Option{WithBlockTime(20 * time.Millisecond)}, opts...)
	tr, err := New(client, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, mr
}

func testMessage(id string) transport.Message {
	return message.New(id, "test", []byte(`{"sagaId":"0000000001"}`), map[string]string{"k": "v"}, trace.SpanContext{})
}

func receive(t *testing.T, sub transport.Subscription) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestRegisterEvent(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t)

	if err := tr.RegisterEvent(ctx, "saga.compensate.order.delete"); err != nil {
		t.Fatalf("RegisterEvent failed: %v", err)
	}
	if !mr.Exists(streamPrefix + ":saga.compensate.order.delete") {
		t.Error("expected stream to be created")
	}

	if err := tr.RegisterEvent(ctx, "saga.compensate.order.delete"); !errors.Is(err, transport.ErrEventAlreadyExists) {
		t.Errorf("expected ErrEventAlreadyExists, got %v", err)
	}

	// A second process registering the same topic sees BUSYGROUP, which is tolerated.
	tr2, err := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr2.RegisterEvent(ctx, "saga.compensate.order.delete"); err != nil {
		t.Errorf("expected second registration to succeed, got %v", err)
	}
}

func TestPublishUnregistered(t *testing.T) {
	tr, _ := newTestTransport(t)
	err := tr.Publish(context.Background(), "nope", testMessage("m1"))
	if !errors.Is(err, transport.ErrEventNotRegistered) {
		t.Errorf("expected ErrEventNotRegistered, got %v", err)
	}
}

func TestWorkerPoolDelivery(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t, WithCodec(codec.MsgPack{}))
	_ = tr.RegisterEvent(ctx, "commands")

	// Published before any consumer: the default group starts at the beginning.
	if err := tr.Publish(ctx, "commands", testMessage("early")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	sub, err := tr.Subscribe(ctx, "commands", transport.WithDeliveryMode(transport.WorkerPool))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	msg := receive(t, sub)
	if msg.ID() != "early" {
		t.Errorf("expected early, got %s", msg.ID())
	}
	if string(msg.Payload()) != `{"sagaId":"0000000001"}` || msg.Metadata()["k"] != "v" {
		t.Errorf("unexpected message contents %s %v", msg.Payload(), msg.Metadata())
	}
	if err := msg.Ack(nil); err != nil {
		t.Errorf("Ack failed: %v", err)
	}

	_ = tr.Publish(ctx, "commands", testMessage("late"))
	if msg := receive(t, sub); msg.ID() != "late" {
		t.Errorf("expected late, got %s", msg.ID())
	}
}

func TestBroadcastDelivery(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	_ = tr.RegisterEvent(ctx, "results")

	sub1, _ := tr.Subscribe(ctx, "results")
	sub2, _ := tr.Subscribe(ctx, "results")

	_ = tr.Publish(ctx, "results", testMessage("r1"))

	for _, sub := range []transport.Subscription{sub1, sub2} {
		if msg := receive(t, sub); msg.ID() != "r1" {
			t.Errorf("expected r1, got %s", msg.ID())
		}
	}
}

func TestNackIsClaimedAgain(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t, WithClaimInterval(20*time.Millisecond, time.Millisecond))
	_ = tr.RegisterEvent(ctx, "commands")

	sub, _ := tr.Subscribe(ctx, "commands", transport.WithDeliveryMode(transport.WorkerPool))
	_ = tr.Publish(ctx, "commands", testMessage("m1"))

	first := receive(t, sub)
	_ = first.Ack(errors.New("result publish failed"))

	second := receive(t, sub)
	if second.ID() != "m1" {
		t.Errorf("expected m1 redelivered, got %s", second.ID())
	}
	if second.RetryCount() < 1 {
		t.Errorf("expected retry count >= 1, got %d", second.RetryCount())
	}
	_ = second.Ack(nil)
}

func TestCloseStopsSubscriptions(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	_ = tr.RegisterEvent(ctx, "e")
	sub, _ := tr.Subscribe(ctx, "e")

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected subscription channel to be closed")
	}
	if err := tr.Publish(ctx, "e", testMessage("m")); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}
