package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/channel"
	"go.opentelemetry.io/otel/trace"
)

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	rec := transport.NewRecorder(channel.New())
	defer rec.Close(ctx)

	if err := transport.RegisterAll(ctx, rec, "a", "b"); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	_ = rec.Publish(ctx, "a", transport.NewMessage("1", "test", []byte("x"), nil, trace.SpanContext{}))
	_ = rec.Publish(ctx, "b", transport.NewMessage("2", "test", []byte("y"), nil, trace.SpanContext{}))
	_ = rec.Publish(ctx, "a", transport.NewMessage("3", "test", []byte("z"), nil, trace.SpanContext{}))

	if got := len(rec.Messages()); got != 3 {
		t.Errorf("expected 3 messages, got %d", got)
	}
	if got := rec.CountFor("a"); got != 2 {
		t.Errorf("expected 2 messages for a, got %d", got)
	}
	if got := rec.MessagesFor("b"); len(got) != 1 || got[0].Message.ID() != "2" {
		t.Errorf("unexpected messages for b: %v", got)
	}

	rec.Reset()
	if got := len(rec.Messages()); got != 0 {
		t.Errorf("expected 0 messages after reset, got %d", got)
	}
}

func TestSubscribeOptions(t *testing.T) {
	o := transport.ApplySubscribeOptions()
	if o.DeliveryMode != transport.Broadcast {
		t.Errorf("expected broadcast default, got %v", o.DeliveryMode)
	}

	o = transport.ApplySubscribeOptions(
		transport.WithDeliveryMode(transport.WorkerPool),
		transport.WithWorkerGroup("compensators"),
		transport.WithBufferSize(7),
	)
	if o.DeliveryMode != transport.WorkerPool || o.WorkerGroup != "compensators" || o.BufferSize != 7 {
		t.Errorf("unexpected options %+v", o)
	}
	if o.DeliveryMode.String() != "worker_pool" {
		t.Errorf("expected worker_pool, got %s", o.DeliveryMode)
	}
}

func TestNewID(t *testing.T) {
	a, b := transport.NewID(), transport.NewID()
	if a == "" || a == b {
		t.Errorf("expected distinct ids, got %q %q", a, b)
	}
}

func TestJitter(t *testing.T) {
	d := 100 * time.Millisecond
	for k := 0; k < 50; k++ {
		j := transport.Jitter(d, 0.3)
		if j < 70*time.Millisecond || j > 130*time.Millisecond {
			t.Fatalf("jitter %v out of range", j)
		}
	}
	if transport.Jitter(d, 0) != d {
		t.Error("expected zero factor to return input")
	}
}
