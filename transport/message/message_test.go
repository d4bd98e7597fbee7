package message

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestMessageNew(t *testing.T) {
	metadata := map[string]string{"key": "value"}
	msg := New("id-1", "source-1", []byte("payload"), metadata, trace.SpanContext{})

	if msg.ID() != "id-1" {
		t.Errorf("expected id-1, got %s", msg.ID())
	}
	if msg.Source() != "source-1" {
		t.Errorf("expected source-1, got %s", msg.Source())
	}
	if string(msg.Payload()) != "payload" {
		t.Errorf("expected payload, got %s", msg.Payload())
	}
	if msg.Metadata()["key"] != "value" {
		t.Errorf("expected metadata key=value")
	}
	if msg.RetryCount() != 0 {
		t.Errorf("expected retry count 0, got %d", msg.RetryCount())
	}
	if err := msg.Ack(nil); err != nil {
		t.Errorf("expected nil ack without ack fn, got %v", err)
	}
}

func TestMessageNewWithRetry(t *testing.T) {
	msg := NewWithRetry("id-1", "source-1", nil, nil, trace.SpanContext{}, 3)

	if msg.RetryCount() != 3 {
		t.Errorf("expected retry count 3, got %d", msg.RetryCount())
	}
}

func TestMessageContext(t *testing.T) {
	t.Run("without span", func(t *testing.T) {
		msg := New("id", "src", nil, nil, trace.SpanContext{})
		if trace.SpanContextFromContext(msg.Context()).IsValid() {
			t.Error("expected no span context")
		}
	})

	t.Run("with span", func(t *testing.T) {
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{1, 2, 3},
			SpanID:     trace.SpanID{4, 5, 6},
			TraceFlags: trace.FlagsSampled,
		})
		msg := New("id", "src", nil, nil, sc)
		got := trace.SpanContextFromContext(msg.Context())
		if got.TraceID() != sc.TraceID() {
			t.Errorf("expected trace id %s, got %s", sc.TraceID(), got.TraceID())
		}
		if !got.IsRemote() {
			t.Error("expected remote span context")
		}
	})
}

func TestWithAck(t *testing.T) {
	var acked []error
	base := New("id-1", "src", []byte("x"), map[string]string{"a": "b"}, trace.SpanContext{})
	msg := WithAck(base, 2, func(err error) error {
		acked = append(acked, err)
		return nil
	})

	if msg.ID() != "id-1" || string(msg.Payload()) != "x" || msg.Metadata()["a"] != "b" {
		t.Errorf("expected fields to be copied, got %s %s %v", msg.ID(), msg.Payload(), msg.Metadata())
	}
	if msg.RetryCount() != 2 {
		t.Errorf("expected retry count 2, got %d", msg.RetryCount())
	}

	nackErr := errors.New("retry")
	_ = msg.Ack(nil)
	_ = msg.Ack(nackErr)
	if len(acked) != 2 || acked[0] != nil || !errors.Is(acked[1], nackErr) {
		t.Errorf("unexpected acks: %v", acked)
	}
}
