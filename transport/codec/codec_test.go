package codec

import (
	"errors"
	"testing"

	"github.com/premisehq/saga/transport/message"
	"go.opentelemetry.io/otel/trace"
)

func TestCodecs(t *testing.T) {
	codecs := []struct {
		codec       Codec
		name        string
		contentType string
	}{
		{JSON{}, "json", "application/json"},
		{MsgPack{}, "msgpack", "application/msgpack"},
		{Proto{}, "proto", "application/x-protobuf"},
	}

	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.codec

			t.Run("Name and ContentType", func(t *testing.T) {
				if c.Name() != tc.name {
					t.Errorf("expected %s, got %s", tc.name, c.Name())
				}
				if c.ContentType() != tc.contentType {
					t.Errorf("expected %s, got %s", tc.contentType, c.ContentType())
				}
			})

			t.Run("Encode and Decode payload with metadata", func(t *testing.T) {
				metadata := map[string]string{"saga_id": "0000000042", "env": "test"}
				msg := message.NewWithRetry("id-1", "compensator", []byte(`{"sagaId":"0000000042"}`), metadata, trace.SpanContext{}, 3)

				data, err := c.Encode(msg)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				decoded, err := c.Decode(data)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}

				if decoded.ID() != "id-1" {
					t.Errorf("expected id-1, got %s", decoded.ID())
				}
				if decoded.Source() != "compensator" {
					t.Errorf("expected compensator, got %s", decoded.Source())
				}
				if string(decoded.Payload()) != `{"sagaId":"0000000042"}` {
					t.Errorf("unexpected payload %s", decoded.Payload())
				}
				if decoded.Metadata()["saga_id"] != "0000000042" || decoded.Metadata()["env"] != "test" {
					t.Errorf("unexpected metadata %v", decoded.Metadata())
				}
				if decoded.RetryCount() != 3 {
					t.Errorf("expected retry count 3, got %d", decoded.RetryCount())
				}
			})

			t.Run("Encode with nil metadata", func(t *testing.T) {
				msg := message.New("id-2", "src", []byte("data"), nil, trace.SpanContext{})

				data, err := c.Encode(msg)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				decoded, err := c.Decode(data)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if decoded.Metadata() != nil {
					t.Errorf("expected nil metadata, got %v", decoded.Metadata())
				}
			})

			t.Run("span context survives round trip", func(t *testing.T) {
				sc := trace.NewSpanContext(trace.SpanContextConfig{
					TraceID:    trace.TraceID{0xa, 0xb, 0xc},
					SpanID:     trace.SpanID{0x1, 0x2},
					TraceFlags: trace.FlagsSampled,
				})
				msg := message.New("id-3", "src", nil, nil, sc)

				data, err := c.Encode(msg)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				decoded, err := c.Decode(data)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				got := trace.SpanContextFromContext(decoded.Context())
				if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() {
					t.Errorf("expected %s/%s, got %s/%s", sc.TraceID(), sc.SpanID(), got.TraceID(), got.SpanID())
				}
			})

			t.Run("Decode garbage returns error", func(t *testing.T) {
				_, err := c.Decode([]byte{0xff, 0x00, 0x13, 0x37})
				if !errors.Is(err, ErrDecodeFailure) {
					t.Errorf("expected ErrDecodeFailure, got %v", err)
				}
			})
		})
	}
}

func TestDefaultCodec(t *testing.T) {
	if Default().Name() != "json" {
		t.Errorf("expected default codec to be json, got %s", Default().Name())
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "msgpack", "proto"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("expected %s, got %s", name, c.Name())
		}
	}

	if c, err := ByName(""); err != nil || c.Name() != "json" {
		t.Errorf("expected json for empty name, got %v %v", c, err)
	}
	if _, err := ByName("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec, got %v", err)
	}
}
