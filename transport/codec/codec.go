// Package codec provides message serialization for the broker-backed transports.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers (structpb envelope)
package codec

import (
	"errors"
	"fmt"

	"github.com/premisehq/saga/transport/message"
	"go.opentelemetry.io/otel/trace"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode message")
	ErrDecodeFailure = errors.New("failed to decode message")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Message is the message interface used by codecs
type Message = message.Message

// Codec handles message serialization for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a message to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(msg Message) ([]byte, error)

	// Decode deserializes bytes to a message.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (Message, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	case "proto":
		return Proto{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// spanIDs returns the hex trace and span ids of the message's span context,
// or empty strings when it carries none.
func spanIDs(msg Message) (string, string) {
	sc := trace.SpanContextFromContext(msg.Context())
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// spanContext rebuilds a remote span context from hex ids. Invalid ids yield
// an empty span context rather than an error.
func spanContext(traceID, spanID string) trace.SpanContext {
	if traceID == "" || spanID == "" {
		return trace.SpanContext{}
	}
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return trace.SpanContext{}
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return trace.SpanContext{}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}
