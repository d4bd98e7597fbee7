// Package message provides the Message type carried by every transport.
//
// It is split out of the transport package so that codecs can build messages
// without importing transport implementations.
package message

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Message is an encoded command or result travelling through a transport.
type Message interface {
	// ID returns the unique message identifier
	ID() string
	// Source returns the component that published this message
	Source() string
	// Payload returns the encoded payload
	Payload() []byte
	// Metadata returns optional key-value metadata
	Metadata() map[string]string
	// RetryCount returns the number of times this message has been delivered before
	RetryCount() int
	// Context returns a context carrying the publisher's span context (if any)
	Context() context.Context
	// Ack acknowledges the message. Pass nil for success, or an error to request redelivery.
	Ack(error) error
}

type message struct {
	id         string
	source     string
	payload    []byte
	metadata   map[string]string
	span       trace.SpanContext
	retryCount int
	ackFn      func(error) error
}

func (m *message) ID() string                  { return m.id }
func (m *message) Source() string              { return m.source }
func (m *message) Payload() []byte             { return m.payload }
func (m *message) Metadata() map[string]string { return m.metadata }
func (m *message) RetryCount() int             { return m.retryCount }

func (m *message) Context() context.Context {
	if !m.span.IsValid() {
		return context.Background()
	}
	return trace.ContextWithRemoteSpanContext(context.Background(), m.span)
}

func (m *message) Ack(err error) error {
	if m.ackFn != nil {
		return m.ackFn(err)
	}
	return nil
}

// New creates a new message
func New(id, source string, payload []byte, metadata map[string]string, spanCtx trace.SpanContext) Message {
	return &message{
		id:       id,
		source:   source,
		payload:  payload,
		metadata: metadata,
		span:     spanCtx,
	}
}

// NewWithRetry creates a new message with retry count
func NewWithRetry(id, source string, payload []byte, metadata map[string]string, spanCtx trace.SpanContext, retryCount int) Message {
	return &message{
		id:         id,
		source:     source,
		payload:    payload,
		metadata:   metadata,
		span:       spanCtx,
		retryCount: retryCount,
	}
}

// WithAck returns a copy of msg whose Ack calls ackFn. Transports use it to
// bind a decoded message to their broker-level acknowledgement.
func WithAck(msg Message, retryCount int, ackFn func(error) error) Message {
	var span trace.SpanContext
	if m, ok := msg.(*message); ok {
		span = m.span
	} else {
		span = trace.SpanContextFromContext(msg.Context())
	}
	return &message{
		id:         msg.ID(),
		source:     msg.Source(),
		payload:    msg.Payload(),
		metadata:   msg.Metadata(),
		span:       span,
		retryCount: retryCount,
		ackFn:      ackFn,
	}
}

var _ Message = (*message)(nil)
