package transport

import (
	"context"
	"sync"
	"time"
)

// RecordedMessage is a message that was published through a Recorder
type RecordedMessage struct {
	Topic     string
	Message   Message
	Timestamp time.Time
}

// Recorder wraps a transport and records all published messages.
// Useful for asserting which compensation commands and results were emitted.
type Recorder struct {
	Transport
	mu       sync.Mutex
	messages []RecordedMessage
}

// NewRecorder creates a transport that records all published messages.
// It wraps the provided transport, which is required.
//
// Example:
//
//	rec := transport.NewRecorder(channel.New())
//	pub := compensation.NewPublisher(rec)
func NewRecorder(t Transport) *Recorder {
	if t == nil {
		panic("transport: transport is required for NewRecorder")
	}
	return &Recorder{Transport: t}
}

// Publish records the message and delegates to the underlying transport
func (r *Recorder) Publish(ctx context.Context, name string, msg Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, RecordedMessage{
		Topic:     name,
		Message:   msg,
		Timestamp: time.Now(),
	})
	r.mu.Unlock()

	return r.Transport.Publish(ctx, name, msg)
}

// Messages returns a copy of all recorded messages
func (r *Recorder) Messages() []RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]RecordedMessage, len(r.messages))
	copy(result, r.messages)
	return result
}

// MessagesFor returns recorded messages for a specific topic
func (r *Recorder) MessagesFor(topic string) []RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []RecordedMessage
	for _, m := range r.messages {
		if m.Topic == topic {
			result = append(result, m)
		}
	}
	return result
}

// CountFor returns the number of messages recorded for a topic
func (r *Recorder) CountFor(topic string) int {
	return len(r.MessagesFor(topic))
}

// Reset clears all recorded messages
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
