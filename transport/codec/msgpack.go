package codec

import (
	"errors"
	"maps"

	"github.com/premisehq/saga/transport/message"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
type MsgPack struct{}

// msgpackMessage is the MessagePack wire format
type msgpackMessage struct {
	ID         string            `msgpack:"id"`
	Source     string            `msgpack:"source"`
	Payload    []byte            `msgpack:"payload"`
	Metadata   map[string]string `msgpack:"metadata,omitempty"`
	RetryCount int               `msgpack:"retry_count,omitempty"`
	TraceID    string            `msgpack:"trace_id,omitempty"`
	SpanID     string            `msgpack:"span_id,omitempty"`
}

// Encode serializes a message to MessagePack bytes
func (c MsgPack) Encode(msg Message) ([]byte, error) {
	mm := msgpackMessage{
		ID:         msg.ID(),
		Source:     msg.Source(),
		Payload:    msg.Payload(),
		RetryCount: msg.RetryCount(),
	}
	mm.TraceID, mm.SpanID = spanIDs(msg)

	if msg.Metadata() != nil {
		mm.Metadata = maps.Clone(msg.Metadata())
	}

	data, err := msgpack.Marshal(mm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to a message
func (c MsgPack) Decode(data []byte) (Message, error) {
	var mm msgpackMessage
	if err := msgpack.Unmarshal(data, &mm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return message.NewWithRetry(
		mm.ID,
		mm.Source,
		mm.Payload,
		mm.Metadata,
		spanContext(mm.TraceID, mm.SpanID),
		mm.RetryCount,
	), nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

var _ Codec = MsgPack{}
