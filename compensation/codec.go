package compensation

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ContentTypeKey is the message metadata key naming the body encoding.
const ContentTypeKey = "content-type"

// SagaIDKey is the message metadata key carrying the saga id, so brokers
// and log pipelines can correlate without decoding the body.
const SagaIDKey = "saga-id"

// Codec encodes command bodies. Implementations must be safe for concurrent use.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

// JSON is the default body codec.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSON) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) ContentType() string             { return "application/json" }

// MsgPack encodes bodies as MessagePack.
type MsgPack struct{}

func (MsgPack) Encode(v any) ([]byte, error)    { return msgpack.Marshal(v) }
func (MsgPack) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgPack) ContentType() string             { return "application/msgpack" }

var codecs = map[string]Codec{
	JSON{}.ContentType():    JSON{},
	MsgPack{}.ContentType(): MsgPack{},
}

// CodecFor returns the codec for a content type. An empty content type
// means JSON, so bodies from publishers that set no metadata still decode.
func CodecFor(contentType string) (Codec, error) {
	if contentType == "" {
		return JSON{}, nil
	}
	c, ok := codecs[contentType]
	if !ok {
		return nil, fmt.Errorf("compensation: unsupported content type %q", contentType)
	}
	return c, nil
}

func encodeCommand(c Codec, cmd Command) ([]byte, map[string]string, error) {
	data, err := c.Encode(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("compensation: encode command: %w", err)
	}
	return data, map[string]string{
		ContentTypeKey: c.ContentType(),
		SagaIDKey:      cmd.SagaID,
	}, nil
}

// DecodeCommand decodes a message body using the codec named in metadata.
func DecodeCommand(payload []byte, metadata map[string]string) (Command, error) {
	var cmd Command
	c, err := CodecFor(metadata[ContentTypeKey])
	if err != nil {
		return cmd, err
	}
	if err := c.Decode(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("compensation: decode command: %w", err)
	}
	return cmd, nil
}

var (
	_ Codec = JSON{}
	_ Codec = MsgPack{}
)
