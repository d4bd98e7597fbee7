package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/premisehq/saga/transport/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers serialization.
//
// The envelope is a google.protobuf.Struct so brokers and tooling that speak
// protobuf can read it without generated types. The payload travels as a
// base64 string field and metadata as a nested struct of strings.
type Proto struct{}

// Encode serializes a message to Protocol Buffer bytes
func (c Proto) Encode(msg Message) ([]byte, error) {
	fields := map[string]*structpb.Value{
		"id":          structpb.NewStringValue(msg.ID()),
		"source":      structpb.NewStringValue(msg.Source()),
		"payload":     structpb.NewStringValue(base64.StdEncoding.EncodeToString(msg.Payload())),
		"retry_count": structpb.NewNumberValue(float64(msg.RetryCount())),
	}
	if traceID, spanID := spanIDs(msg); traceID != "" {
		fields["trace_id"] = structpb.NewStringValue(traceID)
		fields["span_id"] = structpb.NewStringValue(spanID)
	}
	if md := msg.Metadata(); md != nil {
		mdFields := make(map[string]*structpb.Value, len(md))
		for k, v := range md {
			mdFields[k] = structpb.NewStringValue(v)
		}
		fields["metadata"] = structpb.NewStructValue(&structpb.Struct{Fields: mdFields})
	}

	data, err := proto.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes Protocol Buffer bytes to a message
func (c Proto) Decode(data []byte) (Message, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	fields := envelope.GetFields()
	str := func(key string) string {
		return fields[key].GetStringValue()
	}

	payload, err := base64.StdEncoding.DecodeString(str("payload"))
	if err != nil {
		return nil, errors.Join(ErrDecodeFailure, fmt.Errorf("payload: %w", err))
	}

	var metadata map[string]string
	if md := fields["metadata"].GetStructValue(); md != nil {
		metadata = make(map[string]string, len(md.GetFields()))
		for k, v := range md.GetFields() {
			metadata[k] = v.GetStringValue()
		}
	}

	return message.NewWithRetry(
		str("id"),
		str("source"),
		payload,
		metadata,
		spanContext(str("trace_id"), str("span_id")),
		int(fields["retry_count"].GetNumberValue()),
	), nil
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

var _ Codec = Proto{}
