package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/premisehq/saga/saga"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote SagaInspector.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSaga fetches one record. A missing saga returns saga.ErrNotFound.
func (c *Client) GetSaga(ctx context.Context, id string) (*saga.Record, error) {
	out, err := c.invoke(ctx, "GetSaga", map[string]any{"sagaId": id})
	if err != nil {
		return nil, err
	}
	var rec saga.Record
	if err := fromStruct(out, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByTrace fetches every saga started under traceID.
func (c *Client) FindByTrace(ctx context.Context, traceID string) ([]*saga.Record, error) {
	return c.list(ctx, "FindByTrace", map[string]any{"traceId": traceID})
}

// ListStalled fetches sagas not updated for olderThan.
func (c *Client) ListStalled(ctx context.Context, olderThan time.Duration, limit int) ([]*saga.Record, error) {
	return c.list(ctx, "ListStalled", map[string]any{
		"olderThan": olderThan.String(),
		"limit":     limit,
	})
}

func (c *Client) list(ctx context.Context, name string, req map[string]any) ([]*saga.Record, error) {
	out, err := c.invoke(ctx, name, req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Sagas []*saga.Record `json:"sagas"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Sagas, nil
}

func (c *Client) invoke(ctx context.Context, name string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("inspect: encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, in, out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", saga.ErrNotFound, status.Convert(err).Message())
		}
		return nil, err
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("inspect: decode response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("inspect: decode response: %w", err)
	}
	return nil
}
