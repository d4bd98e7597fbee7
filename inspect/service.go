// Package inspect exposes saga records over gRPC for operators and the
// reconciliation tooling: lookup by id, lookup by trace, and the list of
// sagas that stopped making progress.
//
// Messages are google.protobuf.Struct values so no generated code is needed:
//
//	GetSaga      {"sagaId": "0000000042"}             -> saga record
//	FindByTrace  {"traceId": "4bf92f35..."}            -> {"sagas": [...]}
//	ListStalled  {"olderThan": "15m", "limit": 100}    -> {"sagas": [...]}
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/premisehq/saga/saga"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "saga.inspect.v1.SagaInspector"

// DefaultStalledAge is used when ListStalled is called without olderThan.
const DefaultStalledAge = 15 * time.Minute

// DefaultLimit caps list results when the request sets no limit.
const DefaultLimit = 100

// Sagas is the read side of saga.Service.
type Sagas interface {
	GetSagaBySagaID(ctx context.Context, id string) (*saga.Runtime, error)
	FindByTraceID(ctx context.Context, traceID string) ([]*saga.Record, error)
	ListStalled(ctx context.Context, olderThan time.Duration, limit int) ([]*saga.Record, error)
}

// Service implements the SagaInspector gRPC service.
type Service struct {
	sagas Sagas
}

// New creates a new inspect service.
func New(sagas Sagas) *Service {
	return &Service{sagas: sagas}
}

// Register registers the service with a gRPC server.
func (s *Service) Register(server grpc.ServiceRegistrar) {
	server.RegisterService(&serviceDesc, s)
}

// GetSaga returns one saga record.
func (s *Service) GetSaga(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "sagaId")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "sagaId is required")
	}

	rt, err := s.sagas.GetSagaBySagaID(ctx, id)
	if err != nil {
		return nil, toStatus(err, "failed to get saga")
	}
	return recordToStruct(rt.Record())
}

// FindByTrace returns every saga started under a trace.
func (s *Service) FindByTrace(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	traceID := stringField(req, "traceId")
	if traceID == "" {
		return nil, status.Error(codes.InvalidArgument, "traceId is required")
	}

	recs, err := s.sagas.FindByTraceID(ctx, traceID)
	if err != nil {
		return nil, toStatus(err, "failed to find sagas")
	}
	return recordsToStruct(recs)
}

// ListStalled returns non-terminal or uncompensated sagas not updated for
// olderThan (a Go duration string).
func (s *Service) ListStalled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	age := DefaultStalledAge
	if v := stringField(req, "olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, status.Errorf(codes.InvalidArgument, "olderThan must be a positive duration, got %q", v)
		}
		age = d
	}

	limit := DefaultLimit
	if v, ok := req.GetFields()["limit"]; ok {
		n := int(v.GetNumberValue())
		if n <= 0 {
			return nil, status.Error(codes.InvalidArgument, "limit must be positive")
		}
		limit = n
	}

	recs, err := s.sagas.ListStalled(ctx, age, limit)
	if err != nil {
		return nil, toStatus(err, "failed to list stalled sagas")
	}
	return recordsToStruct(recs)
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func toStatus(err error, msg string) error {
	switch {
	case errors.Is(err, saga.ErrNotFound):
		return status.Error(codes.NotFound, "saga not found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Errorf(codes.Internal, "%s: %v", msg, err)
}

// recordToStruct converts through the record's JSON form so field names
// match what the stores and result topics use.
func recordToStruct(rec *saga.Record) (*structpb.Struct, error) {
	m, err := toMap(rec)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode saga: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode saga: %v", err)
	}
	return out, nil
}

func recordsToStruct(recs []*saga.Record) (*structpb.Struct, error) {
	list := make([]any, 0, len(recs))
	for _, rec := range recs {
		m, err := toMap(rec)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode saga: %v", err)
		}
		list = append(list, m)
	}
	out, err := structpb.NewStruct(map[string]any{"sagas": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode sagas: %v", err)
	}
	return out, nil
}

func toMap(rec *saga.Record) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(data, &m)
	return m, err
}
