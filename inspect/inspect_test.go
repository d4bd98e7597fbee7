package inspect

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/premisehq/saga/saga"
	"github.com/premisehq/saga/sequence"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestClient(t *testing.T, sagas Sagas) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	New(sagas).Register(server)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func newService(t *testing.T, now func() time.Time) *saga.Service {
	t.Helper()
	registry := saga.NewRegistry()
	_ = registry.Register("local", saga.CompensatorFunc(func(context.Context, saga.Compensation) error { return nil }))
	store := saga.NewMemoryStore().WithClock(now)
	return saga.NewService(sequence.NewMemoryGenerator(), store, registry, saga.WithClock(now))
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	svc := newService(t, now)
	client := newTestClient(t, svc)

	traced := saga.WithTraceID(ctx, "trace-1")
	rt, err := svc.StartSaga(traced, "register-premises", map[string]any{"tenant": "acme"})
	if err != nil {
		t.Fatal(err)
	}
	_ = rt.AddCompensation(ctx, "create-premises", map[string]any{"resource_id": "p-1"}, "local")
	_ = rt.CompleteStep(ctx, "create-premises")
	_, _ = rt.Compensate(ctx, errors.New("owner registration failed"))

	done, _ := svc.StartSaga(traced, "register-premises", nil)
	_ = done.Complete(ctx)

	clock = clock.Add(time.Hour)
	stuck, _ := svc.StartSaga(ctx, "register-premises", nil)
	clock = clock.Add(time.Hour)

	t.Run("get saga", func(t *testing.T) {
		rec, err := client.GetSaga(ctx, rt.SagaID())
		if err != nil {
			t.Fatalf("GetSaga failed: %v", err)
		}
		if rec.Status != saga.StatusCompensated || rec.TraceID != "trace-1" {
			t.Errorf("unexpected record %+v", rec)
		}
		if len(rec.Steps) != 2 || rec.Steps[1].Name != "create-premises"+saga.CompensateSuffix {
			t.Errorf("unexpected steps %+v", rec.Steps)
		}
		if rec.Metadata["tenant"] != "acme" {
			t.Errorf("unexpected metadata %v", rec.Metadata)
		}
	})

	t.Run("get missing saga", func(t *testing.T) {
		_, err := client.GetSaga(ctx, "9999999999")
		if !errors.Is(err, saga.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("find by trace", func(t *testing.T) {
		recs, err := client.FindByTrace(ctx, "trace-1")
		if err != nil {
			t.Fatalf("FindByTrace failed: %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("expected 2 sagas, got %d", len(recs))
		}
	})

	t.Run("list stalled", func(t *testing.T) {
		recs, err := client.ListStalled(ctx, 30*time.Minute, 10)
		if err != nil {
			t.Fatalf("ListStalled failed: %v", err)
		}
		if len(recs) != 1 || recs[0].SagaID != stuck.SagaID() {
			t.Errorf("expected only the in-progress saga, got %d records", len(recs))
		}
	})
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := New(newService(t, time.Now))

	tests := []struct {
		name string
		call func() error
	}{
		{"get without id", func() error {
			_, err := s.GetSaga(ctx, &structpb.Struct{})
			return err
		}},
		{"find without trace", func() error {
			_, err := s.FindByTrace(ctx, &structpb.Struct{})
			return err
		}},
		{"bad duration", func() error {
			req, _ := structpb.NewStruct(map[string]any{"olderThan": "soon"})
			_, err := s.ListStalled(ctx, req)
			return err
		}},
		{"zero limit", func() error {
			req, _ := structpb.NewStruct(map[string]any{"limit": 0})
			_, err := s.ListStalled(ctx, req)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := status.Code(tt.call()); code != codes.InvalidArgument {
				t.Errorf("expected InvalidArgument, got %s", code)
			}
		})
	}
}
