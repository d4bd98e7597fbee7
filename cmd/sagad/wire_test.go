package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/premisehq/saga/compensation"
	"github.com/premisehq/saga/idempotency"
	"github.com/premisehq/saga/internal/config"
	"github.com/premisehq/saga/transport/channel"
	"github.com/redis/go-redis/v9"
)

func memoryConfig() config.Config {
	return config.Config{
		Transport:      config.BackendChannel,
		TransportCodec: "json",
		SagaStore:      config.BackendMemory,
		Persistence:    config.PersistenceConfig{MaxAttempts: 3, RetryDelay: time.Millisecond},
		Compensator: config.CompensatorConfig{
			Idempotency:    config.BackendMemory,
			IdempotencyTTL: time.Hour,
			Workers:        1,
		},
	}
}

func TestWireMemory(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	d := &deps{}
	defer d.close()

	tr, err := newTransport(cfg, d)
	if err != nil {
		t.Fatalf("newTransport failed: %v", err)
	}
	defer tr.Close(ctx)
	if _, ok := tr.(*channel.Transport); !ok {
		t.Errorf("expected channel transport, got %T", tr)
	}

	svc, err := newSagaService(ctx, cfg, d)
	if err != nil {
		t.Fatalf("newSagaService failed: %v", err)
	}
	rt, err := svc.StartSaga(ctx, "register-premises", nil)
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}
	if rt.SagaID() != "0000000001" {
		t.Errorf("unexpected saga id %s", rt.SagaID())
	}

	store, closeStore, err := newIdempotency(ctx, cfg, d)
	if err != nil {
		t.Fatalf("newIdempotency failed: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*idempotency.MemoryStore); !ok {
		t.Errorf("expected memory store, got %T", store)
	}
}

func TestWireRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Transport = config.BackendRedis
	cfg.SagaStore = config.BackendRedis
	cfg.Compensator.Idempotency = config.BackendRedis

	d := &deps{redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	defer d.redis.Close()

	tr, err := newTransport(cfg, d)
	if err != nil {
		t.Fatalf("newTransport failed: %v", err)
	}
	defer tr.Close(ctx)

	svc, err := newSagaService(ctx, cfg, d)
	if err != nil {
		t.Fatalf("newSagaService failed: %v", err)
	}
	rt, err := svc.StartSaga(ctx, "register-premises", nil)
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}
	if _, err := svc.GetSagaBySagaID(ctx, rt.SagaID()); err != nil {
		t.Errorf("GetSagaBySagaID failed: %v", err)
	}

	store, _, err := newIdempotency(ctx, cfg, d)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*idempotency.RedisStore); !ok {
		t.Errorf("expected redis store, got %T", store)
	}
}

func TestLogResult(t *testing.T) {
	ctx := context.Background()
	for _, r := range []compensation.Result{
		{Resource: "premises", Command: compensation.Command{SagaID: "s1", ResourceID: "p-1"}},
		{Resource: "premises", Command: compensation.Command{SagaID: "s1", ResourceID: "p-1", Error: "locked"}},
	} {
		if err := logResult(ctx, r); err != nil {
			t.Errorf("logResult returned %v", err)
		}
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("msgpack"); got != "application/msgpack" {
		t.Errorf("unexpected content type %s", got)
	}
	if got := contentType("json"); got != "application/json" {
		t.Errorf("unexpected content type %s", got)
	}
}
