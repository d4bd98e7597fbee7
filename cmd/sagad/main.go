// Command sagad runs the saga infrastructure for one service: the
// compensation dispatcher for the resources it owns, a listener that logs
// remote compensation outcomes, and the gRPC inspect API over the saga store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/premisehq/saga/compensation"
	"github.com/premisehq/saga/inspect"
	"github.com/premisehq/saga/internal/config"
	"github.com/premisehq/saga/saga"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("sagad exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	deps, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	tr, err := newTransport(cfg, deps)
	if err != nil {
		return err
	}
	defer tr.Close(context.Background())

	svc, err := newSagaService(ctx, cfg, deps)
	if err != nil {
		return err
	}

	resources := make([]string, 0, len(cfg.Compensator.Resources))
	for r := range cfg.Compensator.Resources {
		resources = append(resources, r)
	}

	bodyCodec, err := compensation.CodecFor(contentType(cfg.Compensator.BodyCodec))
	if err != nil {
		return err
	}
	pub := compensation.NewPublisher(tr, compensation.WithPublisherCodec(bodyCodec), compensation.WithSource("sagad"))
	if err := pub.Register(ctx, resources...); err != nil {
		return err
	}
	for _, r := range resources {
		if err := compensation.RegisterRemote(svc.Registry(), pub, r); err != nil {
			return err
		}
	}

	dispatcher, err := newDispatcher(ctx, cfg, deps, tr, bodyCodec)
	if err != nil {
		return err
	}
	if len(resources) > 0 {
		if err := dispatcher.Start(ctx); err != nil {
			return err
		}
		defer stopWithTimeout(dispatcher.Stop)
	}

	results := compensation.NewResultListener(tr, logResult)
	if err := results.Listen(ctx, resources...); err != nil {
		return err
	}
	defer stopWithTimeout(results.Close)

	return serveGRPC(ctx, cfg.GRPCAddr, svc)
}

func serveGRPC(ctx context.Context, addr string, svc *saga.Service) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := grpc.NewServer()
	inspect.New(svc).Register(server)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(inspect.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()
	slog.Info("sagad serving", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus(inspect.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// logResult feeds operators the remote outcome of fire-and-forget
// compensations.
func logResult(ctx context.Context, r compensation.Result) error {
	logger := slog.Default().With("component", "sagad>results",
		"resource", r.Resource,
		"saga_id", r.Command.SagaID,
		"resource_id", r.Command.ResourceID)
	if r.OK() {
		logger.Info("remote compensation succeeded")
		return nil
	}
	logger.Warn("remote compensation failed", "error", r.Command.Error)
	return nil
}

func stopWithTimeout(stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

func contentType(name string) string {
	if name == "msgpack" {
		return compensation.MsgPack{}.ContentType()
	}
	return compensation.JSON{}.ContentType()
}
