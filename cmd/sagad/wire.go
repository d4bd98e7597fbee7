package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/premisehq/saga/compensation"
	"github.com/premisehq/saga/idempotency"
	"github.com/premisehq/saga/internal/config"
	"github.com/premisehq/saga/saga"
	"github.com/premisehq/saga/sequence"
	"github.com/premisehq/saga/transport"
	"github.com/premisehq/saga/transport/channel"
	"github.com/premisehq/saga/transport/codec"
	"github.com/premisehq/saga/transport/kafka"
	natstransport "github.com/premisehq/saga/transport/nats"
	redistransport "github.com/premisehq/saga/transport/redis"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq"
)

// deps holds the shared client connections.
type deps struct {
	database *mongo.Database
	redis    *redis.Client
	postgres *sql.DB
	nats     *nats.Conn
	kafka    sarama.Client
	closers  []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func connect(ctx context.Context, cfg config.Config) (*deps, error) {
	d := &deps{}
	fail := func(err error) (*deps, error) {
		d.close()
		return nil, err
	}

	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fail(fmt.Errorf("connect mongo: %w", err))
		}
		d.closers = append(d.closers, func() { _ = client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return fail(fmt.Errorf("ping mongo: %w", err))
		}
		d.database = client.Database(cfg.MongoDatabase)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		d.redis = redis.NewClient(opts)
		d.closers = append(d.closers, func() { _ = d.redis.Close() })
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
	}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		d.postgres = db
		d.closers = append(d.closers, func() { _ = db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return fail(fmt.Errorf("ping postgres: %w", err))
		}
	}

	switch cfg.Transport {
	case config.BackendNATS:
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("sagad"))
		if err != nil {
			return fail(fmt.Errorf("connect nats: %w", err))
		}
		d.nats = conn
		d.closers = append(d.closers, conn.Close)
	case config.BackendKafka:
		sc := sarama.NewConfig()
		sc.ClientID = "sagad"
		sc.Consumer.Offsets.AutoCommit.Enable = false
		sc.Producer.Return.Successes = true
		client, err := sarama.NewClient(cfg.KafkaBrokers, sc)
		if err != nil {
			return fail(fmt.Errorf("connect kafka: %w", err))
		}
		d.kafka = client
		d.closers = append(d.closers, func() { _ = client.Close() })
	}
	return d, nil
}

func newTransport(cfg config.Config, d *deps) (transport.Transport, error) {
	c, err := codec.ByName(cfg.TransportCodec)
	if err != nil {
		return nil, err
	}
	switch cfg.Transport {
	case config.BackendRedis:
		return redistransport.New(d.redis, redistransport.WithCodec(c))
	case config.BackendNATS:
		return natstransport.New(d.nats, natstransport.WithCodec(c))
	case config.BackendKafka:
		return kafka.New(d.kafka, kafka.WithCodec(c))
	default:
		return channel.New(), nil
	}
}

func newSagaService(ctx context.Context, cfg config.Config, d *deps) (*saga.Service, error) {
	var (
		store saga.Store
		ids   sequence.Generator
	)
	switch cfg.SagaStore {
	case config.BackendMongo:
		s := saga.NewMongoStore(d.database)
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("saga indexes: %w", err)
		}
		store, ids = s, sequence.NewMongoGenerator(d.database)
	case config.BackendPostgres:
		s := saga.NewPostgresStore(d.postgres)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("saga schema: %w", err)
		}
		store, ids = s, sequence.NewMongoGenerator(d.database)
	case config.BackendRedis:
		store, ids = saga.NewRedisStore(d.redis), sequence.NewRedisGenerator(d.redis)
	default:
		store, ids = saga.NewMemoryStore(), sequence.NewMemoryGenerator()
	}

	metrics, err := saga.NewMetricsRecorder("sagad")
	if err != nil {
		return nil, err
	}
	return saga.NewService(ids, store, nil,
		saga.WithMetrics(metrics),
		saga.WithRetry(cfg.Persistence.MaxAttempts, cfg.Persistence.RetryDelay),
	), nil
}

func newIdempotency(ctx context.Context, cfg config.Config, d *deps) (idempotency.Store, func(), error) {
	ttl := cfg.Compensator.IdempotencyTTL
	switch cfg.Compensator.Idempotency {
	case config.BackendRedis:
		s := idempotency.NewRedisStore(d.redis, ttl)
		if t := cfg.Compensator.HandlerTimeout; t > 0 {
			s = s.WithClaimTTL(2 * t)
		}
		return s, func() {}, nil
	case config.BackendPostgres:
		s := idempotency.NewPostgresStore(d.postgres, idempotency.WithPostgresTTL(ttl))
		if err := s.CreateTable(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("idempotency table: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s := idempotency.NewMemoryStore(ttl)
		return s, s.Close, nil
	}
}

func newDispatcher(ctx context.Context, cfg config.Config, d *deps, tr transport.Transport, c compensation.Codec) (*compensation.Dispatcher, error) {
	store, closeStore, err := newIdempotency(ctx, cfg, d)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, closeStore)

	cc := cfg.Compensator
	dispatcher := compensation.NewDispatcher(tr,
		compensation.WithIdempotency(store),
		compensation.WithWorkerGroup(cc.WorkerGroup),
		compensation.WithWorkers(cc.Workers),
		compensation.WithRateLimit(cc.RateLimit, cc.RateBurst),
		compensation.WithHandlerTimeout(cc.HandlerTimeout),
		compensation.WithCodec(c),
	)
	for resource, collection := range cc.Resources {
		deleter := compensation.NewMongoDeleter(d.database.Collection(collection))
		if err := dispatcher.Register(resource, deleter); err != nil {
			return nil, err
		}
		slog.Debug("compensating resource", "resource", resource, "collection", collection)
	}
	return dispatcher, nil
}
