// Package config reads sagad settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backends accepted by TRANSPORT, SAGA_STORE and IDEMPOTENCY_BACKEND.
const (
	BackendMemory   = "memory"
	BackendChannel  = "channel"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendKafka    = "kafka"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	LogLevel slog.Level

	Transport      string
	TransportCodec string
	RedisURL       string
	NATSURL        string
	KafkaBrokers   []string

	SagaStore     string
	MongoURI      string
	MongoDatabase string
	PostgresDSN   string

	Persistence PersistenceConfig
	Compensator CompensatorConfig

	GRPCAddr string
}

// PersistenceConfig tunes the saga store retry loop.
type PersistenceConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// CompensatorConfig configures the compensation dispatcher.
type CompensatorConfig struct {
	// Resources maps a resource type to the Mongo collection holding it.
	Resources      map[string]string
	WorkerGroup    string
	Workers        int
	RateLimit      float64
	RateBurst      int
	HandlerTimeout time.Duration
	BodyCodec      string

	Idempotency    string
	IdempotencyTTL time.Duration
}

// Load reads the configuration from env.
func Load() (Config, error) {
	cfg := Config{
		Transport:      stringOr("TRANSPORT", BackendRedis),
		TransportCodec: stringOr("TRANSPORT_CODEC", "json"),
		SagaStore:      stringOr("SAGA_STORE", BackendMongo),
		MongoDatabase:  stringOr("MONGO_DATABASE", "saga"),
		GRPCAddr:       stringOr("GRPC_ADDR", ":50051"),
		Persistence: PersistenceConfig{
			MaxAttempts: 5,
			RetryDelay:  500 * time.Millisecond,
		},
		Compensator: CompensatorConfig{
			WorkerGroup:    stringOr("COMPENSATOR_GROUP", "compensator"),
			Workers:        1,
			BodyCodec:      stringOr("COMPENSATOR_CODEC", "json"),
			Idempotency:    stringOr("IDEMPOTENCY_BACKEND", BackendRedis),
			IdempotencyTTL: 24 * time.Hour,
		},
	}

	var err error
	if cfg.LogLevel, err = logLevel("LOG_LEVEL"); err != nil {
		return cfg, err
	}

	if err := oneOf("TRANSPORT", cfg.Transport, BackendChannel, BackendRedis, BackendNATS, BackendKafka); err != nil {
		return cfg, err
	}
	switch cfg.Transport {
	case BackendNATS:
		if cfg.NATSURL, err = requiredString("NATS_URL"); err != nil {
			return cfg, err
		}
	case BackendKafka:
		brokers, err := requiredString("KAFKA_BROKERS")
		if err != nil {
			return cfg, err
		}
		cfg.KafkaBrokers = splitList(brokers)
	}

	if err := oneOf("SAGA_STORE", cfg.SagaStore, BackendMemory, BackendMongo, BackendRedis, BackendPostgres); err != nil {
		return cfg, err
	}
	if err := oneOf("IDEMPOTENCY_BACKEND", cfg.Compensator.Idempotency, BackendMemory, BackendRedis, BackendPostgres); err != nil {
		return cfg, err
	}

	if cfg.Compensator.Resources, err = resources("COMPENSATOR_RESOURCES"); err != nil {
		return cfg, err
	}

	// Mongo holds the saga sequence and the compensated resources, so it is
	// needed unless everything runs in memory.
	if cfg.SagaStore != BackendMemory || len(cfg.Compensator.Resources) > 0 {
		if cfg.MongoURI, err = requiredString("MONGO_URI"); err != nil {
			return cfg, err
		}
	}
	if uses(cfg, BackendRedis) {
		if cfg.RedisURL, err = requiredString("REDIS_URL"); err != nil {
			return cfg, err
		}
	}
	if cfg.SagaStore == BackendPostgres || cfg.Compensator.Idempotency == BackendPostgres {
		if cfg.PostgresDSN, err = requiredString("POSTGRES_DSN"); err != nil {
			return cfg, err
		}
	}

	if n, err := optionalInt("SAGA_PERSIST_ATTEMPTS"); err != nil {
		return cfg, err
	} else if n != nil {
		if *n < 1 {
			return cfg, fmt.Errorf("SAGA_PERSIST_ATTEMPTS must be >= 1")
		}
		cfg.Persistence.MaxAttempts = *n
	}
	if d, err := optionalDuration("SAGA_PERSIST_DELAY"); err != nil {
		return cfg, err
	} else if d != nil {
		cfg.Persistence.RetryDelay = *d
	}

	if n, err := optionalInt("COMPENSATOR_WORKERS"); err != nil {
		return cfg, err
	} else if n != nil && *n > 0 {
		cfg.Compensator.Workers = *n
	}
	if cfg.Compensator.RateLimit, err = optionalFloat("COMPENSATOR_RATE_LIMIT"); err != nil {
		return cfg, err
	}
	if n, err := optionalInt("COMPENSATOR_RATE_BURST"); err != nil {
		return cfg, err
	} else if n != nil {
		cfg.Compensator.RateBurst = *n
	}
	if d, err := optionalDuration("COMPENSATOR_TIMEOUT"); err != nil {
		return cfg, err
	} else if d != nil {
		cfg.Compensator.HandlerTimeout = *d
	}
	if d, err := optionalDuration("IDEMPOTENCY_TTL"); err != nil {
		return cfg, err
	} else if d != nil {
		if *d == 0 {
			return cfg, fmt.Errorf("IDEMPOTENCY_TTL must be > 0")
		}
		cfg.Compensator.IdempotencyTTL = *d
	}

	return cfg, nil
}

func uses(cfg Config, backend string) bool {
	return cfg.Transport == backend || cfg.SagaStore == backend || cfg.Compensator.Idempotency == backend
}

// resources parses "premises=premises,owners=owner_resources". A bare name
// uses the resource type as the collection name.
func resources(name string) (map[string]string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}
	for _, item := range splitList(raw) {
		resource, collection, found := strings.Cut(item, "=")
		resource, collection = strings.TrimSpace(resource), strings.TrimSpace(collection)
		if resource == "" || (found && collection == "") {
			return nil, fmt.Errorf("%s: invalid entry %q", name, item)
		}
		if !found {
			collection = resource
		}
		if _, dup := out[resource]; dup {
			return nil, fmt.Errorf("%s: duplicate resource %q", name, resource)
		}
		out[resource] = collection
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), value)
}

func logLevel(name string) (slog.Level, error) {
	var level slog.Level
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return level, fmt.Errorf("%s: %w", name, err)
	}
	return level, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return strings.ToLower(raw)
	}
	return fallback
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalFloat(name string) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}
