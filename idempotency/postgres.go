package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store using a PostgreSQL table.
//
// Schema (created by CreateTable):
//
//	CREATE TABLE saga_compensation_dedup (
//	    message_id   VARCHAR(255) PRIMARY KEY,
//	    processed_at TIMESTAMPTZ DEFAULT NOW(),
//	    expires_at   TIMESTAMPTZ NOT NULL
//	);
//
// IsDuplicate is a plain read; it does not claim the key.
type PostgresStore struct {
	db              *sql.DB
	table           string
	ttl             time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// PostgresOption configures PostgresStore
type PostgresOption func(*PostgresStore)

// WithPostgresTTL sets the default TTL for processed keys
func WithPostgresTTL(ttl time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.ttl = ttl
	}
}

// WithPostgresTable sets the table name
func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		s.table = table
	}
}

// WithPostgresCleanupInterval sets how often expired rows are deleted.
// Zero disables the cleanup goroutine.
func WithPostgresCleanupInterval(interval time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.cleanupInterval = interval
	}
}

// NewPostgresStore creates a new PostgreSQL-based idempotency store
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:              db,
		table:           "saga_compensation_dedup",
		ttl:             24 * time.Hour,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// IsDuplicate reports whether an unexpired row exists for key
func (s *PostgresStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE message_id = $1 AND expires_at > NOW())`, s.table)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("query idempotency: %w", err)
	}
	return exists, nil
}

// MarkProcessed marks a key as processed using the default TTL
func (s *PostgresStore) MarkProcessed(ctx context.Context, key string) error {
	return s.MarkProcessedWithTTL(ctx, key, s.ttl)
}

// MarkProcessedWithTTL upserts the key with a new expiry
func (s *PostgresStore) MarkProcessedWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, processed_at, expires_at)
		VALUES ($1, NOW(), NOW() + $2::interval)
		ON CONFLICT (message_id) DO UPDATE
		SET processed_at = NOW(), expires_at = NOW() + $2::interval
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query, key, ttl.String()); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Remove deletes the key's row
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1`, s.table)

	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("remove idempotency: %w", err)
	}
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *PostgresStore) Close() error {
	select {
	case <-s.stopCleanup:
	default:
		close(s.stopCleanup)
	}
	return nil
}

func (s *PostgresStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < NOW()`, s.table)
			_, _ = s.db.Exec(query)
		case <-s.stopCleanup:
			return
		}
	}
}

// CreateTable creates the table and its expiry index if they do not exist
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			message_id VARCHAR(255) PRIMARY KEY,
			processed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at);
	`, s.table, s.table, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
