package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

/*
PostgreSQL Schema (created by EnsureSchema):

CREATE TABLE sagas (
    saga_id       VARCHAR(64) PRIMARY KEY,
    name          VARCHAR(255) NOT NULL,
    status        VARCHAR(32) NOT NULL,
    metadata      JSONB,
    steps         JSONB NOT NULL,
    compensations JSONB NOT NULL,
    trace_id      VARCHAR(64),
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    version       BIGINT NOT NULL
);

CREATE INDEX idx_sagas_trace_id ON sagas(trace_id);
CREATE INDEX idx_sagas_status_updated ON sagas(status, updated_at);
*/

// PostgresStore is a PostgreSQL-based saga store
type PostgresStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewPostgresStore creates a new PostgreSQL saga store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "sagas",
		now:   timestamp,
	}
}

// WithTable sets a custom table name
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// EnsureSchema creates the table and indexes if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			saga_id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			metadata JSONB,
			steps JSONB NOT NULL,
			compensations JSONB NOT NULL,
			trace_id VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace_id ON %[1]s(trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status_updated ON %[1]s(status, updated_at);
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type pgColumns struct {
	metadata      []byte
	steps         []byte
	compensations []byte
}

func encodeColumns(rec *Record) (*pgColumns, error) {
	var cols pgColumns
	var err error
	if rec.Metadata != nil {
		if cols.metadata, err = json.Marshal(rec.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	steps := rec.Steps
	if steps == nil {
		steps = []Step{}
	}
	if cols.steps, err = json.Marshal(steps); err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	comps := rec.Compensations
	if comps == nil {
		comps = []Compensation{}
	}
	if cols.compensations, err = json.Marshal(comps); err != nil {
		return nil, fmt.Errorf("marshal compensations: %w", err)
	}
	return &cols, nil
}

// Create inserts a new saga row
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	cols, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (saga_id, name, status, metadata, steps, compensations, trace_id, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (saga_id) DO NOTHING
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		rec.SagaID,
		rec.Name,
		rec.Status,
		cols.metadata,
		cols.steps,
		cols.compensations,
		nullString(rec.TraceID),
		rec.CreatedAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.SagaID)
	}

	rec.Version = 1
	rec.UpdatedAt = updatedAt
	return nil
}

const pgSelectColumns = `saga_id, name, status, metadata, steps, compensations, trace_id, created_at, updated_at, version`

// Get retrieves a saga by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE saga_id = $1`, pgSelectColumns, s.table)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var metadata, steps, compensations []byte
	var traceID sql.NullString

	err := row.Scan(
		&rec.SagaID,
		&rec.Name,
		&rec.Status,
		&metadata,
		&steps,
		&compensations,
		&traceID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if err := json.Unmarshal(steps, &rec.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(compensations, &rec.Compensations); err != nil {
		return nil, fmt.Errorf("unmarshal compensations: %w", err)
	}
	rec.TraceID = traceID.String
	return &rec, nil
}

// Replace updates the row if its version matches
func (s *PostgresStore) Replace(ctx context.Context, rec *Record) error {
	cols, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	updatedAt := s.now()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, metadata = $2, steps = $3, compensations = $4, trace_id = $5, updated_at = $6, version = version + 1
		WHERE saga_id = $7 AND version = $8
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		rec.Status,
		cols.metadata,
		cols.steps,
		cols.compensations,
		nullString(rec.TraceID),
		updatedAt,
		rec.SagaID,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		existsQuery := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE saga_id = $1)`, s.table)
		if err := s.db.QueryRowContext(ctx, existsQuery, rec.SagaID).Scan(&exists); err != nil {
			return fmt.Errorf("query: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, rec.SagaID)
		}
		return &VersionConflictError{SagaID: rec.SagaID, Expected: rec.Version}
	}

	rec.Version++
	rec.UpdatedAt = updatedAt
	return nil
}

// FindByTraceID returns sagas with the trace id, oldest first
func (s *PostgresStore) FindByTraceID(ctx context.Context, traceID string) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE trace_id = $1 ORDER BY created_at ASC`, pgSelectColumns, s.table)
	return s.query(ctx, query, traceID)
}

// List lists sagas matching the filter
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, pgSelectColumns, s.table)
	var args []any
	argNum := 1

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argNum)
		args = append(args, filter.Name)
		argNum++
	}

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argNum)
		args = append(args, pq.Array(statuses))
		argNum++
	}

	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND updated_at < $%d", argNum)
		args = append(args, filter.UpdatedBefore)
		argNum++
	}

	query += " ORDER BY updated_at ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	return s.query(ctx, query, args...)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
