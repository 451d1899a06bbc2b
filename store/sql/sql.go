// Package sql implements saga.Store[S] on top of database/sql, using
// modernc.org/sqlite as the CGO-free driver. It is adapted from the
// teacher's eventing/store/sql.SQLEventStore: one table per Store instance,
// JSON-serialized state, and the same optimistic-concurrency shape as
// store_append.go's AppendEventsWithDB (check current version, fail with a
// Conflict error on mismatch, write otherwise) — narrowed from an
// append-only event table to a single-row-per-saga-instance table, since
// this package persists current state rather than an event log.
package sql

import (
	"context"
	databasesql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/saga"
)

// validIdentifier matches table names safe to interpolate directly into
// the SQL this package builds; TableName is never parameterized like a
// query argument, so an unchecked value would be a SQL-injection seam.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config configures the SQLite-backed store.
type Config struct {
	// DSN is a database/sql data source name, e.g. "file:sagaflow.db?_pragma=busy_timeout(5000)"
	// or "file::memory:?cache=shared". Ignored if DB is set.
	DSN string
	// DB lets callers supply an already-open handle (e.g. shared across
	// multiple saga Stores). When set, the Store does not close it.
	DB *databasesql.DB
	// TableName defaults to "saga_state".
	TableName string
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "saga_state"
	}
}

// Store is a saga.Store[S] backed by a single SQLite table. One Store
// instance is scoped to a single saga name, same convention as store/memory.
type Store[S saga.State] struct {
	db        *databasesql.DB
	ownsDB    bool
	tableName string
	logger    logging.ILogger
}

// Open builds a Store and ensures its table exists.
func Open[S saga.State](ctx context.Context, cfg Config) (*Store[S], error) {
	cfg.setDefaults()
	if !validIdentifier.MatchString(cfg.TableName) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("store/sql: invalid TableName %q", cfg.TableName))
	}

	db := cfg.DB
	ownsDB := false
	if db == nil {
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		opened, err := databasesql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("store/sql: open: %w", err)
		}
		opened.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time avoids SQLITE_BUSY storms
		db = opened
		ownsDB = true
	}

	s := &Store[S]{db: db, ownsDB: ownsDB, tableName: cfg.TableName, logger: logging.ComponentLogger("store.sql")}
	if err := s.ensureTable(ctx); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Store[S]) ensureTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		saga_id        TEXT PRIMARY KEY,
		saga_name      TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		version        INTEGER NOT NULL,
		is_completed   INTEGER NOT NULL DEFAULT 0,
		updated_at     TEXT NOT NULL,
		payload        TEXT NOT NULL
	)`, s.tableName)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("store/sql: create table: %w", err)
	}
	idx := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_correlation_live ON %s (saga_name, correlation_id) WHERE is_completed = 0`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("store/sql: create correlation index: %w", err)
	}
	return nil
}

// Close releases the underlying *sql.DB if this Store opened it itself.
func (s *Store[S]) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store[S]) Insert(ctx context.Context, sagaName, correlationID string, state S) error {
	meta := state.SagaMetadata()
	payload, err := json.Marshal(state)
	if err != nil {
		return saga.NewStoreError(sagaName, fmt.Errorf("marshal state: %w", err))
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (saga_id, saga_name, correlation_id, version, is_completed, updated_at, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.tableName)
	_, err = s.db.ExecContext(ctx, stmt, meta.SagaID, sagaName, correlationID, meta.Version, boolToInt(meta.IsCompleted), meta.UpdatedAt.Format(time.RFC3339Nano), string(payload))
	if err != nil {
		if isUniqueViolation(err) {
			return saga.NewDuplicateKeyError(sagaName, meta.SagaID, correlationID)
		}
		return saga.NewStoreError(sagaName, err)
	}
	return nil
}

func (s *Store[S]) GetByID(ctx context.Context, sagaName, sagaID string) (S, error) {
	var zero S
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE saga_id = ? AND saga_name = ?`, s.tableName)
	row := s.db.QueryRowContext(ctx, query, sagaID, sagaName)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, databasesql.ErrNoRows) {
			return zero, saga.NewNotFoundError(sagaName, sagaID, "")
		}
		return zero, saga.NewStoreError(sagaName, err)
	}
	return unmarshalState[S](sagaName, payload)
}

func (s *Store[S]) GetByCorrelationID(ctx context.Context, sagaName, correlationID string) (S, error) {
	var zero S
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE saga_name = ? AND correlation_id = ? AND is_completed = 0`, s.tableName)
	row := s.db.QueryRowContext(ctx, query, sagaName, correlationID)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, databasesql.ErrNoRows) {
			return zero, saga.NewNotFoundError(sagaName, "", correlationID)
		}
		return zero, saga.NewStoreError(sagaName, err)
	}
	return unmarshalState[S](sagaName, payload)
}

// Update applies the teacher's AppendEventsWithDB CAS shape: check the
// stored version inside the write, fail with a Conflict error on mismatch,
// write only when it matches.
func (s *Store[S]) Update(ctx context.Context, sagaName string, expectedVersion int, state S) error {
	meta := state.SagaMetadata()
	payload, err := json.Marshal(state)
	if err != nil {
		return saga.NewStoreError(sagaName, fmt.Errorf("marshal state: %w", err))
	}

	stmt := fmt.Sprintf(`UPDATE %s SET version = ?, is_completed = ?, updated_at = ?, payload = ? WHERE saga_id = ? AND version = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, stmt, meta.Version, boolToInt(meta.IsCompleted), meta.UpdatedAt.Format(time.RFC3339Nano), string(payload), meta.SagaID, expectedVersion)
	if err != nil {
		return saga.NewStoreError(sagaName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.NewStoreError(sagaName, err)
	}
	if affected == 0 {
		actual, getErr := s.currentVersion(ctx, meta.SagaID)
		if getErr != nil {
			return saga.NewNotFoundError(sagaName, meta.SagaID, "")
		}
		return saga.NewConflictError(sagaName, meta.SagaID, expectedVersion, &actual)
	}
	return nil
}

func (s *Store[S]) currentVersion(ctx context.Context, sagaID string) (int, error) {
	query := fmt.Sprintf(`SELECT version FROM %s WHERE saga_id = ?`, s.tableName)
	row := s.db.QueryRowContext(ctx, query, sagaID)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store[S]) Delete(ctx context.Context, sagaName, sagaID string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE saga_id = ? AND saga_name = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, stmt, sagaID, sagaName)
	if err != nil {
		return saga.NewStoreError(sagaName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.NewStoreError(sagaName, err)
	}
	if affected == 0 {
		return saga.NewNotFoundError(sagaName, sagaID, "")
	}
	return nil
}

func unmarshalState[S saga.State](sagaName, payload string) (S, error) {
	var state S
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		var zero S
		return zero, saga.NewStoreError(sagaName, fmt.Errorf("unmarshal state: %w", err))
	}
	return state, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation mirrors the teacher's dialect.IsUniqueViolation keyword
// match for SQLite's constraint error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
