// Package store persists loom entities in a single-file SQLite database.
// One writer at a time serializes through a mutex around the write path;
// readers run lock-free under SQLite snapshot semantics (WAL). All multi-row
// mutations happen inside explicit transactions.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/logging"
	"loom/internal/types"
)

// Store wraps the SQLite database with typed row accessors per entity.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path and applies
// pending schema migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection keeps the in-memory database coherent and matches
	// the single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("store opened: %s (schema v%d)", path, CurrentSchemaVersion)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// withTx runs fn inside a write transaction under the writer mutex.
// Any error rolls the transaction back.
func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &types.StoreError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &types.StoreError{Op: op, Err: err}
	}
	return nil
}

// now returns the canonical UTC timestamp for row writes.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// encodeTime serializes a timestamp as RFC-3339.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// decodeTime parses an RFC-3339 column, tolerating the zero value.
func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// encodeJSON serializes a value to a TEXT column; nil becomes "".
func encodeJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeMetadata parses a metadata TEXT column.
func decodeMetadata(s string) types.Metadata {
	if s == "" {
		return nil
	}
	var m types.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
