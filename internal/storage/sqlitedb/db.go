// Package sqlitedb opens the local SQLite database shared by the fallback
// store, the offline write queue and the resource cache generations.
package sqlitedb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes. Older databases must be
// deleted; their contents are caches and replayable writes only.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another schema version.
var ErrSchemaMismatch = errors.New("sqlitedb: schema version mismatch")

// TimeLayout is the layout used for every persisted timestamp.
const TimeLayout = time.RFC3339Nano

// DB wraps the shared handle.
type DB struct {
	*sql.DB
	path string
}

// Open creates or connects to the database at path and verifies its schema.
func Open(ctx context.Context, path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlitedb: path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitedb: ensure directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open: %w", err)
	}
	// One writer keeps WAL contention and busy errors out of the hot path.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitedb: apply pragma %q: %w", pragma, execErr)
		}
	}

	out := &DB{DB: db, path: path}
	if err := out.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return out, nil
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// Close releases the handle. It is safe to call on a nil DB.
func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func (d *DB) initSchema(ctx context.Context) error {
	var tableExists int
	err := d.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("sqlitedb: check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return d.createSchema(ctx)
	}

	var version int
	if err := d.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("sqlitedb: read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database %s has version %d, expected %d", ErrSchemaMismatch, d.path, version, schemaVersion)
	}
	return nil
}

func (d *DB) createSchema(ctx context.Context) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitedb: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlitedb: create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlitedb: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitedb: commit schema: %w", err)
	}
	return nil
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reverses FormatTime.
func ParseTime(value string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitedb: parse time %q: %w", value, err)
	}
	return t, nil
}
