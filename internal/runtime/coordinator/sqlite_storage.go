package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/l0p7/streamcache/internal/storage/sqlitedb"
)

// SQLiteStorage persists stores in the cache_stores and cache_resources
// tables so generations survive restarts.
type SQLiteStorage struct {
	db  *sqlitedb.DB
	now func() time.Time
}

// NewSQLiteStorage wraps an open database.
func NewSQLiteStorage(db *sqlitedb.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db, now: time.Now}
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (ResourceCache, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_stores (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, sqlitedb.FormatTime(s.now()),
	); err != nil {
		return nil, fmt.Errorf("coordinator: open store %q: %w", name, err)
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list stores: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("coordinator: scan store: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("coordinator: delete store %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("coordinator: delete store %q: %w", name, err)
	}
	return affected > 0, nil
}

type sqliteStore struct {
	db   *sqlitedb.DB
	name string
}

func (s *sqliteStore) Match(ctx context.Context, url string) (Resource, bool, error) {
	var (
		res      Resource
		header   string
		storedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at FROM cache_resources WHERE store_name = ? AND url = ?`,
		s.name, url,
	).Scan(&res.Status, &header, &res.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, fmt.Errorf("coordinator: match %q: %w", url, err)
	}
	res.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &res.Header); err != nil {
		return Resource{}, false, fmt.Errorf("coordinator: decode headers for %q: %w", url, err)
	}
	if res.StoredAt, err = sqlitedb.ParseTime(storedAt); err != nil {
		return Resource{}, false, fmt.Errorf("coordinator: decode stored_at for %q: %w", url, err)
	}
	return res, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, url string, res Resource) error {
	header, err := json.Marshal(res.Header)
	if err != nil {
		return fmt.Errorf("coordinator: encode headers for %q: %w", url, err)
	}
	body := res.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO cache_resources (store_name, url, status, header_json, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(store_name, url) DO UPDATE SET
    status = excluded.status,
    header_json = excluded.header_json,
    body = excluded.body,
    stored_at = excluded.stored_at`,
		s.name, url, res.Status, string(header), body, sqlitedb.FormatTime(res.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("coordinator: put %q: %w", url, err)
	}
	return nil
}
