package fallback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/l0p7/streamcache/internal/storage/sqlitedb"
)

type sqliteBackend struct {
	db *sqlitedb.DB
}

// NewSQLite stores records in the shared database. The caller owns db; Close
// on the backend does not close it.
func NewSQLite(db *sqlitedb.DB) (Backend, error) {
	if db == nil {
		return nil, errors.New("fallback: sqlite database required")
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Load(ctx context.Context, key string) (Record, bool, error) {
	var (
		payload  []byte
		storedAt string
	)
	err := b.db.QueryRowContext(ctx,
		"SELECT payload, stored_at FROM fallback_entries WHERE cache_key = ?", key,
	).Scan(&payload, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("fallback: sqlite load: %w", err)
	}
	ts, err := sqlitedb.ParseTime(storedAt)
	if err != nil {
		return Record{}, false, fmt.Errorf("fallback: sqlite load: %w", err)
	}
	return Record{Payload: payload, StoredAt: ts}, true, nil
}

func (b *sqliteBackend) Save(ctx context.Context, key string, record Record) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO fallback_entries (cache_key, payload, stored_at) VALUES (?, ?, ?)
        ON CONFLICT(cache_key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		key, []byte(record.Payload), sqlitedb.FormatTime(record.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("fallback: sqlite save: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM fallback_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("fallback: sqlite count: %w", err)
	}
	return count, nil
}

func (b *sqliteBackend) Close(context.Context) error {
	return nil
}
