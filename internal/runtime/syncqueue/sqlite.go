package syncqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/l0p7/streamcache/internal/storage/sqlitedb"
)

type sqliteStore struct {
	db *sqlitedb.DB
}

// NewSQLiteStore keeps the queue in the sync_writes table. The caller owns db.
func NewSQLiteStore(db *sqlitedb.DB) (Store, error) {
	if db == nil {
		return nil, errors.New("syncqueue: sqlite database required")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Append(ctx context.Context, w Write) (Write, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_writes (kind, payload, status, idempotency_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(w.Kind), []byte(w.Payload), string(w.Status), w.IdempotencyKey, sqlitedb.FormatTime(w.CreatedAt),
	)
	if err != nil {
		return Write{}, fmt.Errorf("syncqueue: sqlite append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Write{}, fmt.Errorf("syncqueue: sqlite append: %w", err)
	}
	w.ID = id
	return w, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Write, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, status, idempotency_key, created_at FROM sync_writes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: sqlite list: %w", err)
	}
	defer rows.Close()

	var writes []Write
	for rows.Next() {
		var (
			w                     Write
			kind, status, created string
			payload               []byte
		)
		if err := rows.Scan(&w.ID, &kind, &payload, &status, &w.IdempotencyKey, &created); err != nil {
			return nil, fmt.Errorf("syncqueue: sqlite scan: %w", err)
		}
		w.Kind = Kind(kind)
		w.Status = Status(status)
		w.Payload = payload
		if w.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
			return nil, fmt.Errorf("syncqueue: sqlite scan: %w", err)
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syncqueue: sqlite list: %w", err)
	}
	return writes, nil
}

func (s *sqliteStore) SetStatus(ctx context.Context, id int64, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_writes SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("syncqueue: sqlite set status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("syncqueue: write %d not found", id)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_writes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("syncqueue: sqlite delete: %w", err)
	}
	return nil
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sync_writes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("syncqueue: sqlite len: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_writes SET status = ? WHERE status = ?`, string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("syncqueue: sqlite reset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("syncqueue: sqlite reset: %w", err)
	}
	return int(n), nil
}
