package sqlitedb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "streamcache.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.Equal(t, path, db.Path())

	for _, table := range []string{"fallback_entries", "sync_writes", "cache_stores", "cache_resources"} {
		var count int
		err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s missing", table)
	}
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "streamcache.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO fallback_entries (cache_key, payload, stored_at) VALUES ('k', '[]', ?)", FormatTime(time.Now()))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var count int
	require.NoError(t, reopened.QueryRowContext(ctx, "SELECT COUNT(1) FROM fallback_entries").Scan(&count))
	require.Equal(t, 1, count)
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "streamcache.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE schema_version SET version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(ctx, path)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSchemaMismatch))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 0, 123, time.FixedZone("x", 3600))
	parsed, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	require.True(t, now.Equal(parsed))

	_, err = ParseTime("yesterday")
	require.Error(t, err)
}

func TestCloseNil(t *testing.T) {
	var db *DB
	require.NoError(t, db.Close())
}
