package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/l0p7/streamcache/internal/storage/sqlitedb"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newStore(backend Backend, ttl time.Duration) (*Store, *clock) {
	c := &clock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	return New(Config{Backend: backend, TTL: ttl, Now: c.Now}), c
}

func TestStoreReadWithinTolerance(t *testing.T) {
	ctx := context.Background()
	store, c := newStore(NewMemory(), time.Minute)
	require.Equal(t, 2*time.Minute, store.Tolerance())

	store.Write(ctx, "content|*", json.RawMessage(`[{"id":1}]`))

	c.now = c.now.Add(2*time.Minute - time.Second)
	payload, ok := store.Read(ctx, "content|*")
	require.True(t, ok)
	require.JSONEq(t, `[{"id":1}]`, string(payload))

	c.now = c.now.Add(2 * time.Second)
	_, ok = store.Read(ctx, "content|*")
	require.False(t, ok)
}

func TestStoreRejectsThreeTTLOldRecord(t *testing.T) {
	ctx := context.Background()
	store, c := newStore(NewMemory(), time.Minute)
	store.Write(ctx, "k", json.RawMessage(`[]`))
	c.now = c.now.Add(3 * time.Minute)
	_, ok := store.Read(ctx, "k")
	require.False(t, ok)
}

func TestStoreUsesNamespacedKeys(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	store, _ := newStore(backend, time.Minute)
	store.Write(ctx, "k", json.RawMessage(`1`))

	_, ok, err := backend.Load(ctx, KeyPrefix+"k")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = backend.Load(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreMissWithoutRecord(t *testing.T) {
	store, _ := newStore(NewMemory(), time.Minute)
	_, ok := store.Read(context.Background(), "missing")
	require.False(t, ok)
}

func TestStoreCustomMultiplier(t *testing.T) {
	store := New(Config{TTL: time.Minute, ToleranceMultiplier: 3})
	require.Equal(t, 3*time.Minute, store.Tolerance())
}

type failingBackend struct{}

func (failingBackend) Load(context.Context, string) (Record, bool, error) {
	return Record{}, false, errors.New("disk on fire")
}
func (failingBackend) Save(context.Context, string, Record) error { return errors.New("quota exceeded") }
func (failingBackend) Len(context.Context) (int64, error)          { return 0, errors.New("nope") }
func (failingBackend) Close(context.Context) error                 { return nil }

func TestStoreSwallowsBackendErrors(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(failingBackend{}, time.Minute)
	require.NotPanics(t, func() {
		store.Write(ctx, "k", json.RawMessage(`1`))
	})
	_, ok := store.Read(ctx, "k")
	require.False(t, ok)
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend, err := NewSQLite(db)
	require.NoError(t, err)

	_, ok, err := backend.Load(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	stored := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, backend.Save(ctx, "k", Record{Payload: json.RawMessage(`[1]`), StoredAt: stored}))
	require.NoError(t, backend.Save(ctx, "k", Record{Payload: json.RawMessage(`[2]`), StoredAt: stored.Add(time.Minute)}))

	record, ok, err := backend.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[2]`, string(record.Payload))
	require.True(t, record.StoredAt.Equal(stored.Add(time.Minute)))

	count, err := backend.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestSQLiteBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fallback.db")

	db, err := sqlitedb.Open(ctx, path)
	require.NoError(t, err)
	backend, err := NewSQLite(db)
	require.NoError(t, err)
	store := New(Config{Backend: backend, TTL: time.Hour})
	store.Write(ctx, "k", json.RawMessage(`{"ok":true}`))
	require.NoError(t, db.Close())

	reopened, err := sqlitedb.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	backend, err = NewSQLite(reopened)
	require.NoError(t, err)
	payload, ok := New(Config{Backend: backend, TTL: time.Hour}).Read(ctx, "k")
	require.True(t, ok)
	require.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestNewSQLiteRequiresDB(t *testing.T) {
	_, err := NewSQLite(nil)
	require.Error(t, err)
}

func TestValkeyBackend(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		require.NoError(t, err)
	}
	t.Cleanup(server.Close)

	backend, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close(context.Background()) })

	ctx := context.Background()
	store, _ := newStore(backend, time.Minute)
	store.Write(ctx, "content|*", json.RawMessage(`[{"id":7}]`))
	require.NoError(t, server.Set("unrelated", "x"))

	require.True(t, server.Exists(KeyPrefix+"content|*"))
	require.Zero(t, server.TTL(KeyPrefix+"content|*"), "fallback keys must not expire server-side")

	payload, ok := store.Read(ctx, "content|*")
	require.True(t, ok)
	require.JSONEq(t, `[{"id":7}]`, string(payload))

	count, err := store.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	_, ok, err = backend.Load(ctx, KeyPrefix+"absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewValkeyRequiresAddress(t *testing.T) {
	_, err := NewValkey(ValkeyConfig{})
	require.Error(t, err)
}
