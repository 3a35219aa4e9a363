package fallback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/l0p7/streamcache/internal/metrics"
)

// KeyPrefix namespaces every persisted query result.
const KeyPrefix = "streamcache:fallback:"

// DefaultToleranceMultiplier scales the query TTL into the staleness tolerance.
const DefaultToleranceMultiplier = 2

// Config wires a Store.
type Config struct {
	Backend Backend
	// TTL is the query cache TTL; records are served while younger than
	// TTL times ToleranceMultiplier.
	TTL                 time.Duration
	ToleranceMultiplier float64
	Logger              *slog.Logger
	Metrics             *metrics.Recorder
	Now                 func() time.Time
}

// Store is the durable mirror of query results consulted only once live
// fetches are exhausted. It never returns errors: failures are logged and
// reported as misses.
type Store struct {
	backend   Backend
	tolerance time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

// New constructs a Store. A nil backend yields an in-memory one.
func New(cfg Config) *Store {
	backend := cfg.Backend
	if backend == nil {
		backend = NewMemory()
	}
	multiplier := cfg.ToleranceMultiplier
	if multiplier <= 0 {
		multiplier = DefaultToleranceMultiplier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:   backend,
		tolerance: time.Duration(float64(cfg.TTL) * multiplier),
		logger:    logger.With(slog.String("agent", "fallback_store")),
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Tolerance reports the maximum age of a servable record.
func (s *Store) Tolerance() time.Duration { return s.tolerance }

// Write persists payload under key, best effort.
func (s *Store) Write(ctx context.Context, key string, payload json.RawMessage) {
	record := Record{Payload: payload, StoredAt: s.now().UTC()}
	if err := s.backend.Save(ctx, KeyPrefix+key, record); err != nil {
		s.logger.Warn("fallback write failed", slog.String("cache_key", key), slog.Any("error", err))
		s.metrics.ObserveFallback(metrics.FallbackWrite, metrics.FallbackError)
		return
	}
	s.metrics.ObserveFallback(metrics.FallbackWrite, metrics.FallbackStored)
}

// Read returns the persisted payload for key when it is within tolerance.
func (s *Store) Read(ctx context.Context, key string) (json.RawMessage, bool) {
	record, ok, err := s.backend.Load(ctx, KeyPrefix+key)
	if err != nil {
		s.logger.Warn("fallback read failed", slog.String("cache_key", key), slog.Any("error", err))
		s.metrics.ObserveFallback(metrics.FallbackRead, metrics.FallbackError)
		return nil, false
	}
	if !ok {
		s.metrics.ObserveFallback(metrics.FallbackRead, metrics.FallbackMiss)
		return nil, false
	}
	age := s.now().Sub(record.StoredAt)
	if age >= s.tolerance {
		s.logger.Debug("fallback record too stale",
			slog.String("cache_key", key),
			slog.Duration("age", age),
			slog.Duration("tolerance", s.tolerance),
		)
		s.metrics.ObserveFallback(metrics.FallbackRead, metrics.FallbackStale)
		return nil, false
	}
	s.metrics.ObserveFallback(metrics.FallbackRead, metrics.FallbackHit)
	return record.Payload, true
}

// Len counts persisted records.
func (s *Store) Len(ctx context.Context) (int64, error) {
	return s.backend.Len(ctx)
}

// Close releases the backend.
func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}
