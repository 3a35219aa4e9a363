package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/remote"
)

// DefaultFlushInterval is the periodic flush trigger.
const DefaultFlushInterval = 5 * time.Minute

// Connectivity reports whether the remote API is believed reachable.
type Connectivity interface {
	Online() bool
}

// Config wires a Queue.
type Config struct {
	Store     Store
	Deliverer Deliverer
	// Connectivity is consulted by Submit; nil means always online.
	Connectivity Connectivity
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	Now          func() time.Time
	NewKey       func() string
}

// FlushReport summarizes one flush.
type FlushReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Queue is the durable FIFO of writes awaiting delivery.
type Queue struct {
	store        Store
	deliverer    Deliverer
	connectivity Connectivity
	logger       *slog.Logger
	metrics      *metrics.Recorder
	now          func() time.Time
	newKey       func() string

	flushMu sync.Mutex
}

// New validates cfg, resets writes a previous process left in flight and
// returns the queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncqueue: store required")
	}
	if cfg.Deliverer == nil {
		return nil, errors.New("syncqueue: deliverer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newKey := cfg.NewKey
	if newKey == nil {
		newKey = func() string { return uuid.NewString() }
	}
	q := &Queue{
		store:        cfg.Store,
		deliverer:    cfg.Deliverer,
		connectivity: cfg.Connectivity,
		logger:       logger.With(slog.String("agent", "offline_sync_queue")),
		metrics:      cfg.Metrics,
		now:          now,
		newKey:       newKey,
	}
	reset, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return nil, err
	}
	if reset > 0 {
		q.logger.Warn("returned interrupted writes to pending", slog.Int("count", reset))
	}
	q.publishDepth(ctx)
	return q, nil
}

// Enqueue validates and appends a write for later delivery.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload json.RawMessage) (Write, error) {
	w, err := q.build(kind, payload)
	if err != nil {
		return Write{}, err
	}
	return q.append(ctx, w)
}

// Submit delivers immediately when online. Offline, or when delivery fails,
// the write is queued instead. Errors only report invalid input or a store
// failure.
func (q *Queue) Submit(ctx context.Context, kind Kind, payload json.RawMessage) (Write, bool, error) {
	w, err := q.build(kind, payload)
	if err != nil {
		return Write{}, false, err
	}
	if q.connectivity == nil || q.connectivity.Online() {
		err := q.deliverer.Deliver(ctx, w)
		if err == nil {
			q.metrics.ObserveSyncItem(string(w.Kind), true)
			return w, true, nil
		}
		q.metrics.ObserveSyncItem(string(w.Kind), false)
		q.logger.Info("immediate delivery failed, queueing write",
			slog.String("kind", string(w.Kind)),
			slog.Any("error", err),
		)
		if setter, ok := q.connectivity.(interface{ Set(bool) }); ok && remote.IsTransient(err) {
			setter.Set(false)
		}
	}
	queued, err := q.append(ctx, w)
	return queued, false, err
}

func (q *Queue) build(kind Kind, payload json.RawMessage) (Write, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Write{}, err
	}
	now := q.now()
	stamped, err := stampPayload(payload, now)
	if err != nil {
		return Write{}, err
	}
	return Write{
		Kind:           kind,
		Payload:        stamped,
		Status:         StatusPending,
		IdempotencyKey: q.newKey(),
		CreatedAt:      now,
	}, nil
}

func (q *Queue) append(ctx context.Context, w Write) (Write, error) {
	stored, err := q.store.Append(ctx, w)
	if err != nil {
		return Write{}, err
	}
	q.logger.Debug("write queued",
		slog.Int64("id", stored.ID),
		slog.String("kind", string(stored.Kind)),
	)
	q.publishDepth(ctx)
	return stored, nil
}

// Flush attempts every pending write in insertion order. A failed write
// stays queued in place and does not stop later writes. Concurrent flushes
// run one after another.
func (q *Queue) Flush(ctx context.Context) (FlushReport, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	writes, err := q.store.List(ctx)
	if err != nil {
		return FlushReport{}, err
	}
	var report FlushReport
	for _, w := range writes {
		if ctx.Err() != nil {
			break
		}
		if w.Status != StatusPending {
			continue
		}
		report.Attempted++
		if q.flushOne(ctx, w) {
			report.Delivered++
		} else {
			report.Failed++
		}
	}
	remaining, err := q.store.Len(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = remaining
	q.metrics.SetSyncDepth(remaining)
	if report.Attempted > 0 {
		q.logger.Info("sync queue flushed",
			slog.Int("delivered", report.Delivered),
			slog.Int("failed", report.Failed),
			slog.Int("remaining", report.Remaining),
		)
	}
	return report, ctx.Err()
}

func (q *Queue) flushOne(ctx context.Context, w Write) bool {
	if err := q.store.SetStatus(ctx, w.ID, StatusInFlight); err != nil {
		q.logger.Warn("could not mark write in flight", slog.Int64("id", w.ID), slog.Any("error", err))
		return false
	}
	err := q.deliverer.Deliver(ctx, w)
	q.metrics.ObserveSyncItem(string(w.Kind), err == nil)
	if err == nil {
		if delErr := q.store.Delete(ctx, w.ID); delErr != nil {
			q.logger.Warn("delivered write could not be removed", slog.Int64("id", w.ID), slog.Any("error", delErr))
		}
		return true
	}
	q.logger.Info("write delivery failed",
		slog.Int64("id", w.ID),
		slog.String("kind", string(w.Kind)),
		slog.Any("error", err),
	)
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := q.store.SetStatus(resetCtx, w.ID, StatusPending); err != nil {
		q.logger.Warn("could not return write to pending", slog.Int64("id", w.ID), slog.Any("error", err))
	}
	return false
}

// Len reports the number of queued writes.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// Pending lists queued writes in insertion order.
func (q *Queue) Pending(ctx context.Context) ([]Write, error) {
	return q.store.List(ctx)
}

// Run flushes once immediately, then whenever restored fires or interval
// elapses, until ctx ends. A nil restored channel disables that trigger.
func (q *Queue) Run(ctx context.Context, restored <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.runFlush(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-restored:
			q.runFlush(ctx, "connectivity")
		case <-ticker.C:
			q.runFlush(ctx, "periodic")
		}
	}
}

func (q *Queue) runFlush(ctx context.Context, trigger string) {
	if _, err := q.Flush(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("sync queue flush failed", slog.String("trigger", trigger), slog.Any("error", err))
	}
}

func (q *Queue) publishDepth(ctx context.Context) {
	if n, err := q.store.Len(ctx); err == nil {
		q.metrics.SetSyncDepth(n)
	}
}
