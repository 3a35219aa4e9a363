// Package executor is the only path by which fresh query data enters the
// cache tiers.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/query"
	"github.com/l0p7/streamcache/internal/remote"
	"github.com/l0p7/streamcache/internal/runtime/fallback"
	"github.com/l0p7/streamcache/internal/runtime/querycache"
)

const (
	DefaultMaxRetries        = 2
	DefaultBackoff           = time.Second
	DefaultTimeoutMultiplier = 1.5

	persistTimeout = 5 * time.Second
	fallbackBudget = 2 * time.Second
)

// Config wires an Executor.
type Config struct {
	Remote   remote.Reader
	Cache    *querycache.Cache
	Fallback *fallback.Store

	MaxRetries        int
	Backoff           time.Duration
	TimeoutMultiplier float64
	// Coalesce shares one in-flight fetch between concurrent misses on the
	// same key.
	Coalesce bool

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
	// Sleep overrides the backoff wait, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor answers queries from the cache, the network or the fallback store.
type Executor struct {
	remote            remote.Reader
	cache             *querycache.Cache
	fallback          *fallback.Store
	maxRetries        int
	backoff           time.Duration
	timeoutMultiplier float64
	coalesce          bool

	logger  *slog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error

	group    singleflight.Group
	inflight sync.WaitGroup
}

// ExhaustedError is returned once the network and the fallback store have
// both failed. It unwraps to the last network error.
type ExhaustedError struct {
	Table    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("executor: query %s exhausted after %d attempt(s): %v", e.Table, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// New validates cfg and constructs an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Remote == nil {
		return nil, errors.New("executor: remote reader required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("executor: query cache required")
	}
	store := cfg.Fallback
	if store == nil {
		store = fallback.New(fallback.Config{TTL: cfg.Cache.TTL(), Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	base := cfg.Backoff
	if base <= 0 {
		base = DefaultBackoff
	}
	multiplier := cfg.TimeoutMultiplier
	if multiplier < 1 {
		multiplier = DefaultTimeoutMultiplier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/l0p7/streamcache/internal/runtime/executor")
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Executor{
		remote:            cfg.Remote,
		cache:             cfg.Cache,
		fallback:          store,
		maxRetries:        maxRetries,
		backoff:           base,
		timeoutMultiplier: multiplier,
		coalesce:          cfg.Coalesce,
		logger:            logger.With(slog.String("agent", "request_executor")),
		metrics:           cfg.Metrics,
		tracer:            tracer,
		sleep:             sleep,
	}, nil
}

// Query returns rows for table. A fresh cache entry short-circuits the
// network. Transient failures are retried with a broadened filter set and a
// longer deadline; when every attempt fails the persisted fallback is served
// if it is recent enough. An error is returned only when both are exhausted.
func (e *Executor) Query(ctx context.Context, table string, opts query.Options) (json.RawMessage, error) {
	start := time.Now()
	opts = opts.Normalize()
	key := query.Key(table, opts)

	ctx, span := e.tracer.Start(ctx, "executor.query", trace.WithAttributes(
		attribute.String("streamcache.table", table),
		attribute.String("streamcache.cache_key", key),
	))
	defer span.End()

	if payload, ok := e.cache.Get(key); ok {
		span.SetAttributes(attribute.String("streamcache.outcome", string(metrics.QueryHit)))
		e.metrics.ObserveQuery(table, metrics.QueryHit, time.Since(start))
		return payload, nil
	}

	var (
		res fetchResult
		err error
	)
	if e.coalesce {
		res, err = e.shared(ctx, table, key, opts)
	} else {
		res, err = e.fetch(ctx, table, key, opts)
	}

	span.SetAttributes(attribute.String("streamcache.outcome", string(res.outcome)))
	e.metrics.ObserveQuery(table, res.outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query exhausted")
		return nil, err
	}
	return res.payload, nil
}

// shared joins the in-flight fetch for key or starts one. The fetch is
// detached from any single caller so one caller going away does not fail the
// others; each caller still stops waiting when its own ctx ends.
func (e *Executor) shared(ctx context.Context, table, key string, opts query.Options) (fetchResult, error) {
	e.inflight.Add(1)
	ch := e.group.DoChan(key, func() (interface{}, error) {
		return e.fetch(context.WithoutCancel(ctx), table, key, opts)
	})
	result := make(chan singleflight.Result, 1)
	go func() {
		defer e.inflight.Done()
		result <- <-ch
	}()

	select {
	case r := <-result:
		res, _ := r.Val.(fetchResult)
		return res, r.Err
	case <-ctx.Done():
		return fetchResult{outcome: metrics.QueryError}, ctx.Err()
	}
}

// Wait blocks until background fallback writes and shared fetches finish or
// ctx ends.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains background writes.
func (e *Executor) Close(ctx context.Context) error {
	return e.Wait(ctx)
}

type fetchResult struct {
	payload json.RawMessage
	outcome metrics.QueryOutcome
}

func (e *Executor) fetch(ctx context.Context, table, key string, opts query.Options) (fetchResult, error) {
	ticket := e.cache.Begin(key)
	delays := &backoff.ExponentialBackOff{
		InitialInterval:     e.backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	delays.Reset()

	current := opts
	attempts := 0
	var lastErr error
	for {
		attempts++
		payload, err := e.attempt(ctx, table, current, attempts)
		if err == nil {
			// A superseded completion is returned to its caller but stored
			// in neither tier.
			if e.cache.Commit(ticket, payload) {
				e.persist(ctx, key, payload)
			} else {
				e.logger.Debug("discarding superseded completion", slog.String("table", table), slog.String("cache_key", key))
			}
			return fetchResult{payload: payload, outcome: metrics.QueryNetwork}, nil
		}
		lastErr = err

		if !remote.IsTransient(err) || attempts > e.maxRetries || ctx.Err() != nil {
			break
		}
		simplified, ok := current.Simplify()
		if !ok {
			e.logger.Debug("no predicates left after simplification, not retrying",
				slog.String("table", table),
				slog.Int("attempt", attempts),
			)
			break
		}
		wait := delays.NextBackOff()
		e.logger.Info("retrying query with simplified filters",
			slog.String("table", table),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			break
		}
		simplified.Timeout = time.Duration(float64(current.Timeout) * e.timeoutMultiplier)
		current = simplified
	}

	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackBudget)
	defer cancel()
	if payload, ok := e.fallback.Read(readCtx, key); ok {
		e.logger.Warn("serving persisted fallback",
			slog.String("table", table),
			slog.Int("attempts", attempts),
			slog.Any("error", lastErr),
		)
		return fetchResult{payload: payload, outcome: metrics.QueryFallback}, nil
	}
	e.logger.Error("query exhausted",
		slog.String("table", table),
		slog.Int("attempts", attempts),
		slog.Any("error", lastErr),
	)
	return fetchResult{outcome: metrics.QueryError}, &ExhaustedError{Table: table, Attempts: attempts, Err: lastErr}
}

func (e *Executor) attempt(ctx context.Context, table string, opts query.Options, n int) (json.RawMessage, error) {
	ctx, span := e.tracer.Start(ctx, "executor.attempt", trace.WithAttributes(
		attribute.Int("streamcache.attempt", n),
		attribute.Int64("streamcache.timeout_ms", opts.Timeout.Milliseconds()),
		attribute.Int("streamcache.predicates", len(opts.Where)),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	payload, err := e.remote.Select(attemptCtx, table, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		if remote.IsTransient(err) {
			e.metrics.ObserveAttempt(table, metrics.AttemptTransient)
		} else {
			e.metrics.ObserveAttempt(table, metrics.AttemptRejected)
		}
		return nil, err
	}
	e.metrics.ObserveAttempt(table, metrics.AttemptSuccess)
	return payload, nil
}

// persist mirrors payload into the fallback store without holding up the
// caller.
func (e *Executor) persist(ctx context.Context, key string, payload json.RawMessage) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		e.fallback.Write(writeCtx, key, payload)
	}()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
