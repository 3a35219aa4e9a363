package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/l0p7/streamcache/internal/query"
	"github.com/l0p7/streamcache/internal/remote"
	"github.com/l0p7/streamcache/internal/runtime/coordinator"
	"github.com/l0p7/streamcache/internal/runtime/syncqueue"
)

const maxWriteBody = 1 << 20

// QueryRunner answers table reads through the cache tiers.
type QueryRunner interface {
	Query(ctx context.Context, table string, opts query.Options) (json.RawMessage, error)
}

// QueryCache is the part of the in-memory cache exposed over HTTP.
type QueryCache interface {
	Clear()
	Len() int
}

// WriteQueue accepts client writes for delivery.
type WriteQueue interface {
	Submit(ctx context.Context, kind syncqueue.Kind, payload json.RawMessage) (syncqueue.Write, bool, error)
	Len(ctx context.Context) (int, error)
}

// GenerationCoordinator serves every request the API routes do not claim and
// reports the cache generation lifecycle.
type GenerationCoordinator interface {
	http.Handler
	Generation() coordinator.Generation
	Subscribe() (<-chan coordinator.Event, func())
}

// Connectivity reports whether the data API was last seen reachable.
type Connectivity interface {
	Online() bool
}

// Dependencies lists the runtime components the router dispatches to. Nil
// components leave their routes answering 503.
type Dependencies struct {
	Queries      QueryRunner
	Cache        QueryCache
	Writes       WriteQueue
	Coordinator  GenerationCoordinator
	Connectivity Connectivity
	Metrics      http.Handler
	Logger       *slog.Logger

	// CorrelationHeader is echoed back and logged when a client sends it.
	CorrelationHeader string
	// Heartbeat spaces keep-alive comments on the event stream.
	Heartbeat time.Duration
}

type router struct {
	deps   Dependencies
	logger *slog.Logger
}

// NewRouter builds the HTTP surface. Routes under /api and /coordinator are
// served locally; everything else falls through to the coordinator.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 30 * time.Second
	}
	rt := &router{deps: deps, logger: logger.With(slog.String("agent", "http_router"))}

	mux := chi.NewRouter()
	mux.Use(chimiddleware.RequestID)
	mux.Use(chimiddleware.Recoverer)
	mux.Use(rt.accessLog)

	mux.Get("/healthz", rt.health)
	mux.Head("/healthz", rt.health)
	if deps.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	mux.Route("/api", func(r chi.Router) {
		r.Get("/query/{table}", rt.query)
		r.Post("/cache/clear", rt.clearCache)
		r.Post("/writes/{kind}", rt.submitWrite)
	})
	mux.Route("/coordinator", func(r chi.Router) {
		r.Get("/generation", rt.generation)
		r.Get("/events", rt.events)
	})

	mux.NotFound(rt.passthrough)
	mux.MethodNotAllowed(rt.passthrough)
	return mux
}

func (rt *router) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		correlation := ""
		if rt.deps.CorrelationHeader != "" {
			correlation = r.Header.Get(rt.deps.CorrelationHeader)
			if correlation != "" {
				ww.Header().Set(rt.deps.CorrelationHeader, correlation)
			}
		}

		next.ServeHTTP(ww, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		}
		if correlation != "" {
			attrs = append(attrs, slog.String("correlation_id", correlation))
		}
		rt.logger.LogAttrs(r.Context(), slog.LevelDebug, "http request", attrs...)
	})
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if rt.deps.Connectivity != nil {
		body["online"] = rt.deps.Connectivity.Online()
	}
	if rt.deps.Cache != nil {
		body["cacheEntries"] = rt.deps.Cache.Len()
	}
	if rt.deps.Writes != nil {
		if depth, err := rt.deps.Writes.Len(r.Context()); err == nil {
			body["pendingWrites"] = depth
		}
	}
	if rt.deps.Coordinator != nil {
		body["generation"] = rt.deps.Coordinator.Generation().Version
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *router) query(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Queries == nil {
		writeError(w, http.StatusServiceUnavailable, "queries unavailable")
		return
	}
	table := chi.URLParam(r, "table")
	opts, err := parseQueryOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := rt.deps.Queries.Query(r.Context(), table, opts)
	if err != nil {
		var apiErr *remote.APIError
		switch {
		case errors.Is(err, context.Canceled):
			return
		case errors.As(err, &apiErr):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// parseQueryOptions reads select, orderBy, order, limit, offset, timeoutMs and
// where.<field> parameters.
func parseQueryOptions(r *http.Request) (query.Options, error) {
	values := r.URL.Query()
	opts := query.Options{
		Select:  values.Get("select"),
		OrderBy: values.Get("orderBy"),
		Order:   values.Get("order"),
	}
	var err error
	if opts.Limit, err = intParam(values.Get("limit"), "limit"); err != nil {
		return query.Options{}, err
	}
	if opts.Offset, err = intParam(values.Get("offset"), "offset"); err != nil {
		return query.Options{}, err
	}
	timeoutMs, err := intParam(values.Get("timeoutMs"), "timeoutMs")
	if err != nil {
		return query.Options{}, err
	}
	opts.Timeout = time.Duration(timeoutMs) * time.Millisecond
	for key, vals := range values {
		field, ok := strings.CutPrefix(key, "where.")
		if !ok || field == "" || len(vals) == 0 {
			continue
		}
		if opts.Where == nil {
			opts.Where = make(map[string]string)
		}
		opts.Where[field] = vals[0]
	}
	return opts, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (rt *router) clearCache(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	rt.deps.Cache.Clear()
	rt.logger.Info("query cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) submitWrite(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Writes == nil {
		writeError(w, http.StatusServiceUnavailable, "write queue unavailable")
		return
	}
	kind, err := syncqueue.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	write, delivered, err := rt.deps.Writes.Submit(r.Context(), kind, json.RawMessage(body))
	if err != nil {
		if errors.Is(err, syncqueue.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rt.logger.Error("write submission failed", slog.String("kind", string(kind)), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "write could not be stored")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"kind":           write.Kind,
		"idempotencyKey": write.IdempotencyKey,
		"delivered":      delivered,
		"queued":         !delivered,
	})
}

func (rt *router) generation(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rt.deps.Coordinator.Generation())
}

// events streams lifecycle transitions as server-sent events until the
// client disconnects or the coordinator closes.
func (rt *router) events(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel := rt.deps.Coordinator.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, "generation", rt.deps.Coordinator.Generation()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(rt.deps.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, encoded)
	return err
}

func (rt *router) passthrough(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Coordinator == nil {
		http.NotFound(w, r)
		return
	}
	rt.deps.Coordinator.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": message})
}
