// Package coordinator sits between clients and the origin, answering each
// request from the network or from a versioned generation of cache stores
// according to the request's resource class.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/templates"
)

const (
	HeaderGeneration  = "X-Streamcache-Generation"
	HeaderSource      = "X-Streamcache-Source"
	HeaderPlaceholder = "X-Streamcache-Placeholder"

	// StorePrefix starts every store name a coordinator creates.
	StorePrefix = "streamcache"

	DefaultAPIPrefix         = "/rest/"
	DefaultRevalidateTimeout = 10 * time.Second

	// DefaultMaxBodyBytes is the largest origin body buffered and cached.
	// Larger bodies are streamed to the client and never stored.
	DefaultMaxBodyBytes int64 = 32 << 20
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPDoer issues origin requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// StoreName returns the store name of bucket in generation version.
func StoreName(bucket, version string) string {
	return fmt.Sprintf("%s-%s-%s", StorePrefix, bucket, version)
}

// Generation describes the cache generation currently serving requests.
type Generation struct {
	Version  string   `json:"version"`
	Manifest []string `json:"manifest"`
	Active   bool     `json:"active"`
}

// Response is what a client receives for one request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Stream carries an origin body too large to buffer. Body is empty when
	// it is set and whoever consumes the Response must close it.
	Stream io.ReadCloser
	Class  Class
	Source metrics.ResponseSource
}

// Config wires a Coordinator.
type Config struct {
	Version  string
	Origin   string
	Manifest []string
	Storage  Storage

	// Rules replaces DefaultRules(APIPrefix) when non-empty.
	Rules     []ClassRule
	APIPrefix string

	Client            HTTPDoer
	RevalidateTimeout time.Duration
	MaxBodyBytes      int64

	Renderer            *templates.Renderer
	OfflineTemplate     string
	OfflineTemplateFile string

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Coordinator applies per-class caching strategies and manages cache
// generations.
type Coordinator struct {
	origin            *url.URL
	client            HTTPDoer
	storage           Storage
	classifier        *Classifier
	offline           *templates.Template
	revalidateTimeout time.Duration
	maxBodyBytes      int64

	logger  *slog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.RWMutex
	version  string
	active   string
	manifest []string

	// lifecycle serializes Install, Activate and Bump.
	lifecycle sync.Mutex

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
	closed bool

	background sync.WaitGroup
}

// New validates cfg and constructs a Coordinator. The generation is not
// installed or activated until Install and Activate run.
func New(cfg Config) (*Coordinator, error) {
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		return nil, errors.New("coordinator: version required")
	}
	if strings.ContainsAny(version, " /") {
		return nil, fmt.Errorf("coordinator: invalid version %q", version)
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Origin))
	if err != nil {
		return nil, fmt.Errorf("coordinator: parse origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("coordinator: origin %q must be http or https", cfg.Origin)
	}
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage(DefaultMaxEntries)
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		prefix := cfg.APIPrefix
		if prefix == "" {
			prefix = DefaultAPIPrefix
		}
		rules = DefaultRules(prefix)
	}
	classifier, err := NewClassifier(rules)
	if err != nil {
		return nil, err
	}
	offline, err := compileOfflineTemplate(cfg.Renderer, cfg.OfflineTemplate, cfg.OfflineTemplateFile)
	if err != nil {
		return nil, fmt.Errorf("coordinator: offline template: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	revalidate := cfg.RevalidateTimeout
	if revalidate <= 0 {
		revalidate = DefaultRevalidateTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/l0p7/streamcache/internal/runtime/coordinator")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		origin:            origin,
		client:            client,
		storage:           storage,
		classifier:        classifier,
		offline:           offline,
		revalidateTimeout: revalidate,
		maxBodyBytes:      maxBody,
		logger:            logger.With(slog.String("agent", "cache_coordinator")),
		metrics:           cfg.Metrics,
		tracer:            tracer,
		now:               now,
		version:           version,
		manifest:          append([]string(nil), cfg.Manifest...),
		subs:              make(map[chan Event]struct{}),
	}, nil
}

// Generation reports the generation serving requests. Before the first
// activation that is the configured, not yet active, version.
func (c *Coordinator) Generation() Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gen := Generation{Version: c.version, Manifest: append([]string(nil), c.manifest...)}
	if c.active != "" {
		gen.Version = c.active
		gen.Active = true
	}
	return gen
}

func (c *Coordinator) servingVersion() string {
	return c.Generation().Version
}

// Fetch answers r using the strategy of its class. It never fails: when
// neither the network nor the caches can help, a synthesized response is
// returned.
func (c *Coordinator) Fetch(ctx context.Context, r *http.Request) *Response {
	class := c.classifier.Classify(r)
	key := r.URL.RequestURI()

	ctx, span := c.tracer.Start(ctx, "coordinator.fetch", trace.WithAttributes(
		attribute.String("streamcache.class", string(class)),
		attribute.String("http.method", r.Method),
		attribute.String("url.path", r.URL.Path),
	))
	defer span.End()

	var resp *Response
	switch class {
	case ClassStatic, ClassImage:
		resp = c.cacheFirst(ctx, r, class, key)
	case ClassDocument, ClassAPI:
		resp = c.networkFirst(ctx, r, class, key)
	default:
		resp = c.networkOnly(ctx, r)
	}
	resp.Class = class
	span.SetAttributes(
		attribute.String("streamcache.source", string(resp.Source)),
		attribute.Int("http.status_code", resp.Status),
	)
	c.metrics.ObserveCoordinator(string(class), resp.Source)
	return resp
}

// ServeHTTP proxies r to the origin through Fetch.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := c.Fetch(r.Context(), r)
	if resp.Stream != nil {
		defer resp.Stream.Close()
	}
	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(HeaderGeneration, c.servingVersion())
	header.Set(HeaderSource, string(resp.Source))
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}
	if resp.Stream != nil {
		if _, err := io.Copy(w, resp.Stream); err != nil {
			c.logger.Debug("client stream failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		return
	}
	if len(resp.Body) == 0 {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		c.logger.Debug("client write failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

// Close waits for background revalidations and closes subscriber channels.
func (c *Coordinator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if !c.closed {
		c.closed = true
		for ch := range c.subs {
			close(ch)
		}
		c.subs = nil
	}
	return err
}

func (c *Coordinator) store(ctx context.Context, class Class) (ResourceCache, error) {
	bucket := class.bucket()
	if bucket == "" {
		return nil, fmt.Errorf("coordinator: class %s is not cached", class)
	}
	return c.storage.Open(ctx, StoreName(bucket, c.servingVersion()))
}

func (c *Coordinator) cacheFirst(ctx context.Context, r *http.Request, class Class, key string) *Response {
	store, err := c.store(ctx, class)
	if err != nil {
		c.logger.Warn("cache store unavailable", slog.String("class", string(class)), slog.Any("error", err))
	} else if res, ok, err := store.Match(ctx, key); err != nil {
		c.logger.Warn("cache lookup failed", slog.String("url", key), slog.Any("error", err))
	} else if ok {
		c.revalidate(ctx, r, store, key)
		return fromResource(res, metrics.SourceCache)
	}

	res, stream, err := c.network(ctx, r, nil)
	if err == nil {
		return c.answer(ctx, store, key, res, stream)
	}
	c.logger.Warn("network and cache both missed",
		slog.String("class", string(class)),
		slog.String("url", key),
		slog.Any("error", err),
	)
	if class == ClassImage {
		resp := placeholder()
		resp.Source = metrics.SourcePlaceholder
		return resp
	}
	resp := unavailable()
	resp.Source = metrics.SourceUnavailable
	return resp
}

func (c *Coordinator) networkFirst(ctx context.Context, r *http.Request, class Class, key string) *Response {
	store, storeErr := c.store(ctx, class)
	if storeErr != nil {
		c.logger.Warn("cache store unavailable", slog.String("class", string(class)), slog.Any("error", storeErr))
	}

	res, stream, err := c.network(ctx, r, nil)
	if err == nil {
		return c.answer(ctx, store, key, res, stream)
	}

	if store != nil {
		cached, ok, matchErr := store.Match(ctx, key)
		if matchErr != nil {
			c.logger.Warn("cache lookup failed", slog.String("url", key), slog.Any("error", matchErr))
		}
		if ok {
			c.logger.Info("network failed, serving cached copy",
				slog.String("class", string(class)),
				slog.String("url", key),
				slog.Any("error", err),
			)
			return fromResource(cached, metrics.SourceCache)
		}
	}

	c.logger.Warn("network failed with no cached copy",
		slog.String("class", string(class)),
		slog.String("url", key),
		slog.Any("error", err),
	)
	var resp *Response
	if class == ClassDocument {
		resp = c.offlineDocument(key)
		resp.Source = metrics.SourceOffline
	} else {
		resp = c.apiUnavailable(key)
		resp.Source = metrics.SourceUnavailable
	}
	return resp
}

func (c *Coordinator) networkOnly(ctx context.Context, r *http.Request) *Response {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	res, stream, err := c.network(ctx, r, body)
	if err != nil {
		c.logger.Warn("network-only request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		resp := unavailable()
		resp.Source = metrics.SourceUnavailable
		return resp
	}
	return c.answer(ctx, nil, "", res, stream)
}

// answer turns an origin response into a client Response, storing it when
// store is set, the status is 2xx and the body was buffered whole.
func (c *Coordinator) answer(ctx context.Context, store ResourceCache, key string, res Resource, stream io.ReadCloser) *Response {
	if stream != nil {
		if store != nil {
			c.logger.Debug("origin body exceeds buffer limit, streaming uncached", slog.String("url", key))
		}
		resp := fromResource(res, metrics.SourceNetwork)
		resp.Stream = stream
		return resp
	}
	if store != nil && successful(res.Status) {
		c.put(ctx, store, key, res)
	}
	return fromResource(res, metrics.SourceNetwork)
}

// revalidate refreshes key in the background after a cache hit.
func (c *Coordinator) revalidate(ctx context.Context, r *http.Request, store ResourceCache, key string) {
	bg := r.Clone(context.WithoutCancel(ctx))
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		revalidateCtx, cancel := context.WithTimeout(bg.Context(), c.revalidateTimeout)
		defer cancel()
		res, stream, err := c.network(revalidateCtx, bg, nil)
		if err != nil {
			c.logger.Debug("background revalidation failed", slog.String("url", key), slog.Any("error", err))
			return
		}
		if stream != nil {
			_ = stream.Close()
			c.logger.Debug("background revalidation skipped, body exceeds buffer limit", slog.String("url", key))
			return
		}
		if !successful(res.Status) {
			c.logger.Debug("background revalidation skipped", slog.String("url", key), slog.Int("status", res.Status))
			return
		}
		c.put(revalidateCtx, store, key, res)
	}()
}

func (c *Coordinator) put(ctx context.Context, store ResourceCache, key string, res Resource) {
	if !storable(res.Header) {
		c.logger.Debug("response marked no-store, not cached", slog.String("url", key))
		return
	}
	if err := store.Put(ctx, key, res); err != nil {
		c.logger.Warn("cache write failed", slog.String("url", key), slog.Any("error", err))
	}
}

// network forwards r to the origin. Only transport failures are errors; any
// origin status is a valid answer. Bodies up to maxBodyBytes come back in
// Resource.Body. A larger body is returned as a stream, with Content-Length
// kept, which the caller must close.
func (c *Coordinator) network(ctx context.Context, r *http.Request, body io.Reader) (Resource, io.ReadCloser, error) {
	target := *c.origin
	target.Path = strings.TrimSuffix(c.origin.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return Resource{}, nil, fmt.Errorf("coordinator: build origin request: %w", err)
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	stripHop(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return Resource{}, nil, fmt.Errorf("coordinator: origin %s %s: %w", r.Method, r.URL.Path, err)
	}
	header := resp.Header.Clone()
	stripHop(header)
	res := Resource{Status: resp.StatusCode, Header: header, StoredAt: c.now()}

	if resp.ContentLength > c.maxBodyBytes {
		return res, resp.Body, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return Resource{}, nil, fmt.Errorf("coordinator: read origin body: %w", err)
	}
	if int64(len(data)) > c.maxBodyBytes {
		return res, multiReadCloser{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), Closer: resp.Body}, nil
	}
	_ = resp.Body.Close()
	header.Del("Content-Length")
	res.Body = data
	return res, nil, nil
}

// multiReadCloser replays a buffered prefix ahead of the unread origin body.
type multiReadCloser struct {
	io.Reader
	io.Closer
}

func stripHop(header http.Header) {
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

func successful(status int) bool {
	return status >= 200 && status < 300
}

func fromResource(res Resource, source metrics.ResponseSource) *Response {
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{Status: res.Status, Header: header, Body: res.Body, Source: source}
}
