package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventInstalled EventType = "installed"
	EventActivated EventType = "activated"
)

// Event is published to subscribers on every lifecycle transition.
type Event struct {
	Type     EventType `json:"type"`
	Version  string    `json:"version"`
	Previous string    `json:"previous,omitempty"`
	Removed  []string  `json:"removed,omitempty"`
	At       time.Time `json:"at"`
}

// InstallReport lists the manifest assets that were cached and skipped.
type InstallReport struct {
	Version string   `json:"version"`
	Cached  []string `json:"cached"`
	Skipped []string `json:"skipped"`
}

const subscriberBuffer = 8

// Install pre-populates the configured generation from the manifest. Each
// asset is probed with HEAD first; assets that fail the probe or the fetch
// are skipped. Only a store failure or cancellation aborts the install.
func (c *Coordinator) Install(ctx context.Context) (InstallReport, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.RLock()
	version := c.version
	manifest := append([]string(nil), c.manifest...)
	c.mu.RUnlock()
	return c.install(ctx, version, manifest)
}

func (c *Coordinator) install(ctx context.Context, version string, manifest []string) (InstallReport, error) {
	report := InstallReport{Version: version, Cached: []string{}, Skipped: []string{}}
	stores := make(map[string]ResourceCache, len(Buckets))
	for _, bucket := range Buckets {
		store, err := c.storage.Open(ctx, StoreName(bucket, version))
		if err != nil {
			return report, fmt.Errorf("coordinator: install %s: %w", version, err)
		}
		stores[bucket] = store
	}

	for _, asset := range manifest {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		req, err := assetRequest(asset)
		if err != nil {
			c.logger.Warn("skipping malformed manifest entry", slog.String("asset", asset), slog.Any("error", err))
			report.Skipped = append(report.Skipped, asset)
			continue
		}
		bucket := c.classifier.Classify(req).bucket()
		if bucket == "" {
			bucket = "static"
		}
		if !c.cacheAsset(ctx, req, stores[bucket]) {
			report.Skipped = append(report.Skipped, asset)
			continue
		}
		report.Cached = append(report.Cached, asset)
	}

	c.logger.Info("generation installed",
		slog.String("version", version),
		slog.Int("cached", len(report.Cached)),
		slog.Int("skipped", len(report.Skipped)),
	)
	c.metrics.ObserveInstall(len(report.Cached), len(report.Skipped))
	c.publish(Event{Type: EventInstalled, Version: version, At: c.now()})
	return report, nil
}

func (c *Coordinator) cacheAsset(ctx context.Context, req *http.Request, store ResourceCache) bool {
	key := req.URL.RequestURI()
	probe := req.Clone(ctx)
	probe.Method = http.MethodHead
	res, stream, err := c.network(ctx, probe, nil)
	if stream != nil {
		_ = stream.Close()
	}
	if err != nil || !successful(res.Status) {
		c.logger.Warn("manifest probe failed", slog.String("asset", key), slog.Int("status", res.Status), slog.Any("error", err))
		return false
	}
	res, stream, err = c.network(ctx, req, nil)
	if err != nil || !successful(res.Status) {
		if stream != nil {
			_ = stream.Close()
		}
		c.logger.Warn("manifest fetch failed", slog.String("asset", key), slog.Int("status", res.Status), slog.Any("error", err))
		return false
	}
	if stream != nil {
		_ = stream.Close()
		c.logger.Warn("manifest asset exceeds buffer limit, not cached", slog.String("asset", key))
		return false
	}
	if err := store.Put(ctx, key, res); err != nil {
		c.logger.Warn("manifest cache write failed", slog.String("asset", key), slog.Any("error", err))
		return false
	}
	return true
}

func assetRequest(asset string) (*http.Request, error) {
	asset = strings.TrimSpace(asset)
	if !strings.HasPrefix(asset, "/") {
		return nil, fmt.Errorf("asset %q must be an absolute path", asset)
	}
	u, err := url.ParseRequestURI(asset)
	if err != nil {
		return nil, err
	}
	return &http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"Accept": []string{"*/*"}},
	}, nil
}

// Activate makes the configured generation the only one: every store whose
// name does not end in its version is deleted. Activating the active
// generation again changes nothing and publishes nothing.
func (c *Coordinator) Activate(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.activate(ctx)
}

func (c *Coordinator) activate(ctx context.Context) error {
	c.mu.RLock()
	version, previous := c.version, c.active
	c.mu.RUnlock()

	names, err := c.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: activate %s: %w", version, err)
	}
	suffix := "-" + version
	var removed []string
	for _, name := range names {
		if strings.HasSuffix(name, suffix) {
			continue
		}
		deleted, err := c.storage.Delete(ctx, name)
		if err != nil {
			return fmt.Errorf("coordinator: activate %s: %w", version, err)
		}
		if deleted {
			removed = append(removed, name)
		}
	}

	c.mu.Lock()
	c.active = version
	c.mu.Unlock()

	if previous == version && len(removed) == 0 {
		return nil
	}
	c.logger.Info("generation activated",
		slog.String("version", version),
		slog.String("previous", previous),
		slog.Any("removed", removed),
	)
	c.metrics.ObserveActivation(version)
	c.publish(Event{Type: EventActivated, Version: version, Previous: previous, Removed: removed, At: c.now()})
	return nil
}

// Bump switches to version, installs it and activates it. Bumping to the
// active version is a no-op.
func (c *Coordinator) Bump(ctx context.Context, version string) (InstallReport, error) {
	version = strings.TrimSpace(version)
	if version == "" || strings.ContainsAny(version, " /") {
		return InstallReport{}, fmt.Errorf("coordinator: invalid version %q", version)
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.active == version {
		c.mu.Unlock()
		return InstallReport{Version: version, Cached: []string{}, Skipped: []string{}}, nil
	}
	c.version = version
	manifest := append([]string(nil), c.manifest...)
	c.mu.Unlock()

	report, err := c.install(ctx, version, manifest)
	if err != nil {
		return report, err
	}
	return report, c.activate(ctx)
}

// Subscribe registers for lifecycle events. The returned cancel function
// unregisters and closes the channel. Slow subscribers miss events rather
// than block the coordinator.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
		})
	}
}

func (c *Coordinator) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("dropping lifecycle event for slow subscriber", slog.String("type", string(ev.Type)))
		}
	}
}

// ReloadGuard is the page-side half of the lifecycle: it fires its reload
// hook once, the first time a generation other than the one the page loaded
// under is activated.
type ReloadGuard struct {
	loaded string
	reload func(Event)
	once   sync.Once
	fired  chan struct{}
}

// NewReloadGuard returns a guard for a page loaded under version loaded.
func NewReloadGuard(loaded string, reload func(Event)) *ReloadGuard {
	return &ReloadGuard{loaded: loaded, reload: reload, fired: make(chan struct{})}
}

// Observe reports whether ev triggered the reload. Later events never do.
func (g *ReloadGuard) Observe(ev Event) bool {
	if ev.Type != EventActivated || ev.Version == g.loaded {
		return false
	}
	triggered := false
	g.once.Do(func() {
		triggered = true
		close(g.fired)
		if g.reload != nil {
			g.reload(ev)
		}
	})
	return triggered
}

// Fired is closed once the reload hook has run.
func (g *ReloadGuard) Fired() <-chan struct{} { return g.fired }

// Watch feeds events into Observe until ctx ends or events closes.
func (g *ReloadGuard) Watch(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.Observe(ev)
		}
	}
}
