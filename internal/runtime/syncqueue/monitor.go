package syncqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// Prober reports whether the remote API is reachable.
type Prober func(ctx context.Context) error

// HTTPProber probes target with a HEAD request. Any response counts as
// reachable; only transport failures do not.
func HTTPProber(client *http.Client, target string) Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Body.Close()
	}
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Probe    Prober
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Monitor tracks connectivity and signals offline to online transitions.
type Monitor struct {
	probe    Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	online   atomic.Bool
	restored chan struct{}
}

// NewMonitor constructs a monitor that assumes it starts online.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Probe == nil {
		return nil, errors.New("syncqueue: connectivity probe required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Monitor{
		probe:    cfg.Probe,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With(slog.String("agent", "connectivity_monitor")),
		restored: make(chan struct{}, 1),
	}
	m.online.Store(true)
	return m, nil
}

// Online reports the last observed connectivity.
func (m *Monitor) Online() bool { return m.online.Load() }

// Restored receives a value after each offline to online transition. Signals
// coalesce while nobody is reading.
func (m *Monitor) Restored() <-chan struct{} { return m.restored }

// Check probes once and updates the connectivity state.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.probe(probeCtx)
	m.Set(err == nil)
	if err != nil {
		m.logger.Debug("connectivity probe failed", slog.Any("error", err))
	}
	return err == nil
}

// Set records connectivity observed elsewhere, such as a failed delivery.
func (m *Monitor) Set(online bool) {
	was := m.online.Swap(online)
	switch {
	case online && !was:
		m.logger.Info("connectivity restored")
		select {
		case m.restored <- struct{}{}:
		default:
		}
	case !online && was:
		m.logger.Warn("connectivity lost")
	}
}

// Run probes every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
