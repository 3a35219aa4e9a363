package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option of the streamcache daemon.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Cache       CacheConfig       `koanf:"cache"`
	Storage     StorageConfig     `koanf:"storage"`
	Remote      RemoteConfig      `koanf:"remote"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Sync        SyncConfig        `koanf:"sync"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig collects the listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig sizes the query cache and its persistent fallback tier.
type CacheConfig struct {
	TTLSeconds int            `koanf:"ttlSeconds"`
	Fallback   FallbackConfig `koanf:"fallback"`
}

// FallbackConfig selects where persisted query results live.
type FallbackConfig struct {
	// Backend is memory, sqlite or valkey.
	Backend             string      `koanf:"backend"`
	ToleranceMultiplier float64     `koanf:"toleranceMultiplier"`
	Redis               RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// StorageConfig locates the shared SQLite database.
type StorageConfig struct {
	SQLitePath string `koanf:"sqlitePath"`
}

// RemoteConfig points at the hosted data API.
type RemoteConfig struct {
	URL    string `koanf:"url"`
	APIKey string `koanf:"apiKey"`
	Schema string `koanf:"schema"`
	// Driver is rest (net/http) or postgrest (postgrest-go).
	Driver            string        `koanf:"driver"`
	TimeoutMs         int           `koanf:"timeoutMs"`
	MaxRetries        int           `koanf:"maxRetries"`
	BackoffMs         int           `koanf:"backoffMs"`
	TimeoutMultiplier float64       `koanf:"timeoutMultiplier"`
	Coalesce          bool          `koanf:"coalesce"`
	Breaker           BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool    `koanf:"enabled"`
	MaxRequests      int     `koanf:"maxRequests"`
	IntervalSeconds  int     `koanf:"intervalSeconds"`
	TimeoutSeconds   int     `koanf:"timeoutSeconds"`
	FailureThreshold float64 `koanf:"failureThreshold"`
	MinRequests      int     `koanf:"minRequests"`
}

// CoordinatorConfig drives the intercepting proxy and its cache generations.
type CoordinatorConfig struct {
	Version   string   `koanf:"version"`
	Origin    string   `koanf:"origin"`
	APIPrefix string   `koanf:"apiPrefix"`
	Manifest  []string `koanf:"manifest"`
	// Storage is memory or sqlite.
	Storage             string            `koanf:"storage"`
	MaxEntries          int               `koanf:"maxEntries"`
	RevalidateTimeoutMs int               `koanf:"revalidateTimeoutMs"`
	OfflineTemplate     string            `koanf:"offlineTemplate"`
	TemplatesFolder     string            `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool              `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string          `koanf:"templatesAllowedEnv"`
	Classes             []ClassRuleConfig `koanf:"classes"`
}

// ClassRuleConfig overrides the default request classification.
type ClassRuleConfig struct {
	Class      string `koanf:"class"`
	Expression string `koanf:"expression"`
}

// SyncConfig configures the offline write queue.
type SyncConfig struct {
	// Storage is memory or sqlite.
	Storage              string     `koanf:"storage"`
	FlushIntervalSeconds int        `koanf:"flushIntervalSeconds"`
	ProbeIntervalSeconds int        `koanf:"probeIntervalSeconds"`
	ProbeTimeoutMs       int        `koanf:"probeTimeoutMs"`
	Tables               SyncTables `koanf:"tables"`
}

type SyncTables struct {
	Views     string `koanf:"views"`
	Analytics string `koanf:"analytics"`
	Follows   string `koanf:"follows"`
}

// TelemetryConfig enables OTLP trace export when an endpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `koanf:"otlpEndpoint"`
	ServiceName  string `koanf:"serviceName"`
}

// TTL returns the query cache lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Timeout returns the first-attempt request deadline.
func (c RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Backoff returns the wait before the first retry.
func (c RemoteConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// RevalidateTimeout bounds background refreshes.
func (c CoordinatorConfig) RevalidateTimeout() time.Duration {
	return time.Duration(c.RevalidateTimeoutMs) * time.Millisecond
}

func (c SyncConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

func (c SyncConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c SyncConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// NeedsSQLite reports whether any component stores data in SQLite.
func (c Config) NeedsSQLite() bool {
	return c.Cache.Fallback.Backend == "sqlite" || c.Coordinator.Storage == "sqlite" || c.Sync.Storage == "sqlite"
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.listen.port %d out of range", c.Server.Listen.Port))
	}
	switch strings.ToLower(c.Server.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: server.logging.format %q unsupported", c.Server.Logging.Format))
	}

	if c.Cache.TTLSeconds <= 0 {
		errs = append(errs, errors.New("config: cache.ttlSeconds must be positive"))
	}
	c.Cache.Fallback.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Fallback.Backend))
	switch c.Cache.Fallback.Backend {
	case "memory", "sqlite":
	case "valkey", "redis":
		c.Cache.Fallback.Backend = "valkey"
		if strings.TrimSpace(c.Cache.Fallback.Redis.Address) == "" {
			errs = append(errs, errors.New("config: cache.fallback.redis.address required for valkey backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: cache.fallback.backend %q unsupported", c.Cache.Fallback.Backend))
	}
	if c.Cache.Fallback.ToleranceMultiplier < 1 {
		errs = append(errs, errors.New("config: cache.fallback.toleranceMultiplier must be at least 1"))
	}

	if err := validateHTTPURL("remote.url", c.Remote.URL); err != nil {
		errs = append(errs, err)
	}
	c.Remote.Driver = strings.ToLower(strings.TrimSpace(c.Remote.Driver))
	switch c.Remote.Driver {
	case "rest", "postgrest":
	default:
		errs = append(errs, fmt.Errorf("config: remote.driver %q unsupported", c.Remote.Driver))
	}
	if c.Remote.TimeoutMs <= 0 {
		errs = append(errs, errors.New("config: remote.timeoutMs must be positive"))
	}
	if c.Remote.MaxRetries < 0 {
		errs = append(errs, errors.New("config: remote.maxRetries cannot be negative"))
	}
	if c.Remote.TimeoutMultiplier < 1 {
		errs = append(errs, errors.New("config: remote.timeoutMultiplier must be at least 1"))
	}
	if b := c.Remote.Breaker; b.Enabled && (b.FailureThreshold <= 0 || b.FailureThreshold > 1) {
		errs = append(errs, errors.New("config: remote.breaker.failureThreshold must be in (0,1]"))
	}

	c.Coordinator.Version = strings.TrimSpace(c.Coordinator.Version)
	if c.Coordinator.Version == "" || strings.ContainsAny(c.Coordinator.Version, " /") {
		errs = append(errs, fmt.Errorf("config: coordinator.version %q invalid", c.Coordinator.Version))
	}
	if err := validateHTTPURL("coordinator.origin", c.Coordinator.Origin); err != nil {
		errs = append(errs, err)
	}
	for i, asset := range c.Coordinator.Manifest {
		if !strings.HasPrefix(asset, "/") {
			errs = append(errs, fmt.Errorf("config: coordinator.manifest[%d] %q must be an absolute path", i, asset))
		}
	}
	for i, rule := range c.Coordinator.Classes {
		if strings.TrimSpace(rule.Class) == "" || strings.TrimSpace(rule.Expression) == "" {
			errs = append(errs, fmt.Errorf("config: coordinator.classes[%d] requires class and expression", i))
		}
	}
	if err := validateStorage("coordinator.storage", c.Coordinator.Storage); err != nil {
		errs = append(errs, err)
	}

	if err := validateStorage("sync.storage", c.Sync.Storage); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.FlushIntervalSeconds <= 0 {
		errs = append(errs, errors.New("config: sync.flushIntervalSeconds must be positive"))
	}

	if c.NeedsSQLite() && strings.TrimSpace(c.Storage.SQLitePath) == "" {
		errs = append(errs, errors.New("config: storage.sqlitePath required when a sqlite backend is selected"))
	}
	return errors.Join(errs...)
}

func validateStorage(key, value string) error {
	switch value {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("config: %s %q unsupported", key, value)
	}
}

func validateHTTPURL(key, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("config: %s required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: %s %q must be an absolute http(s) URL", key, raw)
	}
	return nil
}

// DefaultConfig returns the documented defaults. remote.url and
// coordinator.origin have none and must be configured.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
			Fallback: FallbackConfig{
				Backend:             "sqlite",
				ToleranceMultiplier: 2,
			},
		},
		Storage: StorageConfig{
			SQLitePath: "./streamcache.db",
		},
		Remote: RemoteConfig{
			Schema:            "public",
			Driver:            "rest",
			TimeoutMs:         15000,
			MaxRetries:        2,
			BackoffMs:         1000,
			TimeoutMultiplier: 1.5,
			Breaker: BreakerConfig{
				Enabled:          true,
				MaxRequests:      5,
				IntervalSeconds:  60,
				TimeoutSeconds:   30,
				FailureThreshold: 0.8,
				MinRequests:      5,
			},
		},
		Coordinator: CoordinatorConfig{
			Version:             "v1",
			APIPrefix:           "/rest/",
			Manifest:            []string{"/", "/index.html", "/manifest.json"},
			Storage:             "sqlite",
			MaxEntries:          512,
			RevalidateTimeoutMs: 10000,
			TemplatesFolder:     "./templates",
		},
		Sync: SyncConfig{
			Storage:              "sqlite",
			FlushIntervalSeconds: 300,
			ProbeIntervalSeconds: 15,
			ProbeTimeoutMs:       3000,
			Tables: SyncTables{
				Views:     "video_views",
				Analytics: "analytics_events",
				Follows:   "follows",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "streamcache",
		},
	}
}
