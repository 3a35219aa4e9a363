// Package config loads the streamcache configuration from defaults, a file
// and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalEnvKeys restores camelCase segments that environment variables
// cannot express.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader":   "server.logging.correlationHeader",
	"cache.ttlseconds":                   "cache.ttlSeconds",
	"cache.fallback.tolerancemultiplier": "cache.fallback.toleranceMultiplier",
	"cache.fallback.redis.tls.cafile":    "cache.fallback.redis.tls.caFile",
	"storage.sqlitepath":                 "storage.sqlitePath",
	"remote.apikey":                      "remote.apiKey",
	"remote.timeoutms":                   "remote.timeoutMs",
	"remote.maxretries":                  "remote.maxRetries",
	"remote.backoffms":                   "remote.backoffMs",
	"remote.timeoutmultiplier":           "remote.timeoutMultiplier",
	"remote.breaker.maxrequests":         "remote.breaker.maxRequests",
	"remote.breaker.intervalseconds":     "remote.breaker.intervalSeconds",
	"remote.breaker.timeoutseconds":      "remote.breaker.timeoutSeconds",
	"remote.breaker.failurethreshold":    "remote.breaker.failureThreshold",
	"remote.breaker.minrequests":         "remote.breaker.minRequests",
	"coordinator.apiprefix":              "coordinator.apiPrefix",
	"coordinator.maxentries":             "coordinator.maxEntries",
	"coordinator.revalidatetimeoutms":    "coordinator.revalidateTimeoutMs",
	"coordinator.offlinetemplate":        "coordinator.offlineTemplate",
	"coordinator.templatesfolder":        "coordinator.templatesFolder",
	"coordinator.templatesallowenv":      "coordinator.templatesAllowEnv",
	"coordinator.templatesallowedenv":    "coordinator.templatesAllowedEnv",
	"sync.flushintervalseconds":          "sync.flushIntervalSeconds",
	"sync.probeintervalseconds":          "sync.probeIntervalSeconds",
	"sync.probetimeoutms":                "sync.probeTimeoutMs",
	"telemetry.otlpendpoint":             "telemetry.otlpEndpoint",
	"telemetry.servicename":              "telemetry.serviceName",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			if mapped, ok := canonicalEnvKeys[strings.ToLower(key)]; ok {
				return mapped
			}
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Files returns the configuration files in load order.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"cache": map[string]any{
			"ttlSeconds": cfg.Cache.TTLSeconds,
			"fallback": map[string]any{
				"backend":             cfg.Cache.Fallback.Backend,
				"toleranceMultiplier": cfg.Cache.Fallback.ToleranceMultiplier,
				"redis": map[string]any{
					"address":  cfg.Cache.Fallback.Redis.Address,
					"username": cfg.Cache.Fallback.Redis.Username,
					"password": cfg.Cache.Fallback.Redis.Password,
					"db":       cfg.Cache.Fallback.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Cache.Fallback.Redis.TLS.Enabled,
						"caFile":  cfg.Cache.Fallback.Redis.TLS.CAFile,
					},
				},
			},
		},
		"storage": map[string]any{
			"sqlitePath": cfg.Storage.SQLitePath,
		},
		"remote": map[string]any{
			"url":               cfg.Remote.URL,
			"apiKey":            cfg.Remote.APIKey,
			"schema":            cfg.Remote.Schema,
			"driver":            cfg.Remote.Driver,
			"timeoutMs":         cfg.Remote.TimeoutMs,
			"maxRetries":        cfg.Remote.MaxRetries,
			"backoffMs":         cfg.Remote.BackoffMs,
			"timeoutMultiplier": cfg.Remote.TimeoutMultiplier,
			"coalesce":          cfg.Remote.Coalesce,
			"breaker": map[string]any{
				"enabled":          cfg.Remote.Breaker.Enabled,
				"maxRequests":      cfg.Remote.Breaker.MaxRequests,
				"intervalSeconds":  cfg.Remote.Breaker.IntervalSeconds,
				"timeoutSeconds":   cfg.Remote.Breaker.TimeoutSeconds,
				"failureThreshold": cfg.Remote.Breaker.FailureThreshold,
				"minRequests":      cfg.Remote.Breaker.MinRequests,
			},
		},
		"coordinator": map[string]any{
			"version":             cfg.Coordinator.Version,
			"origin":              cfg.Coordinator.Origin,
			"apiPrefix":           cfg.Coordinator.APIPrefix,
			"manifest":            cfg.Coordinator.Manifest,
			"storage":             cfg.Coordinator.Storage,
			"maxEntries":          cfg.Coordinator.MaxEntries,
			"revalidateTimeoutMs": cfg.Coordinator.RevalidateTimeoutMs,
			"offlineTemplate":     cfg.Coordinator.OfflineTemplate,
			"templatesFolder":     cfg.Coordinator.TemplatesFolder,
			"templatesAllowEnv":   cfg.Coordinator.TemplatesAllowEnv,
			"templatesAllowedEnv": cfg.Coordinator.TemplatesAllowedEnv,
		},
		"sync": map[string]any{
			"storage":              cfg.Sync.Storage,
			"flushIntervalSeconds": cfg.Sync.FlushIntervalSeconds,
			"probeIntervalSeconds": cfg.Sync.ProbeIntervalSeconds,
			"probeTimeoutMs":       cfg.Sync.ProbeTimeoutMs,
			"tables": map[string]any{
				"views":     cfg.Sync.Tables.Views,
				"analytics": cfg.Sync.Tables.Analytics,
				"follows":   cfg.Sync.Tables.Follows,
			},
		},
		"telemetry": map[string]any{
			"otlpEndpoint": cfg.Telemetry.OTLPEndpoint,
			"serviceName":  cfg.Telemetry.ServiceName,
		},
	}
}
