package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Remote.URL = "https://project.example.co/rest/v1"
	cfg.Coordinator.Origin = "https://app.example.com"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, func() error { cfg := DefaultConfig(); return cfg.Validate() }(), "defaults lack remote and origin")

	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Listen.Port = -1 }},
		{name: "log format", mutate: func(c *Config) { c.Server.Logging.Format = "xml" }},
		{name: "ttl", mutate: func(c *Config) { c.Cache.TTLSeconds = 0 }},
		{name: "fallback backend", mutate: func(c *Config) { c.Cache.Fallback.Backend = "disk" }},
		{name: "valkey without address", mutate: func(c *Config) { c.Cache.Fallback.Backend = "valkey" }},
		{name: "tolerance", mutate: func(c *Config) { c.Cache.Fallback.ToleranceMultiplier = 0.5 }},
		{name: "remote scheme", mutate: func(c *Config) { c.Remote.URL = "ftp://example.com" }},
		{name: "driver", mutate: func(c *Config) { c.Remote.Driver = "grpc" }},
		{name: "timeout", mutate: func(c *Config) { c.Remote.TimeoutMs = 0 }},
		{name: "retries", mutate: func(c *Config) { c.Remote.MaxRetries = -1 }},
		{name: "multiplier", mutate: func(c *Config) { c.Remote.TimeoutMultiplier = 0.9 }},
		{name: "breaker threshold", mutate: func(c *Config) { c.Remote.Breaker.FailureThreshold = 2 }},
		{name: "version", mutate: func(c *Config) { c.Coordinator.Version = "v 2" }},
		{name: "origin", mutate: func(c *Config) { c.Coordinator.Origin = "" }},
		{name: "manifest", mutate: func(c *Config) { c.Coordinator.Manifest = []string{"app.js"} }},
		{name: "class rule", mutate: func(c *Config) { c.Coordinator.Classes = []ClassRuleConfig{{Class: "image"}} }},
		{name: "coordinator storage", mutate: func(c *Config) { c.Coordinator.Storage = "s3" }},
		{name: "sync storage", mutate: func(c *Config) { c.Sync.Storage = "kafka" }},
		{name: "flush interval", mutate: func(c *Config) { c.Sync.FlushIntervalSeconds = 0 }},
		{name: "sqlite path", mutate: func(c *Config) { c.Storage.SQLitePath = " " }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSQLitePathOnlyRequiredWhenUsed(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.SQLitePath = ""
	cfg.Cache.Fallback.Backend = "memory"
	cfg.Coordinator.Storage = "memory"
	cfg.Sync.Storage = "memory"
	require.NoError(t, cfg.Validate())
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, "json", cfg.Server.Logging.Format)
	require.Equal(t, 5*time.Minute, cfg.Cache.TTL())
	require.Equal(t, 15*time.Second, cfg.Remote.Timeout())
	require.Equal(t, time.Second, cfg.Remote.Backoff())
	require.Equal(t, 10*time.Second, cfg.Coordinator.RevalidateTimeout())
	require.Equal(t, 5*time.Minute, cfg.Sync.FlushInterval())
	require.Equal(t, 15*time.Second, cfg.Sync.ProbeInterval())
	require.Equal(t, 3*time.Second, cfg.Sync.ProbeTimeout())
	require.Equal(t, "streamcache", cfg.Telemetry.ServiceName)
}
