package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfigs(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	examples := []struct {
		name     string
		path     string
		validate func(t *testing.T, cfg Config)
	}{
		{
			name: "streamcache",
			path: "examples/configs/streamcache.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "v4", cfg.Coordinator.Version)
				require.Equal(t, "sqlite", cfg.Cache.Fallback.Backend)
				require.Equal(t, "X-Request-ID", cfg.Server.Logging.CorrelationHeader)
				require.Contains(t, cfg.Coordinator.Manifest, "/assets/app.js")
				require.Len(t, cfg.Coordinator.Classes, 1)
				require.Equal(t, 0.8, cfg.Remote.Breaker.FailureThreshold)
				require.True(t, cfg.NeedsSQLite())
			},
		},
		{
			name: "memory-only",
			path: "examples/configs/memory-only.toml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "dev", cfg.Coordinator.Version)
				require.Equal(t, "postgrest", cfg.Remote.Driver)
				require.True(t, cfg.Remote.Coalesce)
				require.False(t, cfg.Remote.Breaker.Enabled)
				require.Equal(t, 128, cfg.Coordinator.MaxEntries)
				require.False(t, cfg.NeedsSQLite())
			},
		},
	}

	for _, ex := range examples {
		ex := ex
		t.Run(ex.name, func(t *testing.T) {
			loader := NewLoader("", filepath.Join(projectRoot, ex.path))
			cfg, err := loader.Load(context.Background())
			require.NoError(t, err)
			ex.validate(t, cfg)
		})
	}
}
