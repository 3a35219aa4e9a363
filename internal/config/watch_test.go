package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watchedConfig = "remote:\n  url: http://api.local\ncoordinator:\n  origin: http://origin.local\n  version: %s\n  storage: memory\nsync:\n  storage: memory\ncache:\n  fallback:\n    backend: memory\n"

func TestWatchGenerationReportsVersionChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "streamcache.yaml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(watchedConfig, "v3")), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader("", path)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan Config, 4)
	errCh := make(chan error, 4)
	watcher, err := loader.WatchGeneration(ctx, cfg, func(next Config) {
		changeCh <- next
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	// Same version: no callback.
	if err := os.WriteFile(path, []byte(fmt.Sprintf(watchedConfig, "v3")+"server:\n  listen:\n    port: 9090\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	select {
	case next := <-changeCh:
		t.Fatalf("unexpected change for unchanged version: %s", next.Coordinator.Version)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf(watchedConfig, "v4")), 0o600); err != nil {
		t.Fatalf("failed to bump version: %v", err)
	}
	select {
	case next := <-changeCh:
		if next.Coordinator.Version != "v4" {
			t.Fatalf("expected v4, got %s", next.Coordinator.Version)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for generation change")
	}
}

func TestWatchGenerationReportsInvalidEdits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "streamcache.yaml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(watchedConfig, "v1")), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	loader := NewLoader("", path)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	errCh := make(chan error, 4)
	watcher, err := loader.WatchGeneration(ctx, cfg, func(Config) {}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte(fmt.Sprintf(watchedConfig, "\"bad version\"")), 0o600); err != nil {
		t.Fatalf("failed to write invalid config: %v", err)
	}
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected validation error from watcher")
	}
}

func TestWatchGenerationRequiresFile(t *testing.T) {
	loader := NewLoader("STREAMCACHE")
	if _, err := loader.WatchGeneration(context.Background(), DefaultConfig(), func(Config) {}, nil); err == nil {
		t.Fatal("expected error without config files")
	}
	if _, err := NewLoader("", "x.yaml").WatchGeneration(context.Background(), DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected error without callback")
	}
}
