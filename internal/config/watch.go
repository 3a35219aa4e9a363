package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 25 * time.Millisecond

// GenerationWatcher monitors the configuration files and reports changes of
// coordinator.version. Stop must be called to release filesystem resources.
type GenerationWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *GenerationWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchGeneration reloads the configuration whenever one of the loader's
// files changes and calls onChange with the new snapshot when its
// coordinator.version differs from the last one seen. current is the snapshot
// the caller is already running with. Invalid edits go to onError and are
// otherwise ignored.
func (l *Loader) WatchGeneration(ctx context.Context, current Config, onChange func(Config), onError func(error)) (*GenerationWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch generation requires a change callback")
	}
	files := l.Files()
	if len(files) == 0 {
		return nil, fmt.Errorf("config: no configuration file to watch")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch generation: %w", err)
	}

	targets := make(map[string]struct{}, len(files))
	for _, path := range files {
		resolved := path
		if abs, err := filepath.Abs(path); err == nil {
			resolved = abs
		}
		resolved = filepath.Clean(resolved)
		targets[resolved] = struct{}{}
		// Editors replace files by rename, so watch the directory.
		if err := watcher.Add(filepath.Dir(resolved)); err != nil {
			_ = watcher.Close()
			cancel()
			return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(resolved), err)
		}
	}

	done := make(chan struct{})
	watch := &GenerationWatcher{cancel: cancel, done: done}
	version := current.Coordinator.Version

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch generation close: %w", err))
			}
		}()

		reload := func() {
			cfg, err := l.Load(watchCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			if cfg.Coordinator.Version == version {
				return
			}
			version = cfg.Coordinator.Version
			onChange(cfg)
		}

		// Saves arrive as bursts of events; reload once the burst settles.
		var settle <-chan time.Time

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-settle:
				settle = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, watched := targets[filepath.Clean(event.Name)]; !watched {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					settle = time.After(watchDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
