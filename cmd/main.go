package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/streamcache/internal/config"
	"github.com/l0p7/streamcache/internal/logging"
	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/remote"
	"github.com/l0p7/streamcache/internal/runtime/coordinator"
	"github.com/l0p7/streamcache/internal/runtime/executor"
	"github.com/l0p7/streamcache/internal/runtime/fallback"
	"github.com/l0p7/streamcache/internal/runtime/querycache"
	"github.com/l0p7/streamcache/internal/runtime/syncqueue"
	"github.com/l0p7/streamcache/internal/server"
	"github.com/l0p7/streamcache/internal/storage/sqlitedb"
	"github.com/l0p7/streamcache/internal/telemetry"
	"github.com/l0p7/streamcache/internal/templates"
)

const closeTimeout = 5 * time.Second

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchGeneration(ctx context.Context, current config.Config, onChange func(config.Config), onError func(error)) (generationWatcher, error)
}

type generationWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchGeneration(ctx context.Context, current config.Config, onChange func(config.Config), onError func(error)) (generationWatcher, error) {
	return l.Loader.WatchGeneration(ctx, current, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{Loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, json or toml)")
		envPrefix  = flag.String("env-prefix", "STREAMCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", slog.Any("error", err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", slog.Any("error", err))
		}
	}()

	rec := metrics.NewRecorder(prometheus.NewRegistry())

	var db *sqlitedb.DB
	if cfg.NeedsSQLite() {
		db, err = sqlitedb.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("sqlite close failed", slog.Any("error", err))
			}
		}()
	}

	client, err := buildRemote(logger, cfg.Remote, rec)
	if err != nil {
		return fmt.Errorf("build remote client: %w", err)
	}

	cache := querycache.New(querycache.Config{TTL: cfg.Cache.TTL()})
	backend, err := buildFallbackBackend(logger.With(slog.String("agent", "fallback_factory")), cfg, db)
	if err != nil {
		return fmt.Errorf("build fallback store: %w", err)
	}
	store := fallback.New(fallback.Config{
		Backend:             backend,
		TTL:                 cfg.Cache.TTL(),
		ToleranceMultiplier: cfg.Cache.Fallback.ToleranceMultiplier,
		Logger:              logger,
		Metrics:             rec,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("fallback store close failed", slog.Any("error", err))
		}
	}()

	queries, err := executor.New(executor.Config{
		Remote:            client,
		Cache:             cache,
		Fallback:          store,
		MaxRetries:        cfg.Remote.MaxRetries,
		Backoff:           cfg.Remote.Backoff(),
		TimeoutMultiplier: cfg.Remote.TimeoutMultiplier,
		Coalesce:          cfg.Remote.Coalesce,
		Logger:            logger,
		Metrics:           rec,
	})
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := queries.Close(closeCtx); err != nil {
			logger.Warn("executor drain incomplete", slog.Any("error", err))
		}
	}()

	coord, err := buildCoordinator(logger, cfg, db, rec)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			logger.Warn("coordinator drain incomplete", slog.Any("error", err))
		}
	}()

	queue, monitor, err := buildSyncQueue(ctx, logger, cfg, db, client, rec)
	if err != nil {
		return fmt.Errorf("build sync queue: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var background sync.WaitGroup
	defer background.Wait()
	defer cancel()

	background.Add(3)
	go func() {
		defer background.Done()
		startGeneration(runCtx, logger, coord)
	}()
	go func() {
		defer background.Done()
		monitor.Run(runCtx)
	}()
	go func() {
		defer background.Done()
		queue.Run(runCtx, monitor.Restored(), cfg.Sync.FlushInterval())
	}()

	if configFile != "" {
		watcher, err := loader.WatchGeneration(runCtx, cfg, func(next config.Config) {
			logger.Info("cache generation changed", slog.String("version", next.Coordinator.Version))
			if _, err := coord.Bump(runCtx, next.Coordinator.Version); err != nil && runCtx.Err() == nil {
				logger.Error("cache generation bump failed", slog.String("version", next.Coordinator.Version), slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(server.Dependencies{
		Queries:           queries,
		Cache:             cache,
		Writes:            queue,
		Coordinator:       coord,
		Connectivity:      monitor,
		Metrics:           rec.Handler(),
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// startGeneration installs and activates the configured generation. A failed
// install leaves the previous generation serving.
func startGeneration(ctx context.Context, logger *slog.Logger, coord *coordinator.Coordinator) {
	report, err := coord.Install(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("cache generation install failed", slog.Any("error", err))
		}
		return
	}
	logger.Info("cache generation installed",
		slog.String("version", report.Version),
		slog.Int("cached", len(report.Cached)),
		slog.Int("skipped", len(report.Skipped)),
	)
	if err := coord.Activate(ctx); err != nil && ctx.Err() == nil {
		logger.Error("cache generation activation failed", slog.Any("error", err))
	}
}

func buildRemote(logger *slog.Logger, cfg config.RemoteConfig, rec *metrics.Recorder) (remote.Client, error) {
	var (
		client remote.Client
		err    error
	)
	switch cfg.Driver {
	case "postgrest":
		client, err = remote.NewPostgREST(remote.PostgRESTConfig{BaseURL: cfg.URL, APIKey: cfg.APIKey, Schema: cfg.Schema})
	default:
		client, err = remote.NewREST(remote.RESTConfig{BaseURL: cfg.URL, APIKey: cfg.APIKey, Schema: cfg.Schema, Client: &http.Client{}})
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Breaker.Enabled {
		return client, nil
	}
	breaker := remote.DefaultBreakerConfig("remote")
	if cfg.Breaker.MaxRequests > 0 {
		breaker.MaxRequests = uint32(cfg.Breaker.MaxRequests)
	}
	if cfg.Breaker.IntervalSeconds > 0 {
		breaker.Interval = time.Duration(cfg.Breaker.IntervalSeconds) * time.Second
	}
	if cfg.Breaker.TimeoutSeconds > 0 {
		breaker.Timeout = time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second
	}
	if cfg.Breaker.FailureThreshold > 0 {
		breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.MinRequests > 0 {
		breaker.MinRequests = uint32(cfg.Breaker.MinRequests)
	}
	return remote.NewBreaker(client, breaker, logger, rec), nil
}

// buildFallbackBackend selects the fallback tier. An unreachable valkey
// server degrades to memory so reads keep working.
func buildFallbackBackend(logger *slog.Logger, cfg config.Config, db *sqlitedb.DB) (fallback.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Fallback.Backend)) {
	case "", "memory":
		logger.Info("using memory fallback store")
		return fallback.NewMemory(), nil
	case "sqlite":
		if db == nil {
			return nil, errors.New("sqlite fallback requires storage.sqlitePath")
		}
		logger.Info("using sqlite fallback store", slog.String("path", db.Path()))
		return fallback.NewSQLite(db)
	case "valkey", "redis":
		redis := cfg.Cache.Fallback.Redis
		backend, err := fallback.NewValkey(fallback.ValkeyConfig{
			Address:  redis.Address,
			Username: redis.Username,
			Password: redis.Password,
			DB:       redis.DB,
			TLS: fallback.ValkeyTLSConfig{
				Enabled: redis.TLS.Enabled,
				CAFile:  redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey fallback initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory fallback store")
			return fallback.NewMemory(), nil
		}
		logger.Info("using valkey fallback store", slog.String("address", redis.Address))
		return backend, nil
	default:
		logger.Warn("unsupported fallback backend, defaulting to memory", slog.String("backend", cfg.Cache.Fallback.Backend))
		return fallback.NewMemory(), nil
	}
}

func buildCoordinator(logger *slog.Logger, cfg config.Config, db *sqlitedb.DB, rec *metrics.Recorder) (*coordinator.Coordinator, error) {
	cc := cfg.Coordinator

	var storage coordinator.Storage
	switch cc.Storage {
	case "sqlite":
		if db == nil {
			return nil, errors.New("sqlite generation storage requires storage.sqlitePath")
		}
		storage = coordinator.NewSQLiteStorage(db)
	default:
		storage = coordinator.NewMemoryStorage(cc.MaxEntries)
	}

	rules := make([]coordinator.ClassRule, 0, len(cc.Classes))
	for _, rule := range cc.Classes {
		rules = append(rules, coordinator.ClassRule{Class: coordinator.Class(rule.Class), Expression: rule.Expression})
	}
	if len(rules) > 0 {
		// Configured rules take precedence; the stock ones still classify the rest.
		prefix := cc.APIPrefix
		if prefix == "" {
			prefix = coordinator.DefaultAPIPrefix
		}
		rules = append(rules, coordinator.DefaultRules(prefix)...)
	}

	var renderer *templates.Renderer
	offlineFile := ""
	if folder := strings.TrimSpace(cc.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder, cc.TemplatesAllowEnv, cc.TemplatesAllowedEnv)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			renderer = templates.NewRenderer(sandbox)
			offlineFile = strings.TrimSpace(cc.OfflineTemplate)
		}
	}
	if offlineFile == "" && strings.TrimSpace(cc.OfflineTemplate) != "" {
		logger.Warn("offline template ignored without a template sandbox", slog.String("template", cc.OfflineTemplate))
	}

	return coordinator.New(coordinator.Config{
		Version:             cc.Version,
		Origin:              cc.Origin,
		Manifest:            cc.Manifest,
		Storage:             storage,
		Rules:               rules,
		APIPrefix:           cc.APIPrefix,
		Client:              &http.Client{},
		RevalidateTimeout:   cc.RevalidateTimeout(),
		Renderer:            renderer,
		OfflineTemplateFile: offlineFile,
		Logger:              logger,
		Metrics:             rec,
	})
}

func buildSyncQueue(ctx context.Context, logger *slog.Logger, cfg config.Config, db *sqlitedb.DB, writer remote.Writer, rec *metrics.Recorder) (*syncqueue.Queue, *syncqueue.Monitor, error) {
	var store syncqueue.Store
	switch cfg.Sync.Storage {
	case "sqlite":
		if db == nil {
			return nil, nil, errors.New("sqlite sync storage requires storage.sqlitePath")
		}
		s, err := syncqueue.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = syncqueue.NewMemoryStore()
	}

	deliverer, err := syncqueue.NewRemoteDeliverer(writer, syncqueue.Tables{
		Views:     cfg.Sync.Tables.Views,
		Analytics: cfg.Sync.Tables.Analytics,
		Follows:   cfg.Sync.Tables.Follows,
	})
	if err != nil {
		return nil, nil, err
	}

	monitor, err := syncqueue.NewMonitor(syncqueue.MonitorConfig{
		Probe:    syncqueue.HTTPProber(&http.Client{}, cfg.Remote.URL),
		Interval: cfg.Sync.ProbeInterval(),
		Timeout:  cfg.Sync.ProbeTimeout(),
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	queue, err := syncqueue.New(ctx, syncqueue.Config{
		Store:        store,
		Deliverer:    deliverer,
		Connectivity: monitor,
		Logger:       logger,
		Metrics:      rec,
	})
	if err != nil {
		return nil, nil, err
	}
	return queue, monitor, nil
}
