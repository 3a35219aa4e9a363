package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/streamcache/internal/config"
	"github.com/l0p7/streamcache/internal/runtime/coordinator"
)

type integrationProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startServerProcess(t *testing.T, configPath string, env map[string]string) *integrationProcess {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	cmd.Dir = "."
	cacheRoot := filepath.Join(os.TempDir(), "streamcache-integration")
	cacheDir := filepath.Join(cacheRoot, "gocache")
	moduleCache := filepath.Join(cacheRoot, "gomodcache")
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gocache dir: %v", err)
	}
	if err := os.MkdirAll(moduleCache, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gomodcache dir: %v", err)
	}
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+cacheDir, "GOMODCACHE="+moduleCache)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start server process: %v", err)
	}

	proc := &integrationProcess{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		_ = cmd.Wait()
	}()
	return proc
}

func (p *integrationProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	if t.Failed() {
		if out := strings.TrimSpace(p.stdout.String()); out != "" {
			t.Logf("server stdout:\n%s", out)
		}
		if errOut := strings.TrimSpace(p.stderr.String()); errOut != "" {
			t.Logf("server stderr:\n%s", errOut)
		}
	}
}

func (p *integrationProcess) logs() (string, string) {
	if p == nil {
		return "", ""
	}
	return p.stdout.String(), p.stderr.String()
}

func waitForEndpoint(t *testing.T, client *http.Client, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("failed to build probe request: %v", err)
		}
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			if cerr := resp.Body.Close(); cerr != nil {
				t.Fatalf("failed to close readiness probe body: %v", cerr)
			}
			if status < 500 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not respond successfully within %v", timeout)
}

func writeIntegrationConfig(t *testing.T, dir string, port int, remoteURL, origin string) string {
	t.Helper()
	templatesDir := filepath.Join(dir, "templates")
	if err := os.MkdirAll(templatesDir, 0o750); err != nil {
		t.Fatalf("failed to ensure templates folder: %v", err)
	}
	offline := `<p>{{ .URL }} unavailable, contact {{ env "STREAMCACHE_SUPPORT_EMAIL" }} {{ env "HOME" }}</p>`
	if err := os.WriteFile(filepath.Join(templatesDir, "offline.html"), []byte(offline), 0o600); err != nil {
		t.Fatalf("failed to write offline template: %v", err)
	}

	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format":            "text",
				"level":             "warn",
				"correlationHeader": "X-Request-ID",
			},
		},
		"cache": map[string]any{
			"ttlSeconds": 5,
			"fallback":   map[string]any{"backend": "memory"},
		},
		"remote": map[string]any{
			"url":        remoteURL,
			"maxRetries": 1,
			"backoffMs":  10,
		},
		"coordinator": map[string]any{
			"version":             "it-1",
			"origin":              origin,
			"storage":             "memory",
			"manifest":            []string{"/", "/app.js"},
			"templatesFolder":     templatesDir,
			"offlineTemplate":     "offline.html",
			"templatesAllowEnv":   true,
			"templatesAllowedEnv": []string{"STREAMCACHE_SUPPORT_EMAIL"},
		},
		"sync": map[string]any{
			"storage":              "memory",
			"flushIntervalSeconds": 1,
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, "integration-config.json")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationServerStartup(t *testing.T) {
	if os.Getenv("STREAMCACHE_INTEGRATION") == "" {
		t.Skip("set STREAMCACHE_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	var originUp atomic.Bool
	originUp.Store(true)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !originUp.Load() {
			// Hijack and drop so the coordinator sees a transport failure.
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
		}
		if strings.HasSuffix(r.URL.Path, ".js") {
			w.Header().Set("Content-Type", "text/javascript")
			_, _ = io.WriteString(w, "console.log('app')")
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<!doctype html><title>app</title>")
	}))
	defer origin.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `[{"id":"c1","title":"Arrival"}]`)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer api.Close()

	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port, api.URL+"/rest/v1", origin.URL)

	loader := config.NewLoader("STREAMCACHE", configPath)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load integration config: %v", err)
	}
	if cfg.Coordinator.Version != "it-1" {
		t.Fatalf("expected generation it-1, got %q", cfg.Coordinator.Version)
	}

	process := startServerProcess(t, configPath, map[string]string{
		"STREAMCACHE_SERVER__LOGGING__LEVEL": "debug",
		"STREAMCACHE_SUPPORT_EMAIL":          "support@example.com",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 45*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("query goes through the executor", func(t *testing.T) {
		expect.GET("/api/query/content").WithQuery("where.genre", "eq.drama").
			Expect().Status(http.StatusOK).
			JSON().Array().Value(0).Object().Value("title").IsEqual("Arrival")
	})

	t.Run("writes are delivered", func(t *testing.T) {
		expect.POST("/api/writes/analytics-event").WithJSON(map[string]any{"event": "play"}).
			Expect().Status(http.StatusAccepted).
			JSON().Object().Value("delivered").Boolean().IsTrue()
	})

	t.Run("generation activates", func(t *testing.T) {
		deadline := time.Now().Add(10 * time.Second)
		for {
			active := expect.GET("/coordinator/generation").Expect().Status(http.StatusOK).
				JSON().Object().Value("active").Boolean().Raw()
			if active {
				break
			}
			if time.Now().After(deadline) {
				stdout, stderr := process.logs()
				t.Fatalf("generation never activated\nstdout:\n%s\nstderr:\n%s", strings.TrimSpace(stdout), strings.TrimSpace(stderr))
			}
			time.Sleep(50 * time.Millisecond)
		}
	})

	t.Run("offline document uses allowed environment only", func(t *testing.T) {
		originUp.Store(false)
		defer originUp.Store(true)

		result := expect.GET("/watch/c1").WithHeader("Accept", "text/html").Expect()
		result.Status(http.StatusServiceUnavailable)
		result.Header(coordinator.HeaderSource).IsEqual("offline")
		body := result.Body().Raw()
		require.Contains(t, body, "support@example.com")
		require.Contains(t, body, "support@example.com </p>", "variables outside the allow list render empty")
	})

	t.Run("cached assets survive an origin outage", func(t *testing.T) {
		originUp.Store(false)
		defer originUp.Store(true)

		expect.GET("/app.js").Expect().Status(http.StatusOK).
			Body().IsEqual("console.log('app')")
	})
}
