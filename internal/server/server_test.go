package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/streamcache/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func loopbackConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 0
	return cfg
}

// startServer runs srv in the background and waits for it to bind.
func startServer(t *testing.T, srv *Server) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 10*time.Millisecond, "server never bound")
	return cancel, done
}

func TestNew(t *testing.T) {
	_, err := New(config.DefaultConfig(), newTestLogger(), nil)
	require.ErrorContains(t, err, "handler required")

	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 9090
	srv, err := New(cfg, nil, http.NewServeMux())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", srv.httpServer.Addr)
	require.Nil(t, srv.Addr(), "no address before Run")
}

func TestRunServesUntilCancelled(t *testing.T) {
	srv, err := New(loopbackConfig(), newTestLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, err)
	cancel, done := startServer(t, srv)

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not return after cancellation")
	}
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	streamClosed := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": connected\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(streamClosed)
	})
	srv, err := New(loopbackConfig(), newTestLogger(), handler)
	require.NoError(t, err)
	cancel, done := startServer(t, srv)

	resp, err := http.Get("http://" + srv.Addr().String() + "/coordinator/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	start := time.Now()
	cancel()
	select {
	case <-streamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler was not cancelled by shutdown")
	}
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(shutdownGrace):
		t.Fatal("server did not finish shutting down")
	}
	require.Less(t, time.Since(start), shutdownGrace, "streams must not hold shutdown until the grace deadline")
}

func TestRunReportsListenFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "256.0.0.1"
	cfg.Server.Listen.Port = 1

	srv, err := New(cfg, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.ErrorContains(t, srv.Run(context.Background()), "listen")
}
