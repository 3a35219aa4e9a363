// Package server owns the HTTP listener and routes requests to the query,
// write and coordinator components.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/streamcache/internal/config"
)

const shutdownGrace = 5 * time.Second

// Server owns the HTTP lifecycle and orchestrates graceful shutdown.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	once       sync.Once

	// closeStreams cancels the base context of every request so event
	// streams end when shutdown begins instead of at the grace deadline.
	closeStreams context.CancelFunc

	mu   sync.Mutex
	addr net.Addr
}

// New binds the handler to the configured listen address. No write timeout is
// set because the coordinator event stream is long lived.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	base, closeStreams := context.WithCancel(context.Background())
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	httpSrv.RegisterOnShutdown(closeStreams)

	return &Server{
		cfg:          cfg,
		logger:       logger.With(slog.String("agent", "http_listener")),
		httpServer:   httpSrv,
		closeStreams: closeStreams,
	}, nil
}

// Addr reports the bound address once Run has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.closeStreams()
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
}

// shutdown runs at most once. Streaming responses that outlive the grace
// period are closed forcibly.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		shutdownErr = s.httpServer.Shutdown(ctx)
		if errors.Is(shutdownErr, context.DeadlineExceeded) {
			s.logger.Warn("forcing open connections closed")
			shutdownErr = s.httpServer.Close()
		}
	})
	return shutdownErr
}
