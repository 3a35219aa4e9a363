package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/query"
)

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been observed.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a default configuration for the circuit breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Breaker guards a Client. Only transient failures count against it; API
// rejections mean the service is up.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Client, cfg BreakerConfig, logger *slog.Logger, rec *metrics.Recorder) *Breaker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("agent", "circuit_breaker"))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			rec.SetBreakerState(name, int(to))
		},
		IsSuccessful: func(err error) bool {
			return !IsTransient(err)
		},
	})
	rec.SetBreakerState(cfg.Name, int(gobreaker.StateClosed))
	return &Breaker{next: next, cb: cb}
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Select(ctx context.Context, table string, opts query.Options) (json.RawMessage, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Select(ctx, table, opts)
	})
	if err != nil {
		return nil, translateBreakerError(err)
	}
	payload, _ := out.(json.RawMessage)
	return payload, nil
}

func (b *Breaker) Mutate(ctx context.Context, m Mutation) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Mutate(ctx, m)
	})
	return translateBreakerError(err)
}

func translateBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}
