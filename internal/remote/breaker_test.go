package remote

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/query"
)

type scriptedClient struct {
	mu      sync.Mutex
	calls   int
	err     error
	payload json.RawMessage
}

func (s *scriptedClient) Select(context.Context, string, query.Options) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

func (s *scriptedClient) Mutate(context.Context, Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func testBreakerConfig() BreakerConfig {
	cfg := DefaultBreakerConfig("remote")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 0.5
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	next := &scriptedClient{err: &TransportError{Err: context.DeadlineExceeded}}
	breaker := NewBreaker(next, testBreakerConfig(), nil, metrics.NewRecorder(nil))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := breaker.Select(ctx, "content", query.Options{})
		require.True(t, IsTransient(err))
	}
	require.Equal(t, gobreaker.StateOpen, breaker.State())

	_, err := breaker.Select(ctx, "content", query.Options{})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, IsTransient(err))
	require.Equal(t, 2, next.calls, "open breaker must not reach the network")
}

func TestBreakerIgnoresAPIErrors(t *testing.T) {
	next := &scriptedClient{err: &APIError{Status: 400, Message: "bad"}}
	breaker := NewBreaker(next, testBreakerConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		err := breaker.Mutate(context.Background(), Mutation{Kind: MutationInsert, Table: "t", Body: json.RawMessage(`{}`)})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
	}
	require.Equal(t, gobreaker.StateClosed, breaker.State())
}

func TestBreakerPassesPayload(t *testing.T) {
	next := &scriptedClient{payload: json.RawMessage(`[1,2]`)}
	breaker := NewBreaker(next, testBreakerConfig(), nil, nil)
	payload, err := breaker.Select(context.Background(), "content", query.Options{})
	require.NoError(t, err)
	require.JSONEq(t, `[1,2]`, string(payload))
}
