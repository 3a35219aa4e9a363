package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/remote"
)

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []Write
	fail      map[string]error
}

func (d *recordingDeliverer) Deliver(_ context.Context, w Write) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var fields map[string]any
	_ = json.Unmarshal(w.Payload, &fields)
	if err, ok := d.fail[fmt.Sprint(fields["video_id"])]; ok {
		return err
	}
	d.delivered = append(d.delivered, w)
	return nil
}

func (d *recordingDeliverer) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.delivered))
	for _, w := range d.delivered {
		var fields map[string]any
		_ = json.Unmarshal(w.Payload, &fields)
		out = append(out, fmt.Sprint(fields["video_id"]))
	}
	return out
}

type staticConnectivity struct {
	mu     sync.Mutex
	online bool
}

func (s *staticConnectivity) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *staticConnectivity) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

func newQueue(t *testing.T, store Store, deliverer Deliverer, conn Connectivity) *Queue {
	t.Helper()
	keys := 0
	q, err := New(context.Background(), Config{
		Store:        store,
		Deliverer:    deliverer,
		Connectivity: conn,
		Metrics:      metrics.NewRecorder(nil),
		Now:          func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) },
		NewKey: func() string {
			keys++
			return fmt.Sprintf("key-%d", keys)
		},
	})
	require.NoError(t, err)
	return q
}

func view(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"video_id":%q}`, id))
}

func TestEnqueueStampsAndOrders(t *testing.T) {
	q := newQueue(t, NewMemoryStore(), &recordingDeliverer{}, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, KindViewEvent, view("a"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, KindAnalyticsEvent, json.RawMessage(`{"event":"play","timestamp":"2020-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	require.Less(t, first.ID, second.ID)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, "key-1", first.IdempotencyKey)
	require.JSONEq(t, `{"video_id":"a","timestamp":"2026-05-01T09:30:00Z"}`, string(first.Payload))
	require.JSONEq(t, `{"event":"play","timestamp":"2020-01-01T00:00:00Z"}`, string(second.Payload), "client timestamps are kept")

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)
}

func TestEnqueueValidates(t *testing.T) {
	q := newQueue(t, NewMemoryStore(), &recordingDeliverer{}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "upload", view("a"))
	require.Error(t, err)
	_, err = q.Enqueue(ctx, KindViewEvent, json.RawMessage(`[1]`))
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, err = q.Enqueue(ctx, KindViewEvent, json.RawMessage(`null`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestFlushDeliversEverything(t *testing.T) {
	deliverer := &recordingDeliverer{}
	q := newQueue(t, NewMemoryStore(), deliverer, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindViewEvent, view("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindViewEvent, view("b"))
	require.NoError(t, err)

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, FlushReport{Attempted: 2, Delivered: 2, Remaining: 0}, report)
	require.Equal(t, []string{"a", "b"}, deliverer.ids())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFlushIsolatesFailures(t *testing.T) {
	for name, store := range map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": newSQLiteStore,
	} {
		store := store
		t.Run(name, func(t *testing.T) {
			deliverer := &recordingDeliverer{fail: map[string]error{"2": &remote.APIError{Status: 409, Message: "conflict"}}}
			q := newQueue(t, store(t), deliverer, nil)
			ctx := context.Background()

			for _, id := range []string{"1", "2", "3"} {
				_, err := q.Enqueue(ctx, KindViewEvent, view(id))
				require.NoError(t, err)
			}

			report, err := q.Flush(ctx)
			require.NoError(t, err)
			require.Equal(t, FlushReport{Attempted: 3, Delivered: 2, Failed: 1, Remaining: 1}, report)
			require.Equal(t, []string{"1", "3"}, deliverer.ids())

			left, err := q.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, left, 1)
			require.Equal(t, StatusPending, left[0].Status)
			require.JSONEq(t, `{"video_id":"2","timestamp":"2026-05-01T09:30:00Z"}`, string(left[0].Payload))

			_, err = q.Enqueue(ctx, KindViewEvent, view("4"))
			require.NoError(t, err)
			left, err = q.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, left, 2)
			require.Less(t, left[0].ID, left[1].ID, "the failed write keeps its place ahead of newer ones")

			delete(deliverer.fail, "2")
			report, err = q.Flush(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, report.Delivered)
			require.Equal(t, []string{"1", "3", "2", "4"}, deliverer.ids())
		})
	}
}

func TestSubmitDeliversWhenOnline(t *testing.T) {
	deliverer := &recordingDeliverer{}
	q := newQueue(t, NewMemoryStore(), deliverer, &staticConnectivity{online: true})

	_, delivered, err := q.Submit(context.Background(), KindViewEvent, view("a"))
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, []string{"a"}, deliverer.ids())
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSubmitQueuesWhenOffline(t *testing.T) {
	deliverer := &recordingDeliverer{}
	q := newQueue(t, NewMemoryStore(), deliverer, &staticConnectivity{online: false})

	w, delivered, err := q.Submit(context.Background(), KindViewEvent, view("a"))
	require.NoError(t, err)
	require.False(t, delivered)
	require.NotZero(t, w.ID)
	require.Empty(t, deliverer.ids())
}

func TestSubmitQueuesOnTransientFailure(t *testing.T) {
	conn := &staticConnectivity{online: true}
	deliverer := &recordingDeliverer{fail: map[string]error{"a": &remote.TransportError{Err: errors.New("reset")}}}
	q := newQueue(t, NewMemoryStore(), deliverer, conn)

	_, delivered, err := q.Submit(context.Background(), KindViewEvent, view("a"))
	require.NoError(t, err)
	require.False(t, delivered)
	require.False(t, conn.Online(), "a transport failure marks the client offline")
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewResetsInFlight(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w, err := store.Append(ctx, Write{Kind: KindViewEvent, Payload: view("a"), Status: StatusInFlight, IdempotencyKey: "k"})
	require.NoError(t, err)

	deliverer := &recordingDeliverer{}
	q := newQueue(t, store, deliverer, nil)
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPending, pending[0].Status)
	require.Equal(t, w.ID, pending[0].ID)

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Delivered)
}

func TestConcurrentFlushesDoNotDoubleDeliver(t *testing.T) {
	deliverer := &recordingDeliverer{}
	q := newQueue(t, NewMemoryStore(), deliverer, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, KindViewEvent, view(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Flush(ctx)
		}()
	}
	wg.Wait()
	require.Len(t, deliverer.ids(), 20)
}

func TestRunFlushesOnTriggers(t *testing.T) {
	deliverer := &recordingDeliverer{}
	q := newQueue(t, NewMemoryStore(), deliverer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restored := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Run(ctx, restored, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, _ := q.Len(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	_, err := q.Enqueue(context.Background(), KindViewEvent, view("late"))
	require.NoError(t, err)
	restored <- struct{}{}
	require.Eventually(t, func() bool {
		return len(deliverer.ids()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(context.Background(), Config{Deliverer: &recordingDeliverer{}})
	require.Error(t, err)
	_, err = New(context.Background(), Config{Store: NewMemoryStore()})
	require.Error(t, err)
}
