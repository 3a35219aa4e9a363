package syncqueue

import (
	"context"
	"fmt"
	"sync"
)

// Store persists queued writes in insertion order.
type Store interface {
	// Append stores w and returns it with its assigned ID.
	Append(ctx context.Context, w Write) (Write, error)
	// List returns every write ordered by ID.
	List(ctx context.Context) ([]Write, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	Delete(ctx context.Context, id int64) error
	Len(ctx context.Context) (int, error)
	// ResetInFlight returns writes a crashed flush left in flight to pending.
	ResetInFlight(ctx context.Context) (int, error)
}

type memoryStore struct {
	mu     sync.Mutex
	nextID int64
	writes []Write
}

// NewMemoryStore keeps the queue in process memory. It does not survive a
// restart.
func NewMemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) Append(_ context.Context, w Write) (Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.writes {
		if existing.IdempotencyKey == w.IdempotencyKey {
			return Write{}, fmt.Errorf("syncqueue: duplicate idempotency key %q", w.IdempotencyKey)
		}
	}
	s.nextID++
	w.ID = s.nextID
	w.Payload = append([]byte(nil), w.Payload...)
	s.writes = append(s.writes, w)
	return w, nil
}

func (s *memoryStore) List(context.Context) ([]Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out, nil
}

func (s *memoryStore) SetStatus(_ context.Context, id int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.writes {
		if s.writes[i].ID == id {
			s.writes[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("syncqueue: write %d not found", id)
}

func (s *memoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.writes {
		if s.writes[i].ID == id {
			s.writes = append(s.writes[:i], s.writes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memoryStore) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes), nil
}

func (s *memoryStore) ResetInFlight(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for i := range s.writes {
		if s.writes[i].Status == StatusInFlight {
			s.writes[i].Status = StatusPending
			reset++
		}
	}
	return reset, nil
}
