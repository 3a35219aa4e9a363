package fallback

import (
	"context"
	"sync"
)

type memoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns a process-local backend. Records do not survive restarts.
func NewMemory() Backend {
	return &memoryBackend{records: make(map[string]Record)}
}

func (b *memoryBackend) Load(_ context.Context, key string) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(record), true, nil
}

func (b *memoryBackend) Save(_ context.Context, key string, record Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = cloneRecord(record)
	return nil
}

func (b *memoryBackend) Len(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.records)), nil
}

func (b *memoryBackend) Close(context.Context) error {
	return nil
}
