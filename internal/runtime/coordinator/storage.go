package coordinator

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds each in-memory store.
const DefaultMaxEntries = 512

// Resource is a stored response.
type Resource struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

func (r Resource) clone() Resource {
	out := Resource{Status: r.Status, StoredAt: r.StoredAt, Header: r.Header.Clone()}
	out.Body = append([]byte(nil), r.Body...)
	return out
}

// ResourceCache is one named store of responses keyed by request URL.
type ResourceCache interface {
	Match(ctx context.Context, url string) (Resource, bool, error)
	Put(ctx context.Context, url string, res Resource) error
}

// Storage manages the named cache stores of every generation.
type Storage interface {
	// Open returns the named store, creating it when absent.
	Open(ctx context.Context, name string) (ResourceCache, error)
	// Names lists existing stores in lexical order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes a store and its resources. It reports whether the store
	// existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// MemoryStorage keeps stores in process memory, each bounded by an LRU.
type MemoryStorage struct {
	mu         sync.Mutex
	maxEntries int
	stores     map[string]*memoryStore
}

// NewMemoryStorage constructs in-memory storage. maxEntries <= 0 selects
// DefaultMaxEntries.
func NewMemoryStorage(maxEntries int) *MemoryStorage {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStorage{maxEntries: maxEntries, stores: make(map[string]*memoryStore)}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (ResourceCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[name]; ok {
		return store, nil
	}
	entries, err := lru.New[string, Resource](m.maxEntries)
	if err != nil {
		return nil, err
	}
	store := &memoryStore{entries: entries}
	m.stores[name] = store
	return store, nil
}

func (m *MemoryStorage) Names(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	store.entries.Purge()
	delete(m.stores, name)
	return true, nil
}

type memoryStore struct {
	entries *lru.Cache[string, Resource]
}

func (s *memoryStore) Match(_ context.Context, url string) (Resource, bool, error) {
	res, ok := s.entries.Get(url)
	if !ok {
		return Resource{}, false, nil
	}
	return res.clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, url string, res Resource) error {
	s.entries.Add(url, res.clone())
	return nil
}
