package querycache

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultTTL applies when Config.TTL is unset.
const DefaultTTL = 5 * time.Minute

// Entry is a cached query result.
type Entry struct {
	Payload  json.RawMessage
	StoredAt time.Time

	seq uint64
}

// Ticket identifies one in-flight fetch for a key. Tickets are ordered by
// issue time across the whole cache.
type Ticket struct {
	Key string
	seq uint64
}

// Config tunes a Cache.
type Config struct {
	TTL time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Cache holds query results in memory with lazy TTL expiry. Entries are only
// removed when a read observes them as stale or on Clear.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	seq     uint64
}

// New constructs an empty cache.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]Entry)}
}

// TTL reports the freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the payload for key while it is younger than the TTL. A stale
// entry is evicted and reported as a miss.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.StoredAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return clonePayload(entry.Payload), true
}

// Set overwrites the entry for key and resets its timestamp.
func (c *Cache) Set(key string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.store(key, payload, c.seq)
}

// Begin issues a ticket for a fetch about to start.
func (c *Cache) Begin(key string) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return Ticket{Key: key, seq: c.seq}
}

// Commit stores payload unless a fetch issued after this ticket has already
// written the key. It reports whether the payload was applied.
func (c *Cache) Commit(ticket Ticket, payload json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[ticket.Key]; ok && current.seq > ticket.seq {
		return false
	}
	c.store(ticket.Key, payload, ticket.seq)
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Len counts stored entries, including stale ones not yet observed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) store(key string, payload json.RawMessage, seq uint64) {
	c.entries[key] = Entry{
		Payload:  clonePayload(payload),
		StoredAt: c.now(),
		seq:      seq,
	}
}

func clonePayload(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
