// Package remote talks to the hosted PostgREST-style data API.
package remote

import (
	"context"
	"encoding/json"

	"github.com/l0p7/streamcache/internal/query"
)

// Reader fetches rows. Implementations honor ctx for cancellation and
// deadlines.
type Reader interface {
	Select(ctx context.Context, table string, opts query.Options) (json.RawMessage, error)
}

// MutationKind selects the write verb.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationDelete MutationKind = "delete"
)

// Mutation is a single write against a table.
type Mutation struct {
	Kind  MutationKind
	Table string
	// Body is the JSON row for inserts.
	Body json.RawMessage
	// Match holds equality predicates for deletes.
	Match map[string]string
	// IdempotencyKey lets the server discard replays of the same write.
	IdempotencyKey string
}

// Writer applies mutations.
type Writer interface {
	Mutate(ctx context.Context, m Mutation) error
}

// Client reads and writes.
type Client interface {
	Reader
	Writer
}
