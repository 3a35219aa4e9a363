package fallback

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a persisted query result.
type Record struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"storedAt"`
}

// Backend persists records across restarts. Misses are reported through the
// boolean, never as errors.
type Backend interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Save(ctx context.Context, key string, record Record) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneRecord(in Record) Record {
	out := Record{StoredAt: in.StoredAt}
	if in.Payload != nil {
		out.Payload = make(json.RawMessage, len(in.Payload))
		copy(out.Payload, in.Payload)
	}
	return out
}
