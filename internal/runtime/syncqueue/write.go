// Package syncqueue buffers writes made while the data API is unreachable and
// delivers them once connectivity returns.
package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a queued write.
type Kind string

const (
	KindViewEvent         Kind = "view-event"
	KindAnalyticsEvent    Kind = "analytics-event"
	KindSocialGraphUpdate Kind = "social-graph-update"
)

// ParseKind validates a kind received from a client.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindViewEvent, KindAnalyticsEvent, KindSocialGraphUpdate:
		return k, nil
	default:
		return "", fmt.Errorf("syncqueue: unknown write kind %q", raw)
	}
}

// Status tracks a write through a flush. Delivered writes are deleted.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
)

// Write is one durable queue item.
type Write struct {
	ID             int64           `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ErrInvalidPayload is returned for payloads that are not JSON objects.
var ErrInvalidPayload = errors.New("syncqueue: payload must be a JSON object")

// stampPayload decodes payload as an object and sets timestamp when the
// client did not.
func stampPayload(payload json.RawMessage, now time.Time) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, ErrInvalidPayload
	}
	if _, ok := fields["timestamp"]; !ok {
		stamp, err := json.Marshal(now.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		fields["timestamp"] = stamp
	}
	return json.Marshal(fields)
}
