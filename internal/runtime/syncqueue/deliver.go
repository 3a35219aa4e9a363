package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/l0p7/streamcache/internal/remote"
)

// Deliverer sends one write to the remote API.
type Deliverer interface {
	Deliver(ctx context.Context, w Write) error
}

// Tables names the remote collections each kind is written to.
type Tables struct {
	Views     string
	Analytics string
	Follows   string
}

// DefaultTables returns the stock collection names.
func DefaultTables() Tables {
	return Tables{Views: "video_views", Analytics: "analytics_events", Follows: "follows"}
}

// RemoteDeliverer turns writes into remote mutations.
type RemoteDeliverer struct {
	writer remote.Writer
	tables Tables
}

// NewRemoteDeliverer wires a deliverer. Blank table names take the defaults.
func NewRemoteDeliverer(writer remote.Writer, tables Tables) (*RemoteDeliverer, error) {
	if writer == nil {
		return nil, errors.New("syncqueue: remote writer required")
	}
	defaults := DefaultTables()
	if tables.Views == "" {
		tables.Views = defaults.Views
	}
	if tables.Analytics == "" {
		tables.Analytics = defaults.Analytics
	}
	if tables.Follows == "" {
		tables.Follows = defaults.Follows
	}
	return &RemoteDeliverer{writer: writer, tables: tables}, nil
}

// Deliver maps w onto an insert, or a delete for unfollows.
func (d *RemoteDeliverer) Deliver(ctx context.Context, w Write) error {
	m, err := d.mutation(w)
	if err != nil {
		return err
	}
	return d.writer.Mutate(ctx, m)
}

func (d *RemoteDeliverer) mutation(w Write) (remote.Mutation, error) {
	switch w.Kind {
	case KindViewEvent:
		return remote.Mutation{Kind: remote.MutationInsert, Table: d.tables.Views, Body: w.Payload, IdempotencyKey: w.IdempotencyKey}, nil
	case KindAnalyticsEvent:
		return remote.Mutation{Kind: remote.MutationInsert, Table: d.tables.Analytics, Body: w.Payload, IdempotencyKey: w.IdempotencyKey}, nil
	case KindSocialGraphUpdate:
		return d.socialMutation(w)
	default:
		return remote.Mutation{}, fmt.Errorf("syncqueue: unknown write kind %q", w.Kind)
	}
}

// socialMutation expects {"action": "follow"|"unfollow", ...columns}. Follows
// insert the columns with timestamp as created_at; unfollows delete the rows
// matching every column, so each must be a string, number or bool.
func (d *RemoteDeliverer) socialMutation(w Write) (remote.Mutation, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(w.Payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return remote.Mutation{}, fmt.Errorf("syncqueue: decode social update %d: %w", w.ID, err)
	}
	action, _ := fields["action"].(string)
	delete(fields, "action")
	timestamp := fields["timestamp"]
	delete(fields, "timestamp")

	switch action {
	case "follow":
		if timestamp != nil {
			fields["created_at"] = timestamp
		}
		body, err := json.Marshal(fields)
		if err != nil {
			return remote.Mutation{}, fmt.Errorf("syncqueue: encode follow %d: %w", w.ID, err)
		}
		return remote.Mutation{Kind: remote.MutationInsert, Table: d.tables.Follows, Body: body, IdempotencyKey: w.IdempotencyKey}, nil
	case "unfollow":
		match := make(map[string]string, len(fields))
		for name, value := range fields {
			rendered, err := matchValue(value)
			if err != nil {
				return remote.Mutation{}, fmt.Errorf("syncqueue: unfollow %d column %q: %w", w.ID, name, err)
			}
			match[name] = rendered
		}
		if len(match) == 0 {
			return remote.Mutation{}, fmt.Errorf("syncqueue: unfollow %d has no match columns", w.ID)
		}
		return remote.Mutation{Kind: remote.MutationDelete, Table: d.tables.Follows, Match: match, IdempotencyKey: w.IdempotencyKey}, nil
	default:
		return remote.Mutation{}, fmt.Errorf("syncqueue: social update %d has unknown action %q", w.ID, action)
	}
}

// matchValue renders a JSON scalar as a filter operand. Null and composite
// values cannot identify a row and are rejected.
func matchValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", errors.New("null cannot be matched")
	default:
		return "", fmt.Errorf("%T cannot be matched", value)
	}
}
