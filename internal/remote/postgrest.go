package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	postgrest "github.com/supabase-community/postgrest-go"

	"github.com/l0p7/streamcache/internal/query"
)

// PostgRESTConfig configures the postgrest-go driver.
type PostgRESTConfig struct {
	BaseURL string
	APIKey  string
	Schema  string
}

// PostgREST drives the remote API through supabase-community/postgrest-go.
// That client has no context support, so each call runs on its own goroutine
// and is abandoned when ctx ends first. It also cannot attach per-request
// headers, so mutations go out without an Idempotency-Key.
type PostgREST struct {
	client *postgrest.Client
}

// NewPostgREST builds the driver.
func NewPostgREST(cfg PostgRESTConfig) (*PostgREST, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("remote: base url required")
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["apikey"] = cfg.APIKey
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	client := postgrest.NewClient(strings.TrimRight(raw, "/"), cfg.Schema, headers)
	if client.ClientError != nil {
		return nil, fmt.Errorf("remote: postgrest client: %w", client.ClientError)
	}
	return &PostgREST{client: client}, nil
}

// Select runs a filtered, ordered, paged read.
func (p *PostgREST) Select(ctx context.Context, table string, opts query.Options) (json.RawMessage, error) {
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("remote: table required")
	}
	n := opts.Normalize()
	builder := p.client.From(table).Select(n.Select, "", false)
	for _, filter := range n.Filters() {
		builder = builder.Filter(filter.Field, string(filter.Operator), filter.Value)
	}
	builder = builder.
		Order(n.OrderBy, &postgrest.OrderOpts{Ascending: n.Ascending()}).
		Range(n.Offset, n.Offset+n.Limit-1, "")

	body, err := p.execute(ctx, builder.Execute)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &DecodeError{Err: fmt.Errorf("select %s: invalid json (%d bytes)", table, len(body))}
	}
	return json.RawMessage(body), nil
}

// Mutate applies an insert or delete.
func (p *PostgREST) Mutate(ctx context.Context, m Mutation) error {
	if strings.TrimSpace(m.Table) == "" {
		return errors.New("remote: table required")
	}
	var builder *postgrest.FilterBuilder
	switch m.Kind {
	case MutationInsert:
		if len(m.Body) == 0 {
			return errors.New("remote: insert requires a body")
		}
		builder = p.client.From(m.Table).Insert(m.Body, false, "", "minimal", "")
	case MutationDelete:
		if len(m.Match) == 0 {
			return errors.New("remote: delete requires match predicates")
		}
		builder = p.client.From(m.Table).Delete("minimal", "")
		for field, value := range m.Match {
			filter := query.ParseFilter(field, value)
			builder = builder.Filter(filter.Field, string(filter.Operator), filter.Value)
		}
	default:
		return fmt.Errorf("remote: unsupported mutation %q", m.Kind)
	}
	_, err := p.execute(ctx, builder.Execute)
	return err
}

type executeResult struct {
	body []byte
	err  error
}

func (p *PostgREST) execute(ctx context.Context, run func() ([]byte, int64, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	done := make(chan executeResult, 1)
	go func() {
		body, _, err := run()
		done <- executeResult{body: body, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, classify(ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, classifyPostgREST(res.err)
		}
		return res.body, nil
	}
}

var postgrestErrorPattern = regexp.MustCompile(`^\(([^)]*)\) (.*)$`)

// classifyPostgREST separates transport failures, which postgrest-go returns
// as *url.Error, from API rejections, which it flattens into "(code) message".
func classifyPostgREST(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return classify(urlErr)
	}
	apiErr := &APIError{Message: err.Error()}
	if m := postgrestErrorPattern.FindStringSubmatch(err.Error()); m != nil {
		apiErr.Code = m[1]
		apiErr.Message = m[2]
	}
	return apiErr
}
