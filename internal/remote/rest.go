package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/streamcache/internal/query"
)

// DefaultMaxResponseBytes caps the size of a response body the driver reads.
const DefaultMaxResponseBytes int64 = 8 << 20

// HTTPDoer is the minimal client contract used by the REST driver.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// RESTConfig configures the REST driver.
type RESTConfig struct {
	// BaseURL points at the PostgREST root, e.g. https://example.supabase.co/rest/v1.
	BaseURL string
	APIKey  string
	Schema  string
	Client  HTTPDoer
	// MaxResponseBytes defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// REST speaks the PostgREST wire format over net/http so every request
// carries its caller's context.
type REST struct {
	base     *url.URL
	apiKey   string
	schema   string
	client   HTTPDoer
	maxBytes int64
}

// NewREST validates cfg and builds the driver.
func NewREST(cfg RESTConfig) (*REST, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("remote: base url required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported base url scheme %q", base.Scheme)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &REST{base: base, apiKey: cfg.APIKey, schema: cfg.Schema, client: client, maxBytes: maxBytes}, nil
}

// Select issues GET /{table} with PostgREST filter, order and paging params.
func (r *REST) Select(ctx context.Context, table string, opts query.Options) (json.RawMessage, error) {
	n := opts.Normalize()
	values := url.Values{}
	values.Set("select", n.Select)
	for _, filter := range n.Filters() {
		values.Set(filter.Field, filter.Expression())
	}
	values.Set("order", n.OrderBy+"."+n.Order)
	values.Set("limit", strconv.Itoa(n.Limit))
	values.Set("offset", strconv.Itoa(n.Offset))

	req, err := r.newRequest(ctx, http.MethodGet, table, values, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.schema != "" {
		req.Header.Set("Accept-Profile", r.schema)
	}

	body, err := r.do(req)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &DecodeError{Err: fmt.Errorf("select %s: invalid json (%d bytes)", table, len(body))}
	}
	return json.RawMessage(body), nil
}

// Mutate issues POST for inserts and DELETE with equality filters for deletes.
func (r *REST) Mutate(ctx context.Context, m Mutation) error {
	var (
		req *http.Request
		err error
	)
	switch m.Kind {
	case MutationInsert:
		if len(m.Body) == 0 {
			return errors.New("remote: insert requires a body")
		}
		req, err = r.newRequest(ctx, http.MethodPost, m.Table, nil, bytes.NewReader(m.Body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	case MutationDelete:
		if len(m.Match) == 0 {
			return errors.New("remote: delete requires match predicates")
		}
		values := url.Values{}
		for field, value := range m.Match {
			values.Set(field, query.ParseFilter(field, value).Expression())
		}
		req, err = r.newRequest(ctx, http.MethodDelete, m.Table, values, nil)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("remote: unsupported mutation %q", m.Kind)
	}
	req.Header.Set("Prefer", "return=minimal")
	if r.schema != "" {
		req.Header.Set("Content-Profile", r.schema)
	}
	if m.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", m.IdempotencyKey)
	}
	_, err = r.do(req)
	return err
}

func (r *REST) newRequest(ctx context.Context, method, table string, values url.Values, body io.Reader) (*http.Request, error) {
	table = strings.Trim(strings.TrimSpace(table), "/")
	if table == "" {
		return nil, errors.New("remote: table required")
	}
	target := *r.base
	target.Path = r.base.Path + "/" + url.PathEscape(table)
	if values != nil {
		target.RawQuery = values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	if r.apiKey != "" {
		req.Header.Set("apikey", r.apiKey)
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	return req, nil
}

func (r *REST) do(req *http.Request) ([]byte, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, classify(err)
	}
	if closeErr != nil {
		return nil, classify(closeErr)
	}
	oversized := int64(len(body)) > r.maxBytes
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if oversized {
			body = body[:r.maxBytes]
		}
		return nil, decodeAPIError(resp.StatusCode, body)
	}
	if oversized {
		return nil, fmt.Errorf("%w: %s %s exceeds %d bytes", ErrResponseTooLarge, req.Method, req.URL.Path, r.maxBytes)
	}
	return body, nil
}

type postgrestErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var parsed postgrestErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		return apiErr
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" && len(trimmed) <= 512 {
		apiErr.Message = trimmed
	}
	return apiErr
}
