package query

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by Normalize.
const (
	DefaultSelect  = "*"
	DefaultOrderBy = "created_at"
	DefaultOrder   = "desc"
	DefaultLimit   = 100
	DefaultTimeout = 15 * time.Second
)

// Options describes the shape of a read against a remote table. The zero value
// is valid and resolves to the documented defaults.
type Options struct {
	Select  string
	Where   map[string]string
	OrderBy string
	Order   string
	Limit   int
	Offset  int
	// Timeout bounds a single attempt. It does not participate in the cache key.
	Timeout time.Duration
}

// Normalize returns a copy with every unset field replaced by its default.
func (o Options) Normalize() Options {
	out := o
	out.Where = cloneWhere(o.Where)
	if strings.TrimSpace(out.Select) == "" {
		out.Select = DefaultSelect
	}
	if strings.TrimSpace(out.OrderBy) == "" {
		out.OrderBy = DefaultOrderBy
	}
	switch strings.ToLower(strings.TrimSpace(out.Order)) {
	case "asc":
		out.Order = "asc"
	default:
		out.Order = DefaultOrder
	}
	if out.Limit <= 0 {
		out.Limit = DefaultLimit
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// Ascending reports whether results are sorted in ascending order.
func (o Options) Ascending() bool {
	return strings.EqualFold(o.Order, "asc")
}

// Filters parses Where into predicates sorted by field name.
func (o Options) Filters() []Filter {
	fields := sortedFields(o.Where)
	out := make([]Filter, 0, len(fields))
	for _, field := range fields {
		out = append(out, ParseFilter(field, o.Where[field]))
	}
	return out
}

// Simplify drops every predicate that is not a plain equality along with any
// predicate on the id column. It returns the broadened options and whether
// any predicate survived.
func (o Options) Simplify() (Options, bool) {
	out := o
	out.Where = make(map[string]string, len(o.Where))
	for field, raw := range o.Where {
		if strings.EqualFold(field, "id") {
			continue
		}
		if !ParseFilter(field, raw).Equality() {
			continue
		}
		out.Where[field] = raw
	}
	return out, len(out.Where) > 0
}

// Key derives the cache key for a read. Options are normalized first so that
// a zero value and its explicit defaults share a key, and Where is serialized
// with sorted field names so insertion order never matters.
func Key(table string, opts Options) string {
	n := opts.Normalize()
	where := n.Where
	if where == nil {
		where = map[string]string{}
	}
	// encoding/json sorts map keys.
	encoded, err := json.Marshal(where)
	if err != nil {
		encoded = []byte("{}")
	}
	parts := []string{
		table,
		n.Select,
		string(encoded),
		n.OrderBy,
		n.Order,
		strconv.Itoa(n.Limit),
		strconv.Itoa(n.Offset),
	}
	return strings.Join(parts, "|")
}

func cloneWhere(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
