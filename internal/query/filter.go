package query

import (
	"sort"
	"strings"
)

// Operator is a PostgREST comparison operator.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpLike  Operator = "like"
	OpILike Operator = "ilike"
	OpIs    Operator = "is"
	OpIn    Operator = "in"
	OpCs    Operator = "cs"
	OpCd    Operator = "cd"
	OpOv    Operator = "ov"
	OpSl    Operator = "sl"
	OpSr    Operator = "sr"
	OpNxl   Operator = "nxl"
	OpNxr   Operator = "nxr"
	OpAdj   Operator = "adj"
	OpFts   Operator = "fts"
	OpPlFts Operator = "plfts"
	OpPhFts Operator = "phfts"
	OpWFts  Operator = "wfts"
)

var knownOperators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpLike: {}, OpILike: {}, OpIs: {}, OpIn: {}, OpCs: {}, OpCd: {},
	OpOv: {}, OpSl: {}, OpSr: {}, OpNxl: {}, OpNxr: {}, OpAdj: {},
	OpFts: {}, OpPlFts: {}, OpPhFts: {}, OpWFts: {},
}

// Filter is a single parsed predicate.
type Filter struct {
	Field    string
	Operator Operator
	Value    string
}

// ParseFilter splits an optional "op." prefix off raw. Values without a
// recognized prefix are equality predicates on the whole string, so
// "eq.published" and "published" are equivalent.
func ParseFilter(field, raw string) Filter {
	if idx := strings.IndexByte(raw, '.'); idx > 0 {
		op := Operator(strings.ToLower(raw[:idx]))
		if _, ok := knownOperators[op]; ok {
			return Filter{Field: field, Operator: op, Value: raw[idx+1:]}
		}
	}
	return Filter{Field: field, Operator: OpEq, Value: raw}
}

// Equality reports whether the predicate is a plain equality match.
func (f Filter) Equality() bool {
	return f.Operator == OpEq
}

// Expression renders the predicate in PostgREST query-string form.
func (f Filter) Expression() string {
	return string(f.Operator) + "." + f.Value
}

func sortedFields(where map[string]string) []string {
	fields := make([]string, 0, len(where))
	for field := range where {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
