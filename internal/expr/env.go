// Package expr compiles the CEL predicates that route requests into cache
// classes.
package expr

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Request is the view of an HTTP request exposed to predicates as `request`.
type Request struct {
	Method      string
	Path        string
	Ext         string
	Accept      string
	Destination string
	Mode        string
	// Headers is keyed by lower-cased header name.
	Headers map[string]string
}

// DescribeRequest extracts the fields predicates can match on. Ext is the
// lower-cased path extension without its dot.
func DescribeRequest(r *http.Request) Request {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	return Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Ext:         strings.ToLower(strings.TrimPrefix(path.Ext(r.URL.Path), ".")),
		Accept:      r.Header.Get("Accept"),
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
		Headers:     headers,
	}
}

func (r Request) activation() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for name, value := range r.Headers {
		headers[name] = value
	}
	return map[string]any{
		"request": map[string]any{
			"method":      r.Method,
			"path":        r.Path,
			"ext":         r.Ext,
			"accept":      r.Accept,
			"destination": r.Destination,
			"mode":        r.Mode,
			"headers":     headers,
		},
	}
}

// Environment compiles predicates over a Request.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares `request` and the lookup(map, key) helper, which
// yields null instead of failing on a missing header.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookup),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Predicate is a compiled boolean expression. The zero value never matches.
type Predicate struct {
	source  string
	program cel.Program
}

// Compile type-checks expression and rejects anything that cannot yield a bool.
func (e *Environment) Compile(expression string) (Predicate, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Predicate{}, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Predicate{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Predicate{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Predicate{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Predicate{source: source, program: program}, nil
}

// Match evaluates the predicate against req. A dynamically typed expression
// that produces a non-bool value is an error.
func (p Predicate) Match(req Request) (bool, error) {
	if p.program == nil {
		return false, nil
	}
	val, _, err := p.program.Eval(req.activation())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded %s, want bool", p.source, val.Type().TypeName())
}

func (p Predicate) String() string { return p.source }

func lookup(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
