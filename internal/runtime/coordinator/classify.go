package coordinator

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/l0p7/streamcache/internal/expr"
)

// Class is a resource category with its own caching strategy.
type Class string

const (
	ClassStatic   Class = "static"
	ClassDocument Class = "document"
	ClassAPI      Class = "api"
	ClassImage    Class = "image"
	ClassOther    Class = "other"
)

// bucket names the store family a class is cached in. Other has none.
func (c Class) bucket() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassDocument:
		return "pages"
	case ClassAPI:
		return "api"
	case ClassImage:
		return "images"
	default:
		return ""
	}
}

// Buckets lists every store family a generation owns.
var Buckets = []string{"static", "pages", "api", "images"}

// ClassRule routes requests for which Expression holds into Class.
type ClassRule struct {
	Class      Class
	Expression string
}

// DefaultRules returns the built-in classification for an API path prefix.
// Rules are checked in order; a request matching none is ClassOther.
func DefaultRules(apiPrefix string) []ClassRule {
	return []ClassRule{
		{Class: ClassAPI, Expression: fmt.Sprintf("request.path.startsWith(%s)", strconv.Quote(apiPrefix))},
		{Class: ClassImage, Expression: `request.destination == "image" || request.ext in ["png", "jpg", "jpeg", "gif", "webp", "avif", "svg", "ico"]`},
		{Class: ClassStatic, Expression: `request.destination in ["script", "style", "font", "manifest"] || request.ext in ["js", "mjs", "css", "woff", "woff2", "ttf", "otf", "json", "webmanifest"]`},
		{Class: ClassDocument, Expression: `request.mode == "navigate" || request.destination == "document" || request.accept.contains("text/html") || request.ext in ["html", "htm"] || request.ext == ""`},
	}
}

type compiledRule struct {
	class     Class
	predicate expr.Predicate
}

// Classifier evaluates class rules against incoming requests.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles rules. An empty rule set classifies everything as
// ClassOther.
func NewClassifier(rules []ClassRule) (*Classifier, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		switch rule.Class {
		case ClassStatic, ClassDocument, ClassAPI, ClassImage, ClassOther:
		default:
			return nil, fmt.Errorf("coordinator: unknown class %q", rule.Class)
		}
		predicate, err := env.Compile(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("coordinator: rule for %s: %w", rule.Class, err)
		}
		compiled = append(compiled, compiledRule{class: rule.Class, predicate: predicate})
	}
	return &Classifier{rules: compiled}, nil
}

// Classify returns the class of r. Non-GET requests are always ClassOther.
// Rules that fail to evaluate are skipped.
func (c *Classifier) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return ClassOther
	}
	req := expr.DescribeRequest(r)
	for _, rule := range c.rules {
		matched, err := rule.predicate.Match(req)
		if err == nil && matched {
			return rule.class
		}
	}
	return ClassOther
}
