// Package templates renders the offline fallback documents. Output is HTML
// escaped by html/template and templates get the sprig helpers minus anything
// that reaches the filesystem or the unfiltered environment.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	sprig "github.com/Masterminds/sprig/v3"
)

// blockedHelpers are sprig functions that bypass the sandbox.
var blockedHelpers = []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"}

// Renderer compiles offline page templates.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled page. Templates are safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer bound to sandbox. A nil sandbox disables
// CompileFile and makes env and expandenv resolve to empty strings.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.HtmlFuncMap()
	for _, name := range blockedHelpers {
		delete(funcs, name)
	}
	funcs["env"] = func(key string) string {
		return sandbox.Environment()[key]
	}
	funcs["expandenv"] = func(input string) string {
		env := sandbox.Environment()
		return os.Expand(input, func(key string) string { return env[key] })
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Sandbox exposes the renderer's sandbox.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source as a page named name.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("templates: %q is empty", name)
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile resolves path inside the sandbox and parses it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Render executes the page with data.
func (t *Template) Render(data any) ([]byte, error) {
	if t == nil {
		return nil, errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.Bytes(), nil
}

// Name exposes the template name for logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
