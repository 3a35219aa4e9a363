package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Sandbox confines offline page templates to a directory and decides which
// process environment variables they may read.
type Sandbox struct {
	root       string
	envEnabled bool
	allowEnv   []string
}

// NewSandbox initializes a sandbox rooted at the provided directory. The root
// must exist and be a directory. When allowEnv is true only the names in
// allowList are visible to the env and expandenv helpers.
func NewSandbox(root string, allowEnv bool, allowList []string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	allowed := make([]string, 0, len(allowList))
	for _, name := range allowList {
		if name = strings.TrimSpace(name); name != "" {
			allowed = append(allowed, name)
		}
	}
	return &Sandbox{root: abs, envEnabled: allowEnv, allowEnv: allowed}, nil
}

// Root returns the canonical sandbox directory.
func (s *Sandbox) Root() string { return s.root }

// AllowedEnv lists the environment variable names templates may read.
func (s *Sandbox) AllowedEnv() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.allowEnv...)
}

// Environment snapshots the allowed variables that are currently set.
func (s *Sandbox) Environment() map[string]string {
	env := make(map[string]string)
	if s == nil || !s.envEnabled {
		return env
	}
	for _, name := range s.allowEnv {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}

// Resolve normalizes the provided template path ensuring it is contained within
// the sandbox root. Both relative and absolute paths are supported as long as
// the resulting location does not escape the sandbox.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." || cleaned == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(s.root, cleaned)
	}
	cleaned = filepath.Clean(cleaned)
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing targets still get the traversal check.
			if !s.contains(cleaned) {
				return "", fmt.Errorf("templates: path %q escapes sandbox", path)
			}
			return "", fmt.Errorf("templates: resolve %q: %w", path, err)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.contains(evaluated) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return evaluated, nil
}

// contains reports whether the provided absolute path is inside the sandbox.
func (s *Sandbox) contains(candidate string) bool {
	sandbox := s.root
	if runtime.GOOS == "windows" {
		sandbox = strings.ToLower(sandbox)
		candidate = strings.ToLower(candidate)
	}
	if sandbox == candidate {
		return true
	}
	if !strings.HasSuffix(sandbox, string(os.PathSeparator)) {
		sandbox += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, sandbox)
}
