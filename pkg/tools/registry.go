// Package tools provides a small tool registry for agents whose runs are
// verified by obsagent. Every invocation through a Registry is recorded on an
// execution.Recorder, so the resulting trace is exactly what the agent did.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cgast/obsagent/pkg/execution"
)

// Tool is a callable capability offered to an agent.
type Tool interface {
	Name() string
	Description() string
	Params() []Param
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Param describes one tool argument.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// Registry holds tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = t
	return nil
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Match returns the names matching a pattern like "fs.*". Only a trailing
// "*" is supported.
func (r *Registry) Match(pattern string) []string {
	var out []string
	for _, name := range r.Names() {
		if matchGlob(pattern, name) {
			out = append(out, name)
		}
	}
	return out
}

// Spec describes a registered tool.
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params,omitempty"`
}

// Catalog describes the tools whose names match pattern, sorted by name.
func (r *Registry) Catalog(pattern string) []Spec {
	names := r.Match(pattern)
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		out = append(out, Spec{Name: n, Description: t.Description(), Params: t.Params()})
	}
	return out
}

func matchGlob(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// Invoke calls the named tool and records the call on rec. A failed call is
// still recorded, with its error. rec may be nil.
func (r *Registry) Invoke(ctx context.Context, rec *execution.Recorder, name string, args map[string]any) (any, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, callErr := t.Call(ctx, args)
	if rec != nil {
		call := execution.ToolCall{
			ID:        fmt.Sprintf("call_%d", rec.Len()+1),
			Tool:      name,
			Args:      args,
			Response:  resp,
			StartedAt: started,
			Duration:  time.Since(started),
		}
		if callErr != nil {
			call.Error = callErr.Error()
		}
		rec.Record(call)
	}
	if callErr != nil {
		return nil, fmt.Errorf("%s: %w", name, callErr)
	}
	return resp, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing %q argument", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}
