// Package execution models the recorded trace of an agent run: its tool
// calls, final output and metadata.
package execution

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Execution is the recorded trace of one agent run. It is produced by the
// agent runtime and handed to the verification engine, which treats it as
// read-only evidence.
type Execution struct {
	ID        string            `json:"id" yaml:"id"`
	Agent     string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	ToolCalls []ToolCall        `json:"tool_calls" yaml:"tool_calls"`
	Output    string            `json:"output,omitempty" yaml:"output,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt   time.Time         `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Meta      map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// ToolCall records a single tool invocation made by the agent.
type ToolCall struct {
	ID        string         `json:"id,omitempty" yaml:"id,omitempty"`
	Tool      string         `json:"tool" yaml:"tool"`
	Args      map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Context   map[string]any `json:"context,omitempty" yaml:"context,omitempty"` // invocation context supplied by the runtime
	Response  any            `json:"response,omitempty" yaml:"response,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Calls returns a copy of the ordered tool calls.
func (e *Execution) Calls() []ToolCall {
	out := make([]ToolCall, len(e.ToolCalls))
	copy(out, e.ToolCalls)
	return out
}

// CallsTo returns every call made to the named tool, in order.
func (e *Execution) CallsTo(tool string) []ToolCall {
	var out []ToolCall
	for _, c := range e.ToolCalls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// Called reports whether the named tool was invoked at least once.
func (e *Execution) Called(tool string) bool {
	for _, c := range e.ToolCalls {
		if c.Tool == tool {
			return true
		}
	}
	return false
}

// Tools returns the distinct tool names in first-use order.
func (e *Execution) Tools() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range e.ToolCalls {
		if !seen[c.Tool] {
			seen[c.Tool] = true
			names = append(names, c.Tool)
		}
	}
	return names
}

// Transcript renders the execution as plain text, one line per tool call
// followed by the final output. Used as evidence in judge prompts.
func (e *Execution) Transcript() string {
	var b strings.Builder
	for i, c := range e.ToolCalls {
		fmt.Fprintf(&b, "[%d] tool=%s args=%s", i+1, c.Tool, Stringify(c.Args))
		if c.Response != nil {
			fmt.Fprintf(&b, " response=%s", Stringify(c.Response))
		}
		if c.Error != "" {
			fmt.Fprintf(&b, " error=%q", c.Error)
		}
		b.WriteByte('\n')
	}
	if e.Output != "" {
		fmt.Fprintf(&b, "final output:\n%s\n", e.Output)
	}
	return b.String()
}

// Activation returns a map view of the execution for expression evaluation.
// Values are JSON-normalized so that nested structures are plain maps and slices.
func (e *Execution) Activation() map[string]any {
	calls := make([]any, len(e.ToolCalls))
	for i, c := range e.ToolCalls {
		calls[i] = map[string]any{
			"tool":     c.Tool,
			"args":     Normalize(c.Args),
			"context":  Normalize(c.Context),
			"response": Normalize(c.Response),
			"error":    c.Error,
		}
	}
	tools := make([]any, 0, len(e.ToolCalls))
	for _, t := range e.Tools() {
		tools = append(tools, t)
	}
	meta := make(map[string]any, len(e.Meta))
	for k, v := range e.Meta {
		meta[k] = v
	}
	return map[string]any{
		"id":         e.ID,
		"agent":      e.Agent,
		"tool_calls": calls,
		"tools":      tools,
		"output":     e.Output,
		"meta":       meta,
	}
}

// Arg returns the named argument of a tool call as a string.
// Missing arguments return ok=false.
func (c ToolCall) Arg(name string) (string, bool) {
	v, ok := c.Args[name]
	if !ok {
		return "", false
	}
	return Stringify(v), true
}

// ResponseString returns the tool response as a string.
func (c ToolCall) ResponseString() string {
	return Stringify(c.Response)
}

// Stringify returns v as a string, using its JSON representation for
// non-string values.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprintf("%v", s)
		}
		return string(b)
	}
}

// Normalize round-trips v through JSON so that typed structs become maps.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}
