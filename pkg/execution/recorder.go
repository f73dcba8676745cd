package execution

import (
	"sync"
	"time"
)

// Recorder collects tool calls while an agent runs and produces an immutable
// Execution when the run completes. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	id      string
	agent   string
	calls   []ToolCall
	output  string
	meta    map[string]string
	started time.Time
	now     func() time.Time
}

// NewRecorder starts recording a run with the given ID and agent name.
func NewRecorder(id, agent string) *Recorder {
	r := &Recorder{
		id:    id,
		agent: agent,
		meta:  make(map[string]string),
		now:   time.Now,
	}
	r.started = r.now()
	return r
}

// Record appends a completed tool call.
func (r *Recorder) Record(call ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call.StartedAt.IsZero() {
		call.StartedAt = r.now()
	}
	r.calls = append(r.calls, call)
}

// SetOutput sets the agent's final output.
func (r *Recorder) SetOutput(output string) {
	r.mu.Lock()
	r.output = output
	r.mu.Unlock()
}

// Tag attaches a metadata key/value to the run.
func (r *Recorder) Tag(key, value string) {
	r.mu.Lock()
	r.meta[key] = value
	r.mu.Unlock()
}

// Len returns the number of tool calls recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Finish returns a snapshot of the recorded run. The recorder may keep
// recording afterwards; the returned Execution does not share state with it.
func (r *Recorder) Finish() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]ToolCall, len(r.calls))
	copy(calls, r.calls)
	meta := make(map[string]string, len(r.meta))
	for k, v := range r.meta {
		meta[k] = v
	}
	return &Execution{
		ID:        r.id,
		Agent:     r.agent,
		ToolCalls: calls,
		Output:    r.output,
		StartedAt: r.started,
		EndedAt:   r.now(),
		Meta:      meta,
	}
}
