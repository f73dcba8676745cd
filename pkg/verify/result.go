package verify

import (
	"fmt"
	"sort"
	"strings"
)

// NotEvaluated is the Actual/Expected sentinel for commitments whose check
// did not run on this execution.
const NotEvaluated = "<not evaluated>"

// IntermediateResult is produced by a single checker invocation and is not
// yet attributed to a commitment.
type IntermediateResult struct {
	Status   Status         `json:"status"`
	Actual   string         `json:"actual"`
	Expected string         `json:"expected"`
	Context  map[string]any `json:"context,omitempty"`
}

// VerificationResult is the finalized outcome of one commitment's evaluation.
type VerificationResult struct {
	Status         Status         `json:"status"`
	CommitmentName string         `json:"commitment_name"`
	Actual         string         `json:"actual"`
	Expected       string         `json:"expected"`
	Context        map[string]any `json:"context,omitempty"`
}

// Attribute finalizes r under the given commitment name.
func (r IntermediateResult) Attribute(name string) VerificationResult {
	return VerificationResult{
		Status:         r.Status,
		CommitmentName: name,
		Actual:         r.Actual,
		Expected:       r.Expected,
		Context:        r.Context,
	}
}

// Failing reports whether the result routes to violation handlers.
func (r VerificationResult) Failing() bool {
	return r.Status.Failing()
}

// Reasoning renders the result as the free-text explanation submitted to
// observability sinks.
func (r VerificationResult) Reasoning() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s actual=%q expected=%q", r.Status, r.Actual, r.Expected)
	if len(r.Context) > 0 {
		keys := make([]string, 0, len(r.Context))
		for k := range r.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, r.Context[k])
		}
	}
	return b.String()
}

// Summary counts results per status.
type Summary map[Status]int

// Summarize counts results per status.
func Summarize(results []VerificationResult) Summary {
	s := make(Summary)
	for _, r := range results {
		s[r.Status]++
	}
	return s
}

// Failing returns the number of failing results.
func (s Summary) Failing() int {
	n := 0
	for st, c := range s {
		if st.Failing() {
			n += c
		}
	}
	return n
}

// Worst returns the failing status with the highest reporting rank, or
// StatusPass when nothing failed.
func (s Summary) Worst() Status {
	worst := StatusPass
	for st, c := range s {
		if c > 0 && st.Failing() && st.Rank() > worst.Rank() {
			worst = st
		}
	}
	return worst
}

func errorResult(expected string, err error, checker string) IntermediateResult {
	return IntermediateResult{
		Status:   StatusVerificationError,
		Actual:   NotEvaluated,
		Expected: expected,
		Context: map[string]any{
			"error":   err.Error(),
			"checker": checker,
		},
	}
}
