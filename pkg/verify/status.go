// Package verify checks an agent execution against a contract of behavioural
// commitments. Each commitment is evaluated by a deterministic checker when
// one is configured, and otherwise by a sampled semantic (LLM-judged) checker.
package verify

import "fmt"

// Status is the outcome of evaluating one commitment.
type Status string

const (
	StatusPass              Status = "pass"
	StatusWarning           Status = "warning"
	StatusViolation         Status = "violation"
	StatusCritical          Status = "critical"
	StatusSkipped           Status = "skipped"
	StatusVerificationError Status = "verification_error"
)

// statusOrder is the reporting order of the closed status set.
var statusOrder = []Status{
	StatusPass,
	StatusWarning,
	StatusViolation,
	StatusCritical,
	StatusSkipped,
	StatusVerificationError,
}

// Statuses returns every status in reporting order.
func Statuses() []Status {
	out := make([]Status, len(statusOrder))
	copy(out, statusOrder)
	return out
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range statusOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown verification status %q", s)
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Failing reports whether s routes to violation handlers.
// Everything except pass and skipped is failing.
func (s Status) Failing() bool {
	return s != StatusPass && s != StatusSkipped
}

// Rank is the position of s in reporting order, or -1 for unknown statuses.
func (s Status) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Judgemental reports whether s is a verdict about the execution itself,
// as opposed to a skip or a checker fault.
func (s Status) Judgemental() bool {
	switch s {
	case StatusPass, StatusWarning, StatusViolation, StatusCritical:
		return true
	}
	return false
}

// EvaluationValue is the categorical value submitted to an observability sink.
type EvaluationValue string

const (
	EvaluationPass EvaluationValue = "pass"
	EvaluationFail EvaluationValue = "fail"
	EvaluationSkip EvaluationValue = "skip"
)

// Evaluation maps a status to the value reported to observers.
func (s Status) Evaluation() EvaluationValue {
	switch s {
	case StatusPass:
		return EvaluationPass
	case StatusSkipped:
		return EvaluationSkip
	default:
		return EvaluationFail
	}
}
