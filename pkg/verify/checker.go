package verify

import (
	"context"
	"fmt"

	"github.com/cgast/obsagent/pkg/execution"
)

// DeterministicChecker judges an execution exactly, without sampling.
// Deterministic checks are assumed cheap and run on every evaluation.
type DeterministicChecker interface {
	Check(ctx context.Context, exec *execution.Execution) (IntermediateResult, error)
}

// SemanticChecker estimates compliance of an execution with natural-language
// terms, typically by asking an LLM judge. It may perform network calls and
// may fail.
type SemanticChecker interface {
	Judge(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error)
}

// DeterministicFunc adapts a function to DeterministicChecker.
type DeterministicFunc func(ctx context.Context, exec *execution.Execution) (IntermediateResult, error)

func (f DeterministicFunc) Check(ctx context.Context, exec *execution.Execution) (IntermediateResult, error) {
	return f(ctx, exec)
}

// SemanticFunc adapts a function to SemanticChecker.
type SemanticFunc func(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error)

func (f SemanticFunc) Judge(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error) {
	return f(ctx, exec, terms)
}

// callChecker runs fn and converts returned errors, panics and statuses
// other than a verdict into a verification_error result. A faulty checker
// must never abort the surrounding verification pass, and skipped only ever
// comes from the sampling gate.
func callChecker(kind, expected string, fn func() (IntermediateResult, error)) (res IntermediateResult) {
	defer func() {
		if p := recover(); p != nil {
			res = errorResult(expected, fmt.Errorf("checker panicked: %v", p), kind)
		}
	}()

	r, err := fn()
	if err != nil {
		return errorResult(expected, err, kind)
	}
	if !r.Status.Valid() {
		return errorResult(expected, fmt.Errorf("checker returned unknown status %q", r.Status), kind)
	}
	if !r.Status.Judgemental() {
		return errorResult(expected, fmt.Errorf("checker returned non-verdict status %q", r.Status), kind)
	}
	return r
}
