package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/verify"
)

// Rule is a conjunction of assertions used as a deterministic checker.
// It passes when every assertion passes and otherwise reports the first
// failure at the rule's severity.
type Rule struct {
	assertions []Assertion
	checks     []Check
	severity   verify.Status
}

// NewRule compiles assertions into a Rule. severity must be warning,
// violation or critical; empty selects violation.
func NewRule(severity verify.Status, assertions ...Assertion) (*Rule, error) {
	if severity == "" {
		severity = verify.StatusViolation
	}
	switch severity {
	case verify.StatusWarning, verify.StatusViolation, verify.StatusCritical:
	default:
		return nil, fmt.Errorf("rule severity must be warning, violation or critical, got %q", severity)
	}
	if len(assertions) == 0 {
		return nil, fmt.Errorf("%w: rule has no assertions", ErrInvalidAssertion)
	}

	r := &Rule{severity: severity}
	for i, a := range assertions {
		c, err := Compile(a)
		if err != nil {
			return nil, fmt.Errorf("assertion %d: %w", i+1, err)
		}
		r.assertions = append(r.assertions, a)
		r.checks = append(r.checks, c)
	}
	return r, nil
}

// Severity returns the status reported on failure.
func (r *Rule) Severity() verify.Status { return r.severity }

// Assertions returns the rule's assertions.
func (r *Rule) Assertions() []Assertion {
	out := make([]Assertion, len(r.assertions))
	copy(out, r.assertions)
	return out
}

// Check implements verify.DeterministicChecker.
func (r *Rule) Check(ctx context.Context, exec *execution.Execution) (verify.IntermediateResult, error) {
	actuals := make([]string, 0, len(r.checks))
	expecteds := make([]string, 0, len(r.checks))
	for i, c := range r.checks {
		if err := ctx.Err(); err != nil {
			return verify.IntermediateResult{}, err
		}
		o, err := c(ctx, exec)
		if err != nil {
			return verify.IntermediateResult{}, fmt.Errorf("%s: %w", r.assertions[i].Type, err)
		}
		if !o.Passed {
			return verify.IntermediateResult{
				Status:   r.severity,
				Actual:   o.Actual,
				Expected: o.Expected,
				Context: map[string]any{
					"assertion": r.assertions[i].Type,
					"index":     i,
					"message":   o.Message,
				},
			}, nil
		}
		actuals = append(actuals, o.Actual)
		expecteds = append(expecteds, o.Expected)
	}
	return verify.IntermediateResult{
		Status:   verify.StatusPass,
		Actual:   strings.Join(actuals, "; "),
		Expected: strings.Join(expecteds, "; "),
	}, nil
}
