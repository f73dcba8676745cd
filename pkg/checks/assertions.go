// Package checks provides deterministic assertions over agent executions.
// Assertions are declared in contract files, compiled once, and grouped into
// a Rule that serves as a commitment's deterministic checker.
package checks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cgast/obsagent/pkg/execution"
)

// ErrUnknownAssertion is returned when an assertion type is not registered.
var ErrUnknownAssertion = errors.New("unknown assertion type")

// ErrInvalidAssertion is returned when an assertion is missing a field its
// type requires, or a field has the wrong shape.
var ErrInvalidAssertion = errors.New("invalid assertion")

// Assertion is one declarative check.
type Assertion struct {
	Type     string `yaml:"type" json:"type"`
	Tool     string `yaml:"tool,omitempty" json:"tool,omitempty"`
	Arg      string `yaml:"arg,omitempty" json:"arg,omitempty"`
	Expected any    `yaml:"expected,omitempty" json:"expected,omitempty"`
	Message  string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Outcome is the result of running one compiled assertion.
type Outcome struct {
	Passed   bool
	Actual   string
	Expected string
	Message  string
}

// Check runs a compiled assertion. A returned error means the check could
// not be carried out, not that the execution failed it.
type Check func(ctx context.Context, exec *execution.Execution) (Outcome, error)

// Factory compiles an assertion into a Check, validating its fields.
type Factory func(a Assertion) (Check, error)

// builtinCheckers maps assertion type names to their factories.
var builtinCheckers = map[string]Factory{
	"tool_called":          compileToolCalled,
	"tool_not_called":      compileToolNotCalled,
	"call_count_lte":       compileCallCount(false),
	"call_count_gte":       compileCallCount(true),
	"arg_equals":           compileArgEquals,
	"arg_contains":         compileArgContains(true),
	"arg_not_contains":     compileArgContains(false),
	"arg_matches_regex":    compileArgRegex,
	"output_not_empty":     compileOutputNotEmpty,
	"output_contains":      compileOutputContains(true),
	"output_not_contains":  compileOutputContains(false),
	"output_matches_regex": compileOutputRegex,
	"output_json_schema":   compileOutputSchema,
	"response_json_schema": compileResponseSchema,
	"cel":                  compileCEL,
	"paths_within":         compilePathsWithin,
}

// RegisterChecker adds or replaces an assertion type.
func RegisterChecker(name string, f Factory) {
	builtinCheckers[name] = f
}

// Types returns the registered assertion type names, sorted.
func Types() []string {
	names := make([]string, 0, len(builtinCheckers))
	for n := range builtinCheckers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compile validates a and returns its Check.
func Compile(a Assertion) (Check, error) {
	f, ok := builtinCheckers[a.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAssertion, a.Type)
	}
	c, err := f(a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Type, err)
	}
	return c, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAssertion, fmt.Sprintf(format, args...))
}

func requireTool(a Assertion) error {
	if a.Tool == "" {
		return invalid("tool is required")
	}
	return nil
}

func requireToolArg(a Assertion) error {
	if err := requireTool(a); err != nil {
		return err
	}
	if a.Arg == "" {
		return invalid("arg is required")
	}
	return nil
}

func expectedString(a Assertion) (string, error) {
	switch v := a.Expected.(type) {
	case string:
		return v, nil
	case nil:
		return "", invalid("expected is required")
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func message(a Assertion, passed bool, fallback string) string {
	if passed {
		return ""
	}
	if a.Message != "" {
		return a.Message
	}
	return fallback
}

func compileToolCalled(a Assertion) (Check, error) {
	if err := requireTool(a); err != nil {
		return nil, err
	}
	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		passed := exec.Called(a.Tool)
		return Outcome{
			Passed:   passed,
			Actual:   toolList(exec),
			Expected: fmt.Sprintf("call to %s", a.Tool),
			Message:  message(a, passed, fmt.Sprintf("tool %s was never called", a.Tool)),
		}, nil
	}, nil
}

func compileToolNotCalled(a Assertion) (Check, error) {
	if err := requireTool(a); err != nil {
		return nil, err
	}
	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		n := len(exec.CallsTo(a.Tool))
		passed := n == 0
		return Outcome{
			Passed:   passed,
			Actual:   fmt.Sprintf("%d calls to %s", n, a.Tool),
			Expected: fmt.Sprintf("no calls to %s", a.Tool),
			Message:  message(a, passed, fmt.Sprintf("forbidden tool %s was called %d times", a.Tool, n)),
		}, nil
	}, nil
}

// compileCallCount bounds the number of calls to a.Tool, or to any tool
// when a.Tool is empty.
func compileCallCount(atLeast bool) Factory {
	return func(a Assertion) (Check, error) {
		limit, err := toInt(a.Expected)
		if err != nil {
			return nil, invalid("expected must be an integer: %v", err)
		}
		op, subject := "<=", "tool calls"
		if atLeast {
			op = ">="
		}
		if a.Tool != "" {
			subject = "calls to " + a.Tool
		}
		return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
			n := len(exec.ToolCalls)
			if a.Tool != "" {
				n = len(exec.CallsTo(a.Tool))
			}
			passed := n <= limit
			if atLeast {
				passed = n >= limit
			}
			return Outcome{
				Passed:   passed,
				Actual:   fmt.Sprintf("%d %s", n, subject),
				Expected: fmt.Sprintf("%s %d %s", op, limit, subject),
				Message:  message(a, passed, fmt.Sprintf("%d %s, want %s %d", n, subject, op, limit)),
			}, nil
		}, nil
	}
}

// argCheck applies pred to a.Arg on every call to a.Tool. The first call
// that fails, or lacks the argument, decides the outcome. An execution
// that never calls the tool passes.
func argCheck(a Assertion, expected string, pred func(string) bool, describe string) Check {
	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		calls := exec.CallsTo(a.Tool)
		if len(calls) == 0 {
			return Outcome{
				Passed:   true,
				Actual:   fmt.Sprintf("no calls to %s", a.Tool),
				Expected: expected,
			}, nil
		}
		var last string
		for i, c := range calls {
			v, ok := c.Arg(a.Arg)
			if !ok {
				return Outcome{
					Passed:   false,
					Actual:   "<missing>",
					Expected: expected,
					Message:  message(a, false, fmt.Sprintf("call %d to %s has no %q argument", i+1, a.Tool, a.Arg)),
				}, nil
			}
			if !pred(v) {
				return Outcome{
					Passed:   false,
					Actual:   truncate(v, 200),
					Expected: expected,
					Message:  message(a, false, fmt.Sprintf("%s.%s %s", a.Tool, a.Arg, describe)),
				}, nil
			}
			last = v
		}
		return Outcome{Passed: true, Actual: truncate(last, 200), Expected: expected}, nil
	}
}

func compileArgEquals(a Assertion) (Check, error) {
	if err := requireToolArg(a); err != nil {
		return nil, err
	}
	want, err := expectedString(a)
	if err != nil {
		return nil, err
	}
	return argCheck(a, want, func(v string) bool { return v == want },
		fmt.Sprintf("is not %q", want)), nil
}

func compileArgContains(contains bool) Factory {
	return func(a Assertion) (Check, error) {
		if err := requireToolArg(a); err != nil {
			return nil, err
		}
		sub, err := expectedString(a)
		if err != nil {
			return nil, err
		}
		if contains {
			return argCheck(a, "contains "+sub, func(v string) bool { return strings.Contains(v, sub) },
				fmt.Sprintf("does not contain %q", sub)), nil
		}
		return argCheck(a, "does not contain "+sub, func(v string) bool { return !strings.Contains(v, sub) },
			fmt.Sprintf("should not contain %q", sub)), nil
	}
}

func compileArgRegex(a Assertion) (Check, error) {
	if err := requireToolArg(a); err != nil {
		return nil, err
	}
	re, err := compilePattern(a)
	if err != nil {
		return nil, err
	}
	return argCheck(a, re.String(), re.MatchString,
		fmt.Sprintf("does not match %q", re.String())), nil
}

func compileOutputNotEmpty(a Assertion) (Check, error) {
	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		passed := strings.TrimSpace(exec.Output) != ""
		return Outcome{
			Passed:   passed,
			Actual:   truncate(exec.Output, 200),
			Expected: "non-empty output",
			Message:  message(a, passed, "output is empty"),
		}, nil
	}, nil
}

func compileOutputContains(contains bool) Factory {
	return func(a Assertion) (Check, error) {
		sub, err := expectedString(a)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
			found := strings.Contains(exec.Output, sub)
			passed := found == contains
			expected, fallback := "contains "+sub, fmt.Sprintf("output does not contain %q", sub)
			if !contains {
				expected, fallback = "does not contain "+sub, fmt.Sprintf("output should not contain %q", sub)
			}
			return Outcome{
				Passed:   passed,
				Actual:   truncate(exec.Output, 200),
				Expected: expected,
				Message:  message(a, passed, fallback),
			}, nil
		}, nil
	}
}

func compileOutputRegex(a Assertion) (Check, error) {
	re, err := compilePattern(a)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		passed := re.MatchString(exec.Output)
		return Outcome{
			Passed:   passed,
			Actual:   truncate(exec.Output, 200),
			Expected: re.String(),
			Message:  message(a, passed, fmt.Sprintf("output does not match regex %q", re.String())),
		}, nil
	}, nil
}

func compilePattern(a Assertion) (*regexp.Regexp, error) {
	pattern, err := expectedString(a)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, invalid("bad pattern %q: %v", pattern, err)
	}
	return re, nil
}

func toolList(exec *execution.Execution) string {
	tools := exec.Tools()
	if len(tools) == 0 {
		return "no tool calls"
	}
	return strings.Join(tools, ", ")
}

// toInt converts various numeric types to int.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not a whole number", n)
		}
		return int(n), nil
	case string:
		var i int
		_, err := fmt.Sscanf(n, "%d", &i)
		return i, err
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

// truncate limits a string to maxLen bytes.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
