package checks

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cgast/obsagent/internal/pathpolicy"
	"github.com/cgast/obsagent/pkg/execution"
)

// pathsSpec is the expected value of a paths_within assertion.
type pathsSpec struct {
	pathpolicy.Config `yaml:",inline"`
	SizeArg           string `yaml:"size_arg"`
}

// compilePathsWithin checks the path argument (a.Arg, default "path") of
// every call to a.Tool, or of every call carrying that argument when a.Tool
// is empty. With max_size set, the size_arg argument (default "content")
// is bounded too.
func compilePathsWithin(a Assertion) (Check, error) {
	var spec pathsSpec
	raw, err := yaml.Marshal(a.Expected)
	if err != nil {
		return nil, invalid("expected: %v", err)
	}
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, invalid("expected must be a path policy: %v", err)
	}
	policy, err := pathpolicy.New(spec.Config)
	if err != nil {
		return nil, invalid("%v", err)
	}
	argName := a.Arg
	if argName == "" {
		argName = "path"
	}
	sizeArg := spec.SizeArg
	if sizeArg == "" {
		sizeArg = "content"
	}
	expected := fmt.Sprintf("paths within %v", policy.Allowed())
	if len(policy.Allowed()) == 0 {
		expected = fmt.Sprintf("paths outside %v", policy.Denied())
	}

	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		calls := exec.ToolCalls
		if a.Tool != "" {
			calls = exec.CallsTo(a.Tool)
		}
		checked := 0
		var last string
		for _, c := range calls {
			p, ok := c.Arg(argName)
			if !ok {
				continue
			}
			checked++
			last = p
			if err := policy.CheckPath(p); err != nil {
				return Outcome{
					Passed:   false,
					Actual:   p,
					Expected: expected,
					Message:  message(a, false, err.Error()),
				}, nil
			}
			if body, ok := c.Arg(sizeArg); ok {
				if err := policy.CheckSize(int64(len(body))); err != nil {
					return Outcome{
						Passed:   false,
						Actual:   fmt.Sprintf("%s (%s)", p, pathpolicy.FormatSize(int64(len(body)))),
						Expected: fmt.Sprintf("at most %s", pathpolicy.FormatSize(policy.MaxSize())),
						Message:  message(a, false, err.Error()),
					}, nil
				}
			}
		}
		if checked == 0 {
			last = "no paths"
		}
		return Outcome{Passed: true, Actual: last, Expected: expected}, nil
	}, nil
}
