package checks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/cgast/obsagent/pkg/execution"
)

var (
	celOnce sync.Once
	celEnv  *cel.Env
	celErr  error
)

// executionEnv declares the variables of Execution.Activation.
func executionEnv() (*cel.Env, error) {
	celOnce.Do(func() {
		celEnv, celErr = cel.NewEnv(
			cel.Variable("id", cel.StringType),
			cel.Variable("agent", cel.StringType),
			cel.Variable("output", cel.StringType),
			cel.Variable("tool_calls", cel.ListType(cel.DynType)),
			cel.Variable("tools", cel.ListType(cel.StringType)),
			cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celErr
}

// compileCEL compiles a boolean CEL expression over the execution, e.g.
//
//	tool_calls.all(c, c.tool != "write_file" || c.args.filename == "report.txt")
func compileCEL(a Assertion) (Check, error) {
	expr, err := expectedString(a)
	if err != nil {
		return nil, err
	}
	env, err := executionEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, invalid("compile %q: %v", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, invalid("expression %q must evaluate to bool, not %v", expr, ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(100000),
	)
	if err != nil {
		return nil, invalid("program %q: %v", expr, err)
	}

	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		out, _, err := prg.ContextEval(ctx, exec.Activation())
		if err != nil {
			return Outcome{}, fmt.Errorf("eval %q: %w", expr, err)
		}
		passed, ok := out.Value().(bool)
		if !ok {
			return Outcome{}, fmt.Errorf("eval %q: result %v is not bool", expr, out.Value())
		}
		return Outcome{
			Passed:   passed,
			Actual:   fmt.Sprintf("%v", passed),
			Expected: expr,
			Message:  message(a, passed, fmt.Sprintf("expression %q is false", expr)),
		}, nil
	}, nil
}
