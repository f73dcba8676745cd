package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cgast/obsagent/pkg/events"
	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/history"
	"github.com/cgast/obsagent/pkg/observability"
	"github.com/cgast/obsagent/pkg/spec"
	"github.com/cgast/obsagent/pkg/tools"
	"github.com/cgast/obsagent/pkg/verify"
)

const demoReport = `Quarterly summary

Revenue grew 12% quarter over quarter, driven by the enterprise tier.
Churn fell to 2.1%. Support backlog is down to 14 open tickets.
`

// handleDemo implements `obsagent demo [workspace-dir]`: a scripted
// report-writing agent runs against a scratch workspace, and its recorded
// execution is verified against the report-writer contract. The agent
// saves its report under the wrong name, so file_naming_policy fails.
func handleDemo(ctx context.Context, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	workspace := a.cfg.Tools.Root
	if len(args) > 0 {
		workspace = args[0]
	}
	if workspace == "" {
		dir, err := os.MkdirTemp("", "obsagent-demo-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		workspace = dir
	}

	registry, err := tools.NewRegistry(tools.FileSystem{Root: workspace}.Tools()...)
	if err != nil {
		return err
	}
	if err := registry.Register(tools.NewHTTPGet(nil, a.cfg.Tools.AllowedDomains...)); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "=== Demo: report writer ===\n")
	fmt.Fprintf(os.Stderr, "Workspace: %s\n", workspace)
	fmt.Fprintf(os.Stderr, "Tools:\n")
	for _, t := range registry.Catalog("*") {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", t.Name, t.Description)
	}
	fmt.Fprintln(os.Stderr)

	exec, err := runReportAgent(ctx, registry)
	if err != nil {
		return err
	}

	data, err := templates.ReadFile("templates/report-writer.yaml")
	if err != nil {
		return err
	}
	cs, err := spec.ParseContract(data, map[string]string{"filename": "report.txt"})
	if err != nil {
		return err
	}

	ch := a.bus.Subscribe(events.Filter{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintf(os.Stderr, "[event] %s\n", ev.Type)
		}
	}()

	var run *history.Run
	err = a.withTelemetry(ctx, func(ctx context.Context, t *observability.Telemetry) error {
		r, err := a.runner(t, demoOptions(a)...)
		if err != nil {
			return err
		}
		run, err = r.Run(ctx, cs, exec)
		return err
	})
	a.bus.Unsubscribe(ch)
	<-done

	var herr *verify.HandlerError
	if err != nil && !errors.As(err, &herr) {
		return err
	}
	fmt.Println()
	printRun(run)
	if herr != nil {
		fmt.Printf("Handler error: %v\n", herr)
	}
	return nil
}

// runReportAgent plays a scripted agent through the tool registry and
// returns its recorded execution.
func runReportAgent(ctx context.Context, registry *tools.Registry) (*execution.Execution, error) {
	rec := execution.NewRecorder(fmt.Sprintf("demo-%d", time.Now().Unix()), "report-writer")
	rec.Tag("demo", "report-writer")

	steps := []struct {
		tool string
		args map[string]any
	}{
		{"fs.list", map[string]any{"path": "."}},
		{"fs.write", map[string]any{"path": "output.txt", "content": demoReport}},
		{"fs.read", map[string]any{"path": "output.txt"}},
	}
	for _, step := range steps {
		if _, err := registry.Invoke(ctx, rec, step.tool, step.args); err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "[agent] %s %v\n", step.tool, step.args["path"])
	}
	rec.SetOutput("Saved the quarterly summary to output.txt.")
	return rec.Finish(), nil
}

// demoOptions makes the demo self-contained: without a configured judge, a
// keyword judge stands in, and sampling always fires unless a seed is set.
func demoOptions(a *app) []spec.BuildOption {
	var opts []spec.BuildOption
	if !a.cfg.Judge.Enabled() {
		opts = append(opts, spec.WithSemanticChecker(verify.SemanticFunc(keywordJudge)))
	}
	if a.cfg.Verify.Seed == nil {
		opts = append(opts, spec.WithSampler(verify.FixedSampler(0)))
	}
	return opts
}

var speculative = []string{"probably", "might", "i think", "i guess", "rumor"}

func keywordJudge(ctx context.Context, exec *execution.Execution, terms string) (verify.IntermediateResult, error) {
	var text strings.Builder
	text.WriteString(exec.Output)
	for _, c := range exec.CallsTo("fs.write") {
		if s, ok := c.Args["content"].(string); ok {
			text.WriteString("\n" + s)
		}
	}
	lower := strings.ToLower(text.String())
	for _, w := range speculative {
		if strings.Contains(lower, w) {
			return verify.IntermediateResult{
				Status:   verify.StatusWarning,
				Actual:   fmt.Sprintf("speculative wording %q", w),
				Expected: terms,
				Context:  map[string]any{"judge": "keyword"},
			}, nil
		}
	}
	return verify.IntermediateResult{
		Status:   verify.StatusPass,
		Actual:   "no speculative wording",
		Expected: terms,
		Context:  map[string]any{"judge": "keyword"},
	}, nil
}
