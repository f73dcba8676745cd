package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/history"
	"github.com/cgast/obsagent/pkg/observability"
	"github.com/cgast/obsagent/pkg/spec"
	"github.com/cgast/obsagent/pkg/verify"
)

const (
	exitError   = 1
	exitFailing = 3
)

// failingError reports a completed run whose worst status is failing.
type failingError struct {
	worst verify.Status
}

func (e *failingError) Error() string {
	return fmt.Sprintf("verification %s", e.worst)
}

func exitCode(err error) int {
	var f *failingError
	if errors.As(err, &f) {
		return exitFailing
	}
	return exitError
}

// handleVerify implements `obsagent verify <contract.yaml> <execution> [--param k=v] [--seed N] [--json]`.
func handleVerify(ctx context.Context, args []string) error {
	params, args := parseParams(args)
	asJSON, args := hasFlag(args, "json")
	seedStr, hasSeed, args := flagValue(args, "seed")
	if len(args) < 2 {
		fmt.Println("Usage: obsagent verify <contract.yaml> <execution.json|yaml> [--param k=v] [--seed N] [--json]")
		return nil
	}

	cs, err := spec.LoadContract(args[0], params)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	exec, err := execution.Load(args[1])
	if err != nil {
		return err
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	if hasSeed {
		seed, err := strconv.ParseUint(seedStr, 10, 64)
		if err != nil {
			return fmt.Errorf("--seed: %w", err)
		}
		a.cfg.Verify.Seed = &seed
	}

	var run *history.Run
	err = a.withTelemetry(ctx, func(ctx context.Context, t *observability.Telemetry) error {
		r, err := a.runner(t)
		if err != nil {
			return err
		}
		run, err = r.Run(ctx, cs, exec)
		return err
	})

	var herr *verify.HandlerError
	if err != nil && !errors.As(err, &herr) {
		return err
	}
	if run == nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(verifyResult(run)); err != nil {
			return err
		}
	} else {
		printRun(run)
	}
	if herr != nil {
		return herr
	}
	if run.Worst.Failing() {
		return &failingError{worst: run.Worst}
	}
	return nil
}

// printRun writes a human-readable result table to stdout.
func printRun(run *history.Run) {
	fmt.Printf("Contract: %s\n", run.Contract)
	fmt.Printf("Execution: %s", run.ExecutionID)
	if run.Agent != "" {
		fmt.Printf(" (%s)", run.Agent)
	}
	fmt.Printf("\nRun: %s\n\n", run.ID)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMITMENT\tSTATUS\tACTUAL\tEXPECTED")
	for _, r := range run.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.CommitmentName, r.Status, oneLine(r.Actual, 60), oneLine(r.Expected, 60))
	}
	tw.Flush()

	fmt.Printf("\nSummary: %s (worst: %s, %s)\n", formatSummary(run.Summary), run.Worst, run.Duration.Round(time.Microsecond))
}

func formatSummary(s map[verify.Status]int) string {
	var parts []string
	for _, st := range verify.Statuses() {
		if n := s[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(parts) == 0 {
		return "no commitments"
	}
	return strings.Join(parts, ", ")
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > width {
		cut := width - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}

// handleValidate implements `obsagent validate <contract.yaml>`.
func handleValidate(args []string) error {
	params, args := parseParams(args)
	if len(args) < 1 {
		fmt.Println("Usage: obsagent validate <contract.yaml> [--param k=v]")
		return nil
	}

	path := args[0]
	cs, err := spec.LoadContract(path, params)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	if data, err := os.ReadFile(path); err == nil {
		if missing := spec.Unresolved(data, params); len(missing) > 0 {
			fmt.Printf("warning: unresolved parameters: %s\n", strings.Join(missing, ", "))
		}
	}

	vr := spec.ValidateContract(cs)
	if vr.Valid() {
		fmt.Printf("Contract %q is valid (%d commitments).\n", cs.Meta.Name, len(cs.Commitments))
		return nil
	}

	fmt.Printf("Contract %q has %d error(s):\n", filepath.Base(path), len(vr.Errors))
	for _, e := range vr.Errors {
		fmt.Printf("  - %s: %s\n", e.Field, e.Message)
	}
	return fmt.Errorf("validation failed")
}

// handleTerms implements `obsagent terms <contract.yaml>`.
func handleTerms(args []string) error {
	params, args := parseParams(args)
	if len(args) < 1 {
		fmt.Println("Usage: obsagent terms <contract.yaml> [--param k=v]")
		return nil
	}
	cs, err := spec.LoadContract(args[0], params)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	fmt.Println(spec.Terms(cs))
	return nil
}

// handlePlan implements `obsagent plan <contract.yaml>`.
func handlePlan(args []string) error {
	params, args := parseParams(args)
	if len(args) < 1 {
		fmt.Println("Usage: obsagent plan <contract.yaml> [--param k=v]")
		return nil
	}
	cs, err := spec.LoadContract(args[0], params)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	plan, err := spec.GeneratePlan(cs)
	if err != nil {
		return err
	}

	fmt.Printf("Contract: %s\n", plan.Contract)
	fmt.Printf("Commitments: %s\n", plan.Summary)
	fmt.Printf("Expected judge calls per run: %.2f\n\n", plan.JudgeCalls)
	for i, step := range plan.Steps {
		fmt.Printf("  %d. %s [%s]", i+1, step.Commitment, step.Mode)
		if step.Mode != "deterministic" {
			fmt.Printf(" sampling=%.2f", step.SamplingRate)
		}
		if step.Severity != "" {
			fmt.Printf(" severity=%s", step.Severity)
		}
		fmt.Println()
		if len(step.Assertions) > 0 {
			fmt.Printf("     assertions: %s\n", strings.Join(step.Assertions, ", "))
		}
		if len(step.Handlers) > 0 {
			fmt.Printf("     on_violation: %s\n", strings.Join(step.Handlers, ", "))
		}
	}
	if len(plan.Handlers) > 0 {
		fmt.Printf("\nContract handlers: %s\n", strings.Join(plan.Handlers, ", "))
	}
	return nil
}
