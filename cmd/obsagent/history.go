package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cgast/obsagent/internal/inspector"
)

// handleHistory implements `obsagent history [--limit N]` and
// `obsagent history <run-id>`.
func handleHistory(args []string) error {
	limit, args, err := intFlag(args, "limit", 20)
	if err != nil {
		return err
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.store == nil {
		return fmt.Errorf("history is disabled (history.persist: false)")
	}

	if len(args) > 0 {
		run, err := a.store.Get(args[0])
		if err != nil {
			return err
		}
		printRun(run)
		if run.HandlerError != "" {
			fmt.Printf("Handler error: %s\n", run.HandlerError)
		}
		return nil
	}

	runs, err := a.store.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tCONTRACT\tEXECUTION\tWORST\tSUMMARY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Contract, r.ExecutionID, r.Worst, formatSummary(r.Summary))
	}
	return tw.Flush()
}

// handleInspect implements `obsagent inspect [--port N]`.
func handleInspect(ctx context.Context, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	port, _, err := intFlag(args, "port", a.cfg.Inspector.Port)
	if err != nil {
		return err
	}
	if v := os.Getenv("OBSAGENT_INSPECTOR_PORT"); v != "" && port == a.cfg.Inspector.Port {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OBSAGENT_INSPECTOR_PORT: %w", err)
		}
		port = n
	}

	srv := inspector.New(a.bus, a.store, inspector.WithLogger(a.logger))
	fmt.Fprintf(os.Stderr, "Inspector running at http://localhost:%d\n", port)
	return srv.Start(ctx, port)
}
