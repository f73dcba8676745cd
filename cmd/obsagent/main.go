package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cgast/obsagent/internal/config"
	"github.com/cgast/obsagent/internal/logging"
	"github.com/cgast/obsagent/internal/runner"
	"github.com/cgast/obsagent/pkg/events"
	"github.com/cgast/obsagent/pkg/history"
	"github.com/cgast/obsagent/pkg/judge"
	ghnotify "github.com/cgast/obsagent/pkg/notify/github"
	"github.com/cgast/obsagent/pkg/observability"
	"github.com/cgast/obsagent/pkg/spec"
	"github.com/cgast/obsagent/pkg/verify"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `Usage: obsagent <command> [args...]

Commands:
  verify <contract.yaml> <execution.json|yaml> [--param k=v] [--seed N] [--json]
  validate <contract.yaml> [--param k=v]
  terms <contract.yaml> [--param k=v]
  plan <contract.yaml> [--param k=v]
  history [--limit N] | history <run-id>
  serve                 JSON-RPC 2.0 over stdin/stdout
  inspect [--port N]    HTTP inspector
  init [--template=name] [--output=path] [--config]
  demo [workspace-dir]
  version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "verify":
		err = handleVerify(ctx, args)
	case "validate":
		err = handleValidate(args)
	case "terms":
		err = handleTerms(args)
	case "plan":
		err = handlePlan(args)
	case "history":
		err = handleHistory(args)
	case "serve":
		err = handleServe(ctx)
	case "inspect":
		err = handleInspect(ctx, args)
	case "init":
		err = handleInit(args)
	case "demo":
		err = handleDemo(ctx, args)
	case "version", "--version":
		fmt.Println("obsagent", version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// app holds the process-wide collaborators shared by commands.
type app struct {
	cfg     config.Config
	plat    config.PlatformConfig
	logger  *slog.Logger
	bus     *events.MemoryBus
	store   *history.Store
	closers []func() error
}

// newApp loads configuration and builds the logger. The history store is
// opened only when withHistory is set and history is enabled.
func newApp(withHistory bool) (*app, error) {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: loading config: %v\n", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	plat, err := config.LoadPlatformConfig(platformConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: loading platform config: %v\n", err)
	}

	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{
		cfg:     cfg,
		plat:    plat,
		logger:  logger,
		bus:     events.NewMemoryBus(0),
		closers: []func() error{closeLog},
	}

	if withHistory && cfg.History.Persist {
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o755); err != nil {
			a.Close()
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
}

// handlers returns the named violation handlers contracts may refer to.
func (a *app) handlers() (map[string]verify.ViolationHandler, error) {
	hs := map[string]verify.ViolationHandler{
		"log":    logHandler(a.logger),
		"stderr": stderrHandler,
	}

	gh := a.plat.GitHub
	if gh.Configured() {
		clientOpts := []ghnotify.ClientOption{ghnotify.WithUserAgent("obsagent/" + version)}
		if gh.BaseURL != "" {
			clientOpts = append(clientOpts, ghnotify.WithBaseURL(gh.BaseURL))
		}
		client, err := ghnotify.NewClient(gh.Token, clientOpts...)
		if err != nil {
			return nil, err
		}
		minStatus := verify.StatusWarning
		if a.cfg.Verify.MinSeverity != "" {
			if minStatus, err = verify.ParseStatus(a.cfg.Verify.MinSeverity); err != nil {
				return nil, err
			}
		}
		reporter, err := ghnotify.NewReporter(client, gh.Repo,
			ghnotify.WithLabels(gh.Labels...),
			ghnotify.WithMinStatus(minStatus),
		)
		if err != nil {
			return nil, err
		}
		hs["github"] = reporter.Handler()
	}
	return hs, nil
}

// buildOptions translates the configuration into contract build options.
func (a *app) buildOptions() ([]spec.BuildOption, error) {
	hs, err := a.handlers()
	if err != nil {
		return nil, err
	}
	opts := []spec.BuildOption{spec.WithConcurrency(a.cfg.Verify.Concurrency)}
	for name, h := range hs {
		opts = append(opts, spec.WithHandler(name, h))
	}
	for _, name := range a.cfg.Verify.Handlers {
		h, ok := hs[name]
		if !ok {
			return nil, fmt.Errorf("verify.handlers: unknown handler %q", name)
		}
		opts = append(opts, spec.WithContractHandler(h))
	}

	if a.cfg.Judge.Enabled() {
		j, err := judge.New(a.cfg.Judge.Client(), judge.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, spec.WithSemanticChecker(j))
	}
	if a.cfg.Verify.Seed != nil {
		opts = append(opts, spec.WithSampler(verify.NewSeededSampler(*a.cfg.Verify.Seed)))
	}
	return opts, nil
}

// runner assembles a Runner reporting to tele. extra options are applied
// after the configured ones.
func (a *app) runner(tele *observability.Telemetry, extra ...spec.BuildOption) (*runner.Runner, error) {
	opts, err := a.buildOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	ropts := []runner.Option{
		runner.WithBuildOptions(opts...),
		runner.WithTelemetry(tele),
		runner.WithMetrics(),
		runner.WithEvents(a.bus),
		runner.WithLogger(a.logger),
	}
	if a.store != nil {
		ropts = append(ropts, runner.WithHistory(a.store, a.cfg.History.MaxEntries))
	}
	return runner.New(ropts...), nil
}

// withTelemetry runs fn inside a telemetry scope.
func (a *app) withTelemetry(ctx context.Context, fn func(ctx context.Context, t *observability.Telemetry) error) error {
	return observability.Use(ctx, a.cfg.Telemetry, fn,
		observability.WithLogger(a.logger),
		observability.AsGlobal(),
	)
}

func logHandler(logger *slog.Logger) verify.ViolationHandler {
	return func(ctx context.Context, r verify.VerificationResult) error {
		level := slog.LevelWarn
		if r.Status.Rank() >= verify.StatusCritical.Rank() {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "commitment not satisfied",
			"commitment", r.CommitmentName,
			"status", r.Status,
			"actual", r.Actual,
			"expected", r.Expected,
		)
		return nil
	}
}

func stderrHandler(_ context.Context, r verify.VerificationResult) error {
	_, err := fmt.Fprintf(os.Stderr, "%s %s: got %s, want %s\n",
		strings.ToUpper(string(r.Status)), r.CommitmentName, r.Actual, r.Expected)
	return err
}

func configPath() string {
	return filepath.Join(config.Dir, "config.yaml")
}

func platformConfigPath() string {
	return filepath.Join(config.Dir, "platforms.yaml")
}

// parseParams extracts --param key=value pairs from args and returns the
// remaining arguments.
func parseParams(args []string) (map[string]string, []string) {
	params := make(map[string]string)
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--param" && i+1 < len(args):
			i++
			if k, v, ok := strings.Cut(args[i], "="); ok {
				params[k] = v
			}
		case strings.HasPrefix(args[i], "--param="):
			if k, v, ok := strings.Cut(strings.TrimPrefix(args[i], "--param="), "="); ok {
				params[k] = v
			}
		default:
			rest = append(rest, args[i])
		}
	}
	return params, rest
}

// flagValue returns the value of --name=value or --name value, and args
// without it.
func flagValue(args []string, name string) (string, bool, []string) {
	prefix := "--" + name
	for i, arg := range args {
		if v, ok := strings.CutPrefix(arg, prefix+"="); ok {
			return v, true, append(append([]string(nil), args[:i]...), args[i+1:]...)
		}
		if arg == prefix && i+1 < len(args) {
			return args[i+1], true, append(append([]string(nil), args[:i]...), args[i+2:]...)
		}
	}
	return "", false, args
}

// hasFlag reports whether --name is present and returns args without it.
func hasFlag(args []string, name string) (bool, []string) {
	for i, arg := range args {
		if arg == "--"+name {
			return true, append(append([]string(nil), args[:i]...), args[i+1:]...)
		}
	}
	return false, args
}

func intFlag(args []string, name string, def int) (int, []string, error) {
	v, ok, rest := flagValue(args, name)
	if !ok {
		return def, rest, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, rest, fmt.Errorf("--%s must be a non-negative integer", name)
	}
	return n, rest, nil
}
