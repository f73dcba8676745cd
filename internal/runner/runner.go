// Package runner executes one verification run end to end: build the
// contract, verify the execution under a trace span, record metrics,
// publish events and persist the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cgast/obsagent/pkg/events"
	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/history"
	"github.com/cgast/obsagent/pkg/metrics"
	"github.com/cgast/obsagent/pkg/observability"
	"github.com/cgast/obsagent/pkg/spec"
	"github.com/cgast/obsagent/pkg/verify"
)

// Runner wires the verification engine to its collaborators. Every
// collaborator is optional.
type Runner struct {
	build      []spec.BuildOption
	telemetry  *observability.Telemetry
	metrics    bool
	store      *history.Store
	maxHistory int
	bus        events.EventBus
	logger     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithBuildOptions sets the options every contract is built with.
func WithBuildOptions(opts ...spec.BuildOption) Option {
	return func(r *Runner) {
		r.build = append(r.build, opts...)
	}
}

// WithTelemetry reports evaluations to spans of t.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(r *Runner) {
		r.telemetry = t
	}
}

// WithMetrics records Prometheus metrics for every run.
func WithMetrics() Option {
	return func(r *Runner) {
		r.metrics = true
	}
}

// WithHistory persists runs, keeping at most keep of them. keep <= 0 keeps all.
func WithHistory(store *history.Store, keep int) Option {
	return func(r *Runner) {
		r.store = store
		r.maxHistory = keep
	}
}

// WithEvents publishes lifecycle events to bus.
func WithEvents(bus events.EventBus) Option {
	return func(r *Runner) {
		r.bus = bus
	}
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the history store, or nil.
func (r *Runner) Store() *history.Store { return r.store }

// Bus returns the event bus, or nil.
func (r *Runner) Bus() events.EventBus { return r.bus }

// Build constructs the contract cs declares with the runner's build options.
func (r *Runner) Build(cs spec.ContractSpec, extra ...spec.BuildOption) (*verify.Contract, error) {
	opts := append([]spec.BuildOption{spec.WithLogger(r.logger)}, r.build...)
	opts = append(opts, extra...)
	return spec.NewBuilder(opts...).Build(cs)
}

// Run verifies exec against cs. The returned run is complete even when a
// violation handler failed; that failure is returned as a *verify.HandlerError
// alongside it. Other errors mean no verification took place.
func (r *Runner) Run(ctx context.Context, cs spec.ContractSpec, exec *execution.Execution) (*history.Run, error) {
	if exec == nil {
		return nil, errors.New("runner: execution is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("runner: generate run id: %w", err)
	}
	runID := id.String()

	var extra []spec.BuildOption
	var observers []verify.Observer
	if r.metrics {
		extra = append(extra, spec.WithRecorder(metrics.NewRecorder()))
	}
	if r.bus != nil {
		observers = append(observers, events.Observer{Bus: r.bus, RunID: runID})
	}

	contract, err := r.Build(cs, extra...)
	if err != nil {
		r.publish(events.Event{Type: events.EventVerifyError, RunID: runID, Data: err.Error()})
		return nil, err
	}

	started := time.Now()
	if r.telemetry != nil {
		var span trace.Span
		ctx, span = r.telemetry.StartRun(ctx, contract.Name(), exec)
		defer span.End()
		observers = append(observers, r.telemetry.Observer())
	}

	r.publish(events.Event{Type: events.EventVerifyStart, RunID: runID, Data: events.VerifyStart{
		Contract:    contract.Name(),
		ExecutionID: exec.ID,
		Commitments: contract.Len(),
	}})

	var obs verify.Observer
	if len(observers) > 0 {
		obs = observability.Multi(observers...)
	}
	results, verifyErr := verify.NewRootVerifier(exec, contract, obs).Verify(ctx)

	run := history.NewRun(contract.Name(), exec, results, verifyErr, started)
	run.ID = runID
	if verifyErr != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, verifyErr.Error())
	}
	if r.metrics {
		metrics.ObserveRun(contract.Name(), results, verifyErr)
	}
	if r.bus != nil {
		events.PublishViolations(r.bus, runID, results)
		events.PublishEnd(r.bus, runID, contract.Name(), results, verifyErr)
	}

	r.logger.InfoContext(ctx, "verification finished",
		"run", runID,
		"contract", contract.Name(),
		"execution", exec.ID,
		"worst", run.Worst,
		"duration", run.Duration,
	)

	if r.store != nil {
		if err := r.persist(run, exec); err != nil {
			r.logger.ErrorContext(ctx, "saving run failed", "run", runID, "error", err)
		}
	}
	return run, verifyErr
}

func (r *Runner) persist(run *history.Run, exec *execution.Execution) error {
	if err := r.store.Save(run, exec); err != nil {
		return err
	}
	r.publish(events.Event{Type: events.EventRunSaved, RunID: run.ID, Data: run.ID})
	if r.maxHistory > 0 {
		if _, err := r.store.Prune(r.maxHistory); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}
	return nil
}

func (r *Runner) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
