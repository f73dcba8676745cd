package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cgast/obsagent/pkg/execution"
)

var (
	// ErrInvalidCommitment is returned for commitments that fail construction checks.
	ErrInvalidCommitment = errors.New("invalid commitment")

	errNoSemanticChecker = errors.New("semantic check sampled but no semantic checker configured")
)

// Hardening selects how a commitment with a deterministic checker treats its
// semantic checker.
type Hardening string

const (
	// HardeningDeterministicOnly runs only the deterministic checker once one is attached.
	HardeningDeterministicOnly Hardening = "deterministic_only"
	// HardeningShadow also runs the sampled semantic checker and records its
	// outcome in the result context; the deterministic status always wins.
	HardeningShadow Hardening = "shadow"
	// HardeningMostSevere also runs the sampled semantic checker and reports
	// whichever verdict is more severe.
	HardeningMostSevere Hardening = "most_severe"
)

// ParseHardening converts a string to a Hardening policy. The empty string
// selects HardeningDeterministicOnly.
func ParseHardening(s string) (Hardening, error) {
	switch Hardening(s) {
	case "", HardeningDeterministicOnly:
		return HardeningDeterministicOnly, nil
	case HardeningShadow, HardeningMostSevere:
		return Hardening(s), nil
	}
	return "", fmt.Errorf("unknown hardening policy %q", s)
}

// Commitment is a single named behavioural rule. It is immutable after
// construction and may be evaluated any number of times.
type Commitment struct {
	name          string
	terms         string
	samplingRate  float64
	deterministic DeterministicChecker
	semantic      SemanticChecker
	onViolation   ViolationHandler
	hardening     Hardening
	sampler       Sampler
	logger        *slog.Logger
}

// CommitmentOption configures a Commitment.
type CommitmentOption func(*Commitment)

// WithSemanticSamplingRate sets the probability in [0, 1] that the semantic
// checker runs on a given execution. The default is 1.
func WithSemanticSamplingRate(rate float64) CommitmentOption {
	return func(c *Commitment) {
		c.samplingRate = rate
	}
}

// WithDeterministic attaches a deterministic checker, hardening the commitment.
func WithDeterministic(dc DeterministicChecker) CommitmentOption {
	return func(c *Commitment) {
		c.deterministic = dc
	}
}

// WithSemantic attaches a semantic checker.
func WithSemantic(sc SemanticChecker) CommitmentOption {
	return func(c *Commitment) {
		c.semantic = sc
	}
}

// WithViolationHandler sets a per-commitment handler. It shadows the
// contract-level handler for this commitment's results.
func WithViolationHandler(h ViolationHandler) CommitmentOption {
	return func(c *Commitment) {
		c.onViolation = h
	}
}

// WithHardening sets the hardening policy.
func WithHardening(h Hardening) CommitmentOption {
	return func(c *Commitment) {
		c.hardening = h
	}
}

// WithSampler injects the source of sampling draws.
func WithSampler(s Sampler) CommitmentOption {
	return func(c *Commitment) {
		c.sampler = s
	}
}

// WithLogger sets the logger used for checker faults and sampling decisions.
func WithLogger(l *slog.Logger) CommitmentOption {
	return func(c *Commitment) {
		c.logger = l
	}
}

// NewCommitment creates a commitment. Configuration errors are reported
// here rather than during verification.
func NewCommitment(name, terms string, opts ...CommitmentOption) (*Commitment, error) {
	c := &Commitment{
		name:         name,
		terms:        terms,
		samplingRate: 1,
		hardening:    HardeningDeterministicOnly,
	}
	for _, opt := range opts {
		opt(c)
	}

	if strings.TrimSpace(c.name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidCommitment)
	}
	if math.IsNaN(c.samplingRate) || c.samplingRate < 0 || c.samplingRate > 1 {
		return nil, fmt.Errorf("%w: %s: semantic sampling rate %v outside [0, 1]", ErrInvalidCommitment, c.name, c.samplingRate)
	}
	if _, err := ParseHardening(string(c.hardening)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommitment, c.name, err)
	}
	if c.sampler == nil {
		c.sampler = DefaultSampler()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// MustCommitment is like NewCommitment but panics on error. Intended for
// package-level contract definitions.
func MustCommitment(name, terms string, opts ...CommitmentOption) *Commitment {
	c, err := NewCommitment(name, terms, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Commitment) Name() string                  { return c.name }
func (c *Commitment) Terms() string                 { return c.terms }
func (c *Commitment) SemanticSamplingRate() float64 { return c.samplingRate }
func (c *Commitment) Hardening() Hardening          { return c.hardening }

// Hardened reports whether a deterministic checker is attached.
func (c *Commitment) Hardened() bool { return c.deterministic != nil }

// evalEnv carries contract-supplied collaborators into a commitment evaluation.
type evalEnv struct {
	fallback SemanticChecker
	recorder Recorder
}

// Verify evaluates the commitment against exec and returns its final result.
// When obs is non-nil the result is submitted to it.
func (c *Commitment) Verify(ctx context.Context, exec *execution.Execution, obs Observer) VerificationResult {
	return c.verify(ctx, exec, obs, evalEnv{})
}

func (c *Commitment) verify(ctx context.Context, exec *execution.Execution, obs Observer, env evalEnv) VerificationResult {
	start := time.Now()
	result := c.evaluate(ctx, exec, env).Attribute(c.name)
	elapsed := time.Since(start)

	if result.Status == StatusVerificationError {
		c.logger.WarnContext(ctx, "commitment check faulted",
			"commitment", c.name,
			"error", result.Context["error"],
			"checker", result.Context["checker"],
		)
	}
	if env.recorder != nil {
		env.recorder.Observe(result, elapsed)
	}
	if obs != nil {
		if err := obs.SubmitEvaluation(ctx, c.name, result.Status.Evaluation(), result.Reasoning()); err != nil {
			c.logger.WarnContext(ctx, "submit evaluation failed", "commitment", c.name, "error", err)
		}
	}
	return result
}

// evaluate applies the progressive hardening policy.
func (c *Commitment) evaluate(ctx context.Context, exec *execution.Execution, env evalEnv) IntermediateResult {
	semantic := c.semantic
	if semantic == nil {
		semantic = env.fallback
	}

	if c.deterministic == nil {
		res, _ := c.semanticCheck(ctx, exec, semantic, env)
		return res
	}

	det := callChecker("deterministic", c.terms, func() (IntermediateResult, error) {
		return c.deterministic.Check(ctx, exec)
	})
	if c.hardening == HardeningDeterministicOnly || semantic == nil {
		return det
	}

	sem, sampled := c.semanticCheck(ctx, exec, semantic, env)
	if !sampled {
		return det
	}
	return c.combine(det, sem)
}

// semanticCheck draws a sample and, when sampled in, runs the semantic checker.
func (c *Commitment) semanticCheck(ctx context.Context, exec *execution.Execution, semantic SemanticChecker, env evalEnv) (IntermediateResult, bool) {
	draw := c.sampler.Float64()
	sampled := draw < c.samplingRate
	if env.recorder != nil {
		env.recorder.Sampled(c.name, sampled)
	}

	if !sampled {
		c.logger.DebugContext(ctx, "semantic check not sampled",
			"commitment", c.name, "rate", c.samplingRate, "draw", draw)
		return IntermediateResult{
			Status:   StatusSkipped,
			Actual:   NotEvaluated,
			Expected: NotEvaluated,
			Context: map[string]any{
				"reason":        "semantic check not sampled for this execution",
				"sampling_rate": c.samplingRate,
				"draw":          draw,
			},
		}, false
	}

	if semantic == nil {
		return errorResult(c.terms, errNoSemanticChecker, "semantic"), true
	}
	return callChecker("semantic", c.terms, func() (IntermediateResult, error) {
		return semantic.Judge(ctx, exec, c.terms)
	}), true
}

// combine merges a sampled semantic outcome into a deterministic result.
func (c *Commitment) combine(det, sem IntermediateResult) IntermediateResult {
	out := det
	out.Context = make(map[string]any, len(det.Context)+2)
	for k, v := range det.Context {
		out.Context[k] = v
	}
	out.Context["semantic"] = map[string]any{
		"status":   string(sem.Status),
		"actual":   sem.Actual,
		"expected": sem.Expected,
	}

	if c.hardening == HardeningMostSevere &&
		det.Status.Judgemental() && sem.Status.Judgemental() &&
		sem.Status.Rank() > det.Status.Rank() {
		out.Status = sem.Status
		out.Actual = sem.Actual
		out.Expected = sem.Expected
		out.Context["decided_by"] = "semantic"
	}
	return out
}
