package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cgast/obsagent/pkg/execution"
)

// ErrDuplicateCommitment is returned when a commitment name is already used
// in the contract.
var ErrDuplicateCommitment = errors.New("duplicate commitment name")

// HandlerError reports a violation handler that failed while dispatching a result.
type HandlerError struct {
	Commitment string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("violation handler for %q: %v", e.Commitment, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Contract is an ordered collection of commitments. Declaration order
// determines evaluation order and the order of returned results.
type Contract struct {
	name        string
	commitments []*Commitment
	index       map[string]int
	onViolation ViolationHandler
	semantic    SemanticChecker
	recorder    Recorder
	concurrency int
	logger      *slog.Logger
}

// ContractOption configures a Contract.
type ContractOption func(*Contract)

// WithName labels the contract in logs.
func WithName(name string) ContractOption {
	return func(c *Contract) {
		c.name = name
	}
}

// WithContractViolationHandler sets the contract-level handler used for
// commitments that have no handler of their own.
func WithContractViolationHandler(h ViolationHandler) ContractOption {
	return func(c *Contract) {
		c.onViolation = h
	}
}

// WithDefaultSemantic sets the semantic checker used by commitments that do
// not configure one.
func WithDefaultSemantic(sc SemanticChecker) ContractOption {
	return func(c *Contract) {
		c.semantic = sc
	}
}

// WithRecorder attaches a measurement sink.
func WithRecorder(r Recorder) ContractOption {
	return func(c *Contract) {
		c.recorder = r
	}
}

// WithConcurrency evaluates up to n commitments at once. Results are still
// returned, and handlers still dispatched, in declaration order.
func WithConcurrency(n int) ContractOption {
	return func(c *Contract) {
		c.concurrency = n
	}
}

// WithContractLogger sets the contract logger.
func WithContractLogger(l *slog.Logger) ContractOption {
	return func(c *Contract) {
		c.logger = l
	}
}

// NewContract creates an empty contract.
func NewContract(opts ...ContractOption) *Contract {
	c := &Contract{
		index:       make(map[string]int),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Name returns the contract label.
func (c *Contract) Name() string { return c.name }

// AddCommitment appends a commitment. Names must be unique within the contract.
func (c *Contract) AddCommitment(cm *Commitment) error {
	if cm == nil {
		return fmt.Errorf("%w: nil commitment", ErrInvalidCommitment)
	}
	if _, dup := c.index[cm.name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateCommitment, cm.name)
	}
	c.index[cm.name] = len(c.commitments)
	c.commitments = append(c.commitments, cm)
	return nil
}

// Commitments returns the commitments in declaration order.
func (c *Contract) Commitments() []*Commitment {
	out := make([]*Commitment, len(c.commitments))
	copy(out, c.commitments)
	return out
}

// Commitment looks up a commitment by name.
func (c *Contract) Commitment(name string) (*Commitment, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.commitments[i], true
}

// Len returns the number of commitments.
func (c *Contract) Len() int { return len(c.commitments) }

// Terms joins every commitment's terms, newline-separated, in order.
// Suitable as a system-level policy prompt for the agent.
func (c *Contract) Terms() string {
	terms := make([]string, len(c.commitments))
	for i, cm := range c.commitments {
		terms[i] = cm.terms
	}
	return strings.Join(terms, "\n")
}

// Verify evaluates every commitment against exec and dispatches failing
// results to violation handlers. It always returns one result per
// commitment in declaration order. The error is non-nil only when a
// violation handler fails; the results are complete in that case too.
func (c *Contract) Verify(ctx context.Context, exec *execution.Execution, obs Observer) ([]VerificationResult, error) {
	if exec == nil {
		exec = &execution.Execution{}
	}
	if obs != nil {
		obs.CaptureSpan(ctx)
	}

	c.logger.DebugContext(ctx, "verifying contract",
		"contract", c.name,
		"commitments", len(c.commitments),
		"execution", exec.ID,
	)

	env := evalEnv{fallback: c.semantic, recorder: c.recorder}
	results := c.evaluateAll(ctx, exec, obs, env)

	for i, r := range results {
		if !r.Failing() {
			continue
		}
		if err := c.dispatch(ctx, c.commitments[i], r); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Contract) evaluateAll(ctx context.Context, exec *execution.Execution, obs Observer, env evalEnv) []VerificationResult {
	results := make([]VerificationResult, len(c.commitments))

	if c.concurrency == 1 || len(c.commitments) < 2 {
		for i, cm := range c.commitments {
			results[i] = cm.verify(ctx, exec, obs, env)
		}
		return results
	}

	// Commitment evaluation never returns an error, so the group only bounds
	// parallelism here.
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, cm := range c.commitments {
		g.Go(func() error {
			results[i] = cm.verify(ctx, exec, obs, env)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatch routes a failing result. A commitment handler shadows the
// contract handler.
func (c *Contract) dispatch(ctx context.Context, cm *Commitment, r VerificationResult) error {
	h := cm.onViolation
	if h == nil {
		h = c.onViolation
	}
	if h == nil {
		return nil
	}
	if err := h(ctx, r); err != nil {
		return &HandlerError{Commitment: r.CommitmentName, Err: err}
	}
	return nil
}
