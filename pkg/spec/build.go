package spec

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/cgast/obsagent/pkg/checks"
	"github.com/cgast/obsagent/pkg/verify"
)

// Builder turns contract documents into verification contracts. Handler
// names used in documents resolve against the handlers registered here.
type Builder struct {
	handlers    map[string]verify.ViolationHandler
	always      []verify.ViolationHandler
	semantic    verify.SemanticChecker
	sampler     verify.Sampler
	recorder    verify.Recorder
	concurrency int
	logger      *slog.Logger
}

// BuildOption configures a Builder.
type BuildOption func(*Builder)

// WithHandler registers a named violation handler.
func WithHandler(name string, h verify.ViolationHandler) BuildOption {
	return func(b *Builder) {
		b.handlers[name] = h
	}
}

// WithContractHandler adds a handler that runs for every contract-level
// dispatch, after the handlers the document names.
func WithContractHandler(h verify.ViolationHandler) BuildOption {
	return func(b *Builder) {
		b.always = append(b.always, h)
	}
}

// WithSemanticChecker sets the contract's default semantic checker.
func WithSemanticChecker(sc verify.SemanticChecker) BuildOption {
	return func(b *Builder) {
		b.semantic = sc
	}
}

// WithSampler sets the sampler shared by every commitment.
func WithSampler(s verify.Sampler) BuildOption {
	return func(b *Builder) {
		b.sampler = s
	}
}

// WithRecorder sets the contract's measurement sink.
func WithRecorder(r verify.Recorder) BuildOption {
	return func(b *Builder) {
		b.recorder = r
	}
}

// WithConcurrency bounds parallel commitment evaluation.
func WithConcurrency(n int) BuildOption {
	return func(b *Builder) {
		b.concurrency = n
	}
}

// WithLogger sets the logger passed to the contract and its commitments.
func WithLogger(l *slog.Logger) BuildOption {
	return func(b *Builder) {
		b.logger = l
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuildOption) *Builder {
	b := &Builder{
		handlers:    make(map[string]verify.ViolationHandler),
		concurrency: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandlerNames returns the registered handler names, sorted.
func (b *Builder) HandlerNames() []string {
	names := make([]string, 0, len(b.handlers))
	for n := range b.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build validates cs and constructs the contract it declares.
func (b *Builder) Build(cs ContractSpec) (*verify.Contract, error) {
	if vr := ValidateContract(cs); !vr.Valid() {
		return nil, fmt.Errorf("invalid contract: %s", vr.Error())
	}

	contractHandler, err := b.resolve(cs.OnViolation)
	if err != nil {
		return nil, fmt.Errorf("on_violation: %w", err)
	}
	if len(b.always) > 0 {
		contractHandler = verify.Handlers(append([]verify.ViolationHandler{contractHandler}, b.always...)...)
	}

	contract := verify.NewContract(
		verify.WithName(cs.Meta.Name),
		verify.WithContractViolationHandler(contractHandler),
		verify.WithDefaultSemantic(b.semantic),
		verify.WithRecorder(b.recorder),
		verify.WithConcurrency(b.concurrency),
		verify.WithContractLogger(b.logger),
	)

	for _, c := range cs.Commitments {
		cm, err := b.commitment(c, cs.Defaults)
		if err != nil {
			return nil, err
		}
		if err := contract.AddCommitment(cm); err != nil {
			return nil, err
		}
	}
	return contract, nil
}

func (b *Builder) commitment(c CommitmentSpec, d Defaults) (*verify.Commitment, error) {
	hardening, err := verify.ParseHardening(c.hardening(d))
	if err != nil {
		return nil, fmt.Errorf("commitment %s: %w", c.Name, err)
	}
	opts := []verify.CommitmentOption{
		verify.WithSemanticSamplingRate(c.samplingRate(d)),
		verify.WithHardening(hardening),
		verify.WithLogger(b.logger),
	}
	if b.sampler != nil {
		opts = append(opts, verify.WithSampler(b.sampler))
	}
	if len(c.Deterministic) > 0 {
		rule, err := checks.NewRule(verify.Status(c.severity(d)), c.Deterministic...)
		if err != nil {
			return nil, fmt.Errorf("commitment %s: %w", c.Name, err)
		}
		opts = append(opts, verify.WithDeterministic(rule))
	}
	if len(c.OnViolation) > 0 {
		h, err := b.resolve(c.OnViolation)
		if err != nil {
			return nil, fmt.Errorf("commitment %s: on_violation: %w", c.Name, err)
		}
		opts = append(opts, verify.WithViolationHandler(h))
	}
	return verify.NewCommitment(c.Name, c.Terms, opts...)
}

// resolve combines named handlers. No names yields a nil handler.
func (b *Builder) resolve(names []string) (verify.ViolationHandler, error) {
	if len(names) == 0 {
		return nil, nil
	}
	hs := make([]verify.ViolationHandler, 0, len(names))
	for _, n := range names {
		h, ok := b.handlers[n]
		if !ok {
			return nil, fmt.Errorf("unknown handler %q (registered: %v)", n, b.HandlerNames())
		}
		hs = append(hs, h)
	}
	if len(hs) == 1 {
		return hs[0], nil
	}
	return verify.Handlers(hs...), nil
}
