package verify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cgast/obsagent/pkg/execution"
)

func testExecution() *execution.Execution {
	return &execution.Execution{
		ID: "run-1",
		ToolCalls: []execution.ToolCall{
			{Tool: "write_file", Args: map[string]any{"filename": "report.txt"}},
		},
		Output: "saved",
	}
}

func fixed(status Status, actual, expected string) IntermediateResult {
	return IntermediateResult{Status: status, Actual: actual, Expected: expected}
}

func semanticReturning(r IntermediateResult) (SemanticChecker, *int) {
	calls := 0
	return SemanticFunc(func(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error) {
		calls++
		return r, nil
	}), &calls
}

func deterministicReturning(r IntermediateResult) DeterministicChecker {
	return DeterministicFunc(func(ctx context.Context, exec *execution.Execution) (IntermediateResult, error) {
		return r, nil
	})
}

type recordingObserver struct {
	mu       sync.Mutex
	captured int
	labels   []string
	values   []EvaluationValue
	reasons  []string
	err      error
}

func (o *recordingObserver) CaptureSpan(ctx context.Context) {
	o.mu.Lock()
	o.captured++
	o.mu.Unlock()
}

func (o *recordingObserver) SubmitEvaluation(ctx context.Context, label string, value EvaluationValue, reasoning string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.labels = append(o.labels, label)
	o.values = append(o.values, value)
	o.reasons = append(o.reasons, reasoning)
	return o.err
}

func TestNewCommitmentValidation(t *testing.T) {
	tests := []struct {
		name    string
		cname   string
		opts    []CommitmentOption
		wantErr bool
	}{
		{"valid defaults", "policy", nil, false},
		{"empty name", "", nil, true},
		{"blank name", "   ", nil, true},
		{"rate below zero", "policy", []CommitmentOption{WithSemanticSamplingRate(-0.1)}, true},
		{"rate above one", "policy", []CommitmentOption{WithSemanticSamplingRate(1.5)}, true},
		{"rate zero", "policy", []CommitmentOption{WithSemanticSamplingRate(0)}, false},
		{"rate one", "policy", []CommitmentOption{WithSemanticSamplingRate(1)}, false},
		{"unknown hardening", "policy", []CommitmentOption{WithHardening("sometimes")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommitment(tt.cname, "terms", tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCommitment) {
				t.Errorf("err = %v, want ErrInvalidCommitment", err)
			}
		})
	}
}

func TestCommitmentDefaults(t *testing.T) {
	c := MustCommitment("policy", "be nice")
	if c.SemanticSamplingRate() != 1 {
		t.Errorf("default sampling rate = %v, want 1", c.SemanticSamplingRate())
	}
	if c.Hardening() != HardeningDeterministicOnly {
		t.Errorf("default hardening = %q", c.Hardening())
	}
	if c.Hardened() {
		t.Error("commitment without deterministic checker should not be hardened")
	}
}

func TestSemanticSampledIn(t *testing.T) {
	sem, calls := semanticReturning(fixed(StatusPass, "report.txt", "report.txt"))
	c := MustCommitment("file_naming_policy", "save to report.txt",
		WithSemantic(sem), WithSemanticSamplingRate(1))

	r := c.Verify(context.Background(), testExecution(), nil)
	if r.Status != StatusPass {
		t.Errorf("Status = %q, want pass", r.Status)
	}
	if r.CommitmentName != "file_naming_policy" {
		t.Errorf("CommitmentName = %q", r.CommitmentName)
	}
	if *calls != 1 {
		t.Errorf("semantic calls = %d, want 1", *calls)
	}
}

func TestSemanticSampledOut(t *testing.T) {
	sem, calls := semanticReturning(fixed(StatusViolation, "x", "y"))
	c := MustCommitment("policy", "terms",
		WithSemantic(sem), WithSemanticSamplingRate(0.25), WithSampler(FixedSampler(0.9)))

	r := c.Verify(context.Background(), testExecution(), nil)
	if r.Status != StatusSkipped {
		t.Fatalf("Status = %q, want skipped", r.Status)
	}
	if r.Actual != NotEvaluated || r.Expected != NotEvaluated {
		t.Errorf("Actual/Expected = %q/%q, want sentinel", r.Actual, r.Expected)
	}
	if r.Context["reason"] == nil {
		t.Error("skip result should explain its reason")
	}
	if *calls != 0 {
		t.Errorf("semantic checker ran %d times, want 0", *calls)
	}
}

func TestSamplingBoundary(t *testing.T) {
	tests := []struct {
		name        string
		rate        float64
		draw        float64
		wantSkipped bool
	}{
		{"draw below rate", 0.5, 0.49, false},
		{"draw equal to rate", 0.5, 0.5, true},
		{"zero rate zero draw", 0, 0, true},
		{"full rate high draw", 1, 0.999999, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sem, _ := semanticReturning(fixed(StatusPass, "", ""))
			c := MustCommitment("p", "t", WithSemantic(sem),
				WithSemanticSamplingRate(tt.rate), WithSampler(FixedSampler(tt.draw)))
			r := c.Verify(context.Background(), testExecution(), nil)
			if (r.Status == StatusSkipped) != tt.wantSkipped {
				t.Errorf("Status = %q, wantSkipped %v", r.Status, tt.wantSkipped)
			}
		})
	}
}

func TestDeterministicTakesPrecedence(t *testing.T) {
	sem, calls := semanticReturning(fixed(StatusCritical, "", ""))
	c := MustCommitment("p", "t",
		WithDeterministic(deterministicReturning(fixed(StatusWarning, "a", "b"))),
		WithSemantic(sem),
		WithSemanticSamplingRate(0))

	r := c.Verify(context.Background(), testExecution(), nil)
	if r.Status != StatusWarning {
		t.Errorf("Status = %q, want warning", r.Status)
	}
	if *calls != 0 {
		t.Errorf("semantic checker ran %d times on a hardened commitment", *calls)
	}
}

func TestCheckerFaults(t *testing.T) {
	tests := []struct {
		name string
		opts []CommitmentOption
	}{
		{"semantic error", []CommitmentOption{WithSemantic(SemanticFunc(
			func(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error) {
				return IntermediateResult{}, errors.New("judge unavailable")
			}))}},
		{"semantic panic", []CommitmentOption{WithSemantic(SemanticFunc(
			func(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error) {
				panic("boom")
			}))}},
		{"deterministic error", []CommitmentOption{WithDeterministic(DeterministicFunc(
			func(ctx context.Context, exec *execution.Execution) (IntermediateResult, error) {
				return IntermediateResult{}, errors.New("cannot parse")
			}))}},
		{"deterministic panic", []CommitmentOption{WithDeterministic(DeterministicFunc(
			func(ctx context.Context, exec *execution.Execution) (IntermediateResult, error) {
				var m map[string]int
				m["x"] = 1
				return IntermediateResult{}, nil
			}))}},
		{"unknown status", []CommitmentOption{WithDeterministic(deterministicReturning(fixed("maybe", "", "")))}},
		{"deterministic skipped", []CommitmentOption{WithDeterministic(deterministicReturning(fixed(StatusSkipped, "", "")))}},
		{"semantic skipped", []CommitmentOption{
			WithSemantic(SemanticFunc(func(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error) {
				return IntermediateResult{Status: StatusSkipped}, nil
			})),
			WithSemanticSamplingRate(1),
		}},
		{"semantic returns verification_error", []CommitmentOption{WithSemantic(SemanticFunc(
			func(ctx context.Context, exec *execution.Execution, terms string) (IntermediateResult, error) {
				return IntermediateResult{Status: StatusVerificationError}, nil
			}))}},
		{"no semantic checker", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := MustCommitment("p", "terms", tt.opts...)
			r := c.Verify(context.Background(), testExecution(), nil)
			if r.Status != StatusVerificationError {
				t.Fatalf("Status = %q, want verification_error", r.Status)
			}
			if r.Context["error"] == nil {
				t.Error("error result should carry the fault in its context")
			}
			if r.Expected != "terms" {
				t.Errorf("Expected = %q, want the commitment terms", r.Expected)
			}
		})
	}
}

func TestHardeningPolicies(t *testing.T) {
	tests := []struct {
		name       string
		hardening  Hardening
		det        Status
		sem        Status
		rate       float64
		want       Status
		wantShadow bool
	}{
		{"deterministic only ignores semantic", HardeningDeterministicOnly, StatusPass, StatusCritical, 1, StatusPass, false},
		{"shadow keeps deterministic", HardeningShadow, StatusPass, StatusViolation, 1, StatusPass, true},
		{"shadow not sampled", HardeningShadow, StatusPass, StatusViolation, 0, StatusPass, false},
		{"most severe picks semantic", HardeningMostSevere, StatusWarning, StatusCritical, 1, StatusCritical, true},
		{"most severe keeps deterministic", HardeningMostSevere, StatusViolation, StatusWarning, 1, StatusViolation, true},
		{"semantic error never overrides", HardeningMostSevere, StatusPass, StatusVerificationError, 1, StatusPass, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sem, _ := semanticReturning(fixed(tt.sem, "sem-actual", "sem-expected"))
			c := MustCommitment("p", "t",
				WithDeterministic(deterministicReturning(fixed(tt.det, "det-actual", "det-expected"))),
				WithSemantic(sem),
				WithSemanticSamplingRate(tt.rate),
				WithHardening(tt.hardening))

			r := c.Verify(context.Background(), testExecution(), nil)
			if r.Status != tt.want {
				t.Errorf("Status = %q, want %q", r.Status, tt.want)
			}
			_, shadow := r.Context["semantic"]
			if shadow != tt.wantShadow {
				t.Errorf("semantic context present = %v, want %v", shadow, tt.wantShadow)
			}
		})
	}
}

func TestCommitmentSubmitsEvaluation(t *testing.T) {
	obs := &recordingObserver{err: errors.New("sink down")}
	c := MustCommitment("p", "t", WithDeterministic(deterministicReturning(fixed(StatusViolation, "out.txt", "report.txt"))))

	r := c.Verify(context.Background(), testExecution(), obs)
	if r.Status != StatusViolation {
		t.Errorf("observer failure must not change the result, got %q", r.Status)
	}
	if len(obs.labels) != 1 || obs.labels[0] != "p" {
		t.Fatalf("labels = %v", obs.labels)
	}
	if obs.values[0] != EvaluationFail {
		t.Errorf("value = %q, want fail", obs.values[0])
	}
	if !strings.Contains(obs.reasons[0], `actual="out.txt"`) {
		t.Errorf("reasoning = %q", obs.reasons[0])
	}
}

func TestStatusEvaluation(t *testing.T) {
	want := map[Status]EvaluationValue{
		StatusPass:              EvaluationPass,
		StatusSkipped:           EvaluationSkip,
		StatusWarning:           EvaluationFail,
		StatusViolation:         EvaluationFail,
		StatusCritical:          EvaluationFail,
		StatusVerificationError: EvaluationFail,
	}
	for st, v := range want {
		if got := st.Evaluation(); got != v {
			t.Errorf("%s.Evaluation() = %q, want %q", st, got, v)
		}
	}
	if StatusPass.Failing() || StatusSkipped.Failing() {
		t.Error("pass and skipped must not be failing")
	}
	if _, err := ParseStatus("nope"); err == nil {
		t.Error("ParseStatus should reject unknown statuses")
	}
}

func TestSummary(t *testing.T) {
	s := Summarize([]VerificationResult{
		{Status: StatusPass}, {Status: StatusWarning}, {Status: StatusCritical}, {Status: StatusSkipped},
	})
	if s.Failing() != 2 {
		t.Errorf("Failing() = %d, want 2", s.Failing())
	}
	if s.Worst() != StatusCritical {
		t.Errorf("Worst() = %q, want critical", s.Worst())
	}
	if Summarize(nil).Worst() != StatusPass {
		t.Error("empty summary should report pass")
	}
}

func TestSeededSamplerReproducible(t *testing.T) {
	a, b := NewSeededSampler(42), NewSeededSampler(42)
	for i := 0; i < 10; i++ {
		x, y := a.Float64(), b.Float64()
		if x != y {
			t.Fatalf("draw %d differs: %v vs %v", i, x, y)
		}
		if x < 0 || x >= 1 {
			t.Fatalf("draw %v outside [0, 1)", x)
		}
	}
}
