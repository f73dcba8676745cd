package spec

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/verify"
)

func writeExecution(filename string) *execution.Execution {
	return &execution.Execution{
		ID:    "exec-1",
		Agent: "report-writer",
		ToolCalls: []execution.ToolCall{
			{Tool: "write_file", Args: map[string]any{"filename": filename, "content": "Quarterly numbers"}},
		},
		Output: "Wrote the report.",
	}
}

type collector struct {
	names []string
	got   []verify.VerificationResult
}

func (c *collector) handler(name string) verify.ViolationHandler {
	return func(ctx context.Context, r verify.VerificationResult) error {
		c.names = append(c.names, name)
		c.got = append(c.got, r)
		return nil
	}
}

func TestBuildAndVerify(t *testing.T) {
	cs, err := ParseContract([]byte(reportContract), nil)
	if err != nil {
		t.Fatal(err)
	}

	var col collector
	judged := 0
	b := NewBuilder(
		WithHandler("log", col.handler("log")),
		WithSampler(verify.FixedSampler(0.05)),
		WithSemanticChecker(verify.SemanticFunc(func(ctx context.Context, exec *execution.Execution, terms string) (verify.IntermediateResult, error) {
			judged++
			return verify.IntermediateResult{Status: verify.StatusWarning, Actual: "speculative", Expected: terms}, nil
		})),
	)
	contract, err := b.Build(cs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if contract.Name() != "report-writer" || contract.Len() != 2 {
		t.Fatalf("contract = %s with %d commitments", contract.Name(), contract.Len())
	}

	results, err := contract.Verify(context.Background(), writeExecution("out.txt"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != verify.StatusViolation || results[0].Actual != "out.txt" {
		t.Errorf("naming result = %+v", results[0])
	}
	if results[1].Status != verify.StatusWarning {
		t.Errorf("content result = %+v, want warning (draw 0.05 < 0.1)", results[1])
	}
	if judged != 1 {
		t.Errorf("judge called %d times, want 1", judged)
	}
	if len(col.got) != 2 || col.got[0].CommitmentName != "file_naming_policy" {
		t.Errorf("dispatched = %v", col.names)
	}
}

func TestBuildPassingExecution(t *testing.T) {
	cs, _ := ParseContract([]byte(reportContract), nil)
	var col collector
	contract, err := NewBuilder(WithHandler("log", col.handler("log")), WithSampler(verify.FixedSampler(0.99))).Build(cs)
	if err != nil {
		t.Fatal(err)
	}

	results, err := contract.Verify(context.Background(), writeExecution("report.txt"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != verify.StatusPass {
		t.Errorf("naming = %s, want pass", results[0].Status)
	}
	if results[1].Status != verify.StatusSkipped {
		t.Errorf("content = %s, want skipped", results[1].Status)
	}
	if len(col.got) != 0 {
		t.Errorf("pass and skipped must not dispatch, got %v", col.names)
	}
}

func TestBuildCommitmentHandlerShadowsContract(t *testing.T) {
	cs := validContract()
	cs.OnViolation = []string{"contract"}
	cs.Commitments[0].OnViolation = []string{"page", "ticket"}
	cs.Commitments[0].Severity = "critical"

	var col collector
	contract, err := NewBuilder(
		WithHandler("contract", col.handler("contract")),
		WithHandler("page", col.handler("page")),
		WithHandler("ticket", col.handler("ticket")),
		WithContractHandler(col.handler("always")),
		WithSampler(verify.FixedSampler(0.1)),
	).Build(cs)
	if err != nil {
		t.Fatal(err)
	}

	results, err := contract.Verify(context.Background(), writeExecution("out.txt"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != verify.StatusCritical {
		t.Errorf("naming = %s, want critical", results[0].Status)
	}
	// tone is judged with no semantic checker and reports verification_error
	// through the contract handler.
	if results[1].Status != verify.StatusVerificationError {
		t.Errorf("tone = %s, want verification_error", results[1].Status)
	}
	want := "page,ticket,contract,always"
	if got := strings.Join(col.names, ","); got != want {
		t.Errorf("handler order = %s, want %s", got, want)
	}
}

func TestBuildHandlerErrorPropagates(t *testing.T) {
	cs := validContract()
	cs.OnViolation = []string{"fail"}
	boom := errors.New("boom")
	contract, err := NewBuilder(WithHandler("fail", func(context.Context, verify.VerificationResult) error { return boom })).Build(cs)
	if err != nil {
		t.Fatal(err)
	}
	results, err := contract.Verify(context.Background(), writeExecution("out.txt"), nil)
	var he *verify.HandlerError
	if !errors.As(err, &he) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want HandlerError wrapping boom", err)
	}
	if len(results) != 2 {
		t.Errorf("results len = %d, want complete results", len(results))
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("invalid document", func(t *testing.T) {
		cs := validContract()
		cs.Kind = ""
		if _, err := NewBuilder().Build(cs); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("unknown contract handler", func(t *testing.T) {
		cs := validContract()
		cs.OnViolation = []string{"pager"}
		_, err := NewBuilder(WithHandler("log", nil)).Build(cs)
		if err == nil || !strings.Contains(err.Error(), `unknown handler "pager"`) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("unknown commitment handler", func(t *testing.T) {
		cs := validContract()
		cs.Commitments[1].OnViolation = []string{"pager"}
		if _, err := NewBuilder().Build(cs); err == nil {
			t.Error("expected error")
		}
	})
}

func TestBuildDefaults(t *testing.T) {
	cs := validContract()
	cs.Defaults = Defaults{Hardening: "shadow", Severity: "warning", SemanticSamplingRate: rate(0.3)}
	contract, err := NewBuilder().Build(cs)
	if err != nil {
		t.Fatal(err)
	}
	naming, _ := contract.Commitment("naming")
	if naming.Hardening() != verify.HardeningShadow {
		t.Errorf("hardening = %s, want shadow", naming.Hardening())
	}
	if naming.SemanticSamplingRate() != 0.3 {
		t.Errorf("rate = %v, want 0.3", naming.SemanticSamplingRate())
	}
	tone, _ := contract.Commitment("tone")
	if tone.SemanticSamplingRate() != 0.2 {
		t.Errorf("tone rate = %v, want its own 0.2", tone.SemanticSamplingRate())
	}

	results, _ := contract.Verify(context.Background(), writeExecution("x.txt"), nil)
	if results[0].Status != verify.StatusWarning {
		t.Errorf("naming = %s, want default severity warning", results[0].Status)
	}
}
