package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cgast/obsagent/internal/runner"
	"github.com/cgast/obsagent/pkg/events"
	"github.com/cgast/obsagent/pkg/history"
	"github.com/cgast/obsagent/pkg/protocol"
	"github.com/cgast/obsagent/pkg/spec"
)

const namingContract = `
apiVersion: obsagent/v1
kind: Contract
meta:
  name: naming
commitments:
  - name: file_naming_policy
    terms: Reports are saved as report.txt.
    deterministic:
      - type: arg_equals
        tool: fs.write
        arg: path
        expected: report.txt
`

const wrongName = `{"id":"exec-1","agent":"reporter","tool_calls":[{"tool":"fs.write","args":{"path":"output.txt"}}]}`

type testService struct {
	h     *protocol.Handler
	bus   *events.MemoryBus
	store *history.Store
	dir   string
}

func newTestService(t *testing.T, withStore bool) *testService {
	t.Helper()
	ts := &testService{h: protocol.NewHandler(), bus: events.NewMemoryBus(0), dir: t.TempDir()}
	opts := []runner.Option{runner.WithEvents(ts.bus)}
	if withStore {
		store, err := history.Open(filepath.Join(ts.dir, "history.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
		ts.store = store
		opts = append(opts, runner.WithHistory(store, 0))
	}
	registerMethods(ts.h, &service{runner: runner.New(opts...), store: ts.store})
	return ts
}

func (ts *testService) writeContract(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(ts.dir, "contract.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (ts *testService) call(t *testing.T, method string, params any) protocol.Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	return ts.h.Handle(context.Background(), protocol.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
}

func TestServeMethodsRegistered(t *testing.T) {
	ts := newTestService(t, false)
	want := []string{"contract.load", "contract.plan", "contract.terms", "contract.validate", "history.get", "history.list", "verify"}
	got := ts.h.Methods()
	if len(got) != len(want) {
		t.Fatalf("methods = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("methods[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestServeLoadAndVerify(t *testing.T) {
	ts := newTestService(t, true)
	path := ts.writeContract(t, namingContract)

	resp := ts.call(t, protocol.MethodContractLoad, protocol.ContractParams{Path: path})
	if resp.Error != nil {
		t.Fatalf("load: %v", resp.Error)
	}
	info := resp.Result.(protocol.ContractInfo)
	if info.Name != "naming" || len(info.Commitments) != 1 {
		t.Errorf("info = %+v", info)
	}

	resp = ts.call(t, protocol.MethodVerify, protocol.VerifyParams{Execution: json.RawMessage(wrongName)})
	if resp.Error != nil {
		t.Fatalf("verify: %v", resp.Error)
	}
	vr := resp.Result.(protocol.VerifyResult)
	if vr.Worst != "violation" || vr.Results[0].Actual == "" || vr.RunID == "" {
		t.Errorf("verify result = %+v", vr)
	}

	resp = ts.call(t, protocol.MethodHistoryList, protocol.HistoryListParams{})
	runs := resp.Result.([]protocol.RunInfo)
	if len(runs) != 1 || runs[0].ID != vr.RunID {
		t.Fatalf("history = %+v", runs)
	}

	resp = ts.call(t, protocol.MethodHistoryGet, protocol.HistoryGetParams{ID: vr.RunID})
	if resp.Error != nil || resp.Result.(protocol.VerifyResult).Worst != "violation" {
		t.Errorf("history.get = %+v", resp)
	}

	loaded := ts.bus.History(events.ForTypes(events.EventContractLoaded))
	if len(loaded) == 0 || loaded[0].Type != events.EventContractLoaded {
		t.Errorf("expected a contract.loaded event, got %+v", loaded)
	}
}

func TestServeErrors(t *testing.T) {
	ts := newTestService(t, false)
	invalid := ts.writeContract(t, "apiVersion: obsagent/v1\nkind: Contract\nmeta:\n  name: x\ncommitments: []\n")

	tests := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"no contract loaded", protocol.MethodContractTerms, protocol.ContractParams{}, protocol.CodeNoContract},
		{"load needs path", protocol.MethodContractLoad, protocol.ContractParams{}, protocol.CodeInvalidParams},
		{"load invalid", protocol.MethodContractLoad, protocol.ContractParams{Path: invalid}, protocol.CodeContractInvalid},
		{"missing file", protocol.MethodContractLoad, protocol.ContractParams{Path: "/nonexistent.yaml"}, protocol.CodeContractInvalid},
		{"verify without execution", protocol.MethodVerify, protocol.VerifyParams{ContractParams: protocol.ContractParams{Path: invalid}}, protocol.CodeInvalidParams},
		{"history disabled", protocol.MethodHistoryList, nil, protocol.CodeHistoryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.call(t, tt.method, tt.params)
			if resp.Error == nil {
				t.Fatalf("expected error, got %+v", resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("code = %d, want %d (%s)", resp.Error.Code, tt.code, resp.Error.Message)
			}
		})
	}
}

func TestServeVerifyInvalidContract(t *testing.T) {
	ts := newTestService(t, false)
	invalid := ts.writeContract(t, "apiVersion: obsagent/v1\nkind: Contract\nmeta:\n  name: x\ncommitments: []\n")
	resp := ts.call(t, protocol.MethodVerify, protocol.VerifyParams{
		ContractParams: protocol.ContractParams{Path: invalid},
		Execution:      json.RawMessage(wrongName),
	})
	if resp.Error == nil || resp.Error.Code != protocol.CodeVerifyFailed {
		t.Errorf("expected verify failure, got %+v", resp)
	}
}

func TestServeValidateTermsPlan(t *testing.T) {
	ts := newTestService(t, false)
	path := ts.writeContract(t, namingContract)
	p := protocol.ContractParams{Path: path}

	resp := ts.call(t, protocol.MethodContractValidate, p)
	if v := resp.Result.(protocol.ValidateResult); !v.Valid {
		t.Errorf("validate = %+v", v)
	}
	resp = ts.call(t, protocol.MethodContractTerms, p)
	if tr := resp.Result.(protocol.TermsResult); tr.Terms != "Reports are saved as report.txt." {
		t.Errorf("terms = %+v", tr)
	}
	resp = ts.call(t, protocol.MethodContractPlan, p)
	if plan := resp.Result.(spec.Plan); plan.Steps[0].Mode != "deterministic" {
		t.Errorf("plan = %+v", plan)
	}
}
