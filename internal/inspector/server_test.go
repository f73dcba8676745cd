package inspector

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cgast/obsagent/pkg/events"
	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/history"
	"github.com/cgast/obsagent/pkg/metrics"
	"github.com/cgast/obsagent/pkg/verify"
)

func newTestServer(t *testing.T) (*Server, *events.MemoryBus, *history.Store) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	bus := events.NewMemoryBus(0)
	return New(bus, store), bus, store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func saveRun(t *testing.T, store *history.Store) *history.Run {
	t.Helper()
	exec := &execution.Execution{
		ID:        "exec-1",
		Agent:     "reporter",
		ToolCalls: []execution.ToolCall{{Tool: "write_file", Args: map[string]any{"filename": "out.txt"}}},
	}
	run := history.NewRun("reports", exec, []verify.VerificationResult{
		{Status: verify.StatusViolation, CommitmentName: "file_naming_policy", Actual: "out.txt"},
	}, nil, time.Now())
	if err := store.Save(run, exec); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := get(t, s.Handler(), "/health"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	s, bus, store := newTestServer(t)
	saveRun(t, store)
	bus.Publish(events.NewEvent(events.EventVerifyStart, nil))
	bus.Publish(events.NewEvent(events.EventVerifyViolation, nil))
	bus.Publish(events.NewEvent(events.EventVerifyEnd, nil))

	rec := get(t, s.Handler(), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["events"] != float64(3) || status["runs"] != float64(1) || status["violations"] != float64(1) {
		t.Errorf("status = %v", status)
	}
	if status["stored_runs"] != float64(1) {
		t.Errorf("stored_runs = %v", status["stored_runs"])
	}
	if _, ok := status["dropped"]; !ok {
		t.Error("expected dropped counter for a memory bus")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header on api routes")
	}
}

func TestEvents(t *testing.T) {
	s, bus, _ := newTestServer(t)
	bus.Publish(events.NewEvent(events.EventVerifyStart, "a"))

	rec := get(t, s.Handler(), "/api/events")
	var evs []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != events.EventVerifyStart {
		t.Errorf("events = %+v", evs)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = get(t, s.Handler(), "/api/events?since="+future)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", rec.Body.String())
	}

	if rec := get(t, s.Handler(), "/api/events?since=yesterday"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: status = %d", rec.Code)
	}
}

func TestEventsFilteredByRunAndType(t *testing.T) {
	s, bus, _ := newTestServer(t)
	bus.Publish(events.Event{Type: events.EventVerifyStart, RunID: "r1"})
	bus.Publish(events.Event{Type: events.EventVerifyViolation, RunID: "r1"})
	bus.Publish(events.Event{Type: events.EventVerifyViolation, RunID: "r2"})
	bus.Publish(events.Event{Type: events.EventVerifyEnd, RunID: "r1"})

	tests := []struct {
		query string
		want  int
	}{
		{"run=r1", 3},
		{"type=verify.violation", 2},
		{"run=r1&type=verify.violation,verify.end", 2},
		{"run=r3", 0},
	}
	for _, tt := range tests {
		rec := get(t, s.Handler(), "/api/events?"+tt.query)
		var evs []events.Event
		if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
			t.Fatalf("%s: %v", tt.query, err)
		}
		if len(evs) != tt.want {
			t.Errorf("%s: got %d events, want %d", tt.query, len(evs), tt.want)
		}
	}
}

func TestHistory(t *testing.T) {
	s, _, store := newTestServer(t)
	run := saveRun(t, store)
	saveRun(t, store)

	rec := get(t, s.Handler(), "/api/history?limit=1")
	var runs []history.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	rec = get(t, s.Handler(), "/api/history/"+run.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: status = %d", rec.Code)
	}
	var got history.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Worst != verify.StatusViolation || got.Contract != "reports" {
		t.Errorf("run = %+v", got)
	}

	rec = get(t, s.Handler(), "/api/history/"+run.ID+"/execution")
	var exec execution.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &exec); err != nil {
		t.Fatal(err)
	}
	if exec.ID != "exec-1" || !exec.Called("write_file") {
		t.Errorf("execution = %+v", exec)
	}
}

func TestHistoryErrors(t *testing.T) {
	s, _, _ := newTestServer(t)
	tests := []struct {
		path   string
		status int
	}{
		{"/api/history/missing", http.StatusNotFound},
		{"/api/history/missing/execution", http.StatusNotFound},
		{"/api/history?limit=-1", http.StatusBadRequest},
		{"/api/history?limit=ten", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := get(t, s.Handler(), tt.path); rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := New(events.NewMemoryBus(0), nil)
	if rec := get(t, s.Handler(), "/api/history"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	metrics.ObserveRun("inspector-test", []verify.VerificationResult{{Status: verify.StatusPass}}, nil)

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "obsagent_") {
		t.Errorf("metrics output missing obsagent series:\n%s", rec.Body.String())
	}
}

func TestStream(t *testing.T) {
	s, bus, _ := newTestServer(t)
	bus.Publish(events.NewEvent(events.EventVerifyStart, "replayed"))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), "event: ") {
				return strings.TrimPrefix(lines.Text(), "event: ")
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	if typ := next(); typ != string(events.EventVerifyStart) {
		t.Errorf("replayed event = %q", typ)
	}
	bus.Publish(events.NewEvent(events.EventVerifyEnd, "live"))
	if typ := next(); typ != string(events.EventVerifyEnd) {
		t.Errorf("live event = %q", typ)
	}
}
