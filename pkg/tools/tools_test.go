package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cgast/obsagent/pkg/execution"
)

func newFSRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewRegistry(FileSystem{Root: dir}.Tools()...)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	return reg, dir
}

func TestRegistryDuplicate(t *testing.T) {
	fs := FileSystem{Root: t.TempDir()}
	if _, err := NewRegistry(WriteFile{fs: fs}, WriteFile{fs: fs}); err == nil {
		t.Error("expected error on duplicate tool")
	}
}

func TestRegistryResolveAndMatch(t *testing.T) {
	reg, _ := newFSRegistry(t)
	if err := reg.Register(NewHTTPGet(nil)); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Resolve("fs.missing"); err == nil {
		t.Error("expected error resolving unknown tool")
	}
	if got := reg.Names(); len(got) != 4 || got[0] != "fs.list" {
		t.Errorf("Names() = %v", got)
	}
	if got := reg.Match("fs.*"); len(got) != 3 {
		t.Errorf("Match(fs.*) = %v", got)
	}
	if got := reg.Match("http.get"); len(got) != 1 {
		t.Errorf("Match(http.get) = %v", got)
	}
	if got := reg.Match("*"); len(got) != 4 {
		t.Errorf("Match(*) = %v", got)
	}

	cat := reg.Catalog("fs.w*")
	if len(cat) != 1 || cat[0].Name != "fs.write" || len(cat[0].Params) != 2 || cat[0].Description == "" {
		t.Errorf("Catalog(fs.w*) = %+v", cat)
	}
}

func TestInvokeRecordsCalls(t *testing.T) {
	reg, dir := newFSRegistry(t)
	rec := execution.NewRecorder("run-1", "writer")
	ctx := context.Background()

	if _, err := reg.Invoke(ctx, rec, "fs.write", map[string]any{"path": "report.txt", "content": "hello"}); err != nil {
		t.Fatalf("fs.write error: %v", err)
	}
	got, err := reg.Invoke(ctx, rec, "fs.read", map[string]any{"path": "report.txt"})
	if err != nil {
		t.Fatalf("fs.read error: %v", err)
	}
	if got != "hello" {
		t.Errorf("fs.read = %v, want hello", got)
	}
	if _, err := reg.Invoke(ctx, rec, "fs.read", map[string]any{"path": "../outside.txt"}); err == nil {
		t.Error("expected error for path escaping the root")
	}

	exec := rec.Finish()
	if len(exec.ToolCalls) != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", len(exec.ToolCalls))
	}
	first := exec.ToolCalls[0]
	if first.Tool != "fs.write" || first.ID != "call_1" || first.Args["path"] != "report.txt" {
		t.Errorf("first call = %+v", first)
	}
	if exec.ToolCalls[2].Error == "" {
		t.Error("failed call should carry its error")
	}
	if _, err := os.Stat(filepath.Join(dir, "report.txt")); err != nil {
		t.Errorf("report.txt not written: %v", err)
	}
}

func TestInvokeNilRecorder(t *testing.T) {
	reg, _ := newFSRegistry(t)
	if _, err := reg.Invoke(context.Background(), nil, "fs.list", nil); err != nil {
		t.Fatalf("fs.list error: %v", err)
	}
}

func TestWriteFileArgs(t *testing.T) {
	w := WriteFile{fs: FileSystem{Root: t.TempDir()}}
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing path", map[string]any{"content": "x"}},
		{"missing content", map[string]any{"path": "a.txt"}},
		{"non-string path", map[string]any{"path": 3, "content": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.Call(context.Background(), tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestListDir(t *testing.T) {
	reg, dir := newFSRegistry(t)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)

	got, err := reg.Invoke(context.Background(), nil, "fs.list", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	names := got.([]string)
	if strings.Join(names, ",") != "a.txt,b.txt,sub/" {
		t.Errorf("fs.list = %v", names)
	}
}

func TestHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "pong")
	}))
	defer srv.Close()

	got, err := NewHTTPGet(nil).Call(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("http.get error: %v", err)
	}
	resp := got.(map[string]any)
	if resp["status_code"] != 200 || resp["body"] != "pong" {
		t.Errorf("response = %v", resp)
	}
}

func TestHTTPGetAllowlist(t *testing.T) {
	tool := NewHTTPGet(nil, "api.example.com")
	_, err := tool.Call(context.Background(), map[string]any{"url": "http://evil.example.org/x"})
	if err == nil || !strings.Contains(err.Error(), "not in the allowed list") {
		t.Errorf("expected allowlist error, got %v", err)
	}
}
