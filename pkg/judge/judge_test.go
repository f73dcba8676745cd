package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/verify"
)

func reportExecution() *execution.Execution {
	return &execution.Execution{
		ID: "run-1",
		ToolCalls: []execution.ToolCall{
			{Tool: "write_file", Args: map[string]any{"filename": "out.txt"}},
		},
		Output: "Saved the report.",
	}
}

// chatServer answers every completion request with content.
func chatServer(t *testing.T, status int, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprint(w, `{"error": "upstream"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
}

func TestJudgeVerdict(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, http.StatusOK,
		`{"status": "violation", "actual": "out.txt", "expected": "report.txt", "reasoning": "wrong file name"}`, &seen)
	defer srv.Close()

	j, err := New(Config{Endpoint: srv.URL, APIKey: "test-key", Model: "judge-model"})
	require.NoError(t, err)

	res, err := j.Judge(context.Background(), reportExecution(), "Save reports to report.txt")
	require.NoError(t, err)
	assert.Equal(t, verify.StatusViolation, res.Status)
	assert.Equal(t, "out.txt", res.Actual)
	assert.Equal(t, "report.txt", res.Expected)
	assert.Equal(t, "wrong file name", res.Context["reasoning"])

	assert.Equal(t, "judge-model", seen.Model)
	require.Len(t, seen.Messages, 2)
	assert.Contains(t, seen.Messages[1].Content, "Save reports to report.txt")
	assert.Contains(t, seen.Messages[1].Content, "write_file")
}

func TestJudgeUpstreamError(t *testing.T) {
	srv := chatServer(t, http.StatusBadRequest, "", nil)
	defer srv.Close()

	j, err := New(Config{Endpoint: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	_, err = j.Judge(context.Background(), reportExecution(), "terms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestJudgeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "{\"status\": \"pass\"}"}}]}`)
	}))
	defer srv.Close()

	j, err := New(Config{Endpoint: srv.URL, Retries: 2})
	require.NoError(t, err)

	res, err := j.Judge(context.Background(), reportExecution(), "terms")
	require.NoError(t, err)
	assert.Equal(t, verify.StatusPass, res.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestJudgeMalformedVerdictBecomesVerificationError(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "I think it is fine.", nil)
	defer srv.Close()

	j, err := New(Config{Endpoint: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	c := verify.MustCommitment("naming", "Save reports to report.txt", verify.WithSemantic(j))
	r := c.Verify(context.Background(), reportExecution(), nil)
	assert.Equal(t, verify.StatusVerificationError, r.Status)
	assert.Contains(t, r.Context["error"], "malformed")
}

func TestJudgeRateLimitHonoursContext(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"status": "pass"}`, nil)
	defer srv.Close()

	j, err := New(Config{Endpoint: srv.URL, APIKey: "test-key", RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = j.Judge(context.Background(), reportExecution(), "terms")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = j.Judge(ctx, reportExecution(), "terms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoEndpoint)

	_, err = New(Config{Endpoint: "http://localhost", RequestsPerSecond: -1})
	assert.Error(t, err)

	j, err := New(Config{Endpoint: "http://localhost"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", j.Model())
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"plain json", `{"status": "pass", "actual": "a", "expected": "a"}`, "pass", false},
		{"fenced", "```json\n{\"status\": \"Critical\"}\n```", "critical", false},
		{"prose around json", `Verdict: {"status": "warning"} done`, "warning", false},
		{"skipped is not a verdict", `{"status": "skipped"}`, "", true},
		{"unknown status", `{"status": "ok"}`, "", true},
		{"not json", `pass`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVerdict(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedVerdict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Status)
		})
	}
}

func TestUserPromptTruncates(t *testing.T) {
	exec := &execution.Execution{Output: strings.Repeat("x", 500)}
	p := userPrompt(exec, "terms", 100)
	assert.Contains(t, p, "[transcript truncated]")
	assert.Less(t, len(p), 300)
}

func TestUserPromptTruncatesOnRuneBoundary(t *testing.T) {
	exec := &execution.Execution{Output: strings.Repeat("é", 200)}
	for _, limit := range []int{100, 101} {
		p := userPrompt(exec, "terms", limit)
		assert.Contains(t, p, "[transcript truncated]")
		assert.True(t, utf8.ValidString(p), "limit %d split a rune", limit)
	}
}
