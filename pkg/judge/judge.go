// Package judge implements a semantic checker that asks an
// OpenAI-compatible chat completion endpoint whether an execution honours
// natural-language terms.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/verify"
)

var (
	// ErrNoEndpoint is returned by New when no endpoint is configured.
	ErrNoEndpoint = errors.New("judge endpoint not configured")

	// ErrMalformedVerdict is returned when the model reply is not a usable verdict.
	ErrMalformedVerdict = errors.New("malformed judge verdict")
)

// Config configures the judge client.
type Config struct {
	Endpoint          string        // base URL, e.g. https://api.openai.com/v1
	Model             string        // defaults to gpt-4o-mini
	APIKey            string        // sent as a bearer token when set
	Timeout           time.Duration // per request; defaults to 30s
	Retries           int           // retries on 429 and 5xx
	RequestsPerSecond float64       // 0 disables rate limiting
	Burst             int
	MaxTranscript     int // transcript bytes sent to the model; defaults to 16000
}

// Judge is a verify.SemanticChecker backed by an LLM.
type Judge struct {
	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Judge.
type Option func(*Judge)

// WithLogger sets the judge logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Judge) {
		j.logger = l
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(j *Judge) {
		j.client = resty.NewWithClient(c)
	}
}

// New creates a Judge.
func New(cfg Config, opts ...Option) (*Judge, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTranscript <= 0 {
		cfg.MaxTranscript = 16000
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("judge: requests_per_second must not be negative")
	}

	j := &Judge{cfg: cfg}
	for _, opt := range opts {
		opt(j)
	}
	if j.client == nil {
		j.client = resty.New()
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}

	j.client.
		SetBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		j.client.SetAuthToken(cfg.APIKey)
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		j.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return j, nil
}

// Model returns the configured model name.
func (j *Judge) Model() string { return j.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Verdict is the JSON object the model is asked to produce.
type Verdict struct {
	Status    string `json:"status"`
	Actual    string `json:"actual"`
	Expected  string `json:"expected"`
	Reasoning string `json:"reasoning"`
}

// Judge implements verify.SemanticChecker.
func (j *Judge) Judge(ctx context.Context, exec *execution.Execution, terms string) (verify.IntermediateResult, error) {
	if j.limiter != nil {
		if err := j.limiter.Wait(ctx); err != nil {
			return verify.IntermediateResult{}, fmt.Errorf("judge: rate limit: %w", err)
		}
	}

	req := chatRequest{
		Model: j.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(exec, terms, j.cfg.MaxTranscript)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var out chatResponse
	start := time.Now()
	resp, err := j.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return verify.IntermediateResult{}, fmt.Errorf("judge: request: %w", err)
	}
	if resp.IsError() {
		return verify.IntermediateResult{}, fmt.Errorf("judge: %s returned %d: %s",
			j.cfg.Endpoint, resp.StatusCode(), truncate(resp.String(), 300))
	}
	if len(out.Choices) == 0 {
		return verify.IntermediateResult{}, fmt.Errorf("%w: no choices in response", ErrMalformedVerdict)
	}

	v, err := ParseVerdict(out.Choices[0].Message.Content)
	if err != nil {
		return verify.IntermediateResult{}, err
	}
	j.logger.DebugContext(ctx, "judge verdict",
		"model", j.cfg.Model,
		"status", v.Status,
		"elapsed", time.Since(start),
	)

	return verify.IntermediateResult{
		Status:   verify.Status(v.Status),
		Actual:   v.Actual,
		Expected: v.Expected,
		Context: map[string]any{
			"reasoning": v.Reasoning,
			"model":     j.cfg.Model,
		},
	}, nil
}

// ParseVerdict decodes a model reply. Markdown code fences around the JSON
// object are tolerated. The status must be a judgemental verdict.
func ParseVerdict(content string) (Verdict, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i, k := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && k > i {
		s = s[i : k+1]
	}

	var v Verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	v.Status = strings.ToLower(strings.TrimSpace(v.Status))
	st, err := verify.ParseStatus(v.Status)
	if err != nil || !st.Judgemental() {
		return Verdict{}, fmt.Errorf("%w: status %q", ErrMalformedVerdict, v.Status)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
