// Package github files GitHub issues for contract violations.
package github

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v60/github"
)

// DefaultTimeout bounds each GitHub API request.
const DefaultTimeout = 30 * time.Second

// Client is an authenticated GitHub API client.
type Client struct {
	inner *gh.Client
}

type clientConfig struct {
	baseURL    *url.URL
	httpClient *http.Client
	userAgent  string
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig) error

// WithBaseURL points the client at a GitHub Enterprise API root or a test
// server. A missing trailing slash is added.
func WithBaseURL(raw string) ClientOption {
	return func(c *clientConfig) error {
		u, err := url.Parse(strings.TrimSuffix(raw, "/") + "/")
		if err != nil {
			return fmt.Errorf("github base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("github base url %q: scheme and host are required", raw)
		}
		c.baseURL = u
		return nil
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) error {
		c.httpClient = hc
		return nil
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) error {
		c.userAgent = ua
		return nil
	}
}

// NewClient creates a client authenticating with token.
func NewClient(token string, opts ...ClientOption) (*Client, error) {
	if token == "" {
		return nil, errors.New("github token is required")
	}
	cfg := clientConfig{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  "obsagent",
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	inner := gh.NewClient(cfg.httpClient).WithAuthToken(token)
	if cfg.baseURL != nil {
		inner.BaseURL = cfg.baseURL
	}
	inner.UserAgent = cfg.userAgent
	return &Client{inner: inner}, nil
}

// ParseRepo splits "owner/name".
func ParseRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repo %q: want owner/name", repo)
	}
	return owner, name, nil
}
