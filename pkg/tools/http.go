package tools

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/go-resty/resty/v2"
)

const maxBody = 1 << 20

// HTTPGet implements http.get with an optional domain allowlist.
type HTTPGet struct {
	client         *resty.Client
	allowedDomains []string
}

// NewHTTPGet creates the http.get tool. An empty allowlist permits every host.
func NewHTTPGet(client *resty.Client, allowedDomains ...string) *HTTPGet {
	if client == nil {
		client = resty.New()
	}
	return &HTTPGet{client: client, allowedDomains: allowedDomains}
}

func (*HTTPGet) Name() string        { return "http.get" }
func (*HTTPGet) Description() string { return "Perform an HTTP GET request" }
func (*HTTPGet) Params() []Param {
	return []Param{{Name: "url", Type: "string", Description: "URL to fetch", Required: true}}
}

func (t *HTTPGet) Call(ctx context.Context, args map[string]any) (any, error) {
	raw, err := stringArg(args, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if len(t.allowedDomains) > 0 && !slices.Contains(t.allowedDomains, u.Hostname()) {
		return nil, fmt.Errorf("domain %q is not in the allowed list", u.Hostname())
	}

	resp, err := t.client.R().SetContext(ctx).Get(raw)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	body := resp.Body()
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return map[string]any{
		"status_code":  resp.StatusCode(),
		"content_type": resp.Header().Get("Content-Type"),
		"body":         string(body),
	}, nil
}
