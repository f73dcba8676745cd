package github

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gh "github.com/google/go-github/v60/github"

	"github.com/cgast/obsagent/pkg/verify"
)

// DefaultLabel marks issues filed by the reporter.
const DefaultLabel = "obsagent"

// Reporter turns failing verification results into GitHub issues. A result
// whose commitment already has an open issue is added as a comment instead.
type Reporter struct {
	client    *Client
	owner     string
	repo      string
	labels    []string
	minStatus verify.Status
	contract  string
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithLabels sets the labels applied to new issues. The first label is
// also used to find existing issues.
func WithLabels(labels ...string) ReporterOption {
	return func(r *Reporter) {
		if len(labels) > 0 {
			r.labels = labels
		}
	}
}

// WithMinStatus ignores failing results ranked below floor.
func WithMinStatus(floor verify.Status) ReporterOption {
	return func(r *Reporter) {
		r.minStatus = floor
	}
}

// WithContractName includes the contract name in issue titles.
func WithContractName(name string) ReporterOption {
	return func(r *Reporter) {
		r.contract = name
	}
}

// NewReporter creates a Reporter for repo in "owner/name" form.
func NewReporter(client *Client, repo string, opts ...ReporterOption) (*Reporter, error) {
	owner, name, err := ParseRepo(repo)
	if err != nil {
		return nil, err
	}
	r := &Reporter{
		client:    client,
		owner:     owner,
		repo:      name,
		labels:    []string{DefaultLabel},
		minStatus: verify.StatusWarning,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Handler returns the reporter as a violation handler.
func (r *Reporter) Handler() verify.ViolationHandler {
	return r.Report
}

// Report files or updates the issue for result.
func (r *Reporter) Report(ctx context.Context, result verify.VerificationResult) error {
	if !result.Failing() || result.Status.Rank() < r.minStatus.Rank() {
		return nil
	}
	title := r.title(result)
	body := issueBody(result)

	existing, err := r.findOpen(ctx, title)
	if err != nil {
		return err
	}
	if existing != nil {
		_, _, err := r.client.inner.Issues.CreateComment(ctx, r.owner, r.repo, existing.GetNumber(),
			&gh.IssueComment{Body: &body})
		if err != nil {
			return fmt.Errorf("github: comment on #%d: %w", existing.GetNumber(), err)
		}
		return nil
	}

	labels := append([]string(nil), r.labels...)
	labels = append(labels, "severity:"+string(result.Status))
	_, _, err = r.client.inner.Issues.Create(ctx, r.owner, r.repo, &gh.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return fmt.Errorf("github: create issue: %w", err)
	}
	return nil
}

func (r *Reporter) title(result verify.VerificationResult) string {
	if r.contract != "" {
		return fmt.Sprintf("[%s] %s: %s", r.contract, result.CommitmentName, result.Status)
	}
	return fmt.Sprintf("[obsagent] %s: %s", result.CommitmentName, result.Status)
}

// findOpen returns the open labelled issue with the given title, if any.
func (r *Reporter) findOpen(ctx context.Context, title string) (*gh.Issue, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		Labels:      r.labels[:1],
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := r.client.inner.Issues.ListByRepo(ctx, r.owner, r.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("github: list issues: %w", err)
		}
		for _, is := range issues {
			if is.GetTitle() == title && !is.IsPullRequest() {
				return is, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil, nil
		}
		opts.Page = resp.NextPage
	}
}

func issueBody(result verify.VerificationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commitment **%s** reported `%s`.\n\n", result.CommitmentName, result.Status)
	fmt.Fprintf(&b, "| | |\n|---|---|\n| Expected | %s |\n| Actual | %s |\n", cell(result.Expected), cell(result.Actual))
	if len(result.Context) > 0 {
		keys := make([]string, 0, len(result.Context))
		for k := range result.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n<details><summary>Context</summary>\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s`: %v\n", k, result.Context[k])
		}
		b.WriteString("\n</details>\n")
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", "<br>")
}
