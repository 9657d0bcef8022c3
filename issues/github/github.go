// Package github implements the issue backend over the GitHub REST v3
// API. Only issue creation is needed, so the client is a single POST to
// /repos/{owner}/{repo}/issues with a token header.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/downstreamhq/downstream/issues"
)

// DefaultBaseURL is the public GitHub API endpoint. Override with
// WithBaseURL for GitHub Enterprise.
const DefaultBaseURL = "https://api.github.com"

type (
	// Option configures the backend.
	Option func(*Backend)

	// Backend creates issues through the GitHub REST API.
	Backend struct {
		baseURL string
		token   string
		http    *http.Client
	}

	createRequest struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels,omitempty"`
	}

	createResponse struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
	}
)

// Compile-time check that Backend implements issues.Backend.
var _ issues.Backend = (*Backend)(nil)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.http = c }
}

// New creates a GitHub issue backend authenticated with the given token.
func New(token string, opts ...Option) (*Backend, error) {
	if token == "" {
		return nil, errors.New("token is required")
	}
	b := &Backend{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// CreateIssue opens an issue in repo ("owner/name").
func (b *Backend) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (issues.Issue, error) {
	payload, err := json.Marshal(createRequest{Title: title, Body: body, Labels: labels})
	if err != nil {
		return issues.Issue{}, fmt.Errorf("marshal issue request: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/issues", b.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return issues.Issue{}, fmt.Errorf("build issue request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return issues.Issue{}, fmt.Errorf("create issue in %s: %w", repo, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return issues.Issue{}, fmt.Errorf("create issue in %s: status %d: %s", repo, resp.StatusCode, msg)
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return issues.Issue{}, fmt.Errorf("decode issue response: %w", err)
	}
	return issues.Issue{URL: out.HTMLURL, Number: out.Number}, nil
}
