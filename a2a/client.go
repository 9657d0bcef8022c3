// Package a2a provides the outbound client for peer agents speaking the
// same skill-dispatch protocol this agent exposes: POST {base}/a2a/execute
// for skill invocation, the well-known agent card, and GET {base}/health.
//
// The client never returns transport errors to callers. Execute failures
// map to {success:false, error}, card failures to an empty card, and
// health failures to {status:"unhealthy", error}, so callers can make
// local best-effort decisions without error plumbing.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default timeouts per call kind.
const (
	DefaultExecuteTimeout = 60 * time.Second
	DefaultCardTimeout    = 10 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
)

type (
	// Option configures the client.
	Option func(*Client)

	// Client invokes skills on a single peer agent.
	Client struct {
		baseURL        string
		token          string
		http           *http.Client
		executeTimeout time.Duration
		cardTimeout    time.Duration
		healthTimeout  time.Duration
	}

	executeRequest struct {
		SkillID string         `json:"skill_id"`
		Input   map[string]any `json:"input"`
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBearerToken configures the client to send an Authorization Bearer
// token on execute calls.
func WithBearerToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithExecuteTimeout overrides the per-call timeout for ExecuteSkill.
func WithExecuteTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.executeTimeout = d }
}

// New constructs a client for the peer at baseURL (for example,
// "https://kb.example.com").
func New(baseURL string, opts ...Option) *Client {
	cl := &Client{
		baseURL:        baseURL,
		http:           &http.Client{},
		executeTimeout: DefaultExecuteTimeout,
		cardTimeout:    DefaultCardTimeout,
		healthTimeout:  DefaultHealthTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	return cl
}

// ExecuteSkill invokes a skill on the peer and returns its JSON result.
// Transport failures are returned as {success:false, error}.
func (c *Client) ExecuteSkill(ctx context.Context, skillID string, input map[string]any) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, c.executeTimeout)
	defer cancel()

	body, err := json.Marshal(executeRequest{SkillID: skillID, Input: input})
	if err != nil {
		return failure(fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/a2a/execute", bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return failure(fmt.Sprintf("A2A communication failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failure(fmt.Sprintf("A2A http status %d: %s", resp.StatusCode, msg))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failure(fmt.Sprintf("decode response: %v", err))
	}
	return out
}

// AgentCard fetches the peer's agent card. Failures yield an empty map.
func (c *Client) AgentCard(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, c.cardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/.well-known/agent.json", nil)
	if err != nil {
		return map[string]any{}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return map[string]any{}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return map[string]any{}
	}
	var card map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return map[string]any{}
	}
	return card
}

// Health fetches the peer's health document. Failures yield
// {status:"unhealthy", error}.
func (c *Client) Health(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return unhealthy(err.Error())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return unhealthy(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return unhealthy(fmt.Sprintf("http status %d", resp.StatusCode))
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return unhealthy(err.Error())
	}
	return out
}

func failure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func unhealthy(msg string) map[string]any {
	return map[string]any{"status": "unhealthy", "error": msg}
}
