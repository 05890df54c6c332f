// Package nodeagent speaks HTTP to the agent daemon running on each fleet
// node. The daemon owns workspace and agent session lifecycle on its VM;
// this package is the orchestrator-side client plus the circuit breaker
// that guards calls to unreachable agents.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"

	"github.com/c360studio/agentfleet/fleet"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20 // 1MB
)

// AgentAPI is the surface the run pipeline needs from a node agent. The
// HTTP Client implements it; tests substitute fakes through a Dialer.
type AgentAPI interface {
	Health(ctx context.Context) error
	CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (*WorkspaceInfo, error)
	WorkspaceStatus(ctx context.Context, id string) (*WorkspaceInfo, error)
	StopWorkspace(ctx context.Context, id string) error
	CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionInfo, error)
	StopSession(ctx context.Context, id string) error
}

// CreateWorkspaceRequest asks the agent to build an isolated workspace.
type CreateWorkspaceRequest struct {
	Name          string   `json:"name"`
	TaskID        string   `json:"task_id,omitempty"`
	Repo          string   `json:"repo,omitempty"`
	ScopePatterns []string `json:"scope_patterns,omitempty"`
}

// WorkspaceInfo is the agent's view of a workspace.
type WorkspaceInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// CreateSessionRequest starts a coding agent inside a workspace.
type CreateSessionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	TaskID      string `json:"task_id,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// SessionInfo is the agent's view of an agent session.
type SessionInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// APIError is a non-2xx response from the agent daemon.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("agent returned HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("agent returned HTTP %d", e.StatusCode)
}

// IsNotFound reports whether err is an agent 404. Stop calls use this to
// treat missing resources as already stopped.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP implementation of AgentAPI for one node.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates a client for the agent daemon at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialer produces an AgentAPI for a node. The run pipeline holds one so
// tests can swap in fakes.
type Dialer func(node *fleet.Node) AgentAPI

// NewDialer returns the HTTP-backed dialer. Each node gets a client bound
// to its AgentBaseURL.
func NewDialer(timeout time.Duration, logger *slog.Logger) Dialer {
	return func(node *fleet.Node) AgentAPI {
		return NewClient(node.AgentBaseURL, WithTimeout(timeout), WithLogger(logger))
	}
}

// Health checks agent reachability. Single-shot; callers poll with their
// own cadence.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("agent health: %w", err)
	}
	return nil
}

// CreateWorkspace asks the agent to create a workspace. Transient failures
// are retried; 4xx responses fail immediately.
func (c *Client) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (*WorkspaceInfo, error) {
	var info WorkspaceInfo
	retryConfig := retry.DefaultConfig()
	err := retry.Do(ctx, retryConfig, func() error {
		return c.do(ctx, http.MethodPost, "/workspaces", req, &info)
	})
	if err != nil {
		c.logger.Warn("Failed to create workspace on agent",
			"name", req.Name,
			"task_id", req.TaskID,
			"error", err,
			"retryable", !retry.IsNonRetryable(err))
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &info, nil
}

// WorkspaceStatus fetches the agent's view of one workspace. Single-shot;
// readiness polling supplies the retry cadence.
func (c *Client) WorkspaceStatus(ctx context.Context, id string) (*WorkspaceInfo, error) {
	var info WorkspaceInfo
	if err := c.do(ctx, http.MethodGet, "/workspaces/"+url.PathEscape(id), nil, &info); err != nil {
		return nil, fmt.Errorf("workspace status %s: %w", id, err)
	}
	return &info, nil
}

// StopWorkspace stops a workspace on the agent. A 404 means the workspace
// is already gone and is not an error.
func (c *Client) StopWorkspace(ctx context.Context, id string) error {
	retryConfig := retry.DefaultConfig()
	err := retry.Do(ctx, retryConfig, func() error {
		return c.do(ctx, http.MethodDelete, "/workspaces/"+url.PathEscape(id), nil, nil)
	})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop workspace %s: %w", id, err)
	}
	return nil
}

// CreateSession starts a coding agent session inside a workspace.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionInfo, error) {
	var info SessionInfo
	retryConfig := retry.DefaultConfig()
	err := retry.Do(ctx, retryConfig, func() error {
		return c.do(ctx, http.MethodPost, "/sessions", req, &info)
	})
	if err != nil {
		c.logger.Warn("Failed to create agent session",
			"workspace_id", req.WorkspaceID,
			"task_id", req.TaskID,
			"error", err,
			"retryable", !retry.IsNonRetryable(err))
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &info, nil
}

// StopSession stops an agent session. A 404 means the session is already
// gone and is not an error.
func (c *Client) StopSession(ctx context.Context, id string) error {
	retryConfig := retry.DefaultConfig()
	err := retry.Do(ctx, retryConfig, func() error {
		return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
	})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	return nil
}

// do issues one JSON request against the agent. 4xx responses come back as
// non-retryable APIErrors, 5xx as retryable ones.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if resp.StatusCode < 500 {
			return retry.NonRetryable(apiErr)
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return retry.NonRetryable(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
