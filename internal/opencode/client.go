// ABOUTME: HTTP client for one remote OpenCode server
// ABOUTME: Each call is an independent request with its own timeout and the agent's basic auth

package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/2389/opencode-bridge/internal/registry"
)

// DefaultSessionTitle is used when CreateSession is called without a title.
const DefaultSessionTitle = "Bridge session"

// Default per-operation timeouts.
const (
	DefaultHealthTimeout = 5 * time.Second
	DefaultAPITimeout    = 10 * time.Second
	DefaultPromptTimeout = 300 * time.Second
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 32 << 20

// Options tunes a Client. Zero values fall back to the defaults.
type Options struct {
	HealthTimeout time.Duration
	APITimeout    time.Duration
	PromptTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client talks to a single agent. It keeps no state between calls and is safe
// for concurrent use.
type Client struct {
	agent      string
	baseURL    string
	authHeader string

	healthTimeout time.Duration
	apiTimeout    time.Duration
	promptTimeout time.Duration

	http   *http.Client
	logger *slog.Logger
}

// New creates a client bound to the given agent descriptor.
func New(agent registry.Agent, opts Options) *Client {
	c := &Client{
		agent:         agent.Name,
		baseURL:       agent.URL,
		authHeader:    agent.AuthorizationHeader(),
		healthTimeout: opts.HealthTimeout,
		apiTimeout:    opts.APITimeout,
		promptTimeout: opts.PromptTimeout,
		http:          opts.HTTPClient,
		logger:        opts.Logger,
	}
	if c.healthTimeout <= 0 {
		c.healthTimeout = DefaultHealthTimeout
	}
	if c.apiTimeout <= 0 {
		c.apiTimeout = DefaultAPITimeout
	}
	if c.promptTimeout <= 0 {
		c.promptTimeout = DefaultPromptTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "opencode", "agent", agent.Name)
	return c
}

// Agent returns the name of the agent this client is bound to.
func (c *Client) Agent() string {
	return c.agent
}

// Health calls GET /global/health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/global/health", nil, c.healthTimeout, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListSessions calls GET /session.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, c.apiTimeout, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession calls POST /session. An empty title becomes DefaultSessionTitle.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	if title == "" {
		title = DefaultSessionTitle
	}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/session", createSessionRequest{Title: title}, c.apiTimeout, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, &TransportError{Method: http.MethodPost, Path: "/session", Err: fmt.Errorf("response has no session id")}
	}
	return &s, nil
}

// GetSession calls GET /session/:id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, c.apiTimeout, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Prompt calls POST /session/:id/message and blocks until the agent finishes
// its full response.
func (c *Client) Prompt(ctx context.Context, sessionID, text string, model *Model) (*MessageWithParts, error) {
	var msg MessageWithParts
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/message"), newPromptRequest(text, model), c.promptTimeout, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PromptAsync calls POST /session/:id/prompt_async. The agent processes the
// prompt in the background; nothing signals completion.
func (c *Client) PromptAsync(ctx context.Context, sessionID, text string, model *Model) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "/prompt_async"), newPromptRequest(text, model), c.apiTimeout, nil)
}

// Messages calls GET /session/:id/message. A limit <= 0 asks for the server default.
func (c *Client) Messages(ctx context.Context, sessionID string, limit int) ([]MessageWithParts, error) {
	path := sessionPath(sessionID, "/message")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []MessageWithParts
	if err := c.do(ctx, http.MethodGet, path, nil, c.apiTimeout, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Abort calls POST /session/:id/abort.
func (c *Client) Abort(ctx context.Context, sessionID string) (bool, error) {
	return c.doBool(ctx, http.MethodPost, sessionPath(sessionID, "/abort"))
}

// DeleteSession calls DELETE /session/:id.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	return c.doBool(ctx, http.MethodDelete, sessionPath(sessionID, ""))
}

// SessionStatuses calls GET /session/status. Values are passed through untouched.
func (c *Client) SessionStatuses(ctx context.Context) (map[string]json.RawMessage, error) {
	statuses := map[string]json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, c.apiTimeout, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// doBool runs a request whose response is a bare JSON boolean. An empty
// success body counts as true.
func (c *Client) doBool(ctx context.Context, method, path string) (bool, error) {
	var raw json.RawMessage
	if err := c.do(ctx, method, path, nil, c.apiTimeout, &raw); err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return true, nil
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		// Some server versions answer with an object; success status is what matters.
		return true, nil
	}
	return ok, nil
}

// do performs one request/response cycle. body is JSON-encoded when non-nil;
// out is decoded from a non-empty 2xx body when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Method: method, Path: path, Err: fmt.Errorf("marshaling request: %w", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: fmt.Errorf("reading response: %w", err)}
	}

	c.logger.Debug("request complete",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Method: method, Path: path, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func sessionPath(sessionID, suffix string) string {
	return "/session/" + url.PathEscape(sessionID) + suffix
}
