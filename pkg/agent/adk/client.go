// Package adk is an HTTP client for agent backends that expose the
// run_sse streaming endpoint and the session REST API.
package adk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/selecta/pkg/agent"
)

// DefaultRunPath is the streaming run endpoint used when none is configured.
const DefaultRunPath = "/run_sse"

// Client implements agent.Runner and agent.SessionService over HTTP.
type Client struct {
	config *agent.Config
	// streaming responses stay open for the whole turn and carry no timeout
	streamClient *http.Client
	httpClient   *http.Client
}

// New creates a new client with the given configuration.
func New(config *agent.Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config:       config,
		streamClient: &http.Client{},
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// RunSSE posts a run request and returns the event stream of the response.
func (c *Client) RunSSE(ctx context.Context, runReq agent.RunRequest) (*agent.Stream, error) {
	if runReq.AppName == "" {
		runReq.AppName = c.config.AppName
	}
	if runReq.UserID == "" {
		runReq.UserID = c.config.UserID
	}

	body, err := json.Marshal(runReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	runPath := c.config.RunPath
	if runPath == "" {
		runPath = DefaultRunPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(runPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return agent.NewStream(ctx, resp.Body), nil
}

// CreateSession creates a session with the given id.
func (c *Client) CreateSession(ctx context.Context, userID, sessionID string) (*agent.Session, error) {
	var session agent.Session
	if err := c.do(ctx, http.MethodPost, c.sessionPath(userID, sessionID), struct{}{}, &session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &session, nil
}

// GetSession fetches a session including its events.
func (c *Client) GetSession(ctx context.Context, userID, sessionID string) (*agent.Session, error) {
	var session agent.Session
	if err := c.do(ctx, http.MethodGet, c.sessionPath(userID, sessionID), nil, &session); err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &session, nil
}

// ListSessions lists the sessions of a user.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]agent.Session, error) {
	var sessions []agent.Session
	if err := c.do(ctx, http.MethodGet, c.sessionsPath(userID), nil, &sessions); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, c.sessionPath(userID, sessionID), nil, nil); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func (c *Client) userID(userID string) string {
	if userID == "" {
		return c.config.UserID
	}
	return userID
}

func (c *Client) sessionsPath(userID string) string {
	return "/apps/" + url.PathEscape(c.config.AppName) +
		"/users/" + url.PathEscape(c.userID(userID)) + "/sessions"
}

func (c *Client) sessionPath(userID, sessionID string) string {
	return c.sessionsPath(userID) + "/" + url.PathEscape(sessionID)
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path
}
