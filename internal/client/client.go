// ABOUTME: HTTP client for the switchboard management and query APIs.
// ABOUTME: Used by the CLI; query responses stream through the shared SSE decoder.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/routing"
	"github.com/2389/switchboard/internal/session"
)

// Client talks to a switchboard gateway over its HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the gateway at baseURL. Individual calls are
// bounded by their context; streams live as long as theirs does.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
	}
}

// RegisterAgent asks the gateway to register the worker at endpoint.
func (c *Client) RegisterAgent(ctx context.Context, endpoint string) (gateway.AgentActionResponse, error) {
	var resp gateway.AgentActionResponse
	err := c.postJSON(ctx, "/api/v1/agents/register", gateway.RegisterAgentRequest{Endpoint: endpoint}, &resp)
	return resp, err
}

// UnregisterAgent removes the agent matching identifier (id, name, or endpoint).
func (c *Client) UnregisterAgent(ctx context.Context, identifier string) (gateway.AgentActionResponse, error) {
	var resp gateway.AgentActionResponse
	err := c.postJSON(ctx, "/api/v1/agents/unregister", gateway.UnregisterAgentRequest{Identifier: identifier}, &resp)
	return resp, err
}

// ListAgents returns every registered agent.
func (c *Client) ListAgents(ctx context.Context) (gateway.ListAgentsResponse, error) {
	var resp gateway.ListAgentsResponse
	err := c.getJSON(ctx, "/api/v1/agents", &resp)
	return resp, err
}

// SessionStats returns a snapshot of the gateway's session store.
func (c *Client) SessionStats(ctx context.Context) (session.Stats, error) {
	var stats session.Stats
	err := c.getJSON(ctx, "/api/v1/sessions/stats", &stats)
	return stats, err
}

// CleanupSessions evicts expired sessions now and reports how many went.
func (c *Client) CleanupSessions(ctx context.Context) (gateway.CleanupResponse, error) {
	var resp gateway.CleanupResponse
	err := c.postJSON(ctx, "/api/v1/sessions/cleanup", nil, &resp)
	return resp, err
}

// Health checks the gateway liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Ready checks the readiness endpoint and returns its status line.
func (c *Client) Ready(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	status := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("gateway not ready: %s", status)
	}
	return status, nil
}

// eventBuffer matches the worker client's stream channel depth.
const eventBuffer = 16

// QueryStream routes a query through the gateway and streams the response
// events. The channel closes when the stream ends; on a well-behaved
// gateway exactly one terminal done or error event precedes the close.
func (c *Client) QueryStream(ctx context.Context, query, sessionID string) (<-chan routing.Event, error) {
	body, err := json.Marshal(gateway.QueryRequest{Query: query, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/query/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending query: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}

	events := make(chan routing.Event, eventBuffer)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		decoder := routing.NewSSEDecoder(resp.Body)
		for {
			ev, err := decoder.Next()
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorFromResponse extracts an error message from a non-200 response.
// Management failures carry their detail in an "error" JSON field.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
