// ABOUTME: Tests for the gateway HTTP client against a fake gateway server.
// ABOUTME: Covers management envelopes, error mapping, and SSE query streaming.

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/routing"
	"github.com/2389/switchboard/internal/session"
)

func TestRegisterAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/agents/register", r.URL.Path)

		var req gateway.RegisterAgentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "http://localhost:8101", req.Endpoint)

		json.NewEncoder(w).Encode(gateway.AgentActionResponse{
			Success:   true,
			AgentID:   "currency_agent",
			AgentName: "Currency Agent",
			Endpoint:  req.Endpoint,
			Message:   "Agent registered successfully",
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).RegisterAgent(context.Background(), "http://localhost:8101")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "currency_agent", resp.AgentID)
	assert.Equal(t, "Agent registered successfully", resp.Message)
}

func TestRegisterAgent_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(gateway.AgentActionResponse{
			Success: false,
			Message: "Failed to complete agent operation",
			Error:   "agent unreachable: connection refused",
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL).RegisterAgent(context.Background(), "http://localhost:9999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent unreachable")
	assert.Contains(t, err.Error(), "502")
}

func TestUnregisterAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agents/unregister", r.URL.Path)

		var req gateway.UnregisterAgentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "currency_agent", req.Identifier)

		json.NewEncoder(w).Encode(gateway.AgentActionResponse{
			Success: true,
			AgentID: "currency_agent",
			Message: "Agent unregistered successfully",
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).UnregisterAgent(context.Background(), "currency_agent")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestListAgents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/agents", r.URL.Path)

		json.NewEncoder(w).Encode(gateway.ListAgentsResponse{
			Success: true,
			Agents: []gateway.AgentInfo{{
				AgentID:  "currency_agent",
				Name:     "Currency Agent",
				Endpoint: "http://localhost:8101",
				Skills:   []gateway.SkillInfo{{Name: "currency_exchange"}},
			}},
			TotalCount: 1,
			Message:    "Found 1 registered agents",
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "currency_agent", resp.Agents[0].AgentID)
	assert.Equal(t, 1, resp.TotalCount)
}

func TestSessionStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/stats", r.URL.Path)
		json.NewEncoder(w).Encode(session.Stats{ActiveSessions: 2, TotalTurns: 7})
	}))
	defer srv.Close()

	stats, err := New(srv.URL).SessionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 7, stats.TotalTurns)
}

func TestCleanupSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sessions/cleanup", r.URL.Path)
		json.NewEncoder(w).Encode(gateway.CleanupResponse{Removed: 3})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).CleanupSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Removed)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL).Health(context.Background()))
}

func TestHealth_Down(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	err := New(srv.URL).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestReady_NotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no agents registered"))
	}))
	defer srv.Close()

	status, err := New(srv.URL).Ready(context.Background())
	require.Error(t, err)
	assert.Equal(t, "no agents registered", status)
}

func TestQueryStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query/stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var req gateway.QueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Convert 100 USD to EUR", req.Query)
		assert.Equal(t, "sess-1", req.SessionID)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []routing.Event{
			routing.MetadataEvent("currency_agent", "Currency Agent", 0.8, "skill match", "sess-1"),
			routing.ChunkEvent("100 USD = "),
			routing.ChunkEvent("92.41 EUR"),
			routing.DoneEvent("100 USD = 92.41 EUR"),
		} {
			require.NoError(t, routing.WriteSSE(w, ev))
		}
	}))
	defer srv.Close()

	stream, err := New(srv.URL).QueryStream(context.Background(), "Convert 100 USD to EUR", "sess-1")
	require.NoError(t, err)

	var events []routing.Event
	for ev := range stream {
		events = append(events, ev)
	}
	require.Len(t, events, 4)
	assert.Equal(t, routing.EventMetadata, events[0].Type)
	assert.Equal(t, "currency_agent", events[0].AgentID)
	assert.Equal(t, routing.EventChunk, events[1].Type)
	assert.Equal(t, routing.EventChunk, events[2].Type)
	assert.Equal(t, routing.EventDone, events[3].Type)
	assert.Equal(t, "100 USD = 92.41 EUR", events[3].Response)
}

func TestQueryStream_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		routing.WriteSSE(w, routing.ErrorEvent(routing.CodeNoConfidentAgent, "no agent matched the query"))
	}))
	defer srv.Close()

	stream, err := New(srv.URL).QueryStream(context.Background(), "mystery", "")
	require.NoError(t, err)

	var events []routing.Event
	for ev := range stream {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, routing.EventError, events[0].Type)
	assert.Equal(t, routing.CodeNoConfidentAgent, events[0].Code)
}

func TestQueryStream_ValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "query is required"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).QueryStream(context.Background(), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query is required")
}

func TestQueryStream_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		routing.WriteSSE(w, routing.ChunkEvent("partial"))
	}))
	defer srv.Close()

	stream, err := New(srv.URL).QueryStream(context.Background(), "convert usd", "")
	require.NoError(t, err)

	var last routing.Event
	for ev := range stream {
		last = ev
	}
	assert.False(t, last.Terminal(), "truncated streams close without a terminal event")
}
