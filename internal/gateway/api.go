// ABOUTME: HTTP API handlers: agent management, session maintenance, SSE query streaming.
// ABOUTME: Management endpoints answer JSON envelopes; query responses stream as SSE events.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/capability"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/routing"
)

// RegisterAgentRequest is the JSON body for POST /api/v1/agents/register.
type RegisterAgentRequest struct {
	Endpoint string `json:"endpoint"`
}

// UnregisterAgentRequest is the JSON body for POST /api/v1/agents/unregister.
// The identifier may be an agent id, a display name, or an endpoint.
type UnregisterAgentRequest struct {
	Identifier string `json:"identifier"`
}

// AgentActionResponse is the envelope returned by register and unregister.
type AgentActionResponse struct {
	Success   bool   `json:"success"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SkillInfo is one declared skill in a list response.
type SkillInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentInfo is one registered agent in a list response.
type AgentInfo struct {
	AgentID           string      `json:"agent_id"`
	Name              string      `json:"name"`
	Description       string      `json:"description"`
	Endpoint          string      `json:"endpoint"`
	Skills            []SkillInfo `json:"skills"`
	Keywords          []string    `json:"keywords"`
	SupportsStreaming bool        `json:"supports_streaming"`
}

// ListAgentsResponse is the envelope for GET /api/v1/agents.
type ListAgentsResponse struct {
	Success    bool        `json:"success"`
	Agents     []AgentInfo `json:"agents"`
	TotalCount int         `json:"total_count"`
	Message    string      `json:"message,omitempty"`
}

// QueryRequest is the JSON body for POST /api/v1/query/stream.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// CleanupResponse is the envelope for POST /api/v1/sessions/cleanup.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// handleRegisterAgent handles POST /api/v1/agents/register. The gateway
// fetches the capability descriptor from the given endpoint and adds the
// agent to the registry. A descriptor with no skills still registers, with
// a warning in the response message.
func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendAgentError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		g.sendAgentError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	rec, err := g.registry.Register(r.Context(), req.Endpoint)
	switch {
	case errors.Is(err, capability.ErrNoSkillsDeclared):
		g.sendJSON(w, http.StatusOK, AgentActionResponse{
			Success:   true,
			AgentID:   rec.AgentID,
			AgentName: rec.DisplayName,
			Endpoint:  rec.Endpoint,
			Message:   "Agent registered, but it declares no skills; routing confidence is capped",
		})
	case errors.Is(err, registry.ErrUnreachableAgent):
		g.sendAgentError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, capability.ErrMalformedDescriptor):
		g.sendAgentError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		g.logger.Error("agent registration failed", "endpoint", req.Endpoint, "error", err)
		g.sendAgentError(w, http.StatusInternalServerError, "internal server error")
	default:
		g.sendJSON(w, http.StatusOK, AgentActionResponse{
			Success:   true,
			AgentID:   rec.AgentID,
			AgentName: rec.DisplayName,
			Endpoint:  rec.Endpoint,
			Message:   "Agent registered successfully",
		})
	}
}

// handleUnregisterAgent handles POST /api/v1/agents/unregister.
func (g *Gateway) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req UnregisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendAgentError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		g.sendAgentError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	rec, err := g.registry.Unregister(req.Identifier)
	if errors.Is(err, registry.ErrAgentNotFound) {
		g.sendAgentError(w, http.StatusNotFound, fmt.Sprintf("no agent matched %q", req.Identifier))
		return
	}
	if err != nil {
		g.logger.Error("agent unregistration failed", "identifier", req.Identifier, "error", err)
		g.sendAgentError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, AgentActionResponse{
		Success:   true,
		AgentID:   rec.AgentID,
		AgentName: rec.DisplayName,
		Endpoint:  rec.Endpoint,
		Message:   "Agent unregistered successfully",
	})
}

// handleListAgents handles GET /api/v1/agents. The listing is a registry
// snapshot in registration order.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	records := g.registry.List()
	agents := make([]AgentInfo, 0, len(records))
	for _, rec := range records {
		skills := make([]SkillInfo, 0, len(rec.Skills))
		for _, s := range rec.Skills {
			skills = append(skills, SkillInfo{Name: s.Name, Description: s.Description, Tags: s.Tags})
		}
		agents = append(agents, AgentInfo{
			AgentID:           rec.AgentID,
			Name:              rec.DisplayName,
			Description:       rec.Description,
			Endpoint:          rec.Endpoint,
			Skills:            skills,
			Keywords:          rec.Keywords,
			SupportsStreaming: rec.SupportsStreaming,
		})
	}

	g.sendJSON(w, http.StatusOK, ListAgentsResponse{
		Success:    true,
		Agents:     agents,
		TotalCount: len(agents),
		Message:    fmt.Sprintf("Found %d registered agents", len(agents)),
	})
}

// handleQueryStream handles POST /api/v1/query/stream. The response is a
// server-sent event stream: at most one metadata event, any number of
// status and chunk events, and exactly one terminal done or error event.
// Validation failures before the stream starts are plain JSON errors;
// everything after the headers flows as events.
func (g *Gateway) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "query is required")
		return
	}

	// Check streaming support before routing (fail fast).
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Callers without a session get one; its id comes back on the
	// metadata event so follow-up queries can share context.
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
		g.logger.Debug("generated session id", "session_id", sessionID)
	}

	stream, err := g.router.Route(r.Context(), routing.Request{
		Query:     req.Query,
		SessionID: sessionID,
	})
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	// The router closes the stream on completion, failure, and caller
	// disconnect alike, so draining it is the whole relay loop.
	for ev := range stream {
		if err := routing.WriteSSE(w, ev); err != nil {
			g.logger.Debug("caller write failed mid-stream", "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleSessionStats handles GET /api/v1/sessions/stats.
func (g *Gateway) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessions.Stats())
}

// handleSessionCleanup handles POST /api/v1/sessions/cleanup: an on-demand
// sweep of expired sessions, ahead of the scheduled one.
func (g *Gateway) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	removed := g.sessions.Sweep()
	if removed > 0 {
		g.logger.Info("session cleanup requested", "removed", removed)
	}
	g.sendJSON(w, http.StatusOK, CleanupResponse{Removed: removed})
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendAgentError writes a failed management envelope.
func (g *Gateway) sendAgentError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, AgentActionResponse{
		Success: false,
		Message: "Failed to complete agent operation",
		Error:   message,
	})
}

// sendJSONError writes a plain JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
