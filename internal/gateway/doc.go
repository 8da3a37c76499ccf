// Package gateway orchestrates the switchboard server components.
//
// # Overview
//
// The gateway package is the central coordinator of the switchboard server.
// It owns and wires all major components: the capability registry, the
// session store and context bridge, the request router with its worker
// client and circuit breakers, and the HTTP server that exposes them.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    registry   *registry.Registry
//	    sessions   *session.Store
//	    bridge     *session.Bridge
//	    router     *routing.Router
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/v1/query/stream - Route a query to the best agent (SSE streaming response)
//   - GET /api/v1/agents - List registered agents
//   - POST /api/v1/agents/register - Register an agent by endpoint
//   - POST /api/v1/agents/unregister - Unregister an agent by id, name, or endpoint
//   - GET /api/v1/sessions/stats - Session store snapshot
//   - POST /api/v1/sessions/cleanup - Evict expired sessions now
//   - GET /health - Liveness check
//   - GET /ready - Readiness check (at least one agent registered)
//
// # SSE Streaming
//
// Query responses are streamed as Server-Sent Events:
//
//	event: metadata
//	data: {"type":"metadata","agent_id":"currency_agent","confidence":0.8,...}
//
//	event: chunk
//	data: {"type":"chunk","content":"100 USD = "}
//
//	event: done
//	data: {"type":"done","response":"100 USD = 92.41 EUR"}
//
// Event types: status, metadata, chunk, done, error. Exactly one terminal
// event (done or error) ends every stream.
//
// # Startup Agents
//
// Endpoints listed under the agents config section are registered
// concurrently before the server starts accepting requests. A worker that
// is down at boot is logged and skipped; it can register later through the
// management API.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run drains in-flight requests within the configured shutdown grace, then
// stops the session sweeper and flushes tracing.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers and SSE streaming
package gateway
