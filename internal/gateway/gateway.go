// ABOUTME: Gateway orchestrator that wires the registry, sessions, and router together.
// ABOUTME: Owns the HTTP server lifecycle: startup registration, serving, graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/capability"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/routing"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/tracing"
)

// Gateway fronts the worker agents: it owns the capability registry, the
// session context store, and the router, and exposes them over HTTP.
type Gateway struct {
	config     *config.Config
	registry   *registry.Registry
	sessions   *session.Store
	bridge     *session.Bridge
	router     *routing.Router
	httpServer *http.Server
	logger     *slog.Logger

	tracingShutdown func(context.Context) error

	mu   sync.Mutex
	addr string
}

// New creates a gateway from the configuration. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	tracingShutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	fetcher := registry.NewHTTPFetcher(cfg.Registry.FetchTimeout, logger.With("component", "descriptor-fetcher"))
	reg := registry.New(fetcher, logger.With("component", "registry"))

	sessions := session.NewStore(cfg.Sessions.TTL, logger.With("component", "session-store"))
	bridge := session.NewBridge(sessions, cfg.Sessions.MaxResponseContextChars, logger.With("component", "context-bridge"))

	workerClient := routing.NewWorkerClient(
		cfg.Routing.Worker.ConnectTimeout,
		cfg.Routing.Worker.ResponseHeaderTimeout,
		logger,
	)
	opener := routing.NewBreakerOpener(workerClient, routing.BreakerConfig{
		MaxFailures: cfg.Routing.Breaker.MaxFailures,
		Timeout:     cfg.Routing.Breaker.Timeout,
		Interval:    cfg.Routing.Breaker.Interval,
	}, logger)

	router := routing.NewRouter(reg, sessions, bridge, opener, cfg.Routing.ConfidenceThreshold, logger)

	gw := &Gateway{
		config:          cfg,
		registry:        reg,
		sessions:        sessions,
		bridge:          bridge,
		router:          router,
		logger:          logger.With("component", "gateway"),
		tracingShutdown: tracingShutdown,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/ready", gw.handleReady)
	mux.HandleFunc("/api/v1/agents", gw.handleListAgents)
	mux.HandleFunc("/api/v1/agents/register", gw.handleRegisterAgent)
	mux.HandleFunc("/api/v1/agents/unregister", gw.handleUnregisterAgent)
	mux.HandleFunc("/api/v1/query/stream", gw.handleQueryStream)
	mux.HandleFunc("/api/v1/sessions/stats", gw.handleSessionStats)
	mux.HandleFunc("/api/v1/sessions/cleanup", gw.handleSessionCleanup)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Registry exposes the agent registry for callers that embed the gateway.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Sessions exposes the session store for callers that embed the gateway.
func (g *Gateway) Sessions() *session.Store {
	return g.sessions
}

// Addr returns the bound listen address once Run has started serving,
// or the configured address before that.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addr != "" {
		return g.addr
	}
	return g.config.Server.HTTPAddr
}

func (g *Gateway) setAddr(addr string) {
	g.mu.Lock()
	g.addr = addr
	g.mu.Unlock()
}

// Run starts the gateway and blocks until the context is canceled or the
// server fails. Startup agents from the config are registered first;
// registration failures are logged, never fatal. Returns nil on graceful
// shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if schedule := g.config.Sessions.SweepSchedule; schedule != "" {
		if err := g.sessions.StartSweeper(schedule); err != nil {
			return fmt.Errorf("starting session sweeper: %w", err)
		}
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	g.setAddr(ln.Addr().String())

	g.registerStartupAgents(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// registerStartupAgents registers every endpoint from the agents config
// section, concurrently. A worker that is down at boot can still be
// registered later through the management API.
func (g *Gateway) registerStartupAgents(ctx context.Context) {
	if len(g.config.Agents) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ac := range g.config.Agents {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			rec, err := g.registry.Register(ctx, endpoint)
			switch {
			case errors.Is(err, capability.ErrNoSkillsDeclared):
				g.logger.Warn("startup agent declared no skills",
					"endpoint", endpoint, "agent_id", rec.AgentID)
			case err != nil:
				g.logger.Error("startup agent registration failed",
					"endpoint", endpoint, "error", err)
			default:
				g.logger.Info("startup agent registered",
					"endpoint", endpoint, "agent_id", rec.AgentID)
			}
		}(ac.Endpoint)
	}
	wg.Wait()
}

// gracefulShutdown drains with a fresh context: the run context is already
// canceled by the time shutdown begins.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownGrace)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases gateway resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.sessions.Close()

	if g.tracingShutdown != nil {
		if err := g.tracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
