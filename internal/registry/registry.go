// ABOUTME: Manages registered worker agents: fetch-validate-swap registration, lookup, listing.
// ABOUTME: Single source of truth consulted by the router; read-mostly under an RWMutex.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/2389/switchboard/internal/capability"
)

// ErrAgentNotFound indicates no registered agent matched the identifier.
var ErrAgentNotFound = errors.New("agent not found")

// ErrUnreachableAgent indicates the agent's endpoint could not be fetched
// within the bounded timeout.
var ErrUnreachableAgent = errors.New("agent unreachable")

// DescriptorFetcher retrieves a raw capability document from a worker
// endpoint. Implementations must honor context cancellation.
type DescriptorFetcher interface {
	Fetch(ctx context.Context, endpoint string) ([]byte, error)
}

// Registry maps agent ids to capability records. Records are immutable; every
// mutation is a whole-entry swap performed after fetching and parsing, so
// readers never observe a half-updated entry. Listing preserves registration
// order.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*capability.Record
	byEndpoint map[string]string // endpoint -> agent id, unique by invariant
	order      []string          // agent ids, registration order

	fetcher DescriptorFetcher
	flight  singleflight.Group
	logger  *slog.Logger
}

// New creates an empty registry that fetches descriptors with fetcher.
func New(fetcher DescriptorFetcher, logger *slog.Logger) *Registry {
	return &Registry{
		agents:     make(map[string]*capability.Record),
		byEndpoint: make(map[string]string),
		fetcher:    fetcher,
		logger:     logger,
	}
}

// Register fetches the capability descriptor from endpoint, parses it, and
// swaps the resulting record into the registry keyed by the descriptor's
// declared name. Re-registering an endpoint replaces the existing entry in its
// original order slot. A descriptor with no skills is still registered; the
// record is returned together with capability.ErrNoSkillsDeclared so callers
// can surface the warning. On any other error the registry is left unchanged.
//
// Concurrent registrations of the same endpoint share one fetch.
func (r *Registry) Register(ctx context.Context, endpoint string) (*capability.Record, error) {
	endpoint = normalizeEndpoint(endpoint)
	if err := validateEndpoint(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableAgent, err)
	}

	v, err, _ := r.flight.Do(endpoint, func() (any, error) {
		return r.register(ctx, endpoint)
	})
	rec, _ := v.(*capability.Record)
	return rec, err
}

func (r *Registry) register(ctx context.Context, endpoint string) (*capability.Record, error) {
	data, err := r.fetcher.Fetch(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableAgent, err)
	}

	rec, parseErr := capability.Parse(endpoint, data)
	if parseErr != nil && !errors.Is(parseErr, capability.ErrNoSkillsDeclared) {
		return nil, parseErr
	}

	r.mu.Lock()
	r.insertLocked(rec)
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", rec.AgentID,
		"name", rec.DisplayName,
		"endpoint", rec.Endpoint,
		"skills", len(rec.Skills),
		"total_agents", total,
	)
	if parseErr != nil {
		r.logger.Warn("agent declared no skills; routing confidence capped",
			"agent_id", rec.AgentID,
		)
	}
	return rec, parseErr
}

// insertLocked swaps rec into the maps, enforcing both uniqueness invariants:
// one entry per agent id and one entry per endpoint. Replacements keep the
// entry's original slot in registration order.
func (r *Registry) insertLocked(rec *capability.Record) {
	prev, idKnown := r.agents[rec.AgentID]
	prevIDAtEndpoint, endpointKnown := r.byEndpoint[rec.Endpoint]

	if idKnown && prev.Endpoint != rec.Endpoint {
		// Same agent name moved to a new endpoint: release the old claim.
		delete(r.byEndpoint, prev.Endpoint)
	}
	switch {
	case endpointKnown && prevIDAtEndpoint != rec.AgentID:
		// The endpoint now serves a different agent identity.
		delete(r.agents, prevIDAtEndpoint)
		if idKnown {
			r.removeFromOrder(prevIDAtEndpoint)
		} else {
			r.renameInOrder(prevIDAtEndpoint, rec.AgentID)
		}
	case !idKnown:
		r.order = append(r.order, rec.AgentID)
	}

	r.agents[rec.AgentID] = rec
	r.byEndpoint[rec.Endpoint] = rec.AgentID
}

// Unregister removes the agent matching identifier, trying agent id first,
// then display name, then endpoint. Returns the removed record, or
// ErrAgentNotFound when nothing matched.
func (r *Registry) Unregister(identifier string) (*capability.Record, error) {
	identifier = strings.TrimSpace(identifier)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.matchLocked(identifier)
	if !ok {
		return nil, ErrAgentNotFound
	}

	rec := r.agents[id]
	delete(r.agents, id)
	delete(r.byEndpoint, rec.Endpoint)
	r.removeFromOrder(id)

	r.logger.Info("=== AGENT UNREGISTERED ===",
		"agent_id", rec.AgentID,
		"name", rec.DisplayName,
		"endpoint", rec.Endpoint,
		"total_agents", len(r.agents),
	)
	return rec, nil
}

// matchLocked resolves an identifier to an agent id: exact agent id, then
// display name, then endpoint, in that order; ties within a tier go to the
// earlier-registered agent.
func (r *Registry) matchLocked(identifier string) (string, bool) {
	if _, ok := r.agents[identifier]; ok {
		return identifier, true
	}
	for _, id := range r.order {
		if r.agents[id].DisplayName == identifier {
			return id, true
		}
	}
	if id, ok := r.byEndpoint[normalizeEndpoint(identifier)]; ok {
		return id, true
	}
	return "", false
}

// Get returns a copy of the record for agentID.
func (r *Registry) Get(agentID string) (capability.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return capability.Record{}, false
	}
	return rec.Clone(), true
}

// List returns a snapshot copy of every record in registration order. Callers
// can hold or mutate the result freely; it shares nothing with the registry.
func (r *Registry) List() []capability.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]capability.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].Clone())
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) removeFromOrder(id string) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) renameInOrder(oldID, newID string) {
	for i, existing := range r.order {
		if existing == oldID {
			r.order[i] = newID
			return
		}
	}
}

// normalizeEndpoint trims whitespace and a trailing slash so the
// idempotent-by-endpoint invariant is not defeated by cosmetic differences.
func normalizeEndpoint(endpoint string) string {
	return strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
}

func validateEndpoint(endpoint string) error {
	u, err := url.ParseRequestURI(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}
