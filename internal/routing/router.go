// ABOUTME: Router drives each request through scoring, dispatch, and stream relay.
// ABOUTME: Route errors only on invalid input; every routing outcome travels in-channel.

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/switchboard/internal/capability"
	"github.com/2389/switchboard/internal/scoring"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/tracing"
)

// Request states as they appear in logs and spans.
const (
	stateReceived   = "RECEIVED"
	stateScored     = "SCORED"
	stateDispatched = "DISPATCHED"
	stateStreaming  = "STREAMING"
	stateCompleted  = "COMPLETED"
	stateFailed     = "FAILED"
)

// DefaultConfidenceThreshold gates dispatch when no threshold is configured.
const DefaultConfidenceThreshold = 0.3

// ErrEmptyQuery is returned by Route for a blank query.
var ErrEmptyQuery = errors.New("query must not be empty")

var (
	errNoConfidentAgent = errors.New("no agent above confidence threshold")
	errTruncatedStream  = errors.New("worker stream ended without terminal event")
)

// AgentSource provides the registry snapshot used for scoring.
type AgentSource interface {
	List() []capability.Record
}

// Request is one query to route.
type Request struct {
	Query     string
	SessionID string
	RequestID string
}

// Router selects an agent for each request and relays its response
// stream back to the caller.
type Router struct {
	agents    AgentSource
	sessions  *session.Store
	bridge    *session.Bridge
	opener    StreamOpener
	threshold float64
	logger    *slog.Logger
}

// NewRouter wires a router. A non-positive threshold falls back to
// DefaultConfidenceThreshold.
func NewRouter(agents AgentSource, sessions *session.Store, bridge *session.Bridge, opener StreamOpener, threshold float64, logger *slog.Logger) *Router {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		agents:    agents,
		sessions:  sessions,
		bridge:    bridge,
		opener:    opener,
		threshold: threshold,
		logger:    logger.With("component", "router"),
	}
}

// Route validates the request and starts routing it in the background.
// The returned channel carries at most one metadata event, any number
// of status and chunk events, and exactly one terminal event (done or
// error), then closes. Route itself errors only on invalid input.
func (r *Router) Route(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}

	out := make(chan Event, eventBuffer)
	go r.run(ctx, req, out)
	return out, nil
}

func (r *Router) run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	ctx, span := tracing.StartSpan(ctx, "route_request")
	defer span.End()
	span.SetAttributes(
		tracing.StringAttr("request_id", req.RequestID),
		tracing.StringAttr("session_id", req.SessionID),
	)

	logger := r.logger.With("request_id", req.RequestID, "session_id", req.SessionID)
	logger.Info("request received", "state", stateReceived, "query_chars", len(req.Query))

	// Scoring runs against the enriched query so follow-ups carry their
	// antecedent. The persisted turn keeps the original phrasing.
	_, enrichSpan := tracing.StartSpan(ctx, "bridge.enrich")
	enriched, rewritten := r.bridge.Enrich(req.SessionID, req.Query)
	enrichSpan.End()
	if rewritten {
		logger.Info("query enriched with session context", "enriched_chars", len(enriched))
	}

	_, rankSpan := tracing.StartSpan(ctx, "scorer.rank")
	records := r.agents.List()
	decisions := scoring.Rank(enriched, records)
	rankSpan.End()

	if len(decisions) == 0 {
		logger.Warn("no agents registered", "state", stateFailed)
		tracing.RecordError(span, errNoConfidentAgent)
		emit(ctx, out, ErrorEvent(CodeNoConfidentAgent, "cannot confidently route this request"))
		return
	}

	best := decisions[0]
	if best.Confidence < r.threshold {
		logger.Warn("no agent above confidence threshold",
			"state", stateFailed,
			"best_agent", best.AgentID,
			"best_confidence", best.Confidence,
			"threshold", r.threshold)
		tracing.RecordError(span, errNoConfidentAgent)
		emit(ctx, out, ErrorEvent(CodeNoConfidentAgent, "cannot confidently route this request"))
		return
	}

	span.SetAttributes(
		tracing.StringAttr("agent_id", best.AgentID),
		tracing.Float64Attr("confidence", best.Confidence),
	)
	logger.Info("agent selected",
		"state", stateScored,
		"agent_id", best.AgentID,
		"agent_name", best.AgentName,
		"confidence", best.Confidence,
		"reasoning", best.Reasoning)

	// The endpoint comes from the same snapshot the decision came from;
	// routing performs exactly one registry read.
	var target capability.Record
	for _, rec := range records {
		if rec.AgentID == best.AgentID {
			target = rec
			break
		}
	}

	if !emit(ctx, out, MetadataEvent(best.AgentID, best.AgentName, best.Confidence, best.Reasoning, req.SessionID)) {
		logger.Debug("caller gone before dispatch", "state", stateFailed)
		return
	}

	streamCtx, streamSpan := tracing.StartSpan(ctx, "dispatch.stream")
	defer streamSpan.End()

	stream, err := r.opener.OpenStream(streamCtx, target.Endpoint, InvokeRequest{
		Query:     enriched,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
	})
	if err != nil {
		code, msg := dispatchFailure(err)
		logger.Error("dispatch failed",
			"state", stateFailed,
			"agent_id", best.AgentID,
			"endpoint", target.Endpoint,
			"error", err)
		tracing.RecordError(span, err)
		emit(ctx, out, ErrorEvent(code, msg))
		return
	}

	logger.Info("request dispatched",
		"state", stateDispatched,
		"agent_id", best.AgentID,
		"endpoint", target.Endpoint)

	r.relay(streamCtx, req, best, stream, out, logger, span)
}

// relay forwards worker events to the caller while accumulating chunk
// content, then persists the turn and emits the terminal event.
func (r *Router) relay(ctx context.Context, req Request, best scoring.Decision, in <-chan Event, out chan<- Event, logger *slog.Logger, span trace.Span) {
	logger.Debug("streaming response", "state", stateStreaming, "agent_id", best.AgentID)

	var acc strings.Builder
	sawChunks := false

	for {
		select {
		case <-ctx.Done():
			// Caller disconnected. The outbound request shares this
			// context, so the worker call unwinds too. Nothing is
			// persisted for an abandoned request.
			logger.Info("caller cancelled mid-stream", "state", stateFailed, "agent_id", best.AgentID)
			tracing.RecordError(span, ctx.Err())
			return

		case ev, ok := <-in:
			if !ok {
				logger.Error("worker stream ended without terminal event",
					"state", stateFailed,
					"agent_id", best.AgentID)
				tracing.RecordError(span, errTruncatedStream)
				emit(ctx, out, ErrorEvent(CodeUpstreamFailure, "worker stream ended unexpectedly"))
				return
			}

			switch ev.Type {
			case EventStatus:
				if !emit(ctx, out, ev) {
					return
				}

			case EventChunk:
				acc.WriteString(ev.Content)
				sawChunks = true
				if !emit(ctx, out, ev) {
					return
				}

			case EventMetadata:
				// The caller already holds attribution for this request;
				// a worker cannot overwrite the recorded decision.
				logger.Debug("dropped worker metadata event", "agent_id", best.AgentID)

			case EventDone:
				// Accumulated chunks are authoritative. The worker's own
				// response field only counts for non-streaming workers.
				response := acc.String()
				if !sawChunks {
					response = ev.Response
				}
				r.persistTurn(req, best, response, logger)
				logger.Info("request completed",
					"state", stateCompleted,
					"agent_id", best.AgentID,
					"response_chars", len(response))
				tracing.SetOK(span)
				emit(ctx, out, DoneEvent(response))
				return

			case EventError:
				if ev.Code == "" {
					ev.Code = CodeUpstreamFailure
				}
				logger.Warn("worker reported error",
					"state", stateFailed,
					"agent_id", best.AgentID,
					"code", ev.Code,
					"error", ev.Message)
				tracing.RecordError(span, fmt.Errorf("worker error: %s", ev.Message))
				emit(ctx, out, ev)
				return

			default:
				logger.Debug("dropped unknown event type", "type", string(ev.Type))
			}
		}
	}
}

// persistTurn records the completed exchange. The store is in-memory
// and takes no context, so a caller disconnect cannot abort the write.
func (r *Router) persistTurn(req Request, best scoring.Decision, response string, logger *slog.Logger) {
	if req.SessionID == "" {
		return
	}
	r.sessions.AppendTurn(req.SessionID, session.Turn{
		Timestamp:     time.Now(),
		UserQuery:     req.Query,
		AgentID:       best.AgentID,
		AgentResponse: response,
		Confidence:    best.Confidence,
	})
	logger.Debug("conversation turn persisted", "agent_id", best.AgentID)
}

// dispatchFailure maps a stream-open error to a terminal event code.
func dispatchFailure(err error) (code, message string) {
	if errors.Is(err, ErrCircuitOpen) {
		return CodeWorkerUnavailable, "selected agent is temporarily unavailable"
	}
	return CodeUpstreamFailure, "failed to reach selected agent"
}

// emit forwards ev unless the caller has gone away.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
