// ABOUTME: Tests for the routing state machine: scoring, dispatch, relay, persistence.
// ABOUTME: Uses a scripted stream opener so every worker behavior is reproducible.

package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/switchboard/internal/capability"
	"github.com/2389/switchboard/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collectEvents drains a stream until it closes.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out collecting events, got %d so far", len(events))
		}
	}
}

type staticAgents []capability.Record

func (s staticAgents) List() []capability.Record { return s }

// scriptedOpener replays a fixed event script for every dispatch and
// records what it was asked to do.
type scriptedOpener struct {
	mu        sync.Mutex
	script    []Event
	openErr   error
	holdOpen  bool // keep the stream open (no close) until ctx is done
	requests  []InvokeRequest
	endpoints []string
}

func (o *scriptedOpener) OpenStream(ctx context.Context, endpoint string, req InvokeRequest) (<-chan Event, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.endpoints = append(o.endpoints, endpoint)
	script, openErr, holdOpen := o.script, o.openErr, o.holdOpen
	o.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}

	out := make(chan Event, len(script)+1)
	go func() {
		defer close(out)
		for _, ev := range script {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if holdOpen {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (o *scriptedOpener) lastRequest(t *testing.T) InvokeRequest {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.requests, "no dispatch reached the opener")
	return o.requests[len(o.requests)-1]
}

func currencyAgent() capability.Record {
	return capability.Record{
		AgentID:     "currency_agent",
		DisplayName: "Currency Agent",
		Description: "Converts between currencies using live exchange rates",
		Endpoint:    "http://localhost:8101",
		Skills: []capability.Skill{{
			Name: "currency_exchange",
			Tags: []string{"currency", "usd", "eur", "convert"},
		}},
		Keywords:          []string{"usd", "eur", "exchange rate"},
		SupportsStreaming: true,
	}
}

func reportAgent() capability.Record {
	return capability.Record{
		AgentID:     "report_agent",
		DisplayName: "Report Agent",
		Description: "Generates structured reports",
		Endpoint:    "http://localhost:8103",
		Skills: []capability.Skill{{
			Name: "report_generation",
			Tags: []string{"report", "summary", "document"},
		}},
		Keywords: []string{"report"},
	}
}

func newTestRouter(t *testing.T, agents AgentSource, opener StreamOpener) (*Router, *session.Store) {
	t.Helper()
	logger := discardLogger()
	store := session.NewStore(0, logger)
	bridge := session.NewBridge(store, 0, logger)
	return NewRouter(agents, store, bridge, opener, DefaultConfidenceThreshold, logger), store
}

func TestRouter_Route_HappyPath(t *testing.T) {
	opener := &scriptedOpener{script: []Event{
		StatusEvent("Fetching exchange rates..."),
		ChunkEvent("100 USD = "),
		ChunkEvent("92.41 EUR"),
		DoneEvent(""),
	}}
	router, store := newTestRouter(t, staticAgents{currencyAgent(), reportAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{
		Query:     "Convert 100 USD to EUR",
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 5)

	meta := events[0]
	assert.Equal(t, EventMetadata, meta.Type)
	assert.Equal(t, "currency_agent", meta.AgentID)
	assert.Equal(t, "Currency Agent", meta.AgentName)
	assert.Equal(t, "sess-1", meta.SessionID)
	assert.GreaterOrEqual(t, meta.Confidence, DefaultConfidenceThreshold)
	assert.NotEmpty(t, meta.Reasoning)

	assert.Equal(t, EventStatus, events[1].Type)
	assert.Equal(t, EventChunk, events[2].Type)
	assert.Equal(t, EventChunk, events[3].Type)

	done := events[4]
	assert.Equal(t, EventDone, done.Type)
	assert.Equal(t, "100 USD = 92.41 EUR", done.Response, "done must carry the accumulated response")

	turn, ok := store.LastTurn("sess-1")
	require.True(t, ok, "a completed request must persist a turn")
	assert.Equal(t, "Convert 100 USD to EUR", turn.UserQuery)
	assert.Equal(t, "currency_agent", turn.AgentID)
	assert.Equal(t, "100 USD = 92.41 EUR", turn.AgentResponse)
	assert.Equal(t, meta.Confidence, turn.Confidence)

	assert.Equal(t, []string{"http://localhost:8101"}, opener.endpoints)
}

func TestRouter_Route_EmptyQuery(t *testing.T) {
	router, _ := newTestRouter(t, staticAgents{currencyAgent()}, &scriptedOpener{})

	_, err := router.Route(context.Background(), Request{Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRouter_Route_GeneratesRequestID(t *testing.T) {
	opener := &scriptedOpener{script: []Event{DoneEvent("ok")}}
	router, _ := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)
	collectEvents(t, stream)

	sent := opener.lastRequest(t)
	assert.Len(t, sent.RequestID, 26, "generated request ids are ULIDs")
}

func TestRouter_Route_PreservesCallerRequestID(t *testing.T) {
	opener := &scriptedOpener{script: []Event{DoneEvent("ok")}}
	router, _ := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{
		Query:     "convert usd to eur",
		SessionID: "s",
		RequestID: "req-supplied",
	})
	require.NoError(t, err)
	collectEvents(t, stream)

	assert.Equal(t, "req-supplied", opener.lastRequest(t).RequestID)
}

func TestRouter_Route_NoConfidentAgent(t *testing.T) {
	opener := &scriptedOpener{}
	router, store := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{
		Query:     "what will the weather be like tomorrow",
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1, "rejection is a single terminal event")
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, CodeNoConfidentAgent, events[0].Code)

	assert.Empty(t, opener.requests, "nothing may be dispatched below threshold")
	assert.Equal(t, 0, store.Len(), "nothing may be persisted below threshold")
}

func TestRouter_Route_EmptyRegistry(t *testing.T) {
	router, _ := newTestRouter(t, staticAgents{}, &scriptedOpener{})

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur"})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, CodeNoConfidentAgent, events[0].Code)
}

func TestRouter_Route_EnrichesFollowUpQuery(t *testing.T) {
	opener := &scriptedOpener{script: []Event{DoneEvent("your report")}}
	router, store := newTestRouter(t, staticAgents{currencyAgent(), reportAgent()}, opener)

	store.AppendTurn("sess-9", session.Turn{
		Timestamp:     time.Now(),
		UserQuery:     "How was winter in NYC?",
		AgentID:       "weather_agent",
		AgentResponse: "Winter averaged -2C in New York City",
		Confidence:    0.9,
	})

	stream, err := router.Route(context.Background(), Request{
		Query:     "generate a report on it",
		SessionID: "sess-9",
	})
	require.NoError(t, err)
	events := collectEvents(t, stream)

	sent := opener.lastRequest(t)
	assert.Contains(t, sent.Query, "generate a report on it", "original text stays as prefix")
	assert.Contains(t, sent.Query, "[Context: Previous query was 'How was winter in NYC?'")
	assert.Contains(t, sent.Query, "Winter averaged -2C")

	// The routing decision used the enriched text, but the persisted
	// turn keeps the user's phrasing.
	turn, ok := store.LastTurn("sess-9")
	require.True(t, ok)
	assert.Equal(t, "generate a report on it", turn.UserQuery)

	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
}

func TestRouter_Route_DispatchFailure(t *testing.T) {
	opener := &scriptedOpener{openErr: errors.New("connection refused")}
	router, store := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, EventMetadata, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, CodeUpstreamFailure, events[1].Code)
	assert.Equal(t, 0, store.Len())
}

func TestRouter_Route_CircuitOpen(t *testing.T) {
	opener := &scriptedOpener{openErr: fmt.Errorf("%w: http://localhost:8101", ErrCircuitOpen)}
	router, _ := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeWorkerUnavailable, last.Code)
}

func TestRouter_Route_WorkerErrorForwarded(t *testing.T) {
	opener := &scriptedOpener{script: []Event{
		StatusEvent("starting"),
		ErrorEvent("agent_error", "upstream exchange rate API is down"),
	}}
	router, store := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "agent_error", last.Code, "worker error codes pass through")
	assert.Equal(t, "upstream exchange rate API is down", last.Message)

	assert.Equal(t, 0, store.Len(), "failed requests persist nothing")
}

func TestRouter_Route_TruncatedStream(t *testing.T) {
	opener := &scriptedOpener{script: []Event{ChunkEvent("partial answer")}}
	router, store := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeUpstreamFailure, last.Code)

	assert.Equal(t, 0, store.Len(), "a discarded accumulator never reaches the store")
}

func TestRouter_Route_DropsWorkerMetadata(t *testing.T) {
	opener := &scriptedOpener{script: []Event{
		MetadataEvent("imposter", "Imposter Agent", 0.1, "spoofed", ""),
		ChunkEvent("answer"),
		DoneEvent(""),
	}}
	router, _ := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	var metadataCount int
	for _, ev := range events {
		if ev.Type == EventMetadata {
			metadataCount++
			assert.Equal(t, "currency_agent", ev.AgentID, "only the router's own attribution may appear")
		}
	}
	assert.Equal(t, 1, metadataCount)
}

func TestRouter_Route_DoneWithoutChunks(t *testing.T) {
	opener := &scriptedOpener{script: []Event{DoneEvent("complete answer from a non-streaming worker")}}
	router, store := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	stream, err := router.Route(context.Background(), Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, "complete answer from a non-streaming worker", last.Response)

	turn, ok := store.LastTurn("s")
	require.True(t, ok)
	assert.Equal(t, "complete answer from a non-streaming worker", turn.AgentResponse)
}

func TestRouter_Route_CancelPersistsNothing(t *testing.T) {
	opener := &scriptedOpener{
		script:   []Event{ChunkEvent("partial")},
		holdOpen: true,
	}
	router, store := newTestRouter(t, staticAgents{currencyAgent()}, opener)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := router.Route(ctx, Request{Query: "convert usd to eur", SessionID: "s"})
	require.NoError(t, err)

	// Read up to the chunk, then walk away.
	for ev := range stream {
		if ev.Type == EventChunk {
			break
		}
	}
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			// Drain whatever was buffered before the cancel landed.
			for range stream {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}

	assert.Equal(t, 0, store.Len(), "cancelled requests persist nothing")
}
