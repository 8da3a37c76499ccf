// ABOUTME: Event is the single record type flowing through routed response streams.
// ABOUTME: Includes the SSE frame encoding and decoding shared by gateway, client, and workers.

package routing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventType tags each record in a response stream.
type EventType string

const (
	EventStatus   EventType = "status"
	EventMetadata EventType = "metadata"
	EventChunk    EventType = "chunk"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Error codes carried by terminal error events.
const (
	CodeNoConfidentAgent  = "no_confident_agent"
	CodeWorkerUnavailable = "worker_unavailable"
	CodeUpstreamFailure   = "upstream_failure"
	CodeCancelled         = "cancelled"
)

// Event is one discrete record in a routed response stream. Only the
// fields relevant to its Type are populated; the rest marshal away.
type Event struct {
	Type EventType `json:"type"`

	// status and error
	Message string `json:"message,omitempty"`

	// metadata
	AgentID    string  `json:"agent_id,omitempty"`
	AgentName  string  `json:"agent_name,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`

	// chunk
	Content string `json:"content,omitempty"`

	// done
	Response string `json:"response,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// StatusEvent reports progress without contributing response text.
func StatusEvent(message string) Event {
	return Event{Type: EventStatus, Message: message}
}

// MetadataEvent announces which agent was selected and why.
func MetadataEvent(agentID, agentName string, confidence float64, reasoning, sessionID string) Event {
	return Event{
		Type:       EventMetadata,
		AgentID:    agentID,
		AgentName:  agentName,
		Confidence: confidence,
		Reasoning:  reasoning,
		SessionID:  sessionID,
	}
}

// ChunkEvent carries an incremental piece of response text.
func ChunkEvent(content string) Event {
	return Event{Type: EventChunk, Content: content}
}

// DoneEvent closes a successful stream with the full accumulated response.
func DoneEvent(response string) Event {
	return Event{Type: EventDone, Response: response}
}

// ErrorEvent closes a failed stream.
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// WriteSSE writes one event as a server-sent event frame:
// event: <type>\ndata: <json>\n\n
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("write event frame: %w", err)
	}
	return nil
}

// maxSSELineBytes bounds a single stream line so a misbehaving worker
// cannot grow the scanner buffer without limit.
const maxSSELineBytes = 1 << 20

// SSEDecoder reads Event frames back out of a server-sent event stream.
type SSEDecoder struct {
	scanner *bufio.Scanner
}

// NewSSEDecoder wraps a response body (or any reader) carrying SSE frames.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &SSEDecoder{scanner: scanner}
}

// Next returns the next complete event frame, tolerating a missing
// final blank line. It returns io.EOF on a clean end of stream. The
// JSON data field is authoritative for the event type; the "event:"
// line is transport decoration and is not consulted.
func (d *SSEDecoder) Next() (Event, error) {
	var dataLines []string

	flush := func() (Event, error) {
		var e Event
		data := strings.Join(dataLines, "\n")
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return Event{}, fmt.Errorf("decode event data: %w", err)
		}
		if e.Type == "" {
			return Event{}, fmt.Errorf("decode event data: missing type")
		}
		return e, nil
	}

	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Empty line signals end of event.
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			return flush()
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		// "event:" lines and ":" comments carry nothing the data lacks.
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(dataLines) > 0 {
		// The terminating blank line never arrived.
		return flush()
	}
	return Event{}, io.EOF
}
