// ABOUTME: HTTP client for invoking worker agents and relaying their event streams.
// ABOUTME: Wraps stream initiation in per-endpoint circuit breakers to stop retry storms.

package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// InvokePath is the worker endpoint path accepting routed queries.
const InvokePath = "/invoke"

// eventBuffer is the channel depth between the worker stream reader and
// the relay. Matches the gateway's streaming buffer.
const eventBuffer = 16

// ErrCircuitOpen reports that dispatch to a worker was refused because
// its circuit breaker is open.
var ErrCircuitOpen = errors.New("worker circuit open")

// InvokeRequest is the JSON body POSTed to a worker's invoke endpoint.
type InvokeRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StreamOpener opens an event stream from a worker agent.
// The returned channel is closed when the stream ends; a terminal
// event may or may not precede the close (misbehaving workers).
type StreamOpener interface {
	OpenStream(ctx context.Context, endpoint string, req InvokeRequest) (<-chan Event, error)
}

// WorkerClient invokes worker agents over HTTP and decodes their SSE
// responses into Event channels.
type WorkerClient struct {
	client *http.Client
	logger *slog.Logger
}

// Default worker connection settings. Workers are expected to start
// streaming quickly even when the full response takes a while.
const (
	defaultConnectTimeout        = 10 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
)

// NewWorkerClient builds a worker client with a pooled transport.
// connectTimeout bounds dial time; headerTimeout bounds how long a
// worker may take to start responding. There is no overall deadline:
// streams live as long as the request context does.
func NewWorkerClient(connectTimeout, headerTimeout time.Duration, logger *slog.Logger) *WorkerClient {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if headerTimeout <= 0 {
		headerTimeout = defaultResponseHeaderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &WorkerClient{
		client: &http.Client{Transport: transport},
		logger: logger.With("component", "worker_client"),
	}
}

// OpenStream POSTs the query to the worker's invoke endpoint and starts
// decoding its SSE response. The returned channel closes when the
// worker finishes, errors, or the context is cancelled.
func (c *WorkerClient) OpenStream(ctx context.Context, endpoint string, req InvokeRequest) (<-chan Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+InvokePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke worker: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		if detail != "" {
			return nil, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, detail)
		}
		return nil, fmt.Errorf("worker returned status %d", resp.StatusCode)
	}

	events := make(chan Event, eventBuffer)
	go c.decodeStream(ctx, resp.Body, events)
	return events, nil
}

// decodeStream reads SSE frames off the wire until a terminal event,
// stream end, or cancellation, then closes the channel.
func (c *WorkerClient) decodeStream(ctx context.Context, body io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer body.Close()

	decoder := NewSSEDecoder(body)
	for {
		ev, err := decoder.Next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.logger.Warn("worker stream decode failed", "error", err)
			}
			return
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}

		if ev.Terminal() {
			return
		}
	}
}

// readErrorBody extracts a short diagnostic from a non-200 response.
// Workers answer errors with {"error": "..."} JSON when they can.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return string(data)
}

// BreakerConfig tunes the per-worker dispatch circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dispatch failures before
	// a worker's circuit opens.
	MaxFailures uint32
	// Timeout is how long an open circuit waits before allowing a probe.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing
	// failure counts. If 0, failures never reset until the circuit opens.
	Interval time.Duration
}

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerOpener wraps a StreamOpener with one circuit breaker per
// worker endpoint. A flapping worker only blocks dispatch to itself.
// The breaker guards stream initiation; errors that arrive through an
// already-open stream do not trip it.
type BreakerOpener struct {
	inner  StreamOpener
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[<-chan Event]
}

// NewBreakerOpener wraps inner with per-endpoint circuit breakers.
// Zero-valued cfg fields fall back to defaults.
func NewBreakerOpener(inner StreamOpener, cfg BreakerConfig, logger *slog.Logger) *BreakerOpener {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BreakerOpener{
		inner:    inner,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch_breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[<-chan Event]),
	}
}

// OpenStream implements StreamOpener. Calls are routed through the
// endpoint's circuit breaker; an open circuit fails fast with
// ErrCircuitOpen instead of hitting the worker.
func (b *BreakerOpener) OpenStream(ctx context.Context, endpoint string, req InvokeRequest) (<-chan Event, error) {
	breaker := b.breakerFor(endpoint)

	ch, err := breaker.Execute(func() (<-chan Event, error) {
		return b.inner.OpenStream(ctx, endpoint, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, endpoint)
		}
		return nil, err
	}
	return ch, nil
}

// State returns the current breaker state for an endpoint. Endpoints
// never dispatched to report a closed circuit.
func (b *BreakerOpener) State(endpoint string) gobreaker.State {
	return b.breakerFor(endpoint).State()
}

func (b *BreakerOpener) breakerFor(endpoint string) *gobreaker.CircuitBreaker[<-chan Event] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if breaker, ok := b.breakers[endpoint]; ok {
		return breaker
	}

	breaker := gobreaker.NewCircuitBreaker[<-chan Event](gobreaker.Settings{
		Name:        "worker:" + endpoint,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	b.breakers[endpoint] = breaker
	return breaker
}
