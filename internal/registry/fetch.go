// ABOUTME: HTTP descriptor fetcher: retrieves capability documents from worker endpoints.
// ABOUTME: Bounded timeout, pooled transport, well-known descriptor path.

package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DescriptorPath is where workers publish their capability document,
// relative to their base endpoint.
const DescriptorPath = "/.well-known/agent.json"

// DefaultFetchTimeout bounds a descriptor fetch end to end.
const DefaultFetchTimeout = 5 * time.Second

// maxDescriptorBytes caps how much descriptor we are willing to read.
const maxDescriptorBytes = 1 << 20

// HTTPFetcher fetches capability documents over HTTP.
type HTTPFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPFetcher creates a fetcher with the given end-to-end timeout.
// A non-positive timeout falls back to DefaultFetchTimeout.
func NewHTTPFetcher(timeout time.Duration, logger *slog.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: timeout,
				MaxIdleConns:        10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		logger: logger,
	}
}

// Fetch retrieves the capability document from endpoint's well-known path.
func (f *HTTPFetcher) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	u := endpoint + DescriptorPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build descriptor request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	f.logger.Debug("fetching capability descriptor", "url", u)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch descriptor: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorBytes))
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return data, nil
}
