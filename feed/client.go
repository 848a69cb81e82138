// Package feed reads upstream transit data: realtime GTFS-RT protobuf feeds
// and the static GTFS bundle they reference.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/theoremus-urban-solutions/transit-display/transit"
)

// Client is an HTTP client for upstream feed endpoints. Failures come back as
// NetworkError so the retry layer can classify them.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a feed client. A zero timeout means no client-side bound;
// callers normally rely on the per-attempt timeout instead.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads one URL and returns the raw body. Returns nil for an empty
// url so optional feeds can stay unconfigured.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transit.NetworkError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &transit.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transit.NetworkError{URL: url, Err: err}
	}
	return body, nil
}
