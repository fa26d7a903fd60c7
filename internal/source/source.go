// Package source fetches the published schedule page.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config configures the fetcher.
type Config struct {
	URL     string
	Timeout time.Duration // per-request; 0 means 30s
}

// Fetcher downloads the schedule page body.
type Fetcher struct {
	url    string
	client *http.Client
}

func New(cfg Config) (*Fetcher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("source url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Fetch returns the raw page body. Any non-200 status is an error; the
// caller treats a failed fetch as "no new observation".
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", f.url, resp.StatusCode)
	}
	const maxBody = 8 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", f.url, err)
	}
	return body, nil
}
