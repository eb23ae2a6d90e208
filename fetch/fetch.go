// Package fetch retrieves tile images from an origin.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Response is a fetched tile.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher retrieves the tile at url.
// A response not OK is returned along a *StatusError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// StatusError reports an origin answering with a non 2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error fetching %s, status = %d", e.URL, e.StatusCode)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context, url string) (*Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Response, error) {
	return f(ctx, url)
}

// HTTPFetcher fetches tiles over HTTP.
// Timeouts are the client's responsibility.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    log.Logger
}

// NewHTTPFetcher returns an HTTPFetcher, a nil client uses a client with timeout.
func NewHTTPFetcher(client *http.Client, userAgent string, timeout time.Duration, logger log.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPFetcher{
		client:    client,
		userAgent: userAgent,
		logger:    log.With(logger, "component", "http_fetcher"),
	}
}

// Fetch GETs url and reads the whole body.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid tile request %s: %w", url, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("can't fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("can't read body of %s: %w", url, err)
	}

	r := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}

	level.Debug(f.logger).Log("msg", "tile fetched", "url", url, "status", r.StatusCode, "size", len(body))

	if !r.OK() {
		return r, &StatusError{URL: url, StatusCode: r.StatusCode}
	}

	return r, nil
}
