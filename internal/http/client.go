package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptrace"
	"os"
	"path/filepath"
	"time"
)

// Common errors. An *HTTPError matches the sentinel for its status class
// under errors.Is.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
)

// maxErrorBody bounds how much of a failed response body is kept for diagnostics.
const maxErrorBody = 4096

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// Default: 10m
	Timeout time.Duration

	// RetryAttempts is the number of extra attempts made by GetJSON.
	// Fetch never retries; per-file retry belongs to the caller.
	// Default: 2
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 10s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// Logger receives request and redirect traces at debug level.
	Logger *slog.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             10 * time.Minute,
		RetryAttempts:       2,
		RetryBackoff:        10 * time.Second,
		RetryMaxBackoff:     30 * time.Second,
	}
}

// HTTPError is returned when the server answers with anything but 200 OK.
type HTTPError struct {
	URL        string
	FinalURL   string
	Status     string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %q: %s (%q)", e.URL, e.Status, bytes.TrimSpace(e.Body))
}

// Is reports whether the status code belongs to target's class.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrServerError:
		return e.StatusCode >= 500
	}
	return false
}

// FetchResult describes a payload streamed to disk by Fetch.
type FetchResult struct {
	Path     string
	Bytes    int64
	TTFB     time.Duration
	FinalURL string
}

// Client is an HTTP client for catalog calls and streamed file downloads.
type Client struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:   opts,
		logger: logger,
	}
}

// GetJSON performs a GET request and decodes a JSON response into v.
// Transport errors and 5xx responses are retried with backoff; any other
// non-200 status is returned immediately as an *HTTPError.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, v any) (http.Header, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := newRequest(ctx, url, header, "application/json")
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		c.traceRedirect(url, resp)

		if resp.StatusCode != http.StatusOK {
			httpErr := newHTTPError(url, resp)
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				lastErr = httpErr
				continue
			}
			return nil, httpErr
		}

		err = json.NewDecoder(resp.Body).Decode(v)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", url, err)
		}
		return resp.Header, nil
	}

	return nil, fmt.Errorf("get request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// Fetch performs a single GET request and streams a 200 response body to
// dest. The payload is written to a temporary file in the same directory and
// renamed into place, so dest never holds a partial download. Any existing
// file at dest is replaced.
func (c *Client) Fetch(ctx context.Context, url string, header http.Header, dest string) (*FetchResult, error) {
	start := time.Now()
	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}

	req, err := newRequest(httptrace.WithClientTrace(ctx, trace), url, header, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.traceRedirect(url, resp)

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(url, resp)
	}

	if firstByte.IsZero() {
		firstByte = time.Now()
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if err2 := tmp.Close(); err2 != nil && err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("rename %s: %w", dest, err)
	}

	return &FetchResult{
		Path:     dest,
		Bytes:    n,
		TTFB:     firstByte.Sub(start),
		FinalURL: resp.Request.URL.String(),
	}, nil
}

func newRequest(ctx context.Context, url string, header http.Header, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	return req, nil
}

func newHTTPError(url string, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		URL:        url,
		FinalURL:   resp.Request.URL.String(),
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

func (c *Client) traceRedirect(url string, resp *http.Response) {
	if final := resp.Request.URL.String(); final != url {
		c.logger.Debug("request redirected", "url", url, "redirected_to", final)
	}
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
