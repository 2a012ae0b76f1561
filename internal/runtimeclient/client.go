// Package runtimeclient is an HTTP client for the upstream model-runtime
// contract described in spec §5.2 — the Ollama-shaped /api/tags, /api/ps,
// /api/generate, /api/pull, /api/delete, and /api/tokenize endpoints the
// Model Residency Manager and Streaming Dispatcher depend on.
//
// Grounded on internal/engine/ollama.go's client-construction and
// status-code handling conventions, generalized from a one-shot tool-
// detection call to the full streaming/lifecycle surface this spec needs.
package runtimeclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a single upstream runtime instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against baseURL (e.g. "http://127.0.0.1:11434").
// requestTimeout bounds non-streaming calls; streaming calls
// (Generate, Pull) are bounded by the caller's context instead, since they
// can legitimately run for minutes.
func New(baseURL string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// StreamingClient returns a client sharing this one's baseURL but with no
// per-request timeout, for use with Generate/Pull where the caller's
// context is the only deadline that should apply.
func (c *Client) streamingHTTPClient() *http.Client {
	return &http.Client{}
}

// UpstreamError reports a non-2xx response from the runtime, preserving the
// status code so callers can distinguish "model not found" (404) from a
// genuine outage (connection refused, 5xx).
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream runtime returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an UpstreamError with status 404 — used
// to distinguish "model not installed" from a connectivity failure, and to
// detect the absence of the optional /api/tokenize endpoint (spec §5.2).
func IsNotFound(err error) bool {
	ue, ok := err.(*UpstreamError)
	return ok && ue.StatusCode == http.StatusNotFound
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// readUpstreamError drains resp.Body (capped) into an UpstreamError when
// resp's status is not 2xx. Callers must still close resp.Body.
func readUpstreamError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	limited := io.LimitReader(resp.Body, 4096)
	body, _ := io.ReadAll(limited)
	return &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
}
