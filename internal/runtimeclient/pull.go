package runtimeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// PullStatus is one line of the newline-delimited JSON stream POST
// /api/pull emits while downloading a model (spec §4.6/§5.2).
type PullStatus struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent returns the download's completion percentage, or 0 if Total is
// unknown (the early "pulling manifest" status lines before a size is
// reported).
func (p PullStatus) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(float64(p.Completed) / float64(p.Total) * 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Pull downloads model, invoking onStatus for every decoded progress line.
// Cancelling ctx aborts the download; the caller (internal/catalog) is
// responsible for recording the resulting partial-download state.
func (c *Client) Pull(ctx context.Context, model string, onStatus func(PullStatus) error) error {
	payload, err := json.Marshal(struct {
		Name   string `json:"name"`
		Stream bool   `json:"stream"`
	}{Name: model, Stream: true})
	if err != nil {
		return fmt.Errorf("marshal pull request: %w", err)
	}

	req, err := newRequest(ctx, "POST", c.url("/api/pull"), payload)
	if err != nil {
		return err
	}

	resp, err := c.streamingHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("POST /api/pull: %w", err)
	}
	defer resp.Body.Close()
	if err := readUpstreamError(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var status PullStatus
		if err := json.Unmarshal(line, &status); err != nil {
			return fmt.Errorf("decode pull status: %w", err)
		}
		if err := onStatus(status); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Delete removes a downloaded model from the upstream runtime (spec §4.6
// delete()). A 404 means the runtime already has no record of it, which
// the catalog treats as success rather than failure.
func (c *Client) Delete(ctx context.Context, model string) error {
	payload, err := json.Marshal(struct {
		Name string `json:"name"`
	}{Name: model})
	if err != nil {
		return fmt.Errorf("marshal delete request: %w", err)
	}

	req, err := newRequest(ctx, "DELETE", c.url("/api/delete"), payload)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE /api/delete: %w", err)
	}
	defer resp.Body.Close()

	if err := readUpstreamError(resp); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}
