package runtimeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// GenerateRequest is the body sent to POST /api/generate (spec §5.2).
type GenerateRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	KeepAlive   string   `json:"keep_alive,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// GenerateChunk is one line of the newline-delimited JSON stream
// /api/generate emits.
type GenerateChunk struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
}

// Generate streams a completion, invoking onChunk for every decoded line.
// The request is aborted the moment ctx is cancelled (spec §4.3: cancel
// must stop upstream token generation promptly, not just local delivery) —
// cancelling ctx unblocks the underlying connection read via net/http's
// context plumbing, the same mechanism internal/engine's Brain.Stream
// implementations rely on.
func (c *Client) Generate(ctx context.Context, reqBody GenerateRequest, onChunk func(GenerateChunk) error) error {
	reqBody.Stream = true
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := newRequest(ctx, "POST", c.url("/api/generate"), payload)
	if err != nil {
		return err
	}

	resp, err := c.streamingHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("POST /api/generate: %w", err)
	}
	defer resp.Body.Close()
	if err := readUpstreamError(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk GenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode generate chunk: %w", err)
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read generate stream: %w", err)
	}
	return nil
}
