package runtimeclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tokenize calls the optional /api/tokenize endpoint. Many runtime builds
// don't implement it; callers should check IsNotFound(err) and fall back
// to tokenutil.CeilLen4 (spec §5.2, §6) rather than treat a 404 here as a
// real failure.
func (c *Client) Tokenize(ctx context.Context, model, content string) (int, error) {
	payload, err := json.Marshal(struct {
		Model   string `json:"model"`
		Content string `json:"content"`
	}{Model: model, Content: content})
	if err != nil {
		return 0, fmt.Errorf("marshal tokenize request: %w", err)
	}

	req, err := newRequest(ctx, "POST", c.url("/api/tokenize"), payload)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST /api/tokenize: %w", err)
	}
	defer resp.Body.Close()
	if err := readUpstreamError(resp); err != nil {
		return 0, err
	}

	var result struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode tokenize response: %w", err)
	}
	return len(result.Tokens), nil
}
