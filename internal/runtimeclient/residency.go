package runtimeclient

import "context"

// Load asks the runtime to load model into memory and keep it resident for
// keepAlive (Ollama's own duration string syntax, e.g. "10m", "-1" for
// forever). It issues a zero-token /api/generate call, the idiomatic way to
// warm a model without generating output (spec §4.2 activate()).
func (c *Client) Load(ctx context.Context, model, keepAlive string) error {
	return c.Generate(ctx, GenerateRequest{
		Model:     model,
		Prompt:    "",
		KeepAlive: keepAlive,
	}, func(GenerateChunk) error { return nil })
}

// Unload asks the runtime to evict model from memory immediately, by
// issuing a zero-token generate with keep_alive "0" (spec §4.2 unload()).
func (c *Client) Unload(ctx context.Context, model string) error {
	return c.Load(ctx, model, "0")
}
