package jobstore

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload envelope schemas. requestPayload is opaque to the rest of the core
// (spec §3), but the Job Store still validates the outer shape it depends
// on for chat vs. rag handling before a row is ever written — a Producer
// error (spec §7), not a Dispatcher failure discovered mid-stream.
const chatPayloadSchemaJSON = `{
	"type": "object",
	"required": ["messages"],
	"properties": {
		"messages": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["role", "content"],
				"properties": {
					"role":    {"type": "string", "minLength": 1},
					"content": {"type": "string"}
				}
			}
		},
		"temperature":    {"type": "number"},
		"numPredict":     {"type": "integer"},
		"thinkingEnabled":{"type": "boolean"}
	}
}`

const ragPayloadSchemaJSON = `{
	"type": "object",
	"required": ["context", "query"],
	"properties": {
		"context": {"type": "string"},
		"query":   {"type": "string", "minLength": 1},
		"sources": {},
		"temperature":    {"type": "number"},
		"numPredict":     {"type": "integer"},
		"thinkingEnabled":{"type": "boolean"}
	}
}`

type payloadValidator struct {
	chat *jsonschema.Schema
	rag  *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	chat, err := compileInlineSchema("chat-payload.json", chatPayloadSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile chat payload schema: %w", err)
	}
	rag, err := compileInlineSchema("rag-payload.json", ragPayloadSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile rag payload schema: %w", err)
	}
	return &payloadValidator{chat: chat, rag: rag}, nil
}

func compileInlineSchema(resourceName, schemaJSON string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// Validate checks payloadJSON against the schema for jobType, returning a
// Producer-facing error (spec §7) on mismatch.
func (v *payloadValidator) Validate(jobType JobType, payloadJSON string) error {
	var instance any
	if err := json.Unmarshal([]byte(payloadJSON), &instance); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	var schema *jsonschema.Schema
	switch jobType {
	case JobTypeChat:
		schema = v.chat
	case JobTypeRAG:
		schema = v.rag
	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("payload does not match %s schema: %w", jobType, err)
	}
	return nil
}
