package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edgecoord/jobqueue/internal/jobstore"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Messages        []chatMessage `json:"messages"`
	Temperature     *float64      `json:"temperature"`
	NumPredict      *int          `json:"numPredict"`
	ThinkingEnabled *bool         `json:"thinkingEnabled"`
}

type ragPayload struct {
	Context         string   `json:"context"`
	Query           string   `json:"query"`
	Sources         any      `json:"sources"`
	Temperature     *float64 `json:"temperature"`
	NumPredict      *int     `json:"numPredict"`
	ThinkingEnabled *bool    `json:"thinkingEnabled"`
}

// builtPrompt is the result of turning a job's opaque payload into
// upstream-ready generation parameters (spec §4.3).
type builtPrompt struct {
	Prompt          string
	Temperature     *float64
	NumPredict      *int
	Sources         any  // RAG sources to publish before the first response token
	ThinkingEnabled bool // whether processJob should surface parsed <think> blocks
}

// buildPrompt renders job.RequestPayload into a flat prompt string the
// upstream /api/generate endpoint accepts. Chat jobs get a role-tagged
// transcript; RAG jobs get their retrieved context folded in ahead of the
// query. thinkingEnabled defaulting to true matches the runtime's own
// default; explicitly disabling it prepends "/no_think", the convention
// Qwen3-family models use to suppress the `<think>` block entirely.
func buildPrompt(job *jobstore.Job) (*builtPrompt, error) {
	switch job.Type {
	case jobstore.JobTypeChat:
		var p chatPayload
		if err := json.Unmarshal([]byte(job.RequestPayload), &p); err != nil {
			return nil, fmt.Errorf("decode chat payload: %w", err)
		}
		thinkingEnabled := p.ThinkingEnabled == nil || *p.ThinkingEnabled
		var sb strings.Builder
		if !thinkingEnabled {
			sb.WriteString("/no_think\n")
		}
		for _, m := range p.Messages {
			sb.WriteString(strings.ToUpper(m.Role[:1]))
			sb.WriteString(m.Role[1:])
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("Assistant: ")
		return &builtPrompt{Prompt: sb.String(), Temperature: p.Temperature, NumPredict: p.NumPredict, ThinkingEnabled: thinkingEnabled}, nil

	case jobstore.JobTypeRAG:
		var p ragPayload
		if err := json.Unmarshal([]byte(job.RequestPayload), &p); err != nil {
			return nil, fmt.Errorf("decode rag payload: %w", err)
		}
		thinkingEnabled := p.ThinkingEnabled == nil || *p.ThinkingEnabled
		var sb strings.Builder
		if !thinkingEnabled {
			sb.WriteString("/no_think\n")
		}
		sb.WriteString("Context:\n")
		sb.WriteString(p.Context)
		sb.WriteString("\n\nQuestion: ")
		sb.WriteString(p.Query)
		sb.WriteString("\nAnswer: ")
		return &builtPrompt{Prompt: sb.String(), Temperature: p.Temperature, NumPredict: p.NumPredict, Sources: p.Sources, ThinkingEnabled: thinkingEnabled}, nil

	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}
