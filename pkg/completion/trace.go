package completion

import (
	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/tokens"
	"github.com/ik-labs/textile/pkg/transform"
)

// Trace describes what the pipeline did to a request.
type Trace struct {
	ContextSize     int                   `json:"context_size"`
	MaxTokens       int                   `json:"max_tokens"`
	UserMessage     string                `json:"user_message"`
	Transformers    []string              `json:"transformers"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	Steps           []transform.TraceStep `json:"steps,omitempty"`
	Stats           rewrite.Stats         `json:"rewrite"`
	EstimatedTokens int                   `json:"estimated_tokens"`
}

func newTrace(w *conversation.Window, state conversation.TurnState, transformers []transform.Transformer, steps []transform.TraceStep) *Trace {
	names := make([]string, len(transformers))
	for i, t := range transformers {
		names[i] = t.Name()
	}
	return &Trace{
		ContextSize:     w.Len(),
		MaxTokens:       w.MaxTokens,
		UserMessage:     state.UserMessage,
		Transformers:    names,
		Metadata:        state.Metadata,
		Steps:           steps,
		EstimatedTokens: tokens.Count(w.Render()),
	}
}
