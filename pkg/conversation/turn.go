package conversation

import (
	"maps"
	"slices"

	"github.com/ik-labs/textile/pkg/llm"
)

// TurnState describes the current turn. It is a value: the With methods
// return modified copies and never share slices or maps with the receiver.
type TurnState struct {
	UserMessage   string
	TurnIndex     int
	UserEmbedding []float32
	Tools         []llm.Tool
	Metadata      map[string]any
}

// WithTools returns a copy of s carrying tools.
func (s TurnState) WithTools(tools []llm.Tool) TurnState {
	s.Tools = slices.Clone(tools)
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// WithMetadata returns a copy of s with key set.
func (s TurnState) WithMetadata(key string, value any) TurnState {
	metadata := make(map[string]any, len(s.Metadata)+1)
	maps.Copy(metadata, s.Metadata)
	metadata[key] = value
	s.Metadata = metadata
	s.Tools = slices.Clone(s.Tools)
	return s
}

// WithUserEmbedding returns a copy of s carrying the user embedding.
func (s TurnState) WithUserEmbedding(embedding []float32) TurnState {
	s.UserEmbedding = slices.Clone(embedding)
	return s
}
