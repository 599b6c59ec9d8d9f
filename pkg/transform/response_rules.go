package transform

import (
	"context"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/rewrite"
)

// ResponseRules leaves the context alone and contributes a fixed set of
// patterns that rewrite the model's answer.
type ResponseRules struct {
	name     string
	patterns []*rewrite.Pattern
}

// NewResponseRules creates a responder named name.
func NewResponseRules(name string, patterns ...*rewrite.Pattern) *ResponseRules {
	if name == "" {
		name = "response_rules"
	}
	return &ResponseRules{name: name, patterns: patterns}
}

// Name implements Transformer.
func (r *ResponseRules) Name() string { return r.name }

// Transform implements Transformer.
func (r *ResponseRules) Transform(_ context.Context, _ *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	return state, nil
}

// OnResponse implements Responder.
func (r *ResponseRules) OnResponse(conversation.TurnState) []*rewrite.Pattern {
	return append([]*rewrite.Pattern(nil), r.patterns...)
}
