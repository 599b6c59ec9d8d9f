package conversation

import (
	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
)

// Window is the mutable message list transformers edit in place, together
// with the token budget of the target model. It keeps insertion order and
// does not filter or count on its own.
type Window struct {
	Messages  []*Message
	MaxTokens int
}

// NewWindow creates a window. maxTokens must be positive.
func NewWindow(messages []*Message, maxTokens int) (*Window, error) {
	if maxTokens <= 0 {
		return nil, errors.Newf(errors.KindValue, "max_tokens must be positive, got %d", maxTokens)
	}
	return &Window{Messages: messages, MaxTokens: maxTokens}, nil
}

// Add appends a message.
func (w *Window) Add(m *Message) {
	w.Messages = append(w.Messages, m)
}

// Insert places m at position, clamped to the valid range.
func (w *Window) Insert(position int, m *Message) {
	position = max(0, min(position, len(w.Messages)))
	w.Messages = append(w.Messages, nil)
	copy(w.Messages[position+1:], w.Messages[position:])
	w.Messages[position] = m
}

// Remove deletes every message with id and reports whether any was removed.
func (w *Window) Remove(id string) bool {
	kept := w.Messages[:0]
	for _, m := range w.Messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	removed := len(kept) < len(w.Messages)
	for i := len(kept); i < len(w.Messages); i++ {
		w.Messages[i] = nil
	}
	w.Messages = kept
	return removed
}

// Get returns the message with id, or nil.
func (w *Window) Get(id string) *Message {
	for _, m := range w.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ByRole returns the messages with the given role in order.
func (w *Window) ByRole(role string) []*Message {
	var out []*Message
	for _, m := range w.Messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of messages.
func (w *Window) Len() int {
	return len(w.Messages)
}

// Render converts the window to wire messages.
func (w *Window) Render() []llm.Message {
	out := make([]llm.Message, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = m.LLM()
	}
	return out
}
