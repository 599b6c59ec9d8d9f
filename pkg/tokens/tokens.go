// Package tokens estimates token counts without a model tokenizer.
package tokens

import (
	"unicode/utf8"

	"github.com/ik-labs/textile/pkg/llm"
)

const (
	// CharsPerToken is the usual ratio for English text.
	CharsPerToken = 4
	// MessageOverhead covers role markers and framing per message.
	MessageOverhead = 4
)

// CountText estimates the tokens in text. Non-empty text is at least one
// token.
func CountText(text string) int {
	if text == "" {
		return 0
	}
	return max(1, utf8.RuneCountInString(text)/CharsPerToken)
}

// Count estimates the tokens in messages, including per-message overhead.
func Count(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += max(1, utf8.RuneCountInString(m.Content)/CharsPerToken)
		total += MessageOverhead
	}
	return total
}

// CountTools estimates the tokens spent on tool definitions.
func CountTools(tools []llm.Tool) int {
	total := 0
	for _, t := range tools {
		total += CountText(t.Function.Name) + CountText(t.Function.Description) + CountText(string(t.Function.Parameters))
	}
	return total
}
