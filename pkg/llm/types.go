// Package llm holds the OpenAI-compatible chat completion wire types and the
// provider client that sends them.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Roles accepted in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a chat message in wire format.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON accepts content as a string, null, or an array of content
// parts. Text parts are joined with newlines; other parts are dropped.
func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid message JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("message must be an object")
	}

	*m = Message{
		Role:       root.Get("role").String(),
		Name:       root.Get("name").String(),
		ToolCallID: root.Get("tool_call_id").String(),
	}
	if calls := root.Get("tool_calls"); calls.Exists() && calls.IsArray() {
		m.ToolCalls = json.RawMessage(calls.Raw)
	}

	content := root.Get("content")
	switch {
	case content.Type == gjson.String:
		m.Content = content.String()
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				parts = append(parts, part.Get("text").String())
			}
			return true
		})
		m.Content = strings.Join(parts, "\n")
	}
	return nil
}

// Function describes a callable tool.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Request is a chat completion request. Fields this package does not model
// are kept in Extra and sent back unchanged.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var requestFields = map[string]bool{
	"model": true, "messages": true, "tools": true, "tool_choice": true,
	"max_tokens": true, "temperature": true, "stream": true,
}

type requestAlias Request

// UnmarshalJSON decodes known fields and collects the rest into Extra.
func (r *Request) UnmarshalJSON(data []byte) error {
	var alias requestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*r = Request(alias)

	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		if requestFields[key.String()] {
			return true
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[key.String()] = json.RawMessage(value.Raw)
		return true
	})
	return nil
}

// MarshalJSON encodes known fields and merges Extra back in. Known fields win
// over Extra entries with the same name.
func (r Request) MarshalJSON() ([]byte, error) {
	out, err := json.Marshal(requestAlias(r))
	if err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if requestFields[key] {
			continue
		}
		out, err = sjson.SetRawBytes(out, escapePath(key), value)
		if err != nil {
			return nil, fmt.Errorf("setting extra field %s: %w", key, err)
		}
	}
	return out, nil
}

// escapePath escapes sjson path metacharacters in a literal key.
func escapePath(key string) string {
	var b strings.Builder
	for _, c := range key {
		switch c {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one alternative of a non-streaming response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Response is a non-streaming chat completion response. Raw holds the
// provider's bytes when the response came from the wire.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Content returns the first choice's message content.
func (r *Response) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// SetContent replaces the first choice's message content, keeping Raw in
// sync.
func (r *Response) SetContent(content string) error {
	if len(r.Choices) == 0 {
		return nil
	}
	r.Choices[0].Message.Content = content
	if len(r.Raw) == 0 {
		return nil
	}
	raw, err := sjson.SetBytes(r.Raw, "choices.0.message.content", content)
	if err != nil {
		return fmt.Errorf("patching response content: %w", err)
	}
	r.Raw = raw
	return nil
}

// Encode returns the wire form, preferring the provider's own bytes.
func (r *Response) Encode() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(r)
}

// Delta is the incremental part of a streamed choice.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// ChunkChoice is one alternative within a streamed chunk.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Chunk is one streamed chat completion event. Raw holds the provider's bytes
// when the chunk came from the wire.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeChunk parses one streamed event payload.
func DecodeChunk(data []byte) (Chunk, error) {
	if !gjson.ValidBytes(data) {
		return Chunk{}, fmt.Errorf("invalid chunk JSON: %.64s", data)
	}
	root := gjson.ParseBytes(data)

	chunk := Chunk{
		ID:      root.Get("id").String(),
		Object:  root.Get("object").String(),
		Created: root.Get("created").Int(),
		Model:   root.Get("model").String(),
		Raw:     append(json.RawMessage(nil), data...),
	}

	root.Get("choices").ForEach(func(_, c gjson.Result) bool {
		choice := ChunkChoice{
			Index:        int(c.Get("index").Int()),
			FinishReason: c.Get("finish_reason").String(),
			Delta: Delta{
				Role:    c.Get("delta.role").String(),
				Content: c.Get("delta.content").String(),
			},
		}
		if calls := c.Get("delta.tool_calls"); calls.Exists() && calls.IsArray() {
			choice.Delta.ToolCalls = json.RawMessage(calls.Raw)
		}
		chunk.Choices = append(chunk.Choices, choice)
		return true
	})

	if usage := root.Get("usage"); usage.IsObject() {
		chunk.Usage = &Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
	}

	return chunk, nil
}

// Content returns the first choice's delta content.
func (c Chunk) Content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// FinishReason returns the first choice's finish reason.
func (c Chunk) FinishReason() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

// HasPayload reports whether the chunk carries anything besides content:
// a role, tool calls, a finish reason, usage, or additional choices.
func (c Chunk) HasPayload() bool {
	if c.Usage != nil || len(c.Choices) > 1 {
		return true
	}
	if len(c.Choices) == 0 {
		return false
	}
	choice := c.Choices[0]
	return choice.Delta.Role != "" || len(choice.Delta.ToolCalls) > 0 || choice.FinishReason != ""
}

// WithContent returns a copy of c whose first choice carries content.
func (c Chunk) WithContent(content string) (Chunk, error) {
	if len(c.Choices) == 0 {
		c.Choices = []ChunkChoice{{}}
	} else {
		choices := make([]ChunkChoice, len(c.Choices))
		copy(choices, c.Choices)
		c.Choices = choices
	}
	c.Choices[0].Delta.Content = content

	if len(c.Raw) == 0 {
		return c, nil
	}
	raw := c.Raw
	var err error
	if !gjson.GetBytes(raw, "choices.0").Exists() {
		raw, err = sjson.SetRawBytes(raw, "choices", []byte(`[{"index":0,"delta":{}}]`))
		if err != nil {
			return c, fmt.Errorf("patching chunk choices: %w", err)
		}
	}
	raw, err = sjson.SetBytes(raw, "choices.0.delta.content", content)
	if err != nil {
		return c, fmt.Errorf("patching chunk content: %w", err)
	}
	c.Raw = raw
	return c, nil
}

// Encode returns the wire form, preferring the provider's own bytes.
func (c Chunk) Encode() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	return json.Marshal(c)
}
