// Package conversation models the message history that transformers operate
// on before it is sent to the model.
package conversation

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
)

var validRoles = map[string]bool{
	llm.RoleSystem:    true,
	llm.RoleUser:      true,
	llm.RoleAssistant: true,
	llm.RoleTool:      true,
}

// Message is a chat message with transformer metadata. IDs are ephemeral and
// only unique within one request.
type Message struct {
	ID         string
	Role       string
	Content    string
	Name       string
	ToolCalls  json.RawMessage
	ToolCallID string
	Metadata   *Metadata
}

// NewMessage creates a message after validating its role.
func NewMessage(role, content string) (*Message, error) {
	if !validRoles[role] {
		return nil, errors.Newf(errors.KindValue, "invalid role %q: must be one of system, user, assistant, tool", role)
	}
	return &Message{
		ID:       newMessageID(),
		Role:     role,
		Content:  content,
		Metadata: NewMetadata(),
	}, nil
}

// FromLLM converts a wire message.
func FromLLM(m llm.Message) (*Message, error) {
	msg, err := NewMessage(m.Role, m.Content)
	if err != nil {
		return nil, err
	}
	msg.Name = m.Name
	msg.ToolCalls = m.ToolCalls
	msg.ToolCallID = m.ToolCallID
	return msg, nil
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// TurnIndex returns the message's turn index.
func (m *Message) TurnIndex() int {
	return m.Metadata.TurnIndex()
}

// SetTurnIndex sets the message's turn index.
func (m *Message) SetTurnIndex(i int) error {
	return m.Metadata.SetTurnIndex(i)
}

// Embedding returns the message's embedding, or nil.
func (m *Message) Embedding() []float32 {
	return m.Metadata.Embedding()
}

// SetEmbedding sets the message's embedding.
func (m *Message) SetEmbedding(e []float32) {
	m.Metadata.SetEmbedding(e)
}

// LLM converts the message to wire format.
func (m *Message) LLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}
