package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/ik-labs/textile/pkg/errors"
)

// Namespaced is transformer-specific metadata stored under its own name.
type Namespaced interface {
	Validate() error
}

// Metadata holds global per-message properties (prominence, turn index,
// embedding), free-form raw values, and typed namespaces.
type Metadata struct {
	prominence    float64
	hasProminence bool
	turnIndex     int
	embedding     []float32
	raw           map[string]any
	namespaces    map[string]json.RawMessage
}

// NewMetadata returns empty metadata.
func NewMetadata() *Metadata {
	return &Metadata{}
}

// Prominence returns the relevance score in [0, 1]. It defaults to 1.
func (m *Metadata) Prominence() float64 {
	if !m.hasProminence {
		return 1.0
	}
	return m.prominence
}

// SetProminence sets the relevance score, clamping values above 1.
func (m *Metadata) SetProminence(value float64) error {
	if value < 0 {
		return errors.Newf(errors.KindValue, "prominence must be >= 0.0, got %g", value)
	}
	m.prominence = min(value, 1.0)
	m.hasProminence = true
	return nil
}

// TurnIndex returns the turn in which the message was created.
func (m *Metadata) TurnIndex() int {
	return m.turnIndex
}

// SetTurnIndex sets the turn index.
func (m *Metadata) SetTurnIndex(value int) error {
	if value < 0 {
		return errors.Newf(errors.KindValue, "turn_index must be >= 0, got %d", value)
	}
	m.turnIndex = value
	return nil
}

// Embedding returns the message's semantic vector, or nil.
func (m *Metadata) Embedding() []float32 {
	return m.embedding
}

// SetEmbedding stores the message's semantic vector.
func (m *Metadata) SetEmbedding(embedding []float32) {
	m.embedding = embedding
}

// Set stores a raw value.
func (m *Metadata) Set(key string, value any) {
	if m.raw == nil {
		m.raw = make(map[string]any)
	}
	m.raw[key] = value
}

// Get returns a raw value.
func (m *Metadata) Get(key string) (any, bool) {
	v, ok := m.raw[key]
	return v, ok
}

// SetNamespace validates v and stores a copy of it under name.
func (m *Metadata) SetNamespace(name string, v Namespaced) error {
	if err := v.Validate(); err != nil {
		return errors.Wrap(errors.KindValue, err, fmt.Sprintf("invalid %s metadata", name))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s metadata: %w", name, err)
	}
	if m.namespaces == nil {
		m.namespaces = make(map[string]json.RawMessage)
	}
	m.namespaces[name] = data
	return nil
}

// Namespace decodes the namespace name into dst. It reports false if the
// namespace is not set.
func (m *Metadata) Namespace(name string, dst any) (bool, error) {
	data, ok := m.namespaces[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("decoding %s metadata: %w", name, err)
	}
	return true, nil
}

// HasNamespace reports whether name is set.
func (m *Metadata) HasNamespace(name string) bool {
	_, ok := m.namespaces[name]
	return ok
}
