package transform

import (
	"context"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/embeddings"
	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
)

// MessageType classifies a message for semantic decay.
type MessageType string

const (
	MessageSystem         MessageType = "system"
	MessageInstruction    MessageType = "instruction"
	MessageFactual        MessageType = "factual"
	MessageConversational MessageType = "conversational"
	MessageHistorical     MessageType = "historical"
)

var typeModifiers = map[MessageType]float64{
	MessageSystem:         1.0,
	MessageInstruction:    0.9,
	MessageFactual:        0.8,
	MessageConversational: 0.6,
	MessageHistorical:     0.4,
}

// Modifier returns the relevance multiplier for t.
func (t MessageType) Modifier() float64 {
	if m, ok := typeModifiers[t]; ok {
		return m
	}
	return typeModifiers[MessageConversational]
}

// Raw metadata keys read and written by SemanticDecay.
const (
	SemanticDecayNamespace = "semantic_decay"
	RelevanceKey           = "relevance"
	DecayComponentsKey     = "decay_components"
	PrunedStateKey         = "semantic_decay_pruned"
)

const defaultSalience = 0.5

// DecayMetadata is the per-message state SemanticDecay keeps in its
// metadata namespace.
type DecayMetadata struct {
	Salience       float64     `json:"salience"`
	LastAccessTurn int         `json:"last_access_turn"`
	MessageType    MessageType `json:"message_type"`
}

// Validate implements conversation.Namespaced.
func (m DecayMetadata) Validate() error {
	if m.Salience < 0 || m.Salience > 1 {
		return errors.Newf(errors.KindValue, "salience must be 0.0-1.0, got %g", m.Salience)
	}
	if m.LastAccessTurn < 0 {
		return errors.Newf(errors.KindValue, "last_access_turn must be >= 0, got %d", m.LastAccessTurn)
	}
	return nil
}

// DecayComponents records how a relevance score was computed.
type DecayComponents struct {
	Initial       float64 `json:"R0"`
	TypeModifier  float64 `json:"m_type"`
	Semantic      float64 `json:"D_semantic"`
	Temporal      float64 `json:"D_temporal"`
	Combined      float64 `json:"combined_decay"`
	SalienceBoost float64 `json:"D_salience"`
	RecencyBoost  float64 `json:"w_recency"`
	Similarity    float64 `json:"similarity"`
	AgeTurns      int     `json:"age_turns"`
	Salience      float64 `json:"salience"`
}

// SemanticDecayConfig configures SemanticDecay.
type SemanticDecayConfig struct {
	HalfLifeTurns      float64 `koanf:"half_life_turns" yaml:"half_life_turns" json:"half_life_turns"`
	Threshold          float64 `koanf:"threshold" yaml:"threshold" json:"threshold"`
	SemanticThreshold  float64 `koanf:"semantic_threshold" yaml:"semantic_threshold" json:"semantic_threshold"`
	SemanticDecayPower float64 `koanf:"semantic_decay_power" yaml:"semantic_decay_power" json:"semantic_decay_power"`
	SemanticWeight     float64 `koanf:"semantic_weight" yaml:"semantic_weight" json:"semantic_weight"`
	TemporalWeight     float64 `koanf:"temporal_weight" yaml:"temporal_weight" json:"temporal_weight"`
	SalienceDecay      float64 `koanf:"salience_decay" yaml:"salience_decay" json:"salience_decay"`
	RecencyMultiplier  float64 `koanf:"recency_multiplier" yaml:"recency_multiplier" json:"recency_multiplier"`
	RecencyThreshold   int     `koanf:"recency_threshold" yaml:"recency_threshold" json:"recency_threshold"`
}

// DefaultSemanticDecayConfig returns the default settings.
func DefaultSemanticDecayConfig() SemanticDecayConfig {
	return SemanticDecayConfig{
		HalfLifeTurns:      4,
		Threshold:          0.1,
		SemanticThreshold:  0.3,
		SemanticDecayPower: 1.5,
		SemanticWeight:     0.6,
		TemporalWeight:     0.4,
		SalienceDecay:      0.2,
		RecencyMultiplier:  0.3,
		RecencyThreshold:   10,
	}
}

// Validate checks ranges and that the weights sum to 1.
func (c SemanticDecayConfig) Validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"threshold", c.Threshold},
		{"semantic_threshold", c.SemanticThreshold},
		{"semantic_weight", c.SemanticWeight},
		{"temporal_weight", c.TemporalWeight},
	} {
		if err := checkUnit(f.name, f.value); err != nil {
			return err
		}
	}
	if sum := c.SemanticWeight + c.TemporalWeight; math.Abs(sum-1) > 0.01 {
		return errors.Newf(errors.KindValue, "semantic_weight and temporal_weight must sum to 1.0, got %g + %g = %g",
			c.SemanticWeight, c.TemporalWeight, sum)
	}
	if c.SemanticDecayPower < 1 {
		return errors.Newf(errors.KindValue, "semantic_decay_power must be >= 1.0, got %g", c.SemanticDecayPower)
	}
	if c.HalfLifeTurns <= 0 {
		return errors.Newf(errors.KindValue, "half_life_turns must be > 0, got %g", c.HalfLifeTurns)
	}
	return nil
}

// SemanticDecay combines temporal decay with similarity to the query, so
// old but on-topic messages survive while old off-topic ones are dropped.
//
//	relevance = R0 * m_type * (w_sem*D_sem + w_temp*D_temp) * D_salience * w_recency
//
// System messages are always kept.
type SemanticDecay struct {
	cfg    SemanticDecayConfig
	logger *zap.Logger
}

// NewSemanticDecay creates the transformer.
func NewSemanticDecay(cfg SemanticDecayConfig, logger *zap.Logger) (*SemanticDecay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticDecay{cfg: cfg, logger: logger}, nil
}

// Name implements Transformer.
func (d *SemanticDecay) Name() string { return "semantic_decay" }

// ShouldApply runs only when there is more than one message.
func (d *SemanticDecay) ShouldApply(w *conversation.Window, _ conversation.TurnState) bool {
	return w.Len() > 1
}

// Transform implements Transformer.
func (d *SemanticDecay) Transform(_ context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	if w.Len() == 0 {
		return state, nil
	}

	hasEmbeddings := slices.ContainsFunc(w.Messages, func(m *conversation.Message) bool {
		return m.Embedding() != nil
	})

	relevance := make(map[*conversation.Message]float64, w.Len())
	similarity := make(map[*conversation.Message]float64, w.Len())
	for _, m := range w.Messages {
		r, s, err := d.score(m, state, hasEmbeddings)
		if err != nil {
			return state, err
		}
		relevance[m], similarity[m] = r, s
	}

	keep := make(map[*conversation.Message]bool, w.Len())
	var nonSystem []*conversation.Message
	kept := 0
	for _, m := range w.Messages {
		if m.Role == llm.RoleSystem {
			keep[m] = true
			continue
		}
		nonSystem = append(nonSystem, m)
		if relevance[m] >= d.cfg.Threshold && (!hasEmbeddings || similarity[m] >= d.cfg.SemanticThreshold) {
			keep[m] = true
			kept++
		}
	}
	if len(nonSystem) > 0 && kept == 0 {
		best := slices.MaxFunc(nonSystem, func(a, b *conversation.Message) int {
			switch {
			case relevance[a] < relevance[b]:
				return -1
			case relevance[a] > relevance[b]:
				return 1
			}
			return 0
		})
		keep[best] = true
	}

	before := w.Len()
	w.Messages = slices.DeleteFunc(w.Messages, func(m *conversation.Message) bool {
		return !keep[m]
	})

	if removed := before - w.Len(); removed > 0 {
		state = state.WithMetadata(PrunedStateKey, removed)
		d.logger.Debug("Semantic decay pruned messages",
			zap.Int("removed", removed),
			zap.Int("turn_index", state.TurnIndex),
		)
	}
	return state, nil
}

// MessageTypeOf infers the type of m from its role and raw metadata flags.
func MessageTypeOf(m *conversation.Message) MessageType {
	flag := func(key string) bool {
		v, ok := m.Metadata.Get(key)
		b, _ := v.(bool)
		return ok && b
	}

	switch {
	case m.Role == llm.RoleSystem:
		return MessageSystem
	case m.Role == llm.RoleUser && flag("is_instruction"):
		return MessageInstruction
	case flag("is_factual"):
		return MessageFactual
	case flag("is_historical"):
		return MessageHistorical
	}
	return MessageConversational
}

func (d *SemanticDecay) score(m *conversation.Message, state conversation.TurnState, hasEmbeddings bool) (float64, float64, error) {
	var meta DecayMetadata
	found, err := m.Metadata.Namespace(SemanticDecayNamespace, &meta)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		meta = DecayMetadata{
			Salience:       defaultSalience,
			LastAccessTurn: m.TurnIndex(),
			MessageType:    MessageTypeOf(m),
		}
	}

	age := state.TurnIndex - m.TurnIndex()
	initial := m.Metadata.Prominence()
	modifier := meta.MessageType.Modifier()
	temporal := math.Pow(0.5, float64(age)/d.cfg.HalfLifeTurns)

	semantic, similarity := 1.0, 1.0
	if hasEmbeddings && m.Embedding() != nil && state.UserEmbedding != nil {
		if s, err := embeddings.CosineSimilarity(state.UserEmbedding, m.Embedding()); err == nil {
			similarity = s
			semantic = math.Pow(s, d.cfg.SemanticDecayPower)
		} else {
			d.logger.Debug("Similarity unavailable, ignoring semantic component",
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
		}
	}

	combined := d.cfg.SemanticWeight*semantic + d.cfg.TemporalWeight*temporal
	salienceBoost := 1 + meta.Salience*d.cfg.SalienceDecay

	recencyBoost := 1.0
	if sinceAccess := state.TurnIndex - meta.LastAccessTurn; sinceAccess <= d.cfg.RecencyThreshold && d.cfg.RecencyThreshold > 0 {
		recencyBoost = 1 + d.cfg.RecencyMultiplier*(1-float64(sinceAccess)/float64(d.cfg.RecencyThreshold))
	}

	relevance := initial * modifier * combined * salienceBoost * recencyBoost

	meta.LastAccessTurn = max(0, state.TurnIndex)
	if err := m.Metadata.SetNamespace(SemanticDecayNamespace, meta); err != nil {
		return 0, 0, err
	}
	if err := m.Metadata.SetProminence(relevance); err != nil {
		return 0, 0, err
	}
	m.Metadata.Set(RelevanceKey, relevance)
	m.Metadata.Set(DecayComponentsKey, DecayComponents{
		Initial:       initial,
		TypeModifier:  modifier,
		Semantic:      semantic,
		Temporal:      temporal,
		Combined:      combined,
		SalienceBoost: salienceBoost,
		RecencyBoost:  recencyBoost,
		Similarity:    similarity,
		AgeTurns:      age,
		Salience:      meta.Salience,
	})

	return relevance, similarity, nil
}
