package transform

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/embeddings"
	"github.com/ik-labs/textile/pkg/llm"
)

// DefaultPruneThreshold is the default minimum similarity to the query.
const DefaultPruneThreshold = 0.3

// SemanticPrune removes non-system messages whose embedding is not similar
// enough to the user's query. Messages without an embedding are kept, and
// at least one non-system message always survives.
type SemanticPrune struct {
	threshold float64
	logger    *zap.Logger
}

// NewSemanticPrune creates a pruning transformer.
func NewSemanticPrune(threshold float64, logger *zap.Logger) (*SemanticPrune, error) {
	if err := checkUnit("similarity_threshold", threshold); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticPrune{threshold: threshold, logger: logger}, nil
}

// Name implements Transformer.
func (p *SemanticPrune) Name() string { return "semantic_prune" }

// ShouldApply runs only when the query and at least one message are embedded.
func (p *SemanticPrune) ShouldApply(w *conversation.Window, state conversation.TurnState) bool {
	if state.UserEmbedding == nil {
		return false
	}
	return slices.ContainsFunc(w.Messages, func(m *conversation.Message) bool {
		return m.Embedding() != nil
	})
}

// Transform implements Transformer.
func (p *SemanticPrune) Transform(_ context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	remove := make(map[*conversation.Message]bool)
	var nonSystem []*conversation.Message

	for _, m := range w.Messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		nonSystem = append(nonSystem, m)
		if m.Embedding() == nil {
			continue
		}

		similarity, err := embeddings.CosineSimilarity(state.UserEmbedding, m.Embedding())
		if err != nil {
			p.logger.Warn("Failed to compute similarity, keeping message",
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
			continue
		}
		if similarity < p.threshold {
			remove[m] = true
		}
	}

	if len(nonSystem) > 0 && !slices.ContainsFunc(nonSystem, func(m *conversation.Message) bool { return !remove[m] }) {
		mostRecent := slices.MaxFunc(nonSystem, func(a, b *conversation.Message) int {
			return a.TurnIndex() - b.TurnIndex()
		})
		delete(remove, mostRecent)
		p.logger.Warn("Semantic pruning would remove all non-system messages, keeping most recent",
			zap.Int("turn_index", mostRecent.TurnIndex()),
		)
	}

	w.Messages = slices.DeleteFunc(w.Messages, func(m *conversation.Message) bool {
		return remove[m]
	})
	return state, nil
}
