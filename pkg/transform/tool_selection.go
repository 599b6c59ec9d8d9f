package transform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/embeddings"
	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
)

// Raw metadata keys set on the first message by ToolSelection.
const (
	SelectedToolsKey = "selected_tools"
	ToolsFilteredKey = "tools_filtered"
)

// ToolSelectionConfig configures ToolSelection.
type ToolSelectionConfig struct {
	MaxTools            int     `koanf:"max_tools" yaml:"max_tools" json:"max_tools"`
	SimilarityThreshold float64 `koanf:"similarity_threshold" yaml:"similarity_threshold" json:"similarity_threshold"`
	CacheEmbeddings     bool    `koanf:"cache_embeddings" yaml:"cache_embeddings" json:"cache_embeddings"`
}

// DefaultToolSelectionConfig returns the default settings.
func DefaultToolSelectionConfig() ToolSelectionConfig {
	return ToolSelectionConfig{
		MaxTools:            10,
		SimilarityThreshold: 0.2,
		CacheEmbeddings:     true,
	}
}

// Validate checks the configuration ranges.
func (c ToolSelectionConfig) Validate() error {
	if c.MaxTools <= 0 {
		return errors.Newf(errors.KindValue, "max_tools must be positive, got %d", c.MaxTools)
	}
	return checkUnit("similarity_threshold", c.SimilarityThreshold)
}

// ToolSelection narrows a large tool catalog to the tools most similar to
// the user's query. Only function tools are scored.
type ToolSelection struct {
	cfg    ToolSelectionConfig
	model  embeddings.Model
	cache  sync.Map // tool name -> []float32
	logger *zap.Logger
}

// NewToolSelection creates the transformer. model is required.
func NewToolSelection(cfg ToolSelectionConfig, model embeddings.Model, logger *zap.Logger) (*ToolSelection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, errors.New(errors.KindConfig, "tool selection requires an embedding model")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolSelection{cfg: cfg, model: model, logger: logger}, nil
}

// Name implements Transformer.
func (t *ToolSelection) Name() string { return "tool_selection" }

// ShouldApply runs only when there are more tools than MaxTools.
func (t *ToolSelection) ShouldApply(_ *conversation.Window, state conversation.TurnState) bool {
	return len(state.Tools) > t.cfg.MaxTools
}

// Transform implements Transformer.
func (t *ToolSelection) Transform(ctx context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	if len(state.Tools) == 0 {
		return state, nil
	}

	query := state.UserEmbedding
	if query == nil {
		var err error
		if query, err = t.model.Encode(ctx, state.UserMessage); err != nil {
			return state, fmt.Errorf("embedding user message: %w", err)
		}
	}

	type scored struct {
		tool       llm.Tool
		similarity float64
	}
	var candidates []scored

	for _, tool := range state.Tools {
		if tool.Type != "function" {
			continue
		}
		vector, err := t.toolEmbedding(ctx, tool)
		if err != nil {
			return state, err
		}
		similarity, err := embeddings.CosineSimilarity(query, vector)
		if err != nil {
			return state, fmt.Errorf("scoring tool %s: %w", tool.Function.Name, err)
		}
		if similarity >= t.cfg.SimilarityThreshold {
			candidates = append(candidates, scored{tool: tool, similarity: similarity})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})

	selected := make([]llm.Tool, 0, min(len(candidates), t.cfg.MaxTools))
	names := make([]string, 0, cap(selected))
	for _, c := range candidates[:min(len(candidates), t.cfg.MaxTools)] {
		selected = append(selected, c.tool)
		names = append(names, c.tool.Function.Name)
	}

	if w.Len() > 0 {
		w.Messages[0].Metadata.Set(SelectedToolsKey, names)
		w.Messages[0].Metadata.Set(ToolsFilteredKey, len(state.Tools)-len(selected))
	}

	t.logger.Debug("Tools selected",
		zap.Int("offered", len(state.Tools)),
		zap.Strings("selected", names),
	)
	return state.WithTools(selected), nil
}

func (t *ToolSelection) toolEmbedding(ctx context.Context, tool llm.Tool) ([]float32, error) {
	name := tool.Function.Name
	if t.cfg.CacheEmbeddings {
		if v, ok := t.cache.Load(name); ok {
			return v.([]float32), nil
		}
	}

	vector, err := t.model.Encode(ctx, name+": "+tool.Function.Description)
	if err != nil {
		return nil, fmt.Errorf("embedding tool %s: %w", name, err)
	}
	if t.cfg.CacheEmbeddings {
		t.cache.Store(name, vector)
	}
	return vector, nil
}
