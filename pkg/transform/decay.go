package transform

import (
	"cmp"
	"context"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
)

// DecayConfig configures temporal decay.
type DecayConfig struct {
	HalfLifeTurns     float64 `koanf:"half_life_turns" yaml:"half_life_turns" json:"half_life_turns"`
	Threshold         float64 `koanf:"threshold" yaml:"threshold" json:"threshold"`
	MinRecentMessages int     `koanf:"min_recent_messages" yaml:"min_recent_messages" json:"min_recent_messages"`
}

// DefaultDecayConfig returns the default decay settings.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		HalfLifeTurns:     5,
		Threshold:         0.1,
		MinRecentMessages: 10,
	}
}

// Validate checks the configuration ranges.
func (c DecayConfig) Validate() error {
	if c.HalfLifeTurns <= 0 {
		return errors.Newf(errors.KindValue, "half_life_turns must be > 0, got %g", c.HalfLifeTurns)
	}
	if err := checkUnit("threshold", c.Threshold); err != nil {
		return err
	}
	if c.MinRecentMessages < 1 {
		return errors.Newf(errors.KindValue, "min_recent_messages must be >= 1, got %d", c.MinRecentMessages)
	}
	return nil
}

// Decay lowers the prominence of messages exponentially with their age in
// turns and drops non-system messages that fall below the threshold. The
// most recent MinRecentMessages non-system messages are always kept.
type Decay struct {
	cfg    DecayConfig
	logger *zap.Logger
}

// NewDecay creates a decay transformer.
func NewDecay(cfg DecayConfig, logger *zap.Logger) (*Decay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decay{cfg: cfg, logger: logger}, nil
}

// Name implements Transformer.
func (d *Decay) Name() string { return "decay" }

// ShouldApply runs only when there is more than one message.
func (d *Decay) ShouldApply(w *conversation.Window, _ conversation.TurnState) bool {
	return w.Len() > 1
}

// Transform implements Transformer.
func (d *Decay) Transform(_ context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	for _, m := range w.Messages {
		age := float64(state.TurnIndex - m.TurnIndex())
		factor := math.Pow(0.5, age/d.cfg.HalfLifeTurns)
		if err := m.Metadata.SetProminence(m.Metadata.Prominence() * factor); err != nil {
			return state, err
		}
	}

	keep := make(map[*conversation.Message]bool, w.Len())
	var nonSystem []*conversation.Message
	for _, m := range w.Messages {
		if m.Role == llm.RoleSystem {
			keep[m] = true
			continue
		}
		nonSystem = append(nonSystem, m)
		if m.Metadata.Prominence() >= d.cfg.Threshold {
			keep[m] = true
		}
	}

	slices.SortStableFunc(nonSystem, func(a, b *conversation.Message) int {
		return cmp.Compare(b.TurnIndex(), a.TurnIndex())
	})
	for _, m := range nonSystem[:min(len(nonSystem), d.cfg.MinRecentMessages)] {
		keep[m] = true
	}

	before := w.Len()
	w.Messages = slices.DeleteFunc(w.Messages, func(m *conversation.Message) bool {
		return !keep[m]
	})

	d.logger.Debug("Decay applied",
		zap.Int("turn_index", state.TurnIndex),
		zap.Int("messages_before", before),
		zap.Int("messages_after", w.Len()),
	)
	return state, nil
}

func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return errors.Newf(errors.KindValue, "%s must be between 0.0 and 1.0, got %g", name, v)
	}
	return nil
}
