package config

import (
	"fmt"
	"net/http"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/embeddings"
	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/transform"
)

// GlobalRulesName names the transformer carrying rewrite.rules.
const GlobalRulesName = "rewrite"

type pruneSettings struct {
	Threshold float64 `koanf:"threshold"`
}

// settings decodes the entry's settings over the defaults of its type and
// validates the result.
func (tc TransformerConfig) settings() (any, error) {
	var target any
	switch tc.Type {
	case TransformerDecay:
		cfg := transform.DefaultDecayConfig()
		target = &cfg
	case TransformerSemanticPrune:
		cfg := pruneSettings{Threshold: transform.DefaultPruneThreshold}
		target = &cfg
	case TransformerSemanticDecay:
		cfg := transform.DefaultSemanticDecayConfig()
		target = &cfg
	case TransformerToolSelection:
		cfg := transform.DefaultToolSelectionConfig()
		target = &cfg
	default:
		return nil, fmt.Errorf("transformer type '%s' has no settings", tc.Type)
	}

	if len(tc.Settings) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           target,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(tc.Settings); err != nil {
			return nil, fmt.Errorf("invalid settings: %w", err)
		}
	}

	switch cfg := target.(type) {
	case *transform.DecayConfig:
		return *cfg, cfg.Validate()
	case *transform.SemanticDecayConfig:
		return *cfg, cfg.Validate()
	case *transform.ToolSelectionConfig:
		return *cfg, cfg.Validate()
	case *pruneSettings:
		if cfg.Threshold < 0 || cfg.Threshold > 1 {
			return nil, fmt.Errorf("threshold must be within [0, 1], got %g", cfg.Threshold)
		}
		return *cfg, nil
	}
	return nil, fmt.Errorf("transformer type '%s' has no settings", tc.Type)
}

// Patterns compiles the global rewrite rules.
func (c *Config) Patterns(logger *zap.Logger) ([]*rewrite.Pattern, error) {
	return rewrite.CompileRules(c.Rewrite.Rules, c.Rewrite.MatchTimeout, logger)
}

// BuildTransformers creates the transformer pipeline in configuration order.
// The global rewrite rules, when present, come first so that their patterns
// are applied after those of later transformers. model may be nil when no
// configured transformer needs embeddings.
func (c *Config) BuildTransformers(model embeddings.Model, logger *zap.Logger) ([]transform.Transformer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var transformers []transform.Transformer

	global, err := c.Patterns(logger)
	if err != nil {
		return nil, err
	}
	if len(global) > 0 {
		transformers = append(transformers, transform.NewResponseRules(GlobalRulesName, global...))
	}

	for i, tc := range c.Transformers {
		t, err := c.buildTransformer(tc, model, logger.With(zap.String("transformer", tc.DisplayName())))
		if err != nil {
			return nil, fmt.Errorf("transformers[%d]: %w", i, err)
		}
		transformers = append(transformers, t)
	}

	return transformers, nil
}

func (c *Config) buildTransformer(tc TransformerConfig, model embeddings.Model, logger *zap.Logger) (transform.Transformer, error) {
	if tc.Type == TransformerResponseRules {
		patterns, err := rewrite.CompileRules(tc.Rules, c.Rewrite.MatchTimeout, logger)
		if err != nil {
			return nil, err
		}
		return transform.NewResponseRules(tc.DisplayName(), patterns...), nil
	}

	settings, err := tc.settings()
	if err != nil {
		return nil, err
	}

	switch cfg := settings.(type) {
	case transform.DecayConfig:
		return transform.NewDecay(cfg, logger)
	case pruneSettings:
		return transform.NewSemanticPrune(cfg.Threshold, logger)
	case transform.SemanticDecayConfig:
		return transform.NewSemanticDecay(cfg, logger)
	case transform.ToolSelectionConfig:
		return transform.NewToolSelection(cfg, model, logger)
	}
	return nil, fmt.Errorf("unsupported transformer type '%s'", tc.Type)
}

// ResponsePatterns returns every configured response pattern in the order
// the gateway applies them, without building the context transformers.
func (c *Config) ResponsePatterns(logger *zap.Logger) ([]*rewrite.Pattern, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var responders []transform.Transformer

	global, err := c.Patterns(logger)
	if err != nil {
		return nil, err
	}
	if len(global) > 0 {
		responders = append(responders, transform.NewResponseRules(GlobalRulesName, global...))
	}
	for i, tc := range c.Transformers {
		if tc.Type != TransformerResponseRules {
			continue
		}
		t, err := c.buildTransformer(tc, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("transformers[%d]: %w", i, err)
		}
		responders = append(responders, t)
	}

	return transform.ResponsePatterns(responders, conversation.TurnState{}), nil
}

// NeedsEmbeddings reports whether any configured transformer uses message
// embeddings.
func (c *Config) NeedsEmbeddings() bool {
	for _, tc := range c.Transformers {
		switch tc.Type {
		case TransformerSemanticPrune, TransformerSemanticDecay, TransformerToolSelection:
			return true
		}
	}
	return false
}

// ProviderOptions converts the provider section for llm.NewOpenAI.
func (c *Config) ProviderOptions() llm.OpenAIConfig {
	return llm.OpenAIConfig{
		BaseURL: c.Provider.BaseURL,
		APIKey:  c.Provider.APIKey,
		Headers: c.Provider.Headers,
		Timeout: c.Provider.Timeout,
	}
}

// NewEmbedder builds the cached embedding model, or returns nil when
// embeddings are disabled.
func (c *Config) NewEmbedder(httpClient *http.Client, logger *zap.Logger) embeddings.Model {
	if !c.Embeddings.Enabled {
		return nil
	}
	model := embeddings.NewOpenAI(embeddings.OpenAIConfig{
		BaseURL:           c.Embeddings.BaseURL,
		APIKey:            c.Embeddings.APIKey,
		Model:             c.Embeddings.Model,
		Dimensions:        c.Embeddings.Dimensions,
		RequestsPerMinute: c.Embeddings.RequestsPerMinute,
		Burst:             c.Embeddings.Burst,
		Timeout:           c.Embeddings.Timeout,
		Retry: &errors.RetryConfig{
			MaxAttempts:   c.Embeddings.Retry.MaxAttempts,
			InitialDelay:  c.Embeddings.Retry.BaseDelay,
			MaxDelay:      c.Embeddings.Retry.MaxDelay,
			Multiplier:    2.0,
			JitterPercent: 0.1,
		},
	}, httpClient, logger)
	if c.Embeddings.CacheTTL <= 0 {
		return model
	}
	return embeddings.NewCached(model, c.Embeddings.CacheTTL)
}
