// Package config provides configuration management for textile
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/secrets"
)

// EnvPrefix is the prefix of environment variables that override file
// values. A double underscore separates nested keys, so
// TEXTILE_PROVIDER__API_KEY sets provider.api_key.
const EnvPrefix = "TEXTILE_"

// Transformer types accepted in the transformers list.
const (
	TransformerDecay         = "decay"
	TransformerSemanticPrune = "semantic_prune"
	TransformerSemanticDecay = "semantic_decay"
	TransformerToolSelection = "tool_selection"
	TransformerResponseRules = "response_rules"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Provider      ProviderConfig      `koanf:"provider"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Rewrite       RewriteConfig       `koanf:"rewrite"`
	Transformers  []TransformerConfig `koanf:"transformers" validate:"dive"`
	Models        map[string]int      `koanf:"models"`
	RateLimiting  RateLimitingConfig  `koanf:"rate_limiting"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr     string        `koanf:"addr" validate:"required"`
	Timeouts TimeoutConfig `koanf:"timeouts"`
}

// TimeoutConfig contains server timeout configuration. Write is left at zero
// by default so long streams are not cut off.
type TimeoutConfig struct {
	Read     time.Duration `koanf:"read"`
	Write    time.Duration `koanf:"write"`
	Idle     time.Duration `koanf:"idle"`
	Shutdown time.Duration `koanf:"shutdown"`
}

// ProviderConfig describes the OpenAI-compatible upstream.
type ProviderConfig struct {
	BaseURL string            `koanf:"base_url" validate:"required,url"`
	APIKey  string            `koanf:"api_key"`
	Headers map[string]string `koanf:"headers"`
	Timeout time.Duration     `koanf:"timeout" validate:"omitempty,min=1s"`
	Breaker BreakerConfig     `koanf:"breaker"`
}

// BreakerConfig controls the circuit breaker in front of the provider. A
// zero FailureThreshold disables it. Provider calls are never retried.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=0"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
}

// RetryConfig controls retries of failed embedding calls.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"min=0,max=10"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

// EmbeddingsConfig describes the embedding backend used by the semantic
// transformers.
type EmbeddingsConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url" validate:"required_if=Enabled true"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model" validate:"required_if=Enabled true"`
	Dimensions        int           `koanf:"dimensions" validate:"min=0"`
	RequestsPerMinute int           `koanf:"requests_per_minute" validate:"min=0"`
	Burst             int           `koanf:"burst" validate:"min=0"`
	Timeout           time.Duration `koanf:"timeout"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	Retry             RetryConfig   `koanf:"retry"`
}

// RewriteConfig contains the response rewriting settings shared by every
// request.
type RewriteConfig struct {
	MaxBufferSize int            `koanf:"max_buffer_size" validate:"min=0"`
	MatchTimeout  time.Duration  `koanf:"match_timeout"`
	ErrorBudget   float64        `koanf:"error_budget" validate:"min=0,max=1"`
	Rules         []rewrite.Rule `koanf:"rules"`
}

// TransformerConfig is one entry of the transformer pipeline. Settings are
// decoded into the type's own configuration on top of its defaults.
type TransformerConfig struct {
	Type     string         `koanf:"type" validate:"required,oneof=decay semantic_prune semantic_decay tool_selection response_rules"`
	Name     string         `koanf:"name"`
	Settings map[string]any `koanf:"settings"`
	Rules    []rewrite.Rule `koanf:"rules"`
}

// RateLimitingConfig contains per-client rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool          `koanf:"enabled"`
	RequestsPerMinute int           `koanf:"requests_per_minute" validate:"min=0"`
	Burst             int           `koanf:"burst" validate:"min=0"`
	CleanupInterval   time.Duration `koanf:"cleanup_interval"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Tracing TracingConfig `koanf:"tracing"`
	Logging LoggingConfig `koanf:"logging"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	SampleRate float64 `koanf:"sample_rate" validate:"min=0,max=1"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json text"`
}

// defaults are loaded before the file so that a minimal file is enough.
var defaults = map[string]any{
	"server.addr":                        ":8080",
	"server.timeouts.read":               "30s",
	"server.timeouts.idle":               "120s",
	"server.timeouts.shutdown":           "15s",
	"provider.timeout":                   "120s",
	"provider.breaker.failure_threshold": 5,
	"provider.breaker.open_timeout":      "30s",
	"embeddings.retry.max_attempts":      3,
	"embeddings.retry.base_delay":        "200ms",
	"embeddings.retry.max_delay":         "2s",
	"embeddings.timeout":                 "30s",
	"embeddings.cache_ttl":               "1h",
	"rewrite.max_buffer_size":            rewrite.DefaultMaxBufferSize,
	"rewrite.match_timeout":              "100ms",
	"rewrite.error_budget":               0.01,
	"rate_limiting.requests_per_minute":  600,
	"rate_limiting.burst":                20,
	"rate_limiting.cleanup_interval":     "5m",
	"observability.tracing.sample_rate":  1.0,
	"observability.logging.level":        "info",
	"observability.logging.format":       "json",
}

// Loader handles configuration loading and validation
type Loader struct {
	k         *koanf.Koanf
	validator *validator.Validate
}

// ValidationError represents a configuration validation error with line information
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (ve ValidationError) Error() string {
	if ve.Line > 0 {
		return fmt.Sprintf("line %d: %s", ve.Line, ve.Message)
	}
	return ve.Message
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := validator.New()

	// Report fields by their configuration key rather than the Go name
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("koanf"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	return &Loader{
		k:         koanf.New("."),
		validator: v,
	}
}

// LoadFromFile loads configuration from a YAML file with environment variable support
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	// Start from a clean state so the loader can be reused for reloads
	l.k = koanf.New(".")

	for key, value := range defaults {
		if err := l.k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if err := l.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	// Environment variables override file values
	if err := l.k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var config Config
	if err := l.k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.validateWithLineNumbers(&config, path); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// api keys may be env: or file: references
	if err := secrets.ResolveAll(map[string]*string{
		"provider.api_key":   &config.Provider.APIKey,
		"embeddings.api_key": &config.Embeddings.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	return &config, nil
}

// envKey maps TEXTILE_PROVIDER__API_KEY to provider.api_key.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// validateWithLineNumbers performs comprehensive configuration validation with line number information
func (l *Loader) validateWithLineNumbers(config *Config, configPath string) error {
	if err := l.validator.Struct(config); err != nil {
		fieldErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		// Parse YAML to get line numbers for better error reporting
		var yamlNode yamlv3.Node
		if configPath != "" {
			if yamlData, err := os.ReadFile(configPath); err == nil {
				_ = yamlv3.Unmarshal(yamlData, &yamlNode)
			}
		}

		var validationErrors ValidationErrors
		for _, err := range fieldErrors {
			ve := ValidationError{
				Field:   err.Field(),
				Tag:     err.Tag(),
				Value:   fmt.Sprintf("%v", err.Value()),
				Message: l.formatValidationMessage(err),
			}
			ve.Line, ve.Column = findPosition(&yamlNode, err.Namespace())
			validationErrors = append(validationErrors, ve)
		}

		return validationErrors
	}

	return l.validateBusinessRules(config)
}

// formatValidationMessage creates human-readable validation error messages
func (l *Loader) formatValidationMessage(err validator.FieldError) string {
	field := trimRoot(err.Namespace())
	tag := err.Tag()
	value := fmt.Sprintf("%v", err.Value())

	switch tag {
	case "required", "required_if":
		return fmt.Sprintf("field '%s' is required", field)
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL, got '%s'", field, value)
	case "min":
		return fmt.Sprintf("field '%s' must be at least %s, got '%s'", field, err.Param(), value)
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s, got '%s'", field, err.Param(), value)
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of [%s], got '%s'", field, err.Param(), value)
	default:
		return fmt.Sprintf("field '%s' failed validation '%s' with value '%s'", field, tag, value)
	}
}

// trimRoot drops the struct name validator puts in front of a namespace.
func trimRoot(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// findPosition walks the YAML document along a validator namespace such as
// Config.transformers[1].type and returns the position of the value. Zero
// means the key is not in the file, for example because it came from a
// default or the environment.
func findPosition(root *yamlv3.Node, namespace string) (line, column int) {
	node := root
	if node.Kind == yamlv3.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind == 0 {
		return 0, 0
	}

	for _, segment := range strings.Split(trimRoot(namespace), ".") {
		key, index := splitIndex(segment)

		node = mappingValue(node, key)
		if node == nil {
			return 0, 0
		}
		if index >= 0 {
			if node.Kind != yamlv3.SequenceNode || index >= len(node.Content) {
				return 0, 0
			}
			node = node.Content[index]
		}
	}
	return node.Line, node.Column
}

// splitIndex splits "transformers[2]" into ("transformers", 2). The index is
// -1 when the segment has none.
func splitIndex(segment string) (string, int) {
	open := strings.IndexByte(segment, '[')
	if open < 0 || !strings.HasSuffix(segment, "]") {
		return segment, -1
	}
	n, err := strconv.Atoi(segment[open+1 : len(segment)-1])
	if err != nil {
		return segment, -1
	}
	return segment[:open], n
}

func mappingValue(node *yamlv3.Node, key string) *yamlv3.Node {
	if node.Kind != yamlv3.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// validateBusinessRules performs custom business logic validation
func (l *Loader) validateBusinessRules(config *Config) error {
	var errors []string

	if _, err := rewrite.CompileRules(config.Rewrite.Rules, config.Rewrite.MatchTimeout, nil); err != nil {
		errors = append(errors, fmt.Sprintf("rewrite.rules: %v", err))
	}

	names := make(map[string]int)
	for i, tc := range config.Transformers {
		if err := l.validateTransformer(config, tc, i); err != nil {
			errors = append(errors, err.Error())
		}

		name := tc.DisplayName()
		if prev, ok := names[name]; ok {
			errors = append(errors, fmt.Sprintf("transformers[%d]: name '%s' already used by transformers[%d]", i, name, prev))
		}
		names[name] = i
	}

	for model, limit := range config.Models {
		if limit <= 0 {
			errors = append(errors, fmt.Sprintf("models.%s: max tokens must be positive, got %d", model, limit))
		}
	}

	if config.RateLimiting.Enabled && config.RateLimiting.RequestsPerMinute == 0 {
		errors = append(errors, "rate_limiting.requests_per_minute must be set when rate limiting is enabled")
	}

	if config.Observability.Tracing.Enabled && config.Observability.Tracing.Endpoint == "" {
		errors = append(errors, "observability.tracing.endpoint is required when tracing is enabled")
	}
	if config.Observability.Metrics.Enabled && config.Observability.Metrics.Endpoint == "" {
		errors = append(errors, "observability.metrics.endpoint is required when metrics are enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("business rule validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// validateTransformer checks that a transformer entry can be built.
func (l *Loader) validateTransformer(config *Config, tc TransformerConfig, index int) error {
	prefix := fmt.Sprintf("transformers[%d]", index)

	switch tc.Type {
	case TransformerSemanticPrune, TransformerToolSelection:
		if !config.Embeddings.Enabled {
			return fmt.Errorf("%s: %s requires embeddings.enabled", prefix, tc.Type)
		}
	case TransformerResponseRules:
		if len(tc.Rules) == 0 {
			return fmt.Errorf("%s: response_rules needs at least one rule", prefix)
		}
		if _, err := rewrite.CompileRules(tc.Rules, config.Rewrite.MatchTimeout, nil); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
		return nil
	}

	if _, err := tc.settings(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	return nil
}

// DisplayName returns the configured name, or the type when none is set.
func (tc TransformerConfig) DisplayName() string {
	if tc.Name != "" {
		return tc.Name
	}
	return tc.Type
}

// GetString returns a string configuration value
func (l *Loader) GetString(key string) string {
	return l.k.String(key)
}

// GetInt returns an integer configuration value
func (l *Loader) GetInt(key string) int {
	return l.k.Int(key)
}

// GetBool returns a boolean configuration value
func (l *Loader) GetBool(key string) bool {
	return l.k.Bool(key)
}

// GetDuration returns a duration configuration value
func (l *Loader) GetDuration(key string) time.Duration {
	return l.k.Duration(key)
}
