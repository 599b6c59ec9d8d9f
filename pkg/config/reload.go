package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ReloadManager re-reads the configuration file on SIGHUP and hands the new
// configuration to the registered callbacks.
type ReloadManager struct {
	mu            sync.RWMutex
	configPath    string
	loader        *Loader
	currentConfig *Config
	reloadCh      chan struct{}
	stopCh        chan struct{}
	stopOnce      sync.Once
	callbacks     []ReloadCallback
	stats         ReloadStats
	logger        *zap.Logger
}

// ReloadCallback is called when configuration is successfully reloaded. A
// callback error aborts the reload and keeps the current configuration.
type ReloadCallback func(oldConfig, newConfig *Config) error

// ReloadResult represents the result of a reload operation
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// NewReloadManager creates a new reload manager
func NewReloadManager(configPath string, loader *Loader, initialConfig *Config, logger *zap.Logger) *ReloadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReloadManager{
		configPath:    configPath,
		loader:        loader,
		currentConfig: initialConfig,
		reloadCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// AddCallback adds a callback to be called on successful reload
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// GetCurrentConfig returns a copy of the current configuration
func (rm *ReloadManager) GetCurrentConfig() *Config {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	configCopy := *rm.currentConfig
	return &configCopy
}

// Start listens for SIGHUP until ctx is done or Stop is called.
func (rm *ReloadManager) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-rm.stopCh:
				return
			case <-sigCh:
				select {
				case rm.reloadCh <- struct{}{}:
				default:
					// reload already pending
				}
			case <-rm.reloadCh:
				result := rm.TriggerReload()
				if !result.Success {
					rm.logger.Error("Configuration reload failed, keeping current configuration",
						zap.String("path", rm.configPath),
						zap.String("error", result.Error))
					continue
				}
				rm.logger.Info("Configuration reloaded",
					zap.String("path", rm.configPath),
					zap.Strings("changes", result.Changes))
			}
		}
	}()

	return nil
}

// Stop stops the reload manager
func (rm *ReloadManager) Stop() {
	rm.stopOnce.Do(func() { close(rm.stopCh) })
}

// TriggerReload reloads the configuration immediately.
func (rm *ReloadManager) TriggerReload() *ReloadResult {
	result := &ReloadResult{
		Timestamp: time.Now(),
	}

	diffs, err := rm.performReload()

	rm.mu.Lock()
	rm.stats.TotalReloads++
	rm.stats.LastReload = result.Timestamp
	if err != nil {
		rm.stats.FailedReloads++
		rm.stats.LastFailure = result.Timestamp
		rm.stats.LastError = err.Error()
	} else {
		rm.stats.SuccessfulReloads++
		rm.stats.LastSuccess = result.Timestamp
	}
	rm.mu.Unlock()

	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Success = true
	for _, d := range diffs {
		result.Changes = append(result.Changes, d.Field)
	}
	return result
}

// Pending loads the file and reports how it differs from the current
// configuration without applying it.
func (rm *ReloadManager) Pending() ([]ConfigDiff, error) {
	// the loader is shared with reloads
	rm.mu.Lock()
	fileConfig, err := rm.loader.LoadFromFile(rm.configPath)
	current := rm.currentConfig
	rm.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file: %w", err)
	}
	return CompareConfigs(current, fileConfig), nil
}

// performReload loads the file and commits it only when every callback
// accepts it.
func (rm *ReloadManager) performReload() ([]ConfigDiff, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	newConfig, err := rm.loader.LoadFromFile(rm.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load new configuration: %w", err)
	}

	oldConfig := rm.currentConfig
	for i, callback := range rm.callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return nil, fmt.Errorf("callback %d failed during reload: %w", i, err)
		}
	}

	rm.currentConfig = newConfig
	return CompareConfigs(oldConfig, newConfig), nil
}

// ConfigDiff represents a difference between two configurations
type ConfigDiff struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// CompareConfigs reports which sections changed between two configurations.
// Secrets are never included in the values.
func CompareConfigs(oldConfig, newConfig *Config) []ConfigDiff {
	var diffs []ConfigDiff

	add := func(field string, oldValue, newValue any) {
		diffs = append(diffs, ConfigDiff{Field: field, OldValue: oldValue, NewValue: newValue})
	}

	if oldConfig.Server.Addr != newConfig.Server.Addr {
		add("server.addr", oldConfig.Server.Addr, newConfig.Server.Addr)
	}
	if oldConfig.Provider.BaseURL != newConfig.Provider.BaseURL {
		add("provider.base_url", oldConfig.Provider.BaseURL, newConfig.Provider.BaseURL)
	}
	if oldConfig.Provider.APIKey != newConfig.Provider.APIKey {
		add("provider.api_key", "<redacted>", "<redacted>")
	}
	if oldConfig.Embeddings.Enabled != newConfig.Embeddings.Enabled {
		add("embeddings.enabled", oldConfig.Embeddings.Enabled, newConfig.Embeddings.Enabled)
	}
	if oldConfig.Embeddings.Model != newConfig.Embeddings.Model {
		add("embeddings.model", oldConfig.Embeddings.Model, newConfig.Embeddings.Model)
	}
	if oldConfig.Rewrite.MaxBufferSize != newConfig.Rewrite.MaxBufferSize {
		add("rewrite.max_buffer_size", oldConfig.Rewrite.MaxBufferSize, newConfig.Rewrite.MaxBufferSize)
	}
	if !reflect.DeepEqual(oldConfig.Rewrite.Rules, newConfig.Rewrite.Rules) {
		add("rewrite.rules", len(oldConfig.Rewrite.Rules), len(newConfig.Rewrite.Rules))
	}
	if !reflect.DeepEqual(oldConfig.Transformers, newConfig.Transformers) {
		add("transformers", transformerNames(oldConfig.Transformers), transformerNames(newConfig.Transformers))
	}
	if !reflect.DeepEqual(oldConfig.Models, newConfig.Models) {
		add("models", len(oldConfig.Models), len(newConfig.Models))
	}
	if oldConfig.RateLimiting != newConfig.RateLimiting {
		add("rate_limiting", oldConfig.RateLimiting, newConfig.RateLimiting)
	}

	return diffs
}

func transformerNames(transformers []TransformerConfig) []string {
	names := make([]string, len(transformers))
	for i, tc := range transformers {
		names[i] = tc.DisplayName()
	}
	return names
}

// ReloadStats tracks reload statistics
type ReloadStats struct {
	TotalReloads      int64     `json:"total_reloads"`
	SuccessfulReloads int64     `json:"successful_reloads"`
	FailedReloads     int64     `json:"failed_reloads"`
	LastReload        time.Time `json:"last_reload"`
	LastSuccess       time.Time `json:"last_success"`
	LastFailure       time.Time `json:"last_failure"`
	LastError         string    `json:"last_error,omitempty"`
}

// GetStats returns reload statistics
func (rm *ReloadManager) GetStats() ReloadStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.stats
}
