// Package admin serves operator endpoints for configuration reloads.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/config"
)

// ReloadHandler triggers reloads on POST and reports reload status on GET.
type ReloadHandler struct {
	reloadManager *config.ReloadManager
	logger        *zap.Logger
}

// NewReloadHandler creates a new reload handler
func NewReloadHandler(reloadManager *config.ReloadManager, logger *zap.Logger) *ReloadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReloadHandler{
		reloadManager: reloadManager,
		logger:        logger,
	}
}

// ConfigSummary is the non-secret view of the active configuration.
type ConfigSummary struct {
	ServerAddr        string   `json:"server_addr"`
	ProviderBaseURL   string   `json:"provider_base_url"`
	EmbeddingsEnabled bool     `json:"embeddings_enabled"`
	RewriteRules      int      `json:"rewrite_rules"`
	MaxBufferSize     int      `json:"max_buffer_size"`
	Transformers      []string `json:"transformers"`
	Models            int      `json:"models"`
}

// StatusResponse is returned by GET on the reload handler.
type StatusResponse struct {
	Stats     config.ReloadStats `json:"stats"`
	Current   ConfigSummary      `json:"current_config_summary"`
	Timestamp time.Time          `json:"timestamp"`
}

// Summarize builds the summary of cfg.
func Summarize(cfg *config.Config) ConfigSummary {
	names := make([]string, len(cfg.Transformers))
	for i, tc := range cfg.Transformers {
		names[i] = tc.DisplayName()
	}
	return ConfigSummary{
		ServerAddr:        cfg.Server.Addr,
		ProviderBaseURL:   cfg.Provider.BaseURL,
		EmbeddingsEnabled: cfg.Embeddings.Enabled,
		RewriteRules:      len(cfg.Rewrite.Rules),
		MaxBufferSize:     cfg.Rewrite.MaxBufferSize,
		Transformers:      names,
		Models:            len(cfg.Models),
	}
}

// ServeHTTP handles HTTP requests for configuration reload
func (h *ReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleReload(w)
	case http.MethodGet:
		h.handleStatus(w)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ReloadHandler) handleReload(w http.ResponseWriter) {
	result := h.reloadManager.TriggerReload()

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
		h.logger.Warn("Reload requested over HTTP failed", zap.String("error", result.Error))
	} else {
		h.logger.Info("Reload requested over HTTP", zap.Strings("changes", result.Changes))
	}
	h.write(w, status, result)
}

func (h *ReloadHandler) handleStatus(w http.ResponseWriter) {
	h.write(w, http.StatusOK, StatusResponse{
		Stats:     h.reloadManager.GetStats(),
		Current:   Summarize(h.reloadManager.GetCurrentConfig()),
		Timestamp: time.Now(),
	})
}

func (h *ReloadHandler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode admin response", zap.Error(err))
	}
}

// DiffResponse is returned by the diff handler.
type DiffResponse struct {
	HasChanges bool                `json:"has_changes"`
	Changes    []config.ConfigDiff `json:"changes"`
	Timestamp  time.Time           `json:"timestamp"`
}

// ConfigDiffHandler reports what a reload would change without applying it.
type ConfigDiffHandler struct {
	reloadManager *config.ReloadManager
}

// NewConfigDiffHandler creates a new config diff handler
func NewConfigDiffHandler(reloadManager *config.ReloadManager) *ConfigDiffHandler {
	return &ConfigDiffHandler{reloadManager: reloadManager}
}

// ServeHTTP handles HTTP requests for configuration diff
func (h *ConfigDiffHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	diffs, err := h.reloadManager.Pending()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(DiffResponse{
		HasChanges: len(diffs) > 0,
		Changes:    diffs,
		Timestamp:  time.Now(),
	})
}
