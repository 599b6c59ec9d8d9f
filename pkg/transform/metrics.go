package transform

import (
	"slices"
	"sync"
	"time"
)

// Metrics describes one pipeline step.
type Metrics struct {
	Name     string         `json:"transformer"`
	Duration time.Duration  `json:"duration"`
	Before   int            `json:"messages_before"`
	After    int            `json:"messages_after"`
	Removed  int            `json:"messages_removed"`
	Skipped  bool           `json:"skipped"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RemovalRate returns the percentage of messages removed.
func (m Metrics) RemovalRate() float64 {
	if m.Before == 0 {
		return 0
	}
	return float64(m.Removed) / float64(m.Before) * 100
}

// Summary aggregates collected metrics.
type Summary struct {
	TotalExecutions int           `json:"total_executions"`
	Executed        int           `json:"executed"`
	Skipped         int           `json:"skipped"`
	TotalRemoved    int           `json:"total_messages_removed"`
	AvgDuration     time.Duration `json:"avg_duration"`
	Transformers    []string      `json:"transformers"`
}

// MetricsHook collects step metrics in memory and forwards them to
// registered callbacks.
type MetricsHook struct {
	mu        sync.RWMutex
	metrics   []Metrics
	callbacks []func(Metrics)
}

// NewMetricsHook creates an empty hook.
func NewMetricsHook() *MetricsHook {
	return &MetricsHook{}
}

// Record implements Hook.
func (h *MetricsHook) Record(m Metrics) {
	h.mu.Lock()
	h.metrics = append(h.metrics, m)
	callbacks := slices.Clone(h.callbacks)
	h.mu.Unlock()

	for _, cb := range callbacks {
		cb(m)
	}
}

// OnRecord registers a callback run after every recorded step.
func (h *MetricsHook) OnRecord(cb func(Metrics)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// Metrics returns all recorded metrics.
func (h *MetricsHook) Metrics() []Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.metrics)
}

// ByTransformer returns the metrics recorded for name.
func (h *MetricsHook) ByTransformer(name string) []Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Metrics
	for _, m := range h.metrics {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// AvgDuration returns the mean duration for name, or across all executed
// steps when name is empty.
func (h *MetricsHook) AvgDuration(name string) time.Duration {
	var selected []Metrics
	if name != "" {
		selected = h.ByTransformer(name)
	} else {
		for _, m := range h.Metrics() {
			if !m.Skipped {
				selected = append(selected, m)
			}
		}
	}
	if len(selected) == 0 {
		return 0
	}

	var total time.Duration
	for _, m := range selected {
		total += m.Duration
	}
	return total / time.Duration(len(selected))
}

// TotalRemoved returns the messages removed by name, or by all transformers
// when name is empty.
func (h *MetricsHook) TotalRemoved(name string) int {
	selected := h.Metrics()
	if name != "" {
		selected = h.ByTransformer(name)
	}
	total := 0
	for _, m := range selected {
		total += m.Removed
	}
	return total
}

// Summary aggregates everything recorded so far.
func (h *MetricsHook) Summary() Summary {
	all := h.Metrics()
	s := Summary{
		TotalExecutions: len(all),
		TotalRemoved:    h.TotalRemoved(""),
		AvgDuration:     h.AvgDuration(""),
		Transformers:    []string{},
	}
	for _, m := range all {
		if m.Skipped {
			s.Skipped++
		}
		if !slices.Contains(s.Transformers, m.Name) {
			s.Transformers = append(s.Transformers, m.Name)
		}
	}
	s.Executed = s.TotalExecutions - s.Skipped
	return s
}

// Clear drops all recorded metrics. Callbacks stay registered.
func (h *MetricsHook) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = nil
}
