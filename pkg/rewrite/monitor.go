package rewrite

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor aggregates handler statistics across responses. It is safe for
// concurrent use.
type Monitor struct {
	logger *zap.Logger

	mu                sync.RWMutex
	totalResponses    int64
	totalChunks       int64
	totalReplacements int64
	totalErrors       int64
	totalForced       int64
	sources           map[string]*SourceStats
	patternStats      map[string]*PatternStats

	// Maximum acceptable errors per processed chunk (0.0-1.0)
	errorBudget float64
}

// SourceStats aggregates responses recorded under one source name, for
// example "stream" or "complete".
type SourceStats struct {
	Name         string    `json:"name"`
	Responses    int64     `json:"responses"`
	Chunks       int64     `json:"chunks"`
	Replacements int64     `json:"replacements"`
	Errors       int64     `json:"errors"`
	LastSeen     time.Time `json:"last_seen"`
}

// PatternStats tracks substitutions made by one pattern.
type PatternStats struct {
	Name         string    `json:"name"`
	Replacements int64     `json:"replacements"`
	LastUsed     time.Time `json:"last_used"`
}

// Report is a point-in-time view of everything recorded.
type Report struct {
	Timestamp         time.Time                `json:"timestamp"`
	TotalResponses    int64                    `json:"total_responses"`
	TotalChunks       int64                    `json:"total_chunks"`
	TotalReplacements int64                    `json:"total_replacements"`
	TotalErrors       int64                    `json:"total_errors"`
	ForcedFlushes     int64                    `json:"forced_flushes"`
	ErrorRate         float64                  `json:"error_rate"`
	WithinBudget      bool                     `json:"within_budget"`
	Sources           map[string]*SourceStats  `json:"sources"`
	PatternStats      map[string]*PatternStats `json:"pattern_stats"`
	Recommendations   []string                 `json:"recommendations"`
}

// NewMonitor creates a monitor. errorBudget is the acceptable share of
// chunks that hit an error.
func NewMonitor(logger *zap.Logger, errorBudget float64) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:       logger,
		sources:      make(map[string]*SourceStats),
		patternStats: make(map[string]*PatternStats),
		errorBudget:  errorBudget,
	}
}

// Record adds the final statistics of one response.
func (m *Monitor) Record(source string, s Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	m.totalResponses++
	m.totalChunks += int64(s.ChunksProcessed)
	m.totalReplacements += int64(s.PatternsApplied)
	m.totalErrors += int64(s.Errors)
	m.totalForced += int64(s.ForcedFlushes)

	src, exists := m.sources[source]
	if !exists {
		src = &SourceStats{Name: source}
		m.sources[source] = src
	}
	src.Responses++
	src.Chunks += int64(s.ChunksProcessed)
	src.Replacements += int64(s.PatternsApplied)
	src.Errors += int64(s.Errors)
	src.LastSeen = now

	for name, count := range s.PatternsHit {
		ps, exists := m.patternStats[name]
		if !exists {
			ps = &PatternStats{Name: name}
			m.patternStats[name] = ps
		}
		ps.Replacements += int64(count)
		ps.LastUsed = now
	}

	if s.Errors > 0 {
		m.logger.Warn("Rewrite errors in response",
			zap.String("source", source),
			zap.Int("errors", s.Errors),
			zap.Int("chunks", s.ChunksProcessed),
		)
	}
}

// Report builds a report. Patterns that were configured but never matched
// can be passed as known so they show up in the recommendations.
func (m *Monitor) Report(known ...string) *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := &Report{
		Timestamp:         time.Now(),
		TotalResponses:    m.totalResponses,
		TotalChunks:       m.totalChunks,
		TotalReplacements: m.totalReplacements,
		TotalErrors:       m.totalErrors,
		ForcedFlushes:     m.totalForced,
		Sources:           make(map[string]*SourceStats, len(m.sources)),
		PatternStats:      make(map[string]*PatternStats, len(m.patternStats)),
	}

	if m.totalChunks > 0 {
		report.ErrorRate = float64(m.totalErrors) / float64(m.totalChunks)
	}
	report.WithinBudget = report.ErrorRate <= m.errorBudget

	for name, src := range m.sources {
		copied := *src
		report.Sources[name] = &copied
	}
	for name, ps := range m.patternStats {
		copied := *ps
		report.PatternStats[name] = &copied
	}

	report.Recommendations = m.recommendations(report, known)
	return report
}

func (m *Monitor) recommendations(report *Report, known []string) []string {
	var recs []string

	if !report.WithinBudget {
		recs = append(recs, fmt.Sprintf(
			"Error rate %.2f%% exceeds budget %.2f%%: check replacement functions and match timeouts",
			report.ErrorRate*100, m.errorBudget*100))
	}

	if report.ForcedFlushes > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d forced flushes: raise max_buffer_size if matches can be longer than the buffer",
			report.ForcedFlushes))
	}

	unused := make([]string, 0)
	for _, name := range known {
		if _, ok := report.PatternStats[name]; !ok {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	for _, name := range unused {
		recs = append(recs, fmt.Sprintf("Pattern %s has not matched yet", name))
	}

	return recs
}

// Reset clears all recorded statistics.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalResponses = 0
	m.totalChunks = 0
	m.totalReplacements = 0
	m.totalErrors = 0
	m.totalForced = 0
	m.sources = make(map[string]*SourceStats)
	m.patternStats = make(map[string]*PatternStats)
}
