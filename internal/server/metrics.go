package server

import (
	"sync"
	"time"
)

// ServerMetrics holds request counters for the stats endpoint
type ServerMetrics struct {
	mu                sync.RWMutex
	RequestsTotal     int64
	RequestsSucceeded int64
	RequestsFailed    int64
	StreamsTotal      int64
	ActiveStreams     int64
	ResponseTimeTotal time.Duration
}

// NewServerMetrics creates a new ServerMetrics instance
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{}
}

// RecordRequest records a request metric
func (m *ServerMetrics) RecordRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestsTotal++
}

// RecordSuccess records a successful request
func (m *ServerMetrics) RecordSuccess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestsSucceeded++
	m.ResponseTimeTotal += duration
}

// RecordFailure records a failed request
func (m *ServerMetrics) RecordFailure(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestsFailed++
	m.ResponseTimeTotal += duration
}

// StreamOpened counts a stream that started writing to the client.
func (m *ServerMetrics) StreamOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamsTotal++
	m.ActiveStreams++
}

// StreamClosed counts a stream that finished for any reason.
func (m *ServerMetrics) StreamClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ActiveStreams > 0 {
		m.ActiveStreams--
	}
}

// GetStats returns current metrics
func (m *ServerMetrics) GetStats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avgResponseTime := time.Duration(0)
	if finished := m.RequestsSucceeded + m.RequestsFailed; finished > 0 {
		avgResponseTime = m.ResponseTimeTotal / time.Duration(finished)
	}

	return map[string]any{
		"requests_total":     m.RequestsTotal,
		"requests_succeeded": m.RequestsSucceeded,
		"requests_failed":    m.RequestsFailed,
		"streams_total":      m.StreamsTotal,
		"active_streams":     m.ActiveStreams,
		"avg_response_time":  avgResponseTime.String(),
	}
}
