package observability

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of request latencies
type LatencyTracker struct {
	mu         sync.RWMutex
	samples    []time.Duration
	maxSamples int
	lastReset  time.Time
}

// LatencySummary reports latency percentiles over the current window
type LatencySummary struct {
	Samples int           `json:"samples"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// NewLatencyTracker creates a new latency tracker
func NewLatencyTracker(maxSamples int) *LatencyTracker {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &LatencyTracker{
		samples:    make([]time.Duration, 0, maxSamples),
		maxSamples: maxSamples,
		lastReset:  time.Now(),
	}
}

// AddSample adds a latency sample
func (lt *LatencyTracker) AddSample(latency time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	// Reset samples every hour to prevent stale data
	if time.Since(lt.lastReset) > time.Hour {
		lt.samples = lt.samples[:0]
		lt.lastReset = time.Now()
	}

	if len(lt.samples) >= lt.maxSamples {
		copy(lt.samples, lt.samples[1:])
		lt.samples[len(lt.samples)-1] = latency
	} else {
		lt.samples = append(lt.samples, latency)
	}
}

// Summary calculates the latency percentiles
func (lt *LatencyTracker) Summary() LatencySummary {
	lt.mu.RLock()
	sorted := slices.Clone(lt.samples)
	lt.mu.RUnlock()

	if len(sorted) == 0 {
		return LatencySummary{}
	}
	slices.Sort(sorted)

	at := func(q float64) time.Duration {
		return sorted[min(int(float64(len(sorted))*q), len(sorted)-1)]
	}
	return LatencySummary{
		Samples: len(sorted),
		P50:     at(0.50),
		P95:     at(0.95),
		P99:     at(0.99),
	}
}
