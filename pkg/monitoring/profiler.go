// Package monitoring exposes runtime profiling for a running gateway
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds profiler configuration
type Config struct {
	Addr            string
	MetricsInterval time.Duration
}

// Profiler serves pprof endpoints and samples runtime peaks on a separate
// listener, so profiling never shares a port with client traffic.
type Profiler struct {
	logger     *zap.Logger
	config     Config
	httpServer *http.Server
	startTime  time.Time

	mu             sync.RWMutex
	peakHeap       uint64
	peakGoroutines int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProfiler creates a new performance profiler
func NewProfiler(config Config, logger *zap.Logger) *Profiler {
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 30 * time.Second
	}
	if config.Addr == "" {
		config.Addr = "localhost:6060"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Profiler{
		logger:    logger,
		config:    config,
		startTime: time.Now(),
	}
	p.httpServer = &http.Server{
		Handler:     p.Handler(),
		ReadTimeout: 10 * time.Second,
	}
	return p
}

// Handler returns the pprof routes plus /debug/runtime.
func (p *Profiler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/runtime", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.RuntimeStats()); err != nil {
			p.logger.Error("Failed to encode runtime stats", zap.Error(err))
		}
	})
	return mux
}

// Start listens on the configured address and begins sampling.
func (p *Profiler) Start() error {
	listener, err := net.Listen("tcp", p.config.Addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := p.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("pprof server error", zap.Error(err))
		}
	}()
	go func() {
		defer p.wg.Done()
		p.sample(ctx)
	}()

	p.logger.Info("Profiler started",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("metrics_interval", p.config.MetricsInterval),
	)
	return nil
}

// Stop shuts the profiler down. It is a no-op if Start was never called.
func (p *Profiler) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.httpServer.Shutdown(ctx)

	p.wg.Wait()
	return err
}

func (p *Profiler) sample(ctx context.Context) {
	ticker := time.NewTicker(p.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.collect()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Profiler) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.peakHeap = max(p.peakHeap, m.HeapAlloc)
	p.peakGoroutines = max(p.peakGoroutines, goroutines)
}

// RuntimeStats returns current memory, GC and goroutine figures.
func (p *Profiler) RuntimeStats() map[string]any {
	p.collect()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	p.mu.RLock()
	defer p.mu.RUnlock()

	gcPauseAvg := 0.0
	if m.NumGC > 0 {
		gcPauseAvg = float64(m.PauseTotalNs) / float64(m.NumGC) / 1e6
	}

	return map[string]any{
		"uptime_seconds":     time.Since(p.startTime).Seconds(),
		"heap_alloc_mb":      bToMb(m.HeapAlloc),
		"heap_sys_mb":        bToMb(m.HeapSys),
		"peak_heap_alloc_mb": bToMb(p.peakHeap),
		"gc_runs":            m.NumGC,
		"gc_pause_avg_ms":    gcPauseAvg,
		"goroutines":         runtime.NumGoroutine(),
		"peak_goroutines":    p.peakGoroutines,
		"gomaxprocs":         runtime.GOMAXPROCS(0),
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
