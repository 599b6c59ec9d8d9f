// Package server provides the OpenAI-compatible textile gateway
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/admin"
	"github.com/ik-labs/textile/pkg/completion"
	"github.com/ik-labs/textile/pkg/config"
	"github.com/ik-labs/textile/pkg/health"
	"github.com/ik-labs/textile/pkg/observability"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/transform"
)

// Server serves chat completions through a completion.Client.
type Server struct {
	logger     *zap.Logger
	config     *Config
	client     atomic.Pointer[completion.Client]
	httpServer *http.Server
	listener   net.Listener

	healthChecker *health.HealthChecker
	limiter       *RateLimiter
	middleware    *observability.Middleware
	monitor       *rewrite.Monitor
	hook          *transform.MetricsHook
	reload        *config.ReloadManager
	latency       *observability.LatencyTracker
	metrics       *ServerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
}

// Config holds the server configuration
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxRequestBytes int64
}

// DefaultConfig returns a default server configuration. WriteTimeout stays
// zero so long streams are not cut off.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxRequestBytes: 4 << 20,
	}
}

// ConfigFromSettings maps the server section of the configuration file.
func ConfigFromSettings(s config.ServerConfig) *Config {
	cfg := DefaultConfig()
	cfg.Addr = s.Addr
	cfg.ReadTimeout = s.Timeouts.Read
	cfg.WriteTimeout = s.Timeouts.Write
	cfg.IdleTimeout = s.Timeouts.Idle
	if s.Timeouts.Shutdown > 0 {
		cfg.ShutdownTimeout = s.Timeouts.Shutdown
	}
	return cfg
}

// Option configures a Server.
type Option func(*Server)

// WithHealthChecker serves readiness from checker.
func WithHealthChecker(checker *health.HealthChecker) Option {
	return func(s *Server) { s.healthChecker = checker }
}

// WithRateLimiter limits requests per client.
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithObservability traces requests through middleware.
func WithObservability(middleware *observability.Middleware) Option {
	return func(s *Server) { s.middleware = middleware }
}

// WithMonitor exposes rewrite statistics on the stats endpoint.
func WithMonitor(monitor *rewrite.Monitor) Option {
	return func(s *Server) { s.monitor = monitor }
}

// WithMetricsHook exposes transformer statistics on the stats endpoint.
func WithMetricsHook(hook *transform.MetricsHook) Option {
	return func(s *Server) { s.hook = hook }
}

// WithReloadManager exposes reload statistics on the stats endpoint.
func WithReloadManager(reload *config.ReloadManager) Option {
	return func(s *Server) { s.reload = reload }
}

// NewServer creates a gateway for client.
func NewServer(logger *zap.Logger, cfg *Config, client *completion.Client, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultConfig().MaxRequestBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:  logger,
		config:  cfg,
		latency: observability.NewLatencyTracker(1000),
		metrics: NewServerMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.client.Store(client)

	for _, opt := range opts {
		opt(s)
	}
	if s.healthChecker == nil {
		s.healthChecker = health.NewHealthChecker(logger)
	}
	return s
}

// SetClient swaps the client used for new requests. Requests in flight keep
// the client they started with.
func (s *Server) SetClient(client *completion.Client) {
	s.client.Store(client)
	s.logger.Info("Completion client replaced")
}

// Client returns the active client.
func (s *Server) Client() *completion.Client {
	return s.client.Load()
}

// Handler returns the gateway routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/textile/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.healthChecker.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.healthChecker.ReadinessHandler())
	if s.reload != nil {
		mux.Handle("/v1/textile/reload", admin.NewReloadHandler(s.reload, s.logger))
		mux.Handle("/v1/textile/reload/diff", admin.NewConfigDiffHandler(s.reload))
	}

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	handler = accessLog(s.logger, handler)
	return requestID(handler)
}

// Start starts serving on the configured address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.ctx },
	}

	s.logger.Info("Starting textile gateway",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("read_timeout", s.config.ReadTimeout),
		zap.Duration("write_timeout", s.config.WriteTimeout),
		zap.Duration("idle_timeout", s.config.IdleTimeout),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.started = true
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and stops the server. Streams still open
// when the shutdown timeout passes are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("Stopping textile gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		s.cancel()
		if closeErr := s.httpServer.Close(); closeErr != nil {
			s.logger.Error("HTTP server force close error", zap.Error(closeErr))
		}
	}
	s.cancel()

	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			s.logger.Error("Rate limiter close error", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Server stop timeout exceeded")
		return ctx.Err()
	}

	s.started = false
	return nil
}

// GetMetrics returns server metrics
func (s *Server) GetMetrics() map[string]any {
	return s.metrics.GetStats()
}
