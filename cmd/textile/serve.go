package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/internal/server"
	"github.com/ik-labs/textile/pkg/completion"
	"github.com/ik-labs/textile/pkg/config"
	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/health"
	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/monitoring"
	"github.com/ik-labs/textile/pkg/observability"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/transform"
)

func newServeCmd(configFile *string) *cobra.Command {
	var pprofAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OpenAI-compatible gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configFile, pprofAddr)
		},
	}
	cmd.Flags().StringVar(&pprofAddr, "pprof-addr", "", "Serve pprof and runtime stats on this address")
	return cmd
}

// runtime holds what a configuration builds and what a reload replaces.
type runtime struct {
	client   *completion.Client
	provider *llm.Guarded
}

// activeProvider lets health checks follow provider swaps on reload.
type activeProvider struct {
	provider atomic.Pointer[llm.Guarded]
}

func (a *activeProvider) BreakerState() errors.CircuitState {
	return a.provider.Load().BreakerState()
}

// shared are built once and survive reloads.
type shared struct {
	logger     *zap.Logger
	middleware *observability.Middleware
	monitor    *rewrite.Monitor
	hook       *transform.MetricsHook
	httpClient *http.Client
}

func runServe(configFile, pprofAddr string) error {
	loader := config.NewLoader()
	cfg, err := loader.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := config.NewLogger(cfg.Observability.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting textile",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("build_time", BuildTime),
		zap.String("config_file", configFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, middleware, err := observability.FromConfig(cfg.Observability, Version, logger)
	if err != nil {
		return err
	}

	deps := &shared{
		logger:     logger,
		middleware: middleware,
		monitor:    rewrite.NewMonitor(logger, cfg.Rewrite.ErrorBudget),
		hook:       transform.NewMetricsHook(),
		httpClient: &http.Client{},
	}

	rt, err := buildRuntime(cfg, deps)
	if err != nil {
		return err
	}
	active := &activeProvider{}
	active.provider.Store(rt.provider)

	healthChecker := health.NewHealthChecker(logger)
	healthChecker.RegisterCheck("provider", health.ProviderCheck(active))
	healthChecker.RegisterCheck("rewrite", health.RewriteCheck(deps.monitor))
	go healthChecker.StartPeriodicChecks(ctx, 30*time.Second)

	reload := config.NewReloadManager(configFile, loader, cfg, logger)

	opts := []server.Option{
		server.WithHealthChecker(healthChecker),
		server.WithObservability(deps.middleware),
		server.WithMonitor(deps.monitor),
		server.WithMetricsHook(deps.hook),
		server.WithReloadManager(reload),
	}
	if cfg.RateLimiting.Enabled {
		opts = append(opts, server.WithRateLimiter(server.NewRateLimiter(server.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimiting.RequestsPerMinute,
			Burst:             cfg.RateLimiting.Burst,
			CleanupInterval:   cfg.RateLimiting.CleanupInterval,
		}, logger)))
	}
	srv := server.NewServer(logger, server.ConfigFromSettings(cfg.Server), rt.client, opts...)

	reload.AddCallback(func(oldConfig, newConfig *config.Config) error {
		next, err := buildRuntime(newConfig, deps)
		if err != nil {
			return err
		}
		active.provider.Store(next.provider)
		srv.SetClient(next.client)
		if oldConfig.Server != newConfig.Server {
			logger.Warn("Server settings changed; restart to apply them")
		}
		return nil
	})
	if err := reload.Start(ctx); err != nil {
		return fmt.Errorf("failed to start config reload: %w", err)
	}
	defer reload.Stop()

	if pprofAddr != "" {
		profiler := monitoring.NewProfiler(monitoring.Config{Addr: pprofAddr}, logger)
		if err := profiler.Start(); err != nil {
			return fmt.Errorf("failed to start profiler: %w", err)
		}
		defer profiler.Stop()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("textile started", zap.String("addr", srv.Addr()))

	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", zap.Error(err))
	}

	logger.Info("textile stopped")
	return nil
}

// buildRuntime wires a provider, embedder and transformer pipeline from cfg.
func buildRuntime(cfg *config.Config, deps *shared) (*runtime, error) {
	var breaker *errors.CircuitBreaker
	if cfg.Provider.Breaker.FailureThreshold > 0 {
		breaker = errors.NewCircuitBreaker(&errors.CircuitBreakerConfig{
			MaxFailures:  cfg.Provider.Breaker.FailureThreshold,
			ResetTimeout: cfg.Provider.Breaker.OpenTimeout,
		})
	}
	provider := llm.NewGuarded(llm.NewOpenAI(cfg.ProviderOptions(), deps.httpClient, deps.logger), breaker, deps.logger)

	embedder := cfg.NewEmbedder(deps.httpClient, deps.logger)
	transformers, err := cfg.BuildTransformers(embedder, deps.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build transformers: %w", err)
	}

	names := make([]string, len(transformers))
	for i, t := range transformers {
		names[i] = t.Name()
	}
	deps.logger.Info("Pipeline configured",
		zap.Strings("transformers", names),
		zap.Bool("embeddings", embedder != nil),
		zap.Int("max_buffer_size", cfg.Rewrite.MaxBufferSize),
	)

	client := completion.NewClient(provider, completion.Config{
		Transformers:   transformers,
		Embedder:       embedder,
		MaxBufferSize:  cfg.Rewrite.MaxBufferSize,
		ModelMaxTokens: cfg.Models,
		Hooks:          []transform.Hook{deps.hook},
	},
		completion.WithLogger(deps.logger),
		completion.WithTelemetry(deps.middleware),
		completion.WithMonitor(deps.monitor),
	)

	return &runtime{client: client, provider: provider}, nil
}
