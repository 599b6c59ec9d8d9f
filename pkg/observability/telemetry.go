// Package observability provides OpenTelemetry tracing and metrics for textile
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/config"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/transform"
)

const (
	// Service information
	serviceName    = "textile"
	serviceVersion = "0.1.0"

	// Instrumentation scope
	instrumentationName = "github.com/ik-labs/textile/pkg/observability"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName     string
	ServiceVersion  string
	TracingEnabled  bool
	TracingEndpoint string
	MetricsEnabled  bool
	MetricsEndpoint string

	// SampleRate is the fraction of root traces kept; 1 or more keeps all.
	SampleRate float64
}

// Telemetry provides OpenTelemetry tracing and metrics functionality
type Telemetry struct {
	config         *TelemetryConfig
	logger         *zap.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Metrics instruments
	requestCounter      metric.Int64Counter
	requestDuration     metric.Float64Histogram
	upstreamDuration    metric.Float64Histogram
	chunkCounter        metric.Int64Counter
	rewriteCounter      metric.Int64Counter
	rewriteErrors       metric.Int64Counter
	forcedFlushes       metric.Int64Counter
	transformerDuration metric.Float64Histogram
	messagesRemoved     metric.Int64Counter
	errorCounter        metric.Int64Counter
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config *TelemetryConfig, logger *zap.Logger) (*Telemetry, error) {
	if config == nil {
		config = &TelemetryConfig{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Telemetry{
		config: config,
		logger: logger,
	}

	res := t.createResource()

	if config.TracingEnabled {
		if err := t.initTracing(res); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if config.MetricsEnabled {
		exporter, err := otlpmetrichttp.New(
			context.Background(),
			otlpmetrichttp.WithEndpoint(config.MetricsEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))
		if err := t.initMetrics(res, reader); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// FromConfig builds telemetry and the request middleware over it from the
// observability section of the configuration. The middleware records
// nothing unless tracing or metrics are enabled.
func FromConfig(cfg config.ObservabilityConfig, version string, logger *zap.Logger) (*Telemetry, *Middleware, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = serviceVersion
	}

	telemetry, err := NewTelemetry(&TelemetryConfig{
		ServiceName:     serviceName,
		ServiceVersion:  version,
		TracingEnabled:  cfg.Tracing.Enabled,
		TracingEndpoint: cfg.Tracing.Endpoint,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		SampleRate:      cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	enabled := cfg.Tracing.Enabled || cfg.Metrics.Enabled
	if enabled {
		logger.Info("Telemetry initialized",
			zap.Bool("tracing", cfg.Tracing.Enabled),
			zap.Float64("sample_rate", cfg.Tracing.SampleRate),
			zap.Bool("metrics", cfg.Metrics.Enabled),
		)
	}

	middleware := NewMiddleware(telemetry, logger, &MiddlewareConfig{
		ServiceName: serviceName,
		Enabled:     enabled,
	})
	return telemetry, middleware, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (t *Telemetry) createResource() *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(t.config.ServiceName),
		semconv.ServiceVersion(t.config.ServiceVersion),
		attribute.String("service.instance.id", fmt.Sprintf("%s-%d", t.config.ServiceName, time.Now().Unix())),
	)
}

// initTracing initializes OpenTelemetry tracing
func (t *Telemetry) initTracing(res *resource.Resource) error {
	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(t.config.TracingEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(t.config.SampleRate)),
	)
	otel.SetTracerProvider(t.tracerProvider)

	t.tracer = t.tracerProvider.Tracer(
		instrumentationName,
		trace.WithInstrumentationVersion(t.config.ServiceVersion),
	)

	t.logger.Info("OpenTelemetry tracing initialized",
		zap.String("endpoint", t.config.TracingEndpoint),
		zap.Float64("sample_rate", t.config.SampleRate),
	)
	return nil
}

// initMetrics initializes the meter provider over reader
func (t *Telemetry) initMetrics(res *resource.Resource, reader sdkmetric.Reader) error {
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(t.meterProvider)

	t.meter = t.meterProvider.Meter(
		instrumentationName,
		metric.WithInstrumentationVersion(t.config.ServiceVersion),
	)

	if err := t.initMetricInstruments(); err != nil {
		return fmt.Errorf("failed to initialize metric instruments: %w", err)
	}

	t.logger.Info("OpenTelemetry metrics initialized",
		zap.String("endpoint", t.config.MetricsEndpoint),
	)
	return nil
}

// initMetricInstruments creates all metric instruments
func (t *Telemetry) initMetricInstruments() error {
	var err error

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&t.requestCounter, "textile_requests_total", "Total number of completion requests"},
		{&t.chunkCounter, "textile_chunks_total", "Total number of response chunks rewritten"},
		{&t.rewriteCounter, "textile_rewrites_total", "Total number of pattern substitutions"},
		{&t.rewriteErrors, "textile_rewrite_errors_total", "Total number of pattern failures that fell back to unchanged text"},
		{&t.forcedFlushes, "textile_forced_flushes_total", "Total number of buffer overflows that forced a flush"},
		{&t.messagesRemoved, "textile_messages_removed_total", "Total number of context messages removed by transformers"},
		{&t.errorCounter, "textile_errors_total", "Total number of errors"},
	}
	for _, c := range counters {
		*c.target, err = t.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("1"),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", c.name, err)
		}
	}

	histograms := []struct {
		target      *metric.Float64Histogram
		name        string
		description string
	}{
		{&t.requestDuration, "textile_request_duration_seconds", "Duration of completion requests"},
		{&t.upstreamDuration, "textile_upstream_duration_seconds", "Duration of provider calls"},
		{&t.transformerDuration, "textile_transformer_duration_seconds", "Duration of context transformers"},
	}
	for _, h := range histograms {
		*h.target, err = t.meter.Float64Histogram(h.name,
			metric.WithDescription(h.description),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", h.name, err)
		}
	}

	return nil
}

// StartSpan starts a new trace span with the given name and attributes
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordRequest records a completion request
func (t *Telemetry) RecordRequest(ctx context.Context, model string, stream bool, status string, duration time.Duration) {
	if t == nil || t.requestCounter == nil || t.requestDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("stream", stream),
		attribute.String("status", status),
	)
	t.requestCounter.Add(ctx, 1, attrs)
	t.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordUpstreamCall records a provider call duration
func (t *Telemetry) RecordUpstreamCall(ctx context.Context, model, status string, duration time.Duration) {
	if t == nil || t.upstreamDuration == nil {
		return
	}

	t.upstreamDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status), // "success", "error"
	))
}

// RecordRewrite records what a streaming handler did for one response
func (t *Telemetry) RecordRewrite(ctx context.Context, source string, stats rewrite.Stats) {
	if t == nil || t.chunkCounter == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("source", source))
	t.chunkCounter.Add(ctx, int64(stats.ChunksProcessed), attrs)
	if stats.Errors > 0 {
		t.rewriteErrors.Add(ctx, int64(stats.Errors), attrs)
	}
	if stats.ForcedFlushes > 0 {
		t.forcedFlushes.Add(ctx, int64(stats.ForcedFlushes), attrs)
	}
	for pattern, count := range stats.PatternsHit {
		t.rewriteCounter.Add(ctx, int64(count), metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("pattern", pattern),
		))
	}
}

// RecordTransformer records one pipeline step
func (t *Telemetry) RecordTransformer(ctx context.Context, m transform.Metrics) {
	if t == nil || t.transformerDuration == nil {
		return
	}

	t.transformerDuration.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(
		attribute.String("transformer", m.Name),
		attribute.Bool("skipped", m.Skipped),
	))
	if m.Removed > 0 {
		t.messagesRemoved.Add(ctx, int64(m.Removed), metric.WithAttributes(
			attribute.String("transformer", m.Name),
		))
	}
}

// RecordError records an error event
func (t *Telemetry) RecordError(ctx context.Context, component, errorType string) {
	if t == nil || t.errorCounter == nil {
		return
	}

	t.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component), // "provider", "transform", "rewrite", "server"
		attribute.String("error_type", errorType),
	))
}

// TransformerHook returns a pipeline hook that records step metrics
func (t *Telemetry) TransformerHook(ctx context.Context) transform.Hook {
	return transformerHook{ctx: ctx, telemetry: t}
}

type transformerHook struct {
	ctx       context.Context
	telemetry *Telemetry
}

func (h transformerHook) Record(m transform.Metrics) {
	h.telemetry.RecordTransformer(h.ctx, m)
}

// AddSpanAttributes adds attributes to the current span
func (t *Telemetry) AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// AddSpanEvent adds an event to the current span
func (t *Telemetry) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetSpanStatus sets the status of the current span
func (t *Telemetry) SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// Shutdown gracefully shuts down the telemetry providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("OpenTelemetry telemetry shutdown completed")
	return nil
}
