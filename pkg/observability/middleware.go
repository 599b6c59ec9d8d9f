package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/rewrite"
)

// MiddlewareConfig holds configuration for observability middleware
type MiddlewareConfig struct {
	ServiceName string
	Enabled     bool
}

// Middleware wraps request processing with spans, metrics and logs
type Middleware struct {
	telemetry *Telemetry
	logger    *zap.Logger
	config    *MiddlewareConfig
}

// NewMiddleware creates a new observability middleware
func NewMiddleware(telemetry *Telemetry, logger *zap.Logger, config *MiddlewareConfig) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &MiddlewareConfig{ServiceName: serviceName, Enabled: telemetry != nil}
	}
	return &Middleware{
		telemetry: telemetry,
		logger:    logger,
		config:    config,
	}
}

func (m *Middleware) enabled() bool {
	return m != nil && m.config.Enabled && m.telemetry != nil
}

// RequestContext holds request-specific observability data
type RequestContext struct {
	StartTime time.Time
	RequestID string
	Model     string
	Stream    bool
}

// StartRequest begins request tracing
func (m *Middleware) StartRequest(ctx context.Context, requestID, model string, stream bool) (context.Context, *RequestContext) {
	reqCtx := &RequestContext{
		StartTime: time.Now(),
		RequestID: requestID,
		Model:     model,
		Stream:    stream,
	}
	if !m.enabled() {
		return ctx, reqCtx
	}

	ctx, _ = m.telemetry.StartSpan(ctx, "textile.completion",
		attribute.String("request_id", requestID),
		attribute.String("model", model),
		attribute.Bool("stream", stream),
		attribute.String("service.name", m.config.ServiceName),
	)
	m.telemetry.AddSpanEvent(ctx, "request.start",
		attribute.String("request_id", requestID),
	)

	return ctx, reqCtx
}

// FinishRequest completes request tracing and records metrics
func (m *Middleware) FinishRequest(ctx context.Context, reqCtx *RequestContext, status string, err error) {
	duration := time.Since(reqCtx.StartTime)

	if m.enabled() {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("status", status),
				attribute.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
			)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}
		m.telemetry.RecordRequest(ctx, reqCtx.Model, reqCtx.Stream, status, duration)
	}

	if m == nil {
		return
	}
	m.logger.Info("Request completed",
		zap.String("request_id", reqCtx.RequestID),
		zap.String("model", reqCtx.Model),
		zap.Bool("stream", reqCtx.Stream),
		zap.String("status", status),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
}

// TraceUpstreamCall traces a provider call
func (m *Middleware) TraceUpstreamCall(ctx context.Context, model string) (context.Context, func(err error)) {
	if !m.enabled() {
		return ctx, func(error) {}
	}

	ctx, span := m.telemetry.StartSpan(ctx, "textile.upstream",
		attribute.String("model", model),
		attribute.String("component", "provider"),
	)
	start := time.Now()

	return ctx, func(err error) {
		duration := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
			span.SetStatus(codes.Error, err.Error())
			m.telemetry.RecordError(ctx, "provider", "upstream")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Nanoseconds())/1e6))
		span.End()

		m.telemetry.RecordUpstreamCall(ctx, model, status, duration)
	}
}

// RecordRewrite records a finished response rewrite
func (m *Middleware) RecordRewrite(ctx context.Context, source string, stats rewrite.Stats) {
	if !m.enabled() {
		return
	}

	m.telemetry.RecordRewrite(ctx, source, stats)
	m.telemetry.AddSpanEvent(ctx, "rewrite.finish",
		attribute.String("source", source),
		attribute.Int("chunks", stats.ChunksProcessed),
		attribute.Int("replacements", stats.PatternsApplied),
		attribute.Int("errors", stats.Errors),
		attribute.Int("forced_flushes", stats.ForcedFlushes),
	)
}

// Telemetry returns the underlying telemetry, or nil
func (m *Middleware) Telemetry() *Telemetry {
	if m == nil {
		return nil
	}
	return m.telemetry
}
