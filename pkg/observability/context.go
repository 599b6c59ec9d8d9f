package observability

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Context keys for storing observability data
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	modelKey     contextKey = "model"
)

// RequestIDHeader carries the request ID between client and gateway.
const RequestIDHeader = "X-Request-ID"

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithModel adds the requested model to the context
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, modelKey, model)
}

// GetModel retrieves the requested model from the context
func GetModel(ctx context.Context) string {
	if model, ok := ctx.Value(modelKey).(string); ok {
		return model
	}
	return ""
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// ExtractTraceContext extracts OpenTelemetry trace context from HTTP headers
func ExtractTraceContext(ctx context.Context, headers http.Header) context.Context {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	return propagator.Extract(ctx, propagation.HeaderCarrier(headers))
}

// InjectTraceContext injects OpenTelemetry trace context into HTTP headers
func InjectTraceContext(ctx context.Context, headers http.Header) {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// GetTraceID retrieves the trace ID from the current span context
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
