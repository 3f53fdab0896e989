package infrastructure

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// TraceIDContextKey is the key for storing the trace ID in context.
const TraceIDContextKey contextKey = "trace_id"

// WithTraceID returns a context carrying the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID returns the trace ID from the context. An active OTel
// span wins over the request-ID fallback stored by the middleware.
func GetTraceID(ctx context.Context) string {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	if traceID, ok := ctx.Value(TraceIDContextKey).(string); ok {
		return traceID
	}
	return ""
}

// TraceIDFromContext extracts the OTel trace ID for log correlation.
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}
