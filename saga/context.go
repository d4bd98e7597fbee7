package saga

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type traceIDKey struct{}

// WithTraceID attaches an explicit correlation id to ctx. It takes
// precedence over the OpenTelemetry span in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the correlation id for ctx: the explicit id set
// with WithTraceID, else the trace id of the active span, else "".
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type sagaIDKey struct{}

func withSagaID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sagaIDKey{}, id)
}

// SagaIDFromContext returns the id of the saga whose compensation is running
// in ctx, or "". Compensators use it to correlate remote commands.
func SagaIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sagaIDKey{}).(string)
	return id
}
