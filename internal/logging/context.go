package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type actionCtxKey struct{}
type patternCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

// ContextFields returns the correlation fields carried by ctx: the OTEL
// trace and span, the action, the detection pattern and the request id.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ActionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("action.id", id))
	}
	if p := PatternTypeFromContext(ctx); p != "" {
		fields = append(fields, zap.String("pattern.type", p))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

func withID(ctx context.Context, key any, id string) context.Context {
	if id == "" || len(id) > maxIDLen {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithActionID tags ctx with an action id. Empty or oversized ids are
// ignored.
func WithActionID(ctx context.Context, id string) context.Context {
	return withID(ctx, actionCtxKey{}, id)
}

// ActionIDFromContext returns the action id, if any.
func ActionIDFromContext(ctx context.Context) string { return idFrom(ctx, actionCtxKey{}) }

// WithPatternType tags ctx with the detection pattern being handled.
func WithPatternType(ctx context.Context, pattern string) context.Context {
	return withID(ctx, patternCtxKey{}, pattern)
}

// PatternTypeFromContext returns the pattern type, if any.
func PatternTypeFromContext(ctx context.Context) string { return idFrom(ctx, patternCtxKey{}) }

// WithRequestID tags ctx with an inbound request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, if any.
func RequestIDFromContext(ctx context.Context) string { return idFrom(ctx, requestCtxKey{}) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
