package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	instanceIDKey
	stepKey
	correlationIDKey
)

// fields lists the context keys copied onto log records, in output order.
var fields = []struct {
	key  ctxKey
	attr string
}{
	{tenantIDKey, "tenant_id"},
	{instanceIDKey, "saga_instance_id"},
	{stepKey, "step"},
	{correlationIDKey, "correlation_id"},
}

// WithTenantID returns a context carrying the tenant ID.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithInstanceID returns a context carrying the saga instance ID.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithStep returns a context carrying the current step name.
func WithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

// WithCorrelationID returns a context carrying the correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithSaga sets tenant, instance and correlation IDs at once.
func WithSaga(ctx context.Context, tenantID, instanceID, correlationID string) context.Context {
	ctx = WithTenantID(ctx, tenantID)
	ctx = WithInstanceID(ctx, instanceID)
	return WithCorrelationID(ctx, correlationID)
}

func TenantID(ctx context.Context) string      { return str(ctx, tenantIDKey) }
func InstanceID(ctx context.Context) string    { return str(ctx, instanceIDKey) }
func Step(ctx context.Context) string          { return str(ctx, stepKey) }
func CorrelationID(ctx context.Context) string { return str(ctx, correlationIDKey) }

func str(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// attrs returns the non-empty correlation attributes found on ctx,
// followed by trace and span IDs when a span is active.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range fields {
		if v := str(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		out = append(out, slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		out = append(out, slog.String("span_id", sc.SpanID().String()))
	}
	return out
}

// LogWith returns a logger enriched with the correlation IDs on ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation and
// tracing IDs from the context into every record, so callers can use
// logger.InfoContext(ctx, ...) without threading IDs by hand.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
