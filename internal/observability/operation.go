package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "arc-session"

// SessionAttr tags a span with the session id.
func SessionAttr(id string) attribute.KeyValue {
	return attribute.String("arc.session.id", id)
}

// XidAttr tags a span with an XA branch key.
func XidAttr(key string) attribute.KeyValue {
	return attribute.String("arc.xa.xid", key)
}

// StartSpan opens a span on the arc-session tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan closes span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Operation is one client or broker call: a span, a duration sample and a
// debug log line per start and end.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	start   time.Time
	logger  *slog.Logger
}

// StartOperation opens an Operation named like "client.xa.commit" or
// "broker.session.close". m may be nil.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	op := &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		name:    name,
		start:   time.Now(),
		logger:  slog.Default().With("operation", name),
	}
	op.logger.DebugContext(ctx, "operation started")
	return op, ctx
}

// End records the outcome. Failures are logged at warn and counted by
// ErrorType.
func (o *Operation) End(err error) {
	took := time.Since(o.start).Seconds()
	EndSpan(o.span, err)
	if err == nil {
		o.logger.DebugContext(o.ctx, "operation completed", "duration", took)
		o.metrics.Observe(o.name, "ok", took)
		return
	}
	o.logger.WarnContext(o.ctx, "operation failed", "error", err, "duration", took)
	o.metrics.Error(o.name, ErrorType(err))
	o.metrics.Observe(o.name, "error", took)
}

// ErrorType is the errors_total type label for err. XA errors report their
// code, e.g. XAER_RMFAIL.
func ErrorType(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline"
	}
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	return "error"
}
