package observer

import (
	"context"
	"fmt"

	"github.com/nevindra/parley"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a parley.Tracer backed by the global OTEL tracer
// provider. Without a prior Init() the global provider is a no-op, so
// the lab can keep calling Start either way.
func NewTracer() parley.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

type otelTracer struct {
	inner trace.Tracer
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...parley.SpanAttr) (context.Context, parley.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...parley.SpanAttr) {
	s.inner.SetAttributes(convertAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...parley.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.inner.End() }

func convertAttrs(attrs []parley.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var (
	_ parley.Tracer = (*otelTracer)(nil)
	_ parley.Span   = (*otelSpan)(nil)
)
