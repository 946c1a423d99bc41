package parley

import "context"

// Tracer opens spans around lab steps, node turns, provider calls and
// scheduled task runs. The observer package supplies an OTEL-backed
// implementation; a nil Tracer disables tracing entirely.
type Tracer interface {
	// Start opens a span named name and returns a child context that
	// carries it. The returned Span must be ended exactly once.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// SetAttr attaches further attributes after the span is open.
	SetAttr(attrs ...SpanAttr)
	// Event marks a point on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records err and flags the span as failed.
	Error(err error)
	// End closes the span and hands it to the exporter.
	End()
}

// SpanAttr is one key-value pair on a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr builds a string-valued span attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr builds an int-valued span attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// BoolAttr builds a bool-valued span attribute.
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Float64Attr builds a float64-valued span attribute.
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }
