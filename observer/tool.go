package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/parley"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a parley.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner parley.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner parley.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

// WrapTools returns a registry whose tools are all instrumented.
func WrapTools(reg *parley.ToolRegistry, tools []parley.Tool, inst *Instruments) *parley.ToolRegistry {
	if reg == nil {
		reg = parley.NewToolRegistry()
	}
	for _, t := range tools {
		reg.Add(WrapTool(t, inst))
	}
	return reg
}

func (o *ObservedTool) Definitions() []parley.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (parley.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if !result.OK {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	resultLen := len(result.Text())
	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(resultLen),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", resultLen),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
