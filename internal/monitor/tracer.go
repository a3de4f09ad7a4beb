package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "judge-engine"

// Tracer wraps OpenTelemetry tracing for grading stages.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("judge.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for judge tracing.
var (
	AttrJobID      = attribute.Key("judge.job.id")
	AttrMode       = attribute.Key("judge.mode")
	AttrLanguage   = attribute.Key("judge.language")
	AttrProblemID  = attribute.Key("judge.problem.id")
	AttrTestIndex  = attribute.Key("judge.test.index")
	AttrVerdict    = attribute.Key("judge.verdict")
	AttrDurationMS = attribute.Key("judge.duration_ms")
)
