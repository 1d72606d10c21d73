// Package tracing provides the daemon's OpenTelemetry span helpers:
// a provider bootstrapper for cmd/fingerd and a pair of start/mark span
// helpers components call around a unit of work.
//
// Grounded on the teacher's internal/domain/agent/react/tracing.go
// (startReactSpan/markSpanResult: otel.Tracer(scope).Start with a fixed
// attribute set, then RecordError+SetStatus on completion) — the same
// shape, retargeted from per-iteration LLM/tool spans to this daemon's own
// phase-transition and kernel-turn spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	ScopeOrchestrator = "finger.orchestrator"
	ScopeKernel       = "finger.kernel"

	SpanPhaseTransition = "finger.orchestrator.phase_transition"
	SpanKernelTurn      = "finger.kernel.turn"

	AttrSessionID  = "finger.session_id"
	AttrEpicID     = "finger.epic_id"
	AttrFromPhase  = "finger.phase.from"
	AttrToPhase    = "finger.phase.to"
	AttrProviderID = "finger.provider_id"
	AttrStatus     = "finger.status"
)

// NewProvider builds an SDK TracerProvider. With no exporter configured,
// spans are still recorded and sampled (AlwaysSample) but go nowhere past
// the batcher — enough for components to unconditionally start spans
// without a nil-provider special case, while cmd/fingerd decides whether
// to register a real exporter via options.
func NewProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	allOpts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, opts...)
	return sdktrace.NewTracerProvider(allOpts...)
}

// StartSpan starts a span named spanName in scope, tagged with attrs.
func StartSpan(ctx context.Context, scope, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// MarkResult records err (if any) onto span and sets its final status,
// matching the teacher's markSpanResult.
func MarkResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(AttrStatus, "success"))
}
