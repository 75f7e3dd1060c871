package lifecycle

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startCallSpan starts a span for one tool call.
func (e *Engine) startCallSpan(ctx context.Context, call *Call) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "toolcall."+call.ToolName())
	span.SetAttributes(
		attribute.String("toolcall.id", call.ID()),
		attribute.String("toolcall.tool", call.ToolName()),
	)
	return ctx, span
}

// endCallSpan ends the span with the call's final state.
func (e *Engine) endCallSpan(span trace.Span, snap Snapshot) {
	span.SetAttributes(attribute.String("toolcall.state", string(snap.State)))
	if snap.Decision != "" {
		span.SetAttributes(attribute.String("policy.decision", string(snap.Decision)))
	}
	if snap.MatchedPolicy != "" {
		span.SetAttributes(attribute.String("policy.matched", snap.MatchedPolicy))
	}
	if snap.State == StateErrored {
		span.RecordError(errors.New(snap.Error))
		span.SetStatus(codes.Error, snap.Error)
	}
	span.End()
}
