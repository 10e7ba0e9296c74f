package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartVerification opens a span covering one apply+test+rollback cycle.
func StartVerification(ctx context.Context, tracer trace.Tracer, actionID, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "rfsn.verification",
		trace.WithAttributes(
			attribute.String("rfsn.action_id", actionID),
			attribute.String("rfsn.session_id", sessionID),
		),
	)
}

// StartNode opens a span covering one plan node evaluation.
func StartNode(ctx context.Context, tracer trace.Tracer, nodeID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "rfsn.plan_node",
		trace.WithAttributes(attribute.String("rfsn.node_id", nodeID)),
	)
}

// EndWithOutcome closes a span with the verification outcome attached.
func EndWithOutcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("rfsn.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
