package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type runIDKey struct{}
type nodeIDKey struct{}
type actionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithNodeID attaches a plan node_id to the context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// NodeID extracts the plan node_id from context. Returns "" if absent.
func NodeID(ctx context.Context) string {
	if v, ok := ctx.Value(nodeIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActionID attaches an action_id to the context.
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey{}, actionID)
}

// ActionID extracts the action_id from context. Returns "" if absent.
func ActionID(ctx context.Context) string {
	if v, ok := ctx.Value(actionIDKey{}).(string); ok {
		return v
	}
	return ""
}
