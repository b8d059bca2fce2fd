package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type turnIDKey struct{}
type agentAddressKey struct{}

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

// NewID generates a new stable entity ID, used for every entity in the
// data model (Turn, Message, MemoryFact, Incident, Alert, ...).
func NewID() string {
	return uuid.NewString()
}

// WithTurnID attaches the current turn's id to the context.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID extracts the current turn id from context. Returns "" if absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentAddress attaches the agent's own chain address to the context.
func WithAgentAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, agentAddressKey{}, addr)
}

// AgentAddress extracts the agent's own chain address from context.
func AgentAddress(ctx context.Context) string {
	if v, ok := ctx.Value(agentAddressKey{}).(string); ok {
		return v
	}
	return ""
}

// DefaultAgentName is the name used for the runtime's own agent identity
// when no configuration override is present.
const DefaultAgentName = "aethernet"
