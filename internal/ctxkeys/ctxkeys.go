// Package ctxkeys defines the well-known context.Context keys threaded
// through the conversation engine for logging and tracing correlation.
package ctxkeys

import "context"

type contextKey string

const (
	traceIDKey        contextKey = "trace_id"
	conversationIDKey contextKey = "conversation_id"
	agentNameKey      contextKey = "agent_name"
	providerKey       contextKey = "provider"
)

// WithTraceID attaches a trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID retrieves the trace ID, if set.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithConversationID attaches the identifier of the conversation run.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey, conversationID)
}

// ConversationID retrieves the conversation run identifier, if set.
func ConversationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(conversationIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAgentName attaches the name of the agent driving the current loop
// iteration.
func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentNameKey, name)
}

// AgentName retrieves the current agent's name, if set.
func AgentName(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentNameKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithProvider attaches the provider identifier backing the current agent.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}

// Provider retrieves the current provider identifier, if set.
func Provider(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(providerKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
