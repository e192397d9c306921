package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ChatIDKey is the context key for the chat id
	ChatIDKey ContextKey = "chat_id"
	// WorkflowKey is the context key for the workflow name
	WorkflowKey ContextKey = "workflow"
	// AgentNameKey is the context key for the active agent name
	AgentNameKey ContextKey = "agent_name"
	// TurnKeyKey is the context key for the turn key
	TurnKeyKey ContextKey = "turn_key"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	ChatID    string
	Workflow  string
	AgentName string
	TurnKey   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithChatID adds a chat id to the context
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// WithWorkflow adds a workflow name to the context
func WithWorkflow(ctx context.Context, workflow string) context.Context {
	return context.WithValue(ctx, WorkflowKey, workflow)
}

// WithAgentName adds the active agent name to the context
func WithAgentName(ctx context.Context, agentName string) context.Context {
	return context.WithValue(ctx, AgentNameKey, agentName)
}

// WithTurnKey adds a turn key to the context
func WithTurnKey(ctx context.Context, turnKey string) context.Context {
	return context.WithValue(ctx, TurnKeyKey, turnKey)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetChatID retrieves the chat id from the context
func GetChatID(ctx context.Context) string {
	if chatID, ok := ctx.Value(ChatIDKey).(string); ok {
		return chatID
	}
	return ""
}

// GetWorkflow retrieves the workflow name from the context
func GetWorkflow(ctx context.Context) string {
	if workflow, ok := ctx.Value(WorkflowKey).(string); ok {
		return workflow
	}
	return ""
}

// GetAgentName retrieves the active agent name from the context
func GetAgentName(ctx context.Context) string {
	if agentName, ok := ctx.Value(AgentNameKey).(string); ok {
		return agentName
	}
	return ""
}

// GetTurnKey retrieves the turn key from the context
func GetTurnKey(ctx context.Context) string {
	if turnKey, ok := ctx.Value(TurnKeyKey).(string); ok {
		return turnKey
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		ChatID:    GetChatID(ctx),
		Workflow:  GetWorkflow(ctx),
		AgentName: GetAgentName(ctx),
		TurnKey:   GetTurnKey(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ChatID != "" {
		ctx = WithChatID(ctx, tc.ChatID)
	}
	if tc.Workflow != "" {
		ctx = WithWorkflow(ctx, tc.Workflow)
	}
	if tc.AgentName != "" {
		ctx = WithAgentName(ctx, tc.AgentName)
	}
	if tc.TurnKey != "" {
		ctx = WithTurnKey(ctx, tc.TurnKey)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	traceID := NewTraceID()
	return WithTraceID(ctx, traceID)
}
