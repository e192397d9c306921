package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToChild propagates tracing context to a pack child session.
// It keeps the trace ID of the parent but rebinds the chat id so the
// child's log lines and spans carry their own identity.
func PropagateToChild(ctx context.Context, childChatID, workflow string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithChatID(newCtx, childChatID)
	newCtx = WithWorkflow(newCtx, workflow)
	return newCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.ChatID != "" {
		logger = logger.With().Str("chat_id", tc.ChatID).Logger()
	}
	if tc.Workflow != "" {
		logger = logger.With().Str("workflow", tc.Workflow).Logger()
	}
	if tc.AgentName != "" {
		logger = logger.With().Str("agent_name", tc.AgentName).Logger()
	}
	if tc.TurnKey != "" {
		logger = logger.With().Str("turn_key", tc.TurnKey).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context
// Useful when you need to combine contexts from different sources
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.ChatID != "" && GetChatID(target) == "" {
		target = WithChatID(target, tc.ChatID)
	}
	if tc.Workflow != "" && GetWorkflow(target) == "" {
		target = WithWorkflow(target, tc.Workflow)
	}
	if tc.AgentName != "" && GetAgentName(target) == "" {
		target = WithAgentName(target, tc.AgentName)
	}
	if tc.TurnKey != "" && GetTurnKey(target) == "" {
		target = WithTurnKey(target, tc.TurnKey)
	}

	return target
}

// CloneContext creates a new context with the same tracing information
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
