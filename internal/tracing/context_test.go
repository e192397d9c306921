package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "test-trace-id"

	ctx = WithTraceID(ctx, traceID)

	retrieved := GetTraceID(ctx)
	if retrieved != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, retrieved)
	}
}

func TestWithChatID(t *testing.T) {
	ctx := context.Background()
	chatID := "chat-42"

	ctx = WithChatID(ctx, chatID)

	retrieved := GetChatID(ctx)
	if retrieved != chatID {
		t.Errorf("Expected chat id %s, got %s", chatID, retrieved)
	}
}

func TestWithWorkflow(t *testing.T) {
	ctx := context.Background()
	workflow := "Onboarding"

	ctx = WithWorkflow(ctx, workflow)

	retrieved := GetWorkflow(ctx)
	if retrieved != workflow {
		t.Errorf("Expected workflow %s, got %s", workflow, retrieved)
	}
}

func TestWithAgentName(t *testing.T) {
	ctx := context.Background()
	agentName := "Collector"

	ctx = WithAgentName(ctx, agentName)

	retrieved := GetAgentName(ctx)
	if retrieved != agentName {
		t.Errorf("Expected agent name %s, got %s", agentName, retrieved)
	}
}

func TestWithTurnKey(t *testing.T) {
	ctx := context.Background()
	turnKey := "chat-42:Collector:3:a1b2c3d4"

	ctx = WithTurnKey(ctx, turnKey)

	retrieved := GetTurnKey(ctx)
	if retrieved != turnKey {
		t.Errorf("Expected turn key %s, got %s", turnKey, retrieved)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("Expected empty trace ID on empty context")
	}
	if GetChatID(ctx) != "" {
		t.Error("Expected empty chat id on empty context")
	}
	if GetWorkflow(ctx) != "" {
		t.Error("Expected empty workflow on empty context")
	}
	if GetAgentName(ctx) != "" {
		t.Error("Expected empty agent name on empty context")
	}
	if GetTurnKey(ctx) != "" {
		t.Error("Expected empty turn key on empty context")
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithChatID(ctx, "chat-1")
	ctx = WithWorkflow(ctx, "Review")
	ctx = WithAgentName(ctx, "Reviewer")
	ctx = WithTurnKey(ctx, "chat-1:Reviewer:0:deadbeef")

	tc := FromContext(ctx)

	if tc.TraceID != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", tc.TraceID)
	}
	if tc.ChatID != "chat-1" {
		t.Errorf("Expected chat id chat-1, got %s", tc.ChatID)
	}
	if tc.Workflow != "Review" {
		t.Errorf("Expected workflow Review, got %s", tc.Workflow)
	}
	if tc.AgentName != "Reviewer" {
		t.Errorf("Expected agent name Reviewer, got %s", tc.AgentName)
	}
	if tc.TurnKey != "chat-1:Reviewer:0:deadbeef" {
		t.Errorf("Expected turn key chat-1:Reviewer:0:deadbeef, got %s", tc.TurnKey)
	}
}

func TestNewContext(t *testing.T) {
	tc := &TraceContext{
		TraceID:  "trace-2",
		ChatID:   "chat-2",
		Workflow: "Onboarding",
	}

	ctx := NewContext(context.Background(), tc)

	if GetTraceID(ctx) != "trace-2" {
		t.Errorf("Expected trace ID trace-2, got %s", GetTraceID(ctx))
	}
	if GetChatID(ctx) != "chat-2" {
		t.Errorf("Expected chat id chat-2, got %s", GetChatID(ctx))
	}
	if GetWorkflow(ctx) != "Onboarding" {
		t.Errorf("Expected workflow Onboarding, got %s", GetWorkflow(ctx))
	}
	if GetAgentName(ctx) != "" {
		t.Error("Expected empty agent name when not set")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("Expected NewRequestContext to assign a trace ID")
	}
}
