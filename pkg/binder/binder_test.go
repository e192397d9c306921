package binder

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocunited/weave/pkg/turn"
	"github.com/blocunited/weave/pkg/workflow"
)

func binderDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:       "wf",
		EntryAgent: "SpecAgent",
		Agents:     []workflow.AgentDef{{Name: "SpecAgent"}},
		Bindings: []workflow.ToolBinding{
			{
				Shape:      "AppSpec",
				Agent:      "SpecAgent",
				Tool:       "persist_spec",
				Parameters: []string{"title", "summary"},
				Schema: map[string]any{
					"type":     "object",
					"required": []any{"title", "summary"},
					"properties": map[string]any{
						"title":   map[string]any{"type": "string"},
						"summary": map[string]any{"type": "string"},
					},
				},
			},
			{
				Shape:          "Feedback",
				Agent:          "SpecAgent",
				Tool:           "record_feedback",
				Parameters:     []string{"rating"},
				AcceptsContext: true,
			},
		},
	}
}

func specEvent(payload map[string]any) *turn.Event {
	return &turn.Event{
		ChatID:    "chat-1",
		AgentName: "SpecAgent",
		Kind:      turn.KindStructuredOutput,
		Shape:     "AppSpec",
		Payload:   payload,
	}
}

func TestBind(t *testing.T) {
	b := New(binderDefinition(), zerolog.Nop())

	t.Run("valid payload maps parameters", func(t *testing.T) {
		bound, err := b.Bind(specEvent(map[string]any{
			"title":   "Inventory service",
			"summary": "Tracks stock levels",
		}), SessionContext{})
		require.NoError(t, err)
		assert.Equal(t, "persist_spec", bound.Binding.Tool)
		assert.Equal(t, map[string]any{
			"title":   "Inventory service",
			"summary": "Tracks stock levels",
		}, bound.Args)
	})

	t.Run("parameter matching is case-insensitive", func(t *testing.T) {
		bound, err := b.Bind(specEvent(map[string]any{
			"Title":   "Inventory service",
			"SUMMARY": "Tracks stock levels",
		}), SessionContext{})
		require.NoError(t, err)
		assert.Equal(t, "Inventory service", bound.Args["title"])
		assert.Equal(t, "Tracks stock levels", bound.Args["summary"])
	})

	t.Run("case-variant payload still validates required fields", func(t *testing.T) {
		_, err := b.Bind(specEvent(map[string]any{"TITLE": "Inventory service"}), SessionContext{})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.NotEmpty(t, verr.Causes)
	})

	t.Run("missing required field is a validation error", func(t *testing.T) {
		_, err := b.Bind(specEvent(map[string]any{"title": "Inventory service"}), SessionContext{})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "AppSpec", verr.Shape)
		assert.NotEmpty(t, verr.Causes)
	})

	t.Run("wrong field type is a validation error", func(t *testing.T) {
		_, err := b.Bind(specEvent(map[string]any{"title": 42, "summary": "x"}), SessionContext{})
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("unknown shape is a binding-not-found error", func(t *testing.T) {
		ev := specEvent(nil)
		ev.Shape = "Unknown"
		_, err := b.Bind(ev, SessionContext{})
		var nferr *BindingNotFoundError
		require.ErrorAs(t, err, &nferr)
		assert.Equal(t, "Unknown", nferr.Shape)
		assert.Equal(t, "SpecAgent", nferr.Agent)
	})

	t.Run("accepts_context injects engine identity", func(t *testing.T) {
		ev := specEvent(map[string]any{"rating": 5})
		ev.Shape = "Feedback"
		bound, err := b.Bind(ev, SessionContext{
			ChatID:    "chat-1",
			AppID:     "app-9",
			Workflow:  "wf",
			TurnKey:   "chat-1:SpecAgent:3:deadbeef",
			AgentName: "SpecAgent",
		})
		require.NoError(t, err)
		assert.Equal(t, 5, bound.Args["rating"])
		assert.Equal(t, "chat-1", bound.Args["chat_id"])
		assert.Equal(t, "app-9", bound.Args["app_id"])
		assert.Equal(t, "wf", bound.Args["workflow"])
		assert.Equal(t, "chat-1:SpecAgent:3:deadbeef", bound.Args["turn_idempotency_key"])
		assert.Equal(t, "SpecAgent", bound.Args["agent_name"])
	})

	t.Run("schemaless binding skips validation", func(t *testing.T) {
		ev := specEvent(map[string]any{"rating": "not a number"})
		ev.Shape = "Feedback"
		_, err := b.Bind(ev, SessionContext{})
		assert.NoError(t, err)
	})
}

func TestResolveCaching(t *testing.T) {
	b := New(binderDefinition(), zerolog.Nop())

	first, err := b.Resolve("AppSpec", "SpecAgent")
	require.NoError(t, err)
	second, err := b.Resolve("AppSpec", "SpecAgent")
	require.NoError(t, err)
	assert.Same(t, first, second)
}
