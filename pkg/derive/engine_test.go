package derive

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocunited/weave/pkg/contextvars"
	"github.com/blocunited/weave/pkg/turn"
	"github.com/blocunited/weave/pkg/workflow"
)

func deriveDefinition(transitions map[string][]workflow.Transition) *workflow.Definition {
	def := &workflow.Definition{
		Name:       "wf",
		EntryAgent: "InterviewAgent",
		Agents: []workflow.AgentDef{
			{Name: "InterviewAgent"},
			{Name: "PatternAgent"},
		},
	}
	for name, trs := range transitions {
		def.Variables = append(def.Variables, workflow.VariableDef{
			Name: name,
			Type: workflow.TypeString,
			Source: workflow.SourceSpec{
				Kind:  workflow.SourceState,
				State: &workflow.StateSource{Default: trs[0].From, Transitions: trs},
			},
		})
	}
	return def
}

func newFixture(t *testing.T, transitions map[string][]workflow.Transition) (*Engine, *contextvars.Store) {
	t.Helper()
	def := deriveDefinition(transitions)
	require.NoError(t, def.Validate())

	engine, err := New(def, zerolog.Nop())
	require.NoError(t, err)

	store := contextvars.New(def, contextvars.Options{Logger: zerolog.Nop()})
	store.Resolve(context.Background())
	return engine, store
}

func textEvent(agent, text string) *turn.Event {
	return &turn.Event{
		ChatID:    "chat-1",
		AgentName: agent,
		Key:       turn.Key("chat-1", agent, 1, text),
		Kind:      turn.KindText,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestApply(t *testing.T) {
	t.Run("equals trigger transitions state", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"interview_complete": {{
				From:    "false",
				To:      "true",
				Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchEquals, Pattern: "NEXT"},
			}},
		})

		changes := engine.Apply(context.Background(), textEvent("InterviewAgent", "NEXT"), store)
		require.Len(t, changes, 1)
		assert.Equal(t, Change{Variable: "interview_complete", From: "false", To: "true"}, changes[0])

		v, err := store.Get(context.Background(), "interview_complete")
		require.NoError(t, err)
		assert.Equal(t, "true", v)
	})

	t.Run("no transition when from does not match current", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"phase": {{
				From:    "review",
				To:      "done",
				Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchEquals, Pattern: "DONE"},
			}},
		})
		require.NoError(t, store.SetBy("phase", "interview", "derivation"))

		changes := engine.Apply(context.Background(), textEvent("InterviewAgent", "DONE"), store)
		assert.Empty(t, changes)
	})

	t.Run("wrong agent does not trigger", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"interview_complete": {{
				From:    "false",
				To:      "true",
				Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchEquals, Pattern: "NEXT"},
			}},
		})
		changes := engine.Apply(context.Background(), textEvent("PatternAgent", "NEXT"), store)
		assert.Empty(t, changes)
	})

	t.Run("contains trigger", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"phase": {{
				From:    "interview",
				To:      "pattern",
				Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchContains, Pattern: "moving on"},
			}},
		})
		changes := engine.Apply(context.Background(), textEvent("InterviewAgent", "Great, moving on to patterns."), store)
		require.Len(t, changes, 1)
		assert.Equal(t, "pattern", changes[0].To)
	})

	t.Run("regex capture substitution", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"selected_pattern": {{
				From:    "",
				To:      "$1",
				Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "PatternAgent", Match: workflow.MatchRegex, Pattern: `^SELECT:(\w+)$`},
			}},
		})
		changes := engine.Apply(context.Background(), textEvent("PatternAgent", "SELECT:saga"), store)
		require.Len(t, changes, 1)
		assert.Equal(t, "saga", changes[0].To)

		v, err := store.Get(context.Background(), "selected_pattern")
		require.NoError(t, err)
		assert.Equal(t, "saga", v)
	})

	t.Run("first declared transition wins on ambiguity", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"phase": {
				{
					From:    "interview",
					To:      "pattern",
					Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchContains, Pattern: "NEXT"},
				},
				{
					From:    "interview",
					To:      "review",
					Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchEquals, Pattern: "NEXT"},
				},
			},
		})
		changes := engine.Apply(context.Background(), textEvent("InterviewAgent", "NEXT"), store)
		require.Len(t, changes, 1)
		assert.Equal(t, "pattern", changes[0].To)
	})

	t.Run("ui_response trigger", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"approval": {{
				From:    "pending",
				To:      "granted",
				Trigger: workflow.Trigger{Kind: workflow.TriggerUIResponse, Tool: "ask_user", ResponseKey: "choice", Expected: "yes"},
			}},
		})

		ev := &turn.Event{
			ChatID:   "chat-1",
			Kind:     turn.KindToolResponse,
			ToolName: "ask_user",
			Payload:  map[string]any{"choice": "yes"},
		}
		changes := engine.Apply(context.Background(), ev, store)
		require.Len(t, changes, 1)
		assert.Equal(t, "granted", changes[0].To)
	})

	t.Run("ui_hidden transition tags the event", func(t *testing.T) {
		engine, store := newFixture(t, map[string][]workflow.Transition{
			"phase": {{
				From:     "interview",
				To:       "pattern",
				UIHidden: true,
				Trigger:  workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchEquals, Pattern: "NEXT"},
			}},
		})
		ev := textEvent("InterviewAgent", "NEXT")
		changes := engine.Apply(context.Background(), ev, store)
		require.Len(t, changes, 1)
		assert.True(t, ev.UIHidden)
		assert.True(t, changes[0].UIHidden)
	})
}

// Replaying the same transcript against a fresh store must reproduce the
// same sequence of changes.
func TestReplayDeterminism(t *testing.T) {
	transitions := map[string][]workflow.Transition{
		"phase": {
			{
				From:    "interview",
				To:      "pattern",
				Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchEquals, Pattern: "NEXT"},
			},
			{
				From:    "pattern",
				To:      "$1",
				Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "PatternAgent", Match: workflow.MatchRegex, Pattern: `^GOTO:(\w+)$`},
			},
		},
	}
	transcript := []*turn.Event{
		textEvent("InterviewAgent", "hello"),
		textEvent("InterviewAgent", "NEXT"),
		textEvent("PatternAgent", "thinking"),
		textEvent("PatternAgent", "GOTO:review"),
	}

	replay := func() [][]Change {
		engine, store := newFixture(t, transitions)
		var out [][]Change
		for _, ev := range transcript {
			evCopy := *ev
			out = append(out, engine.Apply(context.Background(), &evCopy, store))
		}
		return out
	}

	first := replay()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, replay())
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	def := deriveDefinition(map[string][]workflow.Transition{
		"phase": {{
			From:    "a",
			To:      "b",
			Trigger: workflow.Trigger{Kind: workflow.TriggerAgentText, Agent: "InterviewAgent", Match: workflow.MatchRegex, Pattern: `(\w+`},
		}},
	})
	_, err := New(def, zerolog.Nop())
	assert.Error(t, err)
}
