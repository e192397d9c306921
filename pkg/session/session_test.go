package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocunited/weave/pkg/toolexec"
	"github.com/blocunited/weave/pkg/turn"
	"github.com/blocunited/weave/pkg/workflow"
)

type captureSink struct {
	mu     sync.Mutex
	events []*turn.Event
}

func (s *captureSink) Publish(ev *turn.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ev
	s.events = append(s.events, &copied)
	return nil
}

func (s *captureSink) find(kind turn.Kind, status string) *turn.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == kind && (status == "" || ev.Status == status) {
			return ev
		}
	}
	return nil
}

func (s *captureSink) count(kind turn.Kind, status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind && (status == "" || ev.Status == status) {
			n++
		}
	}
	return n
}

func sessionDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:       "builder",
		EntryAgent: "InterviewAgent",
		Agents: []workflow.AgentDef{
			{Name: "InterviewAgent"},
			{Name: "SpecAgent"},
		},
		Variables: []workflow.VariableDef{
			{
				Name: "interview_complete",
				Type: workflow.TypeString,
				Source: workflow.SourceSpec{
					Kind: workflow.SourceState,
					State: &workflow.StateSource{
						Default: "false",
						Persist: true,
						Transitions: []workflow.Transition{{
							From: "false",
							To:   "true",
							Trigger: workflow.Trigger{
								Kind:    workflow.TriggerAgentText,
								Agent:   "InterviewAgent",
								Match:   workflow.MatchEquals,
								Pattern: "NEXT",
							},
						}},
					},
				},
			},
			{
				Name: "pack_outcome",
				Type: workflow.TypeString,
				Source: workflow.SourceSpec{
					Kind: workflow.SourceState,
					State: &workflow.StateSource{
						Default: "pending",
						Persist: true,
						Transitions: []workflow.Transition{{
							From: "pending",
							To:   "done",
							Trigger: workflow.Trigger{
								Kind:        workflow.TriggerUIResponse,
								Tool:        PackResultTool,
								ResponseKey: "run_id",
							},
						}},
					},
				},
			},
		},
		Handoffs: []workflow.HandoffRule{{
			SourceAgent: "InterviewAgent",
			Target:      workflow.Target{Kind: workflow.TargetAgent, Agent: "SpecAgent"},
			Type:        workflow.RuleCondition,
			Condition:   `${interview_complete} == True`,
		}},
		Bindings: []workflow.ToolBinding{{
			Shape:      "AppSpec",
			Agent:      "SpecAgent",
			Tool:       "persist_spec",
			Parameters: []string{"title"},
			Schema: map[string]any{
				"type":       "object",
				"required":   []any{"title"},
				"properties": map[string]any{"title": map[string]any{"type": "string"}},
			},
		}},
	}
}

type testHarness struct {
	engine *Engine
	sink   *captureSink
	exec   *toolexec.Executor
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	sink := &captureSink{}
	exec := toolexec.New(sink, zerolog.Nop())
	engine := NewEngine(Options{
		Sink:     sink,
		Executor: exec,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(engine.Close)
	require.NoError(t, engine.RegisterDefinition(sessionDefinition()))
	return &testHarness{engine: engine, sink: sink, exec: exec}
}

func text(agent, msg string) *turn.Event {
	return &turn.Event{AgentName: agent, Kind: turn.KindText, Text: msg}
}

func structured(key string, payload map[string]any) *turn.Event {
	return &turn.Event{
		AgentName: "SpecAgent",
		Kind:      turn.KindStructuredOutput,
		Shape:     "AppSpec",
		Key:       key,
		Payload:   payload,
	}
}

func TestInterviewHandoff(t *testing.T) {
	h := newHarness(t)
	s, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)

	require.NoError(t, s.SubmitTurn(context.Background(), text("InterviewAgent", "NEXT")))

	require.Eventually(t, func() bool {
		return s.Agent() == "SpecAgent"
	}, time.Second, time.Millisecond)
	assert.Equal(t, StatusInProgress, s.Status())
}

func TestDuplicateTurnInvokesToolOnce(t *testing.T) {
	h := newHarness(t)
	var invocations atomic.Int32
	h.exec.Register("persist_spec", func(context.Context, map[string]any) (any, error) {
		invocations.Add(1)
		return map[string]any{"stored": true}, nil
	})

	s, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)

	key := turn.Key("chat-1", "SpecAgent", 1, "AppSpec")
	require.NoError(t, s.SubmitTurn(context.Background(), structured(key, map[string]any{"title": "Shop"})))
	require.NoError(t, s.SubmitTurn(context.Background(), structured(key, map[string]any{"title": "Shop"})))

	require.Eventually(t, func() bool {
		return h.sink.find(turn.KindToolResponse, turn.StatusOK) != nil
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), invocations.Load())
}

func TestAbortedTurnIsRetriable(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	var completions atomic.Int32
	started := make(chan struct{}, 1)
	h.exec.Register("persist_spec", func(ctx context.Context, _ map[string]any) (any, error) {
		if attempts.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		completions.Add(1)
		return map[string]any{"stored": true}, nil
	})

	s, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)

	key := turn.Key("chat-1", "SpecAgent", 1, "AppSpec")
	require.NoError(t, s.SubmitTurn(context.Background(), structured(key, map[string]any{"title": "Shop"})))

	<-started
	require.NoError(t, h.engine.Abort("chat-1"))
	require.Eventually(t, func() bool {
		return s.Status() == StatusFailed
	}, time.Second, time.Millisecond)

	// The interrupted turn's key was withdrawn, so a fresh session for
	// the same chat processes the re-delivered turn instead of skipping
	// it as a duplicate.
	s2, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)
	require.NoError(t, s2.SubmitTurn(context.Background(), structured(key, map[string]any{"title": "Shop"})))

	require.Eventually(t, func() bool {
		return completions.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestValidationFailureDropsTurn(t *testing.T) {
	h := newHarness(t)
	var invocations atomic.Int32
	h.exec.Register("persist_spec", func(context.Context, map[string]any) (any, error) {
		invocations.Add(1)
		return nil, nil
	})

	s, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)

	key := turn.Key("chat-1", "SpecAgent", 1, "AppSpec")
	require.NoError(t, s.SubmitTurn(context.Background(), structured(key, map[string]any{"name": "no title"})))

	require.Eventually(t, func() bool {
		ev := h.sink.find(turn.KindToolResponse, turn.StatusError)
		return ev != nil && ev.UIHidden
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), invocations.Load())
	assert.False(t, s.Status().Terminal())

	// The rejected turn is still marked processed: a re-delivery of the
	// same key is skipped without a second validation pass.
	require.NoError(t, s.SubmitTurn(context.Background(), structured(key, map[string]any{"name": "no title"})))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, int(invocations.Load()))
	assert.Equal(t, 1, h.sink.count(turn.KindToolResponse, turn.StatusError))
}

func TestToolPanicKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	h.exec.Register("persist_spec", func(context.Context, map[string]any) (any, error) {
		panic("boom")
	})

	s, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)

	require.NoError(t, s.SubmitTurn(context.Background(), structured("", map[string]any{"title": "Shop"})))

	require.Eventually(t, func() bool {
		return h.sink.find(turn.KindToolResponse, turn.StatusError) != nil
	}, time.Second, time.Millisecond)

	// The session still accepts and processes turns.
	require.NoError(t, s.SubmitTurn(context.Background(), text("InterviewAgent", "NEXT")))
	require.Eventually(t, func() bool {
		return s.Agent() == "SpecAgent"
	}, time.Second, time.Millisecond)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	s, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)

	require.NoError(t, h.engine.Pause("chat-1"))
	require.Eventually(t, func() bool {
		return s.Status() == StatusPaused
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.SubmitTurn(context.Background(), text("InterviewAgent", "hi")), ErrSessionPaused)

	require.NoError(t, h.engine.Resume("chat-1", map[string]any{"run_id": "run-7", "failed": 0}))
	require.Eventually(t, func() bool {
		return s.Status() == StatusInProgress
	}, time.Second, time.Millisecond)

	// The pack summary was delivered as a pack_result tool_response and
	// drove the declared ui_response transition.
	require.Eventually(t, func() bool {
		rec, err := h.engine.opts.Statuses.Get(context.Background(), "chat-1")
		return err == nil && rec.State["pack_outcome"] == "done"
	}, time.Second, time.Millisecond)
}

func TestLinearContinuationTerminates(t *testing.T) {
	h := newHarness(t)
	s, err := h.engine.Start(context.Background(), "chat-1", "builder")
	require.NoError(t, err)

	// No condition matches: after_work moves to SpecAgent, then a turn
	// from SpecAgent has no successor and terminates.
	require.NoError(t, s.SubmitTurn(context.Background(), text("InterviewAgent", "hello")))
	require.Eventually(t, func() bool {
		return s.Agent() == "SpecAgent"
	}, time.Second, time.Millisecond)

	require.NoError(t, s.SubmitTurn(context.Background(), text("SpecAgent", "done here")))
	require.Eventually(t, func() bool {
		return s.Status() == StatusCompleted
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.SubmitTurn(context.Background(), text("SpecAgent", "late")), ErrSessionClosed)

	rec, err := h.engine.opts.Statuses.Get(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "false", rec.State["interview_complete"])
}

func TestStatusFallsBackToStore(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Status(context.Background(), "unknown-chat")
	assert.ErrorIs(t, err, ErrStatusNotFound)

	require.NoError(t, h.engine.opts.Statuses.Put(context.Background(), Record{
		ChatID: "old-chat",
		Status: StatusCompleted,
	}))
	st, err := h.engine.Status(context.Background(), "old-chat")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)
}
