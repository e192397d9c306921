package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocunited/weave/internal/config"
	"github.com/blocunited/weave/pkg/session"
	"github.com/blocunited/weave/pkg/turn"
)

const onboardingDefinition = `
name: onboarding
entry_agent: InterviewAgent
agents:
  - name: InterviewAgent
  - name: PatternAgent
variables:
  - name: interview_complete
    type: boolean
    source:
      kind: state
      state:
        default: "false"
        transitions:
          - from: "false"
            to: "true"
            trigger:
              kind: agent_text
              agent: InterviewAgent
              match: equals
              pattern: DONE
handoffs:
  - source_agent: InterviewAgent
    target:
      kind: agent
      agent: PatternAgent
    type: condition
    condition_type: expression
    condition: "${interview_complete} == True"
    scope: post
`

const plannerDefinition = `
name: planner
entry_agent: PlannerAgent
agents:
  - name: PlannerAgent
  - name: WaitAgent
bindings:
  - shape: PackPlan
    agent: PlannerAgent
    tool: begin_pack
    parameters:
      - workflows
      - edges
    accepts_context: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Logging.File = filepath.Join(dataDir, "weave.log")
	cfg.Journal.Dir = filepath.Join(dataDir, "journal")
	cfg.Pack.DBPath = filepath.Join(dataDir, "packs.db")
	cfg.Pack.SnapshotDir = filepath.Join(dataDir, "pack-snapshots")
	cfg.Workflows.Dir = filepath.Join(dataDir, "workflows")
	cfg.Workflows.Watch = false
	cfg.Gateway.Port = 18544
	cfg.Gateway.SharedSecret = "daemon-test-secret-0123456789"
	cfg.Gateway.TickIntervalSeconds = 0

	require.NoError(t, os.MkdirAll(cfg.Workflows.Dir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Workflows.Dir, "onboarding.yaml"),
		[]byte(onboardingDefinition), 0o600))
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	defer d.Stop()

	require.NotNil(t, d.Engine())
	require.NotNil(t, d.Packs())

	// The definition on disk was registered during wiring.
	ctx := context.Background()
	s, err := d.Engine().Start(ctx, "chat-daemon-1", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, "InterviewAgent", s.Agent())

	status, err := d.Engine().Status(ctx, "chat-daemon-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInProgress, status)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SharedSecret = ""

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSessionTurnsReachJournal(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	defer d.Stop()

	ctx := context.Background()
	_, err = d.Engine().Start(ctx, "chat-daemon-2", "onboarding")
	require.NoError(t, err)

	err = d.Engine().SubmitTurn(ctx, "chat-daemon-2", &turn.Event{
		AgentName: "InterviewAgent",
		Kind:      turn.KindText,
		Text:      "hello",
	})
	require.NoError(t, err)

	// Turn processing is asynchronous; the engine publishes through
	// the fanout with the journal sink first in line.
	assert.Eventually(t, func() bool {
		events, err := d.journal.Replay(ctx, "chat-daemon-2")
		return err == nil && len(events) > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStructuredPackPlanStartsRun(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Workflows.Dir, "planner.yaml"),
		[]byte(plannerDefinition), 0o600))

	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Stop()

	ctx := context.Background()
	s, err := d.Engine().Start(ctx, "chat-daemon-3", "planner")
	require.NoError(t, err)

	// A structured output bound to begin_pack starts the pack without
	// any gateway caller: the parent pauses and the child session for
	// the declared workflow comes up alongside it.
	require.NoError(t, s.SubmitTurn(ctx, &turn.Event{
		AgentName: "PlannerAgent",
		Kind:      turn.KindStructuredOutput,
		Shape:     "PackPlan",
		Payload:   map[string]any{"workflows": []any{"onboarding"}},
	}))

	require.Eventually(t, func() bool {
		return s.Status() == session.StatusPaused
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, d.Engine().Registry().Active())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after context cancellation")
	}
}
