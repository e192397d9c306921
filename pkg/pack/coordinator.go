package pack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/blocunited/weave/internal/observability"
)

// Decomposition describes the pack a parent session wants to run.
type Decomposition struct {
	AppID     string
	Workflows []string
	// Edges maps child workflow -> parent workflows that must complete
	// first. Workflows absent from the map are ungated.
	Edges map[string][]string
}

// SessionStarter launches child workflow sessions. Implemented by the
// session engine; the coordinator never touches session internals.
type SessionStarter interface {
	StartChild(ctx context.Context, run *Run, workflow string) (sessionID string, err error)
}

// ParentController pauses and resumes the parent session around the
// pack's lifetime.
type ParentController interface {
	PauseParent(ctx context.Context, chatID string) error
	ResumeParent(ctx context.Context, chatID string, summary map[string]any) error
}

// RunStore persists run state across restarts.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Load(ctx context.Context, runID string) (*Run, error)
	Active(ctx context.Context) ([]*Run, error)
}

// Coordinator owns pack runs: it starts eligible children, reacts to
// their terminal statuses and resumes the parent when the run finishes.
type Coordinator struct {
	store   RunStore
	starter SessionStarter
	parents ParentController
	logger  zerolog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewCoordinator creates a coordinator backed by the given store.
func NewCoordinator(store RunStore, starter SessionStarter, parents ParentController, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		starter: starter,
		parents: parents,
		logger:  logger,
		runs:    make(map[string]*Run),
	}
}

// Recover reloads unfinished runs from the store after a restart and
// restarts any workflow that was eligible but not yet running.
func (c *Coordinator) Recover(ctx context.Context) error {
	runs, err := c.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("load active runs: %w", err)
	}
	for _, run := range runs {
		if err := run.validate(); err != nil {
			return err
		}
		c.mu.Lock()
		c.runs[run.ID] = run
		c.mu.Unlock()
		c.logger.Info().
			Str("run_id", run.ID).
			Int("workflows", len(run.Workflows)).
			Msg("Recovered pack run")
		c.startEligible(ctx, run)
	}
	return nil
}

// Begin pauses the parent session, persists the new run and starts every
// ungated workflow as an independent child session.
func (c *Coordinator) Begin(ctx context.Context, parentChat string, dec Decomposition) (*Run, error) {
	if len(dec.Workflows) == 0 {
		return nil, fmt.Errorf("decomposition has no workflows")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	now := time.Now()
	run := &Run{
		ID:         id,
		AppID:      dec.AppID,
		ParentChat: parentChat,
		Workflows:  make(map[string]*WorkflowState, len(dec.Workflows)),
		Edges:      dec.Edges,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, name := range dec.Workflows {
		run.Workflows[name] = &WorkflowState{Status: StatusNotStarted}
	}
	if err := run.validate(); err != nil {
		return nil, err
	}

	if err := c.parents.PauseParent(ctx, parentChat); err != nil {
		return nil, fmt.Errorf("pause parent %s: %w", parentChat, err)
	}
	if err := c.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	c.mu.Lock()
	c.runs[run.ID] = run
	c.mu.Unlock()

	c.logger.Info().
		Str("run_id", run.ID).
		Str("parent_chat", parentChat).
		Int("workflows", len(dec.Workflows)).
		Msg("Pack run started")
	observability.RecordPackRun("started")
	observability.RecordPackAudit(ctx, run.ID, "begin", "started", map[string]interface{}{
		"parent_chat": parentChat,
		"workflows":   len(dec.Workflows),
	})

	c.startEligible(ctx, run)
	return run, nil
}

// OnChildTerminal records a child's terminal status, starts the children
// that became eligible and resumes the parent when the whole run is
// terminal.
func (c *Coordinator) OnChildTerminal(ctx context.Context, runID, workflow string, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	c.mu.Lock()
	run, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		var err error
		run, err = c.store.Load(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run %s: %w", runID, err)
		}
		if err := run.validate(); err != nil {
			return err
		}
		c.mu.Lock()
		c.runs[runID] = run
		c.mu.Unlock()
	}

	c.mu.Lock()
	ws, ok := run.Workflows[workflow]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: run %s reported terminal status for unknown workflow %q", ErrCorruptedRun, runID, workflow)
	}
	ws.Status = status
	run.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info().
		Str("run_id", runID).
		Str("workflow", workflow).
		Str("status", string(status)).
		Msg("Pack child reached terminal status")

	if err := c.store.Save(ctx, run); err != nil {
		c.logger.Error().Err(err).Str("run_id", runID).Msg("Run persist failed")
	}

	c.startEligible(ctx, run)

	if run.Terminal() {
		return c.finish(ctx, run)
	}
	return nil
}

// Run returns the current state of a run, consulting the store for runs
// this process no longer tracks in memory.
func (c *Coordinator) Run(ctx context.Context, runID string) (*Run, error) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	c.mu.Unlock()
	if ok {
		return run, nil
	}
	return c.store.Load(ctx, runID)
}

// Start launches one workflow of the run, enforcing gating. Exposed so
// operators can retry a failed child manually.
func (c *Coordinator) Start(ctx context.Context, runID, workflow string) error {
	c.mu.Lock()
	run, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	return c.startOne(ctx, run, workflow)
}

func (c *Coordinator) startEligible(ctx context.Context, run *Run) {
	c.mu.Lock()
	var candidates []string
	for name, ws := range run.Workflows {
		if ws.Status == StatusNotStarted {
			candidates = append(candidates, name)
		}
	}
	c.mu.Unlock()

	for _, name := range candidates {
		if err := c.startOne(ctx, run, name); err != nil {
			if _, gated := asGatingViolation(err); gated {
				continue
			}
			c.logger.Error().
				Err(err).
				Str("run_id", run.ID).
				Str("workflow", name).
				Msg("Child workflow start failed")
		}
	}
}

func (c *Coordinator) startOne(ctx context.Context, run *Run, workflow string) error {
	c.mu.Lock()
	if err := run.Eligible(workflow); err != nil {
		c.mu.Unlock()
		return err
	}
	// Claim the slot before releasing the lock so concurrent terminal
	// callbacks cannot double-start the workflow.
	run.Workflows[workflow].Status = StatusInProgress
	run.UpdatedAt = time.Now()
	c.mu.Unlock()

	sessionID, err := c.starter.StartChild(ctx, run, workflow)
	if err != nil {
		c.mu.Lock()
		run.Workflows[workflow].Status = StatusFailed
		c.mu.Unlock()
		if saveErr := c.store.Save(ctx, run); saveErr != nil {
			c.logger.Error().Err(saveErr).Str("run_id", run.ID).Msg("Run persist failed")
		}
		return fmt.Errorf("start child %q: %w", workflow, err)
	}

	c.mu.Lock()
	run.Workflows[workflow].SessionID = sessionID
	c.mu.Unlock()

	if err := c.store.Save(ctx, run); err != nil {
		c.logger.Error().Err(err).Str("run_id", run.ID).Msg("Run persist failed")
	}

	c.logger.Info().
		Str("run_id", run.ID).
		Str("workflow", workflow).
		Str("session_id", sessionID).
		Msg("Child workflow started")
	return nil
}

func (c *Coordinator) finish(ctx context.Context, run *Run) error {
	summary := run.Summary()

	c.logger.Info().
		Str("run_id", run.ID).
		Interface("summary", summary).
		Msg("Pack run finished, resuming parent")

	status := "completed"
	if summary["failed"].(int) > 0 {
		status = "failed"
	}
	observability.RecordPackRun(status)
	observability.RecordPackAudit(ctx, run.ID, "finish", status, summary)

	if err := c.parents.ResumeParent(ctx, run.ParentChat, summary); err != nil {
		return fmt.Errorf("resume parent %s: %w", run.ParentChat, err)
	}

	c.mu.Lock()
	delete(c.runs, run.ID)
	c.mu.Unlock()
	return c.store.Save(ctx, run)
}

func asGatingViolation(err error) (*GatingViolation, bool) {
	var gv *GatingViolation
	if errors.As(err, &gv) {
		return gv, true
	}
	return nil, false
}
