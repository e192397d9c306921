package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/blocunited/weave/internal/observability"
	"github.com/blocunited/weave/internal/tracing"
	"github.com/blocunited/weave/pkg/binder"
	"github.com/blocunited/weave/pkg/contextvars"
	"github.com/blocunited/weave/pkg/derive"
	"github.com/blocunited/weave/pkg/handoff"
	"github.com/blocunited/weave/pkg/idempotency"
	"github.com/blocunited/weave/pkg/pack"
	"github.com/blocunited/weave/pkg/turn"
	"github.com/blocunited/weave/pkg/workflow"
)

// PackNotifier receives terminal statuses of child sessions started on
// behalf of a pack run. Implemented by pack.Coordinator.
type PackNotifier interface {
	OnChildTerminal(ctx context.Context, runID, workflowName string, status pack.Status) error
}

// Options wires the engine's collaborators. Definition registration
// happens separately so a definition reload never rebuilds the engine.
type Options struct {
	Sink      turn.Sink
	Executor  toolInvoker
	Statuses  StatusStore
	Judge     handoff.Judge
	Funcs     *contextvars.FuncRegistry
	Reader    contextvars.DataReader
	Writer    contextvars.DataWriter
	Fetcher   contextvars.ExternalFetcher
	Config    map[string]any
	AppID     string
	Retention time.Duration
	OnAbort   func(chatID string)
	Logger    zerolog.Logger
}

// compiledWorkflow caches the per-definition machinery shared by every
// session running that definition.
type compiledWorkflow struct {
	def     *workflow.Definition
	deriver *derive.Engine
	router  *handoff.Router
	binder  *binder.Binder
}

type childRef struct {
	runID    string
	workflow string
}

// Engine is the control surface over all sessions in the process.
type Engine struct {
	opts     Options
	registry *Registry
	cache    *idempotency.Cache
	logger   zerolog.Logger
	cron     *cron.Cron

	mu        sync.RWMutex
	workflows map[string]*compiledWorkflow
	children  map[string]childRef
	notifier  PackNotifier
}

// NewEngine creates the engine and schedules the registry cleanup
// sweep.
func NewEngine(opts Options) *Engine {
	if opts.Sink == nil {
		opts.Sink = turn.NopSink{}
	}
	if opts.Statuses == nil {
		opts.Statuses = NewMemoryStatusStore()
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}

	e := &Engine{
		opts:      opts,
		registry:  NewRegistry(),
		cache:     idempotency.New(0, opts.Logger),
		logger:    opts.Logger,
		cron:      cron.New(),
		workflows: make(map[string]*compiledWorkflow),
		children:  make(map[string]childRef),
	}

	e.cron.AddFunc("@every 10m", func() {
		if evicted := e.registry.Sweep(e.opts.Retention); evicted > 0 {
			e.logger.Debug().Int("evicted", evicted).Msg("Finished sessions evicted")
		}
	})
	e.cron.Start()
	return e
}

// Close stops the background sweep.
func (e *Engine) Close() {
	<-e.cron.Stop().Done()
}

// SetPackNotifier wires the pack coordinator in after construction;
// coordinator and engine reference each other.
func (e *Engine) SetPackNotifier(n PackNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// Registry exposes the session registry for status surfaces.
func (e *Engine) Registry() *Registry { return e.registry }

// RegisterDefinition validates and compiles a workflow definition. The
// compiled form is shared by all of its sessions.
func (e *Engine) RegisterDefinition(def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("definition %q: %w", def.Name, err)
	}
	deriver, err := derive.New(def, e.logger)
	if err != nil {
		return fmt.Errorf("definition %q: %w", def.Name, err)
	}
	router, err := handoff.NewRouter(def, e.opts.Judge, e.logger)
	if err != nil {
		return fmt.Errorf("definition %q: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Name] = &compiledWorkflow{
		def:     def,
		deriver: deriver,
		router:  router,
		binder:  binder.New(def, e.logger),
	}
	return nil
}

// Start creates and launches a session for a chat. A chat runs at most
// one live session.
func (e *Engine) Start(ctx context.Context, chatID, workflowName string) (*Session, error) {
	e.mu.RLock()
	cw, ok := e.workflows[workflowName]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q is not registered", workflowName)
	}

	if existing, found := e.registry.Get(chatID); found && !existing.Status().Terminal() {
		return nil, fmt.Errorf("chat %s already has a live session", chatID)
	}

	store := contextvars.New(cw.def, contextvars.Options{
		Config:  e.opts.Config,
		Reader:  e.opts.Reader,
		Writer:  e.opts.Writer,
		Fetcher: e.opts.Fetcher,
		Funcs:   e.opts.Funcs,
		Logger:  e.logger,
	})

	s := newSession(chatID, deps{
		def:      cw.def,
		store:    store,
		deriver:  cw.deriver,
		router:   cw.router,
		binder:   cw.binder,
		exec:     e.opts.Executor,
		cache:    e.cache,
		sink:     e.opts.Sink,
		statuses: e.opts.Statuses,
		appID:    e.opts.AppID,
		onAbort:  e.opts.OnAbort,
	}, e.logger, e.onTerminal)

	e.registry.Add(s)
	s.start(ctx)
	observability.SetActiveSessions(e.registry.Active())
	return s, nil
}

// SubmitTurn routes a turn event to its chat's session.
func (e *Engine) SubmitTurn(ctx context.Context, chatID string, ev *turn.Event) error {
	s, ok := e.registry.Get(chatID)
	if !ok {
		return fmt.Errorf("chat %s has no session", chatID)
	}
	return s.SubmitTurn(ctx, ev)
}

// Pause suspends a chat's session.
func (e *Engine) Pause(chatID string) error {
	s, ok := e.registry.Get(chatID)
	if !ok {
		return fmt.Errorf("chat %s has no session", chatID)
	}
	s.Pause()
	return nil
}

// Resume lifts a pause, optionally delivering a summary event.
func (e *Engine) Resume(chatID string, summary map[string]any) error {
	s, ok := e.registry.Get(chatID)
	if !ok {
		return fmt.Errorf("chat %s has no session", chatID)
	}
	s.Resume(summary)
	return nil
}

// Abort terminates a chat's session without completing it.
func (e *Engine) Abort(chatID string) error {
	s, ok := e.registry.Get(chatID)
	if !ok {
		return fmt.Errorf("chat %s has no session", chatID)
	}
	s.Abort()
	return nil
}

// Status reports a chat's session status, consulting the persistent
// store for sessions this process no longer tracks.
func (e *Engine) Status(ctx context.Context, chatID string) (Status, error) {
	if s, ok := e.registry.Get(chatID); ok {
		return s.Status(), nil
	}
	rec, err := e.opts.Statuses.Get(ctx, chatID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// StartChild implements pack.SessionStarter: a pack child runs as an
// ordinary session under a derived chat id.
func (e *Engine) StartChild(ctx context.Context, run *pack.Run, workflowName string) (string, error) {
	chatID := fmt.Sprintf("%s:%s:%s", run.ParentChat, run.ID, workflowName)
	ctx = tracing.PropagateToChild(ctx, chatID, workflowName)

	s, err := e.Start(ctx, chatID, workflowName)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.children[chatID] = childRef{runID: run.ID, workflow: workflowName}
	e.mu.Unlock()
	return s.ID, nil
}

// PauseParent implements pack.ParentController.
func (e *Engine) PauseParent(_ context.Context, chatID string) error {
	return e.Pause(chatID)
}

// ResumeParent implements pack.ParentController.
func (e *Engine) ResumeParent(_ context.Context, chatID string, summary map[string]any) error {
	return e.Resume(chatID, summary)
}

// onTerminal runs on the session goroutine when a session finishes.
func (e *Engine) onTerminal(s *Session, st Status) {
	e.registry.MarkFinished(s.ChatID)
	observability.SetActiveSessions(e.registry.Active())

	e.mu.RLock()
	ref, isChild := e.children[s.ChatID]
	notifier := e.notifier
	e.mu.RUnlock()
	if !isChild || notifier == nil {
		return
	}

	e.mu.Lock()
	delete(e.children, s.ChatID)
	e.mu.Unlock()

	packStatus := pack.StatusCompleted
	if st == StatusFailed {
		packStatus = pack.StatusFailed
	}
	// Notify off the session goroutine: the coordinator may start new
	// sessions or resume the parent, and must not block this loop.
	go func() {
		if err := notifier.OnChildTerminal(context.Background(), ref.runID, ref.workflow, packStatus); err != nil {
			e.logger.Error().
				Err(err).
				Str("run_id", ref.runID).
				Str("workflow", ref.workflow).
				Msg("Pack child notification failed")
		}
	}()
}
