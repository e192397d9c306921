// Package session runs live workflow sessions. Each session owns one
// goroutine that processes turn events strictly in order: derivation,
// then binding and tool execution for structured outputs, then handoff
// routing. Sessions never share mutable state; cross-session
// coordination goes through the pack coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blocunited/weave/internal/observability"
	"github.com/blocunited/weave/internal/tracing"
	"github.com/blocunited/weave/pkg/binder"
	"github.com/blocunited/weave/pkg/contextvars"
	"github.com/blocunited/weave/pkg/derive"
	"github.com/blocunited/weave/pkg/handoff"
	"github.com/blocunited/weave/pkg/idempotency"
	"github.com/blocunited/weave/pkg/turn"
	"github.com/blocunited/weave/pkg/workflow"
)

const eventBuffer = 64

// PackResultTool is the tool name carried by the synthetic tool_response
// event delivered to a parent session when its pack run finishes.
// Definitions react to it with ui_response triggers.
const PackResultTool = "pack_result"

var (
	// ErrSessionClosed is returned from SubmitTurn after the session
	// reached a terminal status.
	ErrSessionClosed = errors.New("session is closed")
	// ErrSessionPaused is returned from SubmitTurn while the session is
	// suspended by a pack run.
	ErrSessionPaused = errors.New("session is paused")
)

type deps struct {
	def      *workflow.Definition
	store    *contextvars.Store
	deriver  *derive.Engine
	router   *handoff.Router
	binder   *binder.Binder
	exec     toolInvoker
	cache    *idempotency.Cache
	sink     turn.Sink
	statuses StatusStore
	appID    string
	onAbort  func(chatID string)
}

// toolInvoker is the slice of the executor the session needs; the
// concrete implementation lives in pkg/toolexec.
type toolInvoker interface {
	Invoke(ctx context.Context, bound *binder.Bound, sc binder.SessionContext) *turn.Event
}

// Session is one live chat running one workflow definition.
type Session struct {
	ID     string
	ChatID string

	d          deps
	logger     zerolog.Logger
	onTerminal func(s *Session, st Status)

	events chan *turn.Event
	resume chan map[string]any
	pause  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop goroutine after start; Status()/Agent() read
	// them through the snapshot channel-free getters below.
	status  atomicStatus
	agent   atomicString
	callers []string
	counter int
}

func newSession(chatID string, d deps, logger zerolog.Logger, onTerminal func(*Session, Status)) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		d:          d,
		onTerminal: onTerminal,
		events:     make(chan *turn.Event, eventBuffer),
		resume:     make(chan map[string]any, 1),
		pause:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.logger = logger.With().
		Str("chat_id", chatID).
		Str("session_id", s.ID).
		Str("workflow", d.def.Name).
		Logger()
	s.status.store(StatusNotStarted)
	s.agent.store(d.def.EntryAgent)
	return s
}

// start resolves the context variables and launches the loop goroutine.
func (s *Session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.d.store.Resolve(ctx)
	s.setStatus(ctx, StatusInProgress)
	s.logger.Info().Str("entry_agent", s.d.def.EntryAgent).Msg("Session started")

	go s.loop(ctx)
}

// SubmitTurn enqueues a turn event for sequential processing.
func (s *Session) SubmitTurn(ctx context.Context, ev *turn.Event) error {
	switch s.Status() {
	case StatusCompleted, StatusFailed:
		return ErrSessionClosed
	case StatusPaused:
		return ErrSessionPaused
	}

	ev.ChatID = s.ChatID
	ev.Workflow = s.d.def.Name
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends turn processing after the in-flight event finishes.
func (s *Session) Pause() {
	select {
	case s.pause <- struct{}{}:
	default:
	}
}

// Resume lifts a pause. The summary, when non-nil, is delivered to the
// loop as a pack_result tool_response so declared ui_response triggers
// can react to the pack outcome.
func (s *Session) Resume(summary map[string]any) {
	if summary == nil {
		summary = map[string]any{}
	}
	select {
	case s.resume <- summary:
	default:
	}
}

// Abort cancels the session: pending waits are released and the loop
// exits with a failed status.
func (s *Session) Abort() {
	if s.d.onAbort != nil {
		s.d.onAbort(s.ChatID)
	}
	s.cancel()
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status { return s.status.load() }

// Agent returns the agent currently holding the conversation.
func (s *Session) Agent() string { return s.agent.load() }

// Done closes when the loop goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	for {
		if s.Status() == StatusPaused {
			select {
			case summary := <-s.resume:
				s.handleResume(ctx, summary)
			case <-ctx.Done():
				s.fail(ctx, ctx.Err())
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.fail(ctx, ctx.Err())
			return
		case <-s.pause:
			s.setStatus(ctx, StatusPaused)
			s.logger.Info().Msg("Session paused")
		case summary := <-s.resume:
			s.handleResume(ctx, summary)
		case ev := <-s.events:
			s.process(ctx, ev, true)
		}

		if s.Status().Terminal() {
			return
		}
	}
}

func (s *Session) handleResume(ctx context.Context, summary map[string]any) {
	if s.Status() != StatusPaused {
		return
	}
	s.setStatus(ctx, StatusInProgress)
	s.logger.Info().Msg("Session resumed")

	if len(summary) > 0 {
		s.process(ctx, &turn.Event{
			ChatID:    s.ChatID,
			Workflow:  s.d.def.Name,
			AgentName: s.Agent(),
			Kind:      turn.KindToolResponse,
			ToolName:  PackResultTool,
			Status:    turn.StatusOK,
			Success:   true,
			Payload:   summary,
			Timestamp: time.Now(),
		}, true)
	}
}

// process handles one event. Inbound events (submitted from outside the
// loop) go through idempotency and end with a post-scope routing
// decision; events fed back from tool execution only drive derivation.
func (s *Session) process(ctx context.Context, ev *turn.Event, inbound bool) {
	if ev.Key == "" {
		s.counter++
		ev.Key = turn.Key(s.ChatID, ev.AgentName, s.counter, turnContent(ev))
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if inbound && !s.d.cache.Acquire(s.ChatID, ev.Key) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if inbound {
				s.d.cache.Release(s.ChatID, ev.Key)
			}
			s.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("turn_key", ev.Key).
				Msg("Turn processing panicked, session continues")
			return
		}
		// An abort mid-turn withdraws the registration: a retry of
		// the same turn after restart must not be skipped as a
		// duplicate, and no side effect completed under this key.
		if inbound && ctx.Err() != nil {
			s.d.cache.Release(s.ChatID, ev.Key)
		}
	}()

	ctx, span := tracing.StartSpan(ctx, "session", "turn.process")
	defer span.End()

	agent := s.Agent()

	// Pre-scope rules run before the event is interpreted, so a
	// standing condition can divert the turn to another agent.
	if d := s.d.router.Route(ctx, agent, workflow.ScopePre, s.d.store.Snapshot()); d != handoff.Stay {
		s.applyDecision(ctx, d)
		if s.Status().Terminal() {
			return
		}
		agent = s.Agent()
	}

	changes := s.d.deriver.Apply(ctx, ev, s.d.store)
	observability.RecordTurn(string(ev.Kind))
	if len(changes) > 0 {
		observability.RecordDerivations(len(changes))
		s.d.store.FlushImmediate(ctx)
	}

	if inbound && (ev.Kind == turn.KindText || ev.Kind == turn.KindStructuredOutput) {
		if err := s.d.sink.Publish(ev); err != nil {
			s.logger.Error().Err(err).Str("turn_key", ev.Key).Msg("Event publish failed")
		}
	}

	if ev.Kind == turn.KindStructuredOutput {
		s.handleStructured(ctx, ev)
	}

	if inbound && !s.Status().Terminal() {
		s.applyDecision(ctx, s.d.router.Route(ctx, agent, workflow.ScopePost, s.d.store.Snapshot()))
	}
}

// handleStructured binds the payload and invokes the bound tool. Binding
// and validation failures are terminal for the turn: recorded and
// logged, never retried, invisible to the end user.
func (s *Session) handleStructured(ctx context.Context, ev *turn.Event) {
	sc := binder.SessionContext{
		ChatID:    s.ChatID,
		AppID:     s.d.appID,
		Workflow:  s.d.def.Name,
		TurnKey:   ev.Key,
		AgentName: ev.AgentName,
	}

	bound, err := s.d.binder.Bind(ev, sc)
	if err != nil {
		var verr *binder.ValidationError
		var nferr *binder.BindingNotFoundError
		switch {
		case errors.As(err, &verr):
			observability.RecordValidationError(ev.Shape)
			s.logger.Warn().
				Str("shape", ev.Shape).
				Str("turn_key", ev.Key).
				Strs("causes", verr.Causes).
				Msg("Structured output rejected, turn dropped")
		case errors.As(err, &nferr):
			observability.RecordBindingMiss(ev.Shape)
			s.logger.Warn().
				Str("shape", ev.Shape).
				Str("agent", ev.AgentName).
				Msg("No tool bound for shape, turn dropped")
		default:
			s.logger.Error().Err(err).Str("shape", ev.Shape).Msg("Binding failed")
		}
		// Report the failure on the event stream for observability,
		// hidden from the end user.
		s.publishHidden(&turn.Event{
			ChatID:    s.ChatID,
			Workflow:  s.d.def.Name,
			AgentName: ev.AgentName,
			Key:       ev.Key,
			Kind:      turn.KindToolResponse,
			Shape:     ev.Shape,
			Status:    turn.StatusError,
			Payload:   map[string]any{"error": err.Error()},
			UIHidden:  true,
			Timestamp: time.Now(),
		})
		return
	}

	resp := s.d.exec.Invoke(ctx, bound, sc)
	// The response is fed back through the same processing path so
	// ui_response triggers observe it, but it does not get its own
	// routing decision: the structured turn that caused it does.
	s.process(ctx, resp, false)
}

func (s *Session) publishHidden(ev *turn.Event) {
	if err := s.d.sink.Publish(ev); err != nil {
		s.logger.Error().Err(err).Str("turn_key", ev.Key).Msg("Event publish failed")
	}
}

func (s *Session) applyDecision(ctx context.Context, d handoff.Decision) {
	switch d.Target {
	case workflow.TargetAgent:
		from := s.Agent()
		if d.Agent == from {
			return
		}
		if d.Matched {
			s.callers = append(s.callers, from)
		}
		s.handoffTo(ctx, from, d.Agent)

	case workflow.TargetReturnToCaller:
		if len(s.callers) == 0 {
			s.finish(ctx, StatusCompleted)
			return
		}
		caller := s.callers[len(s.callers)-1]
		s.callers = s.callers[:len(s.callers)-1]
		s.handoffTo(ctx, s.Agent(), caller)

	case workflow.TargetTerminate:
		s.finish(ctx, StatusCompleted)
	}
}

func (s *Session) handoffTo(ctx context.Context, from, to string) {
	s.agent.store(to)
	s.d.store.Flush(ctx, contextvars.FlushPhaseTransition)
	s.d.store.RefreshPhase(ctx)
	observability.RecordHandoff(to)
	observability.RecordHandoffAudit(ctx, s.ChatID, from, to)
	s.persist(ctx)

	s.logger.Info().
		Str("from", from).
		Str("to", to).
		Msg("Handoff")
}

func (s *Session) finish(ctx context.Context, st Status) {
	s.d.store.Flush(ctx, contextvars.FlushSessionEnd)
	s.status.store(st)
	s.persist(ctx)
	observability.RecordHandoff("terminate")
	s.logger.Info().Str("status", string(st)).Msg("Session finished")

	if s.onTerminal != nil {
		s.onTerminal(s, st)
	}
}

func (s *Session) fail(ctx context.Context, cause error) {
	if s.Status().Terminal() {
		return
	}
	s.status.store(StatusFailed)
	s.persist(context.WithoutCancel(ctx))
	s.logger.Warn().AnErr("cause", cause).Msg("Session failed")

	if s.onTerminal != nil {
		s.onTerminal(s, StatusFailed)
	}
}

func (s *Session) setStatus(ctx context.Context, st Status) {
	s.status.store(st)
	s.persist(ctx)
}

func (s *Session) persist(ctx context.Context) {
	if s.d.statuses == nil {
		return
	}
	rec := Record{
		SessionID: s.ID,
		ChatID:    s.ChatID,
		Workflow:  s.d.def.Name,
		Agent:     s.Agent(),
		Status:    s.Status(),
		State:     s.d.store.PersistentState(),
		UpdatedAt: time.Now(),
	}
	if err := s.d.statuses.Put(ctx, rec); err != nil {
		s.logger.Error().Err(err).Msg("Status persist failed")
	}
}

// atomicStatus and atomicString let Status()/Agent() be read from any
// goroutine while only the loop goroutine writes them.
type atomicStatus struct{ v atomic.Value }

func (a *atomicStatus) store(s Status) { a.v.Store(s) }
func (a *atomicStatus) load() Status {
	if s, ok := a.v.Load().(Status); ok {
		return s
	}
	return StatusNotStarted
}

type atomicString struct{ v atomic.Value }

func (a *atomicString) store(s string) { a.v.Store(s) }
func (a *atomicString) load() string {
	if s, ok := a.v.Load().(string); ok {
		return s
	}
	return ""
}

func turnContent(ev *turn.Event) string {
	if ev.Text != "" {
		return ev.Text
	}
	return fmt.Sprintf("%s:%v", ev.Shape, ev.Payload)
}
