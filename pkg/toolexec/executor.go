// Package toolexec invokes bound tools and reports their outcomes as
// turn events. Every invocation emits a tool_call event before the
// handler runs and a tool_response event after, whatever happens inside
// the handler: errors, error-shaped results and panics all become
// status=error responses. The session carries on either way.
package toolexec

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blocunited/weave/internal/observability"
	"github.com/blocunited/weave/internal/tracing"
	"github.com/blocunited/weave/pkg/binder"
	"github.com/blocunited/weave/pkg/turn"
)

// Handler executes one tool. The result may be any JSON-representable
// value; returning an error produces a status=error tool_response.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Executor holds the tool registry and the outbound event sink.
type Executor struct {
	sink   turn.Sink
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an executor publishing to the given sink.
func New(sink turn.Sink, logger zerolog.Logger) *Executor {
	if sink == nil {
		sink = turn.NopSink{}
	}
	return &Executor{
		sink:     sink,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register adds or replaces a tool handler.
func (e *Executor) Register(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Invoke runs the bound tool and returns the tool_response event that
// was published. The returned event's Success field is false for Go
// errors, panics, unregistered tools and error-shaped results.
func (e *Executor) Invoke(ctx context.Context, bound *binder.Bound, sc binder.SessionContext) *turn.Event {
	tool := bound.Binding.Tool
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "toolexec", "tool.invoke",
		attribute.String("tool", tool),
		attribute.String("chat_id", sc.ChatID),
	)
	defer span.End()

	e.publish(&turn.Event{
		ChatID:    sc.ChatID,
		Workflow:  sc.Workflow,
		AgentName: sc.AgentName,
		Key:       sc.TurnKey,
		Kind:      turn.KindToolCall,
		ToolName:  tool,
		Payload:   bound.Args,
		UIHidden:  uiHidden(bound),
		Timestamp: start,
	})

	result, err := e.run(ctx, tool, bound.Args)
	success := err == nil && !errorShaped(result)

	observability.RecordToolExecution(tool, time.Since(start), success)
	auditStatus := "ok"
	if !success {
		auditStatus = "error"
	}
	observability.RecordToolAudit(ctx, tool, sc.ChatID, auditStatus, map[string]interface{}{
		"workflow": sc.Workflow,
		"agent":    sc.AgentName,
	})

	resp := &turn.Event{
		ChatID:    sc.ChatID,
		Workflow:  sc.Workflow,
		AgentName: sc.AgentName,
		Key:       sc.TurnKey,
		Kind:      turn.KindToolResponse,
		ToolName:  tool,
		Status:    turn.StatusOK,
		Success:   success,
		UIHidden:  uiHidden(bound),
		Timestamp: time.Now(),
	}
	switch {
	case err != nil:
		resp.Status = turn.StatusError
		resp.Payload = map[string]any{"error": err.Error()}
		e.logger.Error().
			Err(err).
			Str("tool", tool).
			Str("chat_id", sc.ChatID).
			Msg("Tool execution failed")
	case !success:
		// The handler returned an error-shaped result without a Go
		// error; report it as a failure all the same.
		resp.Status = turn.StatusError
		resp.Payload = asPayload(result)
	default:
		resp.Payload = asPayload(result)
	}

	e.publish(resp)
	return resp
}

// run dispatches to the registered handler, converting panics into
// errors so a misbehaving tool cannot take down the session goroutine.
func (e *Executor) run(ctx context.Context, tool string, args map[string]any) (result any, err error) {
	e.mu.RLock()
	h, ok := e.handlers[tool]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", tool)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic", r).
				Str("tool", tool).
				Bytes("stack", debug.Stack()).
				Msg("Tool handler panicked")
			result = nil
			err = fmt.Errorf("tool %q panicked: %v", tool, r)
		}
	}()

	return h(ctx, args)
}

func (e *Executor) publish(ev *turn.Event) {
	if err := e.sink.Publish(ev); err != nil {
		e.logger.Error().
			Err(err).
			Str("chat_id", ev.ChatID).
			Str("kind", string(ev.Kind)).
			Msg("Event publish failed")
	}
}

// errorShaped detects results that carry an error field even though the
// handler returned no Go error, e.g. {"error": "not found"} or
// {"success": false}.
func errorShaped(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	if v, ok := m["error"]; ok && v != nil && v != "" {
		return true
	}
	if v, ok := m["success"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return true
		}
	}
	return false
}

func asPayload(result any) map[string]any {
	switch r := result.(type) {
	case nil:
		return nil
	case map[string]any:
		return r
	default:
		return map[string]any{"result": r}
	}
}

func uiHidden(bound *binder.Bound) bool {
	return bound.Binding.UIMeta["visibility"] == "hidden"
}
