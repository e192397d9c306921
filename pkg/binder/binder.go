// Package binder resolves structured output shapes to their bound tools
// and turns a validated payload into tool arguments. Binding resolution
// is cached per (shape, agent) pair; schema validation failures are
// terminal for the turn, never retried.
package binder

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/blocunited/weave/pkg/turn"
	"github.com/blocunited/weave/pkg/workflow"
)

// BindingNotFoundError reports that no tool is bound for a shape/agent
// pair. The turn is still marked processed; the error surfaces only in
// logs and metrics.
type BindingNotFoundError struct {
	Shape string
	Agent string
}

func (e *BindingNotFoundError) Error() string {
	return fmt.Sprintf("no tool bound for shape %q emitted by agent %q", e.Shape, e.Agent)
}

// ValidationError reports that a structured payload does not satisfy the
// declared shape schema. Terminal for the turn: recorded, no retry.
type ValidationError struct {
	Shape  string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload for shape %q failed validation: %s", e.Shape, strings.Join(e.Causes, "; "))
}

// SessionContext is the engine-side identity injected into tools that
// declare accepts_context.
type SessionContext struct {
	ChatID    string
	AppID     string
	Workflow  string
	TurnKey   string
	AgentName string
}

// Bound is a fully resolved, validated invocation request.
type Bound struct {
	Binding *workflow.ToolBinding
	Args    map[string]any
}

// Resolved is a binding with its shape schema compiled.
type Resolved struct {
	binding *workflow.ToolBinding
	schema  *gojsonschema.Schema // nil when the shape declares none
	params  []string             // declared names, lower-cased once
}

// Binder caches compiled bindings for one workflow definition.
type Binder struct {
	def    *workflow.Definition
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Resolved
}

// New creates a binder. Bindings are compiled lazily on first resolve
// and cached for the lifetime of the definition.
func New(def *workflow.Definition, logger zerolog.Logger) *Binder {
	return &Binder{
		def:    def,
		logger: logger,
		cache:  make(map[string]*Resolved),
	}
}

// Resolve returns the compiled binding for a shape/agent pair. The
// first resolution compiles the shape schema; later calls are cache
// hits.
func (b *Binder) Resolve(shape, agent string) (*Resolved, error) {
	key := shape + "/" + agent

	b.mu.RLock()
	cb, ok := b.cache[key]
	b.mu.RUnlock()
	if ok {
		return cb, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.cache[key]; ok {
		return cb, nil
	}

	var binding *workflow.ToolBinding
	for i := range b.def.Bindings {
		bd := &b.def.Bindings[i]
		if bd.Shape == shape && bd.Agent == agent {
			binding = bd
			break
		}
	}
	if binding == nil {
		return nil, &BindingNotFoundError{Shape: shape, Agent: agent}
	}

	cb = &Resolved{binding: binding}
	if binding.Schema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(binding.Schema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for shape %q: %w", shape, err)
		}
		cb.schema = schema
	}
	for _, p := range binding.Parameters {
		cb.params = append(cb.params, strings.ToLower(p))
	}

	b.cache[key] = cb
	return cb, nil
}

// Bind validates the event's payload against the shape schema and maps
// its fields to the bound tool's declared parameters. Field matching is
// case-insensitive. When the tool accepts session context, the engine
// identity keys are injected alongside the mapped parameters.
func (b *Binder) Bind(ev *turn.Event, sc SessionContext) (*Bound, error) {
	cb, err := b.Resolve(ev.Shape, ev.AgentName)
	if err != nil {
		return nil, err
	}

	// Field matching is case-insensitive, so validation must see the
	// same normalized keys the parameter mapper does.
	lower := make(map[string]any, len(ev.Payload))
	for k, v := range ev.Payload {
		lower[strings.ToLower(k)] = v
	}

	if cb.schema != nil {
		result, err := cb.schema.Validate(gojsonschema.NewGoLoader(lower))
		if err != nil {
			return nil, &ValidationError{Shape: ev.Shape, Causes: []string{err.Error()}}
		}
		if !result.Valid() {
			causes := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				causes = append(causes, e.String())
			}
			b.logger.Warn().
				Str("shape", ev.Shape).
				Str("agent", ev.AgentName).
				Strs("causes", causes).
				Msg("Structured payload failed shape validation")
			return nil, &ValidationError{Shape: ev.Shape, Causes: causes}
		}
	}

	args := make(map[string]any, len(cb.binding.Parameters)+5)
	for i, p := range cb.binding.Parameters {
		if v, ok := lower[cb.params[i]]; ok {
			args[p] = v
		}
	}

	if cb.binding.AcceptsContext {
		args["chat_id"] = sc.ChatID
		args["app_id"] = sc.AppID
		args["workflow"] = sc.Workflow
		args["turn_idempotency_key"] = sc.TurnKey
		args["agent_name"] = sc.AgentName
	}

	return &Bound{Binding: cb.binding, Args: args}, nil
}
