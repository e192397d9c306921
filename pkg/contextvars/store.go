// Package contextvars implements the typed per-session context variable
// store. Values are resolved from six source kinds at session start,
// read concurrently by routing and binding, and mutated only by the
// derivation engine (state) or tool executions (data_entity/computed).
package contextvars

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blocunited/weave/pkg/workflow"
)

var (
	// ErrNotFound is returned when a variable is not declared.
	ErrNotFound = errors.New("context variable not found")
	// ErrReadOnly is returned when a caller attempts to set a config or
	// data_reference variable. This is a programming error and fails
	// loudly rather than being swallowed.
	ErrReadOnly = errors.New("context variable is read-only")
)

// Mutation is one audit trail entry.
type Mutation struct {
	Name  string    `json:"name"`
	Old   any       `json:"old"`
	New   any       `json:"new"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// DataReader reads existing external data for data_reference variables.
type DataReader interface {
	Read(ctx context.Context, ref string) (any, error)
}

// DataWriter receives deferred writes from data_entity variables.
type DataWriter interface {
	Write(ctx context.Context, collection, name string, value any) error
}

// ExternalFetcher fetches external variables from third-party services.
type ExternalFetcher interface {
	Fetch(ctx context.Context, service string) (any, error)
}

// Options wires the store's external collaborators. Any of them may be
// nil; the corresponding source kinds then resolve to their defaults.
type Options struct {
	// Config is the deployment configuration config variables read from.
	Config  map[string]any
	Reader  DataReader
	Writer  DataWriter
	Fetcher ExternalFetcher
	Funcs   *FuncRegistry
	Logger  zerolog.Logger
	Now     func() time.Time
}

type extEntry struct {
	value     any
	fetchedAt time.Time
}

// Store holds the current values of one session's context variables.
// It is exclusively owned by the session; a single mutex guards the low
// mutation rate.
type Store struct {
	def    *workflow.Definition
	byName map[string]*workflow.VariableDef

	values map[string]any
	ext    map[string]extEntry
	audit  []Mutation
	queue  []deferredWrite

	opts Options
	mu   sync.Mutex
}

// New creates a store for the given definition. Call Resolve before the
// first turn is processed.
func New(def *workflow.Definition, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Funcs == nil {
		opts.Funcs = NewFuncRegistry()
	}

	byName := make(map[string]*workflow.VariableDef, len(def.Variables))
	for i := range def.Variables {
		byName[def.Variables[i].Name] = &def.Variables[i]
	}

	return &Store{
		def:    def,
		byName: byName,
		values: make(map[string]any, len(def.Variables)),
		ext:    make(map[string]extEntry),
		opts:   opts,
	}
}

// Resolve resolves all variable definitions in dependency order. A
// failure resolving one variable logs and falls back to the declared
// default (or nil) without blocking unrelated variables.
func (s *Store) Resolve(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Non-computed variables first, in declaration order.
	for i := range s.def.Variables {
		v := &s.def.Variables[i]
		if v.Source.Kind == workflow.SourceComputed {
			continue
		}
		s.values[v.Name] = s.resolveOne(ctx, v)
	}

	// Computed variables after their inputs.
	for _, v := range s.computedOrder() {
		s.values[v.Name] = s.resolveOne(ctx, v)
	}
}

// resolveOne resolves a single variable, falling back to its default.
// Caller holds the lock.
func (s *Store) resolveOne(ctx context.Context, v *workflow.VariableDef) any {
	value, err := s.fetchValue(ctx, v)
	if err != nil {
		s.opts.Logger.Error().
			Err(err).
			Str("variable", v.Name).
			Str("kind", string(v.Source.Kind)).
			Msg("Variable resolution failed, falling back to default")
		return defaultValue(v)
	}
	return value
}

func (s *Store) fetchValue(ctx context.Context, v *workflow.VariableDef) (any, error) {
	switch v.Source.Kind {
	case workflow.SourceConfig:
		if s.opts.Config == nil {
			return nil, fmt.Errorf("no deployment config supplied for %q", v.Name)
		}
		value, ok := s.opts.Config[v.Source.Config.Key]
		if !ok {
			return nil, fmt.Errorf("deployment config has no key %q", v.Source.Config.Key)
		}
		return value, nil

	case workflow.SourceDataReference:
		if s.opts.Reader == nil {
			return nil, fmt.Errorf("no data reader supplied for %q", v.Name)
		}
		return s.opts.Reader.Read(ctx, v.Source.DataReference.Ref)

	case workflow.SourceDataEntity:
		// Owned by the session; starts at the type default until a
		// tool writes it.
		return defaultValue(v), nil

	case workflow.SourceState:
		return v.Source.State.Default, nil

	case workflow.SourceComputed:
		return s.compute(v)

	case workflow.SourceExternal:
		return s.fetchExternal(ctx, v)
	}
	return nil, fmt.Errorf("unknown source kind %q", v.Source.Kind)
}

// Get returns the current value of a variable. data_reference variables
// with an on_demand refresh policy are re-read; external variables are
// served from the TTL cache or re-fetched; computed variables are
// re-evaluated from their current inputs.
func (s *Store) Get(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	switch v.Source.Kind {
	case workflow.SourceDataReference:
		if v.Source.DataReference.Refresh == workflow.RefreshOnDemand && s.opts.Reader != nil {
			value, err := s.opts.Reader.Read(ctx, v.Source.DataReference.Ref)
			if err != nil {
				return nil, fmt.Errorf("refresh %q: %w", name, err)
			}
			s.values[name] = value
			return value, nil
		}
	case workflow.SourceComputed:
		return s.compute(v)
	case workflow.SourceExternal:
		return s.fetchExternal(ctx, v)
	}

	return s.values[name], nil
}

// RefreshPhase re-reads data_reference variables declared with the
// per_phase refresh policy. The session loop calls this when control
// hands off to another agent.
func (s *Store) RefreshPhase(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Reader == nil {
		return
	}
	for i := range s.def.Variables {
		v := &s.def.Variables[i]
		if v.Source.Kind != workflow.SourceDataReference || v.Source.DataReference.Refresh != workflow.RefreshPerPhase {
			continue
		}
		value, err := s.opts.Reader.Read(ctx, v.Source.DataReference.Ref)
		if err != nil {
			s.opts.Logger.Warn().
				Err(err).
				Str("variable", v.Name).
				Msg("Per-phase refresh failed, keeping previous value")
			continue
		}
		s.values[v.Name] = value
	}
}

// Set updates a variable on behalf of a tool execution. Only state,
// data_entity and computed variables are settable.
func (s *Store) Set(name string, value any) error {
	return s.SetBy(name, value, "tool")
}

// SetBy updates a variable recording the acting component in the audit
// trail. The derivation engine passes "derivation".
func (s *Store) SetBy(name string, value any, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	switch v.Source.Kind {
	case workflow.SourceState, workflow.SourceDataEntity, workflow.SourceComputed:
	default:
		return fmt.Errorf("%w: %q is a %s variable", ErrReadOnly, name, v.Source.Kind)
	}

	old := s.values[name]
	s.values[name] = value
	s.audit = append(s.audit, Mutation{
		Name:  name,
		Old:   old,
		New:   value,
		Actor: actor,
		At:    s.opts.Now(),
	})

	if v.Source.Kind == workflow.SourceDataEntity {
		s.queueWrite(v, value)
	}

	return nil
}

// Snapshot returns the routing view: only state and config variables,
// the two kinds permitted in handoff conditions.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[string]any)
	for name, v := range s.byName {
		switch v.Source.Kind {
		case workflow.SourceState, workflow.SourceConfig:
			snap[name] = s.values[name]
		}
	}
	return snap
}

// Audit returns a copy of the mutation trail.
func (s *Store) Audit() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Mutation, len(s.audit))
	copy(out, s.audit)
	return out
}

// PersistentState returns the final values of state variables declared
// with persist=true plus persisted computed variables, for storage at
// session end.
func (s *Store) PersistentState() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any)
	for name, v := range s.byName {
		switch v.Source.Kind {
		case workflow.SourceState:
			if v.Source.State.Persist {
				out[name] = s.values[name]
			}
		case workflow.SourceComputed:
			if v.Source.Computed.Persist {
				if value, err := s.compute(v); err == nil {
					out[name] = value
				}
			}
		}
	}
	return out
}

// compute evaluates a computed variable from the current values of its
// inputs. Caller holds the lock.
func (s *Store) compute(v *workflow.VariableDef) (any, error) {
	fn, ok := s.opts.Funcs.Get(v.Source.Computed.Function)
	if !ok {
		return nil, fmt.Errorf("computed function %q is not registered", v.Source.Computed.Function)
	}
	inputs := make(map[string]any, len(v.Source.Computed.Inputs))
	for _, in := range v.Source.Computed.Inputs {
		inputs[in] = s.values[in]
	}
	return fn(inputs)
}

// computedOrder returns computed variables ordered so that computed
// inputs come before their dependents. Cycles degrade to declaration
// order; each member then resolves against whatever inputs exist.
func (s *Store) computedOrder() []*workflow.VariableDef {
	var ordered []*workflow.VariableDef
	done := make(map[string]bool)

	var visit func(v *workflow.VariableDef, path map[string]bool)
	visit = func(v *workflow.VariableDef, path map[string]bool) {
		if done[v.Name] || path[v.Name] {
			return
		}
		path[v.Name] = true
		for _, in := range v.Source.Computed.Inputs {
			if dep, ok := s.byName[in]; ok && dep.Source.Kind == workflow.SourceComputed {
				visit(dep, path)
			}
		}
		delete(path, v.Name)
		done[v.Name] = true
		ordered = append(ordered, v)
	}

	for i := range s.def.Variables {
		v := &s.def.Variables[i]
		if v.Source.Kind == workflow.SourceComputed {
			visit(v, make(map[string]bool))
		}
	}
	return ordered
}

func defaultValue(v *workflow.VariableDef) any {
	if v.Source.Kind == workflow.SourceState {
		return v.Source.State.Default
	}
	return nil
}
