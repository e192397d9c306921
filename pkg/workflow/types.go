// Package workflow defines the declarative workflow model: agents, typed
// context variables, handoff rules and tool bindings. A Definition is
// validated once at load time and never mutated afterwards, so it can be
// shared across all session goroutines without locking.
package workflow

import (
	"errors"
	"fmt"
	"time"
)

// ValueType is the declared type of a context variable.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeArray   ValueType = "array"
)

// SourceKind identifies how a context variable obtains its value.
type SourceKind string

const (
	SourceConfig        SourceKind = "config"
	SourceDataReference SourceKind = "data_reference"
	SourceDataEntity    SourceKind = "data_entity"
	SourceComputed      SourceKind = "computed"
	SourceState         SourceKind = "state"
	SourceExternal      SourceKind = "external"
)

// RefreshPolicy controls when a data_reference variable is re-read.
type RefreshPolicy string

const (
	RefreshOnce     RefreshPolicy = "once"
	RefreshPerPhase RefreshPolicy = "per_phase"
	RefreshOnDemand RefreshPolicy = "on_demand"
)

// WritePolicy controls when data_entity writes reach the external store.
type WritePolicy string

const (
	WriteImmediate         WritePolicy = "immediate"
	WriteOnPhaseTransition WritePolicy = "on_phase_transition"
	WriteOnSessionEnd      WritePolicy = "on_session_end"
)

// AgentDef describes one agent in the workflow. Declaration order defines
// the after_work continuation sequence.
type AgentDef struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// VariableDef declares one typed context variable and its source.
type VariableDef struct {
	Name   string     `json:"name" yaml:"name"`
	Type   ValueType  `json:"type" yaml:"type"`
	Source SourceSpec `json:"source" yaml:"source"`
}

// SourceSpec is the tagged union over the six source kinds. Exactly the
// field matching Kind is populated.
type SourceSpec struct {
	Kind          SourceKind           `json:"kind" yaml:"kind"`
	Config        *ConfigSource        `json:"config,omitempty" yaml:"config,omitempty"`
	DataReference *DataReferenceSource `json:"data_reference,omitempty" yaml:"data_reference,omitempty"`
	DataEntity    *DataEntitySource    `json:"data_entity,omitempty" yaml:"data_entity,omitempty"`
	Computed      *ComputedSource      `json:"computed,omitempty" yaml:"computed,omitempty"`
	State         *StateSource         `json:"state,omitempty" yaml:"state,omitempty"`
	External      *ExternalSource      `json:"external,omitempty" yaml:"external,omitempty"`
}

// ConfigSource resolves once from deployment configuration; immutable for
// the session.
type ConfigSource struct {
	Key string `json:"key" yaml:"key"`
}

// DataReferenceSource reads existing external data; read-only.
type DataReferenceSource struct {
	Ref     string        `json:"ref" yaml:"ref"`
	Refresh RefreshPolicy `json:"refresh" yaml:"refresh"`
}

// DataEntitySource is data owned by the session; writes are deferred per
// the write policy.
type DataEntitySource struct {
	Collection string      `json:"collection" yaml:"collection"`
	Write      WritePolicy `json:"write" yaml:"write"`
}

// ComputedSource derives a value from other variables via a named pure
// function.
type ComputedSource struct {
	Function string   `json:"function" yaml:"function"`
	Inputs   []string `json:"inputs" yaml:"inputs"`
	Persist  bool     `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// StateSource is a finite-value variable with an explicit default and a
// declared transition table. This is the only kind the derivation engine
// mutates reactively.
type StateSource struct {
	Default     string       `json:"default" yaml:"default"`
	Persist     bool         `json:"persist,omitempty" yaml:"persist,omitempty"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
}

// ExternalSource is fetched on demand from a third-party service, cached
// with a TTL and retried with backoff.
type ExternalSource struct {
	Service    string        `json:"service" yaml:"service"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
}

// Transition moves a state variable from one value to another when its
// trigger matches an observed turn event. Declaration order is the
// tie-break: the first matching transition wins.
type Transition struct {
	From     string  `json:"from" yaml:"from"`
	To       string  `json:"to" yaml:"to"`
	Trigger  Trigger `json:"trigger" yaml:"trigger"`
	UIHidden bool    `json:"ui_hidden,omitempty" yaml:"ui_hidden,omitempty"`
}

// TriggerKind identifies the trigger variant.
type TriggerKind string

const (
	TriggerAgentText  TriggerKind = "agent_text"
	TriggerUIResponse TriggerKind = "ui_response"
)

// MatchKind is the text matching mode for agent_text triggers.
type MatchKind string

const (
	MatchEquals   MatchKind = "equals"
	MatchContains MatchKind = "contains"
	MatchRegex    MatchKind = "regex"
)

// Trigger is declarative data, not code. The same trigger replayed
// against a logged transcript reproduces identical state.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`

	// agent_text fields.
	Agent        string    `json:"agent,omitempty" yaml:"agent,omitempty"`
	Match        MatchKind `json:"match,omitempty" yaml:"match,omitempty"`
	Pattern      string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	CaptureGroup int       `json:"capture_group,omitempty" yaml:"capture_group,omitempty"`

	// ui_response fields.
	Tool        string `json:"tool,omitempty" yaml:"tool,omitempty"`
	ResponseKey string `json:"response_key,omitempty" yaml:"response_key,omitempty"`
	Expected    string `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// TargetKind identifies where a handoff rule routes control.
type TargetKind string

const (
	TargetAgent          TargetKind = "agent"
	TargetReturnToCaller TargetKind = "return_to_caller"
	TargetTerminate      TargetKind = "terminate"
)

// RuleType distinguishes conditional rules from linear continuation.
type RuleType string

const (
	RuleCondition RuleType = "condition"
	RuleAfterWork RuleType = "after_work"
)

// ConditionType selects the condition evaluation strategy.
type ConditionType string

const (
	ConditionExpression      ConditionType = "expression"
	ConditionNaturalLanguage ConditionType = "natural_language"
)

// Scope controls when a rule is evaluated relative to the agent's turn.
type Scope string

const (
	ScopePre  Scope = "pre"
	ScopePost Scope = "post"
)

// Target is the destination of a handoff.
type Target struct {
	Kind  TargetKind `json:"kind" yaml:"kind"`
	Agent string     `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// HandoffRule routes control away from a source agent. Rules are
// evaluated in declaration order; the first whose condition holds wins.
type HandoffRule struct {
	SourceAgent   string        `json:"source_agent" yaml:"source_agent"`
	Target        Target        `json:"target" yaml:"target"`
	Type          RuleType      `json:"type" yaml:"type"`
	ConditionType ConditionType `json:"condition_type,omitempty" yaml:"condition_type,omitempty"`
	Condition     string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Scope         Scope         `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// ToolBinding maps a structured output shape emitted by an agent to the
// tool that handles it. Bindings are resolved once per workflow and
// cached; never mutated after load.
type ToolBinding struct {
	Shape          string            `json:"shape" yaml:"shape"`
	Agent          string            `json:"agent" yaml:"agent"`
	Tool           string            `json:"tool" yaml:"tool"`
	Parameters     []string          `json:"parameters" yaml:"parameters"`
	AcceptsContext bool              `json:"accepts_context,omitempty" yaml:"accepts_context,omitempty"`
	UIMeta         map[string]string `json:"ui_meta,omitempty" yaml:"ui_meta,omitempty"`
	Schema         map[string]any    `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Definition is the immutable workflow definition supplied once at
// session start.
type Definition struct {
	Name       string        `json:"name" yaml:"name"`
	AppID      string        `json:"app_id,omitempty" yaml:"app_id,omitempty"`
	Version    string        `json:"version,omitempty" yaml:"version,omitempty"`
	Requires   string        `json:"requires,omitempty" yaml:"requires,omitempty"`
	EntryAgent string        `json:"entry_agent" yaml:"entry_agent"`
	Agents     []AgentDef    `json:"agents" yaml:"agents"`
	Variables  []VariableDef `json:"variables,omitempty" yaml:"variables,omitempty"`
	Handoffs   []HandoffRule `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`
	Bindings   []ToolBinding `json:"bindings,omitempty" yaml:"bindings,omitempty"`
}

// Agent returns the agent definition by name, or nil.
func (d *Definition) Agent(name string) *AgentDef {
	for i := range d.Agents {
		if d.Agents[i].Name == name {
			return &d.Agents[i]
		}
	}
	return nil
}

// NextAgent returns the agent declared after the given one, or "" when
// the given agent is last (after_work termination).
func (d *Definition) NextAgent(name string) string {
	for i := range d.Agents {
		if d.Agents[i].Name == name && i+1 < len(d.Agents) {
			return d.Agents[i+1].Name
		}
	}
	return ""
}

// Variable returns the variable definition by name, or nil.
func (d *Definition) Variable(name string) *VariableDef {
	for i := range d.Variables {
		if d.Variables[i].Name == name {
			return &d.Variables[i]
		}
	}
	return nil
}

// Validate errors.
var (
	ErrNoAgents   = errors.New("workflow declares no agents")
	ErrNoEntry    = errors.New("workflow entry agent is not declared")
	ErrDuplicate  = errors.New("duplicate declaration")
	ErrBadTrigger = errors.New("malformed trigger")
)

// Validate checks internal consistency of the definition. It is the load
// boundary: malformed triggers and routing references are rejected here,
// never at match time.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Agents) == 0 {
		return ErrNoAgents
	}

	seenAgents := make(map[string]bool, len(d.Agents))
	for _, a := range d.Agents {
		if a.Name == "" {
			return errors.New("agent name is required")
		}
		if seenAgents[a.Name] {
			return fmt.Errorf("%w: agent %q", ErrDuplicate, a.Name)
		}
		seenAgents[a.Name] = true
	}

	if d.EntryAgent == "" || !seenAgents[d.EntryAgent] {
		return fmt.Errorf("%w: %q", ErrNoEntry, d.EntryAgent)
	}

	seenVars := make(map[string]SourceKind, len(d.Variables))
	for _, v := range d.Variables {
		if err := v.validate(); err != nil {
			return fmt.Errorf("variable %q: %w", v.Name, err)
		}
		if _, dup := seenVars[v.Name]; dup {
			return fmt.Errorf("%w: variable %q", ErrDuplicate, v.Name)
		}
		seenVars[v.Name] = v.Source.Kind
	}

	// Computed inputs must reference declared variables.
	for _, v := range d.Variables {
		if v.Source.Kind != SourceComputed {
			continue
		}
		for _, in := range v.Source.Computed.Inputs {
			if _, ok := seenVars[in]; !ok {
				return fmt.Errorf("variable %q: computed input %q is not declared", v.Name, in)
			}
		}
	}

	for i, r := range d.Handoffs {
		if err := r.validate(seenAgents, seenVars); err != nil {
			return fmt.Errorf("handoff rule %d: %w", i, err)
		}
	}

	seenBindings := make(map[string]bool, len(d.Bindings))
	for _, b := range d.Bindings {
		if b.Shape == "" || b.Agent == "" || b.Tool == "" {
			return errors.New("tool binding requires shape, agent and tool")
		}
		if !seenAgents[b.Agent] {
			return fmt.Errorf("tool binding %q: agent %q is not declared", b.Shape, b.Agent)
		}
		key := b.Shape + "/" + b.Agent
		if seenBindings[key] {
			return fmt.Errorf("%w: binding %q for agent %q", ErrDuplicate, b.Shape, b.Agent)
		}
		seenBindings[key] = true
	}

	return nil
}

func (v *VariableDef) validate() error {
	switch v.Type {
	case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
	default:
		return fmt.Errorf("unknown type %q", v.Type)
	}

	s := v.Source
	switch s.Kind {
	case SourceConfig:
		if s.Config == nil || s.Config.Key == "" {
			return errors.New("config source requires a key")
		}
	case SourceDataReference:
		if s.DataReference == nil || s.DataReference.Ref == "" {
			return errors.New("data_reference source requires a ref")
		}
		switch s.DataReference.Refresh {
		case RefreshOnce, RefreshPerPhase, RefreshOnDemand, "":
		default:
			return fmt.Errorf("unknown refresh policy %q", s.DataReference.Refresh)
		}
	case SourceDataEntity:
		if s.DataEntity == nil || s.DataEntity.Collection == "" {
			return errors.New("data_entity source requires a collection")
		}
		switch s.DataEntity.Write {
		case WriteImmediate, WriteOnPhaseTransition, WriteOnSessionEnd, "":
		default:
			return fmt.Errorf("unknown write policy %q", s.DataEntity.Write)
		}
	case SourceComputed:
		if s.Computed == nil || s.Computed.Function == "" {
			return errors.New("computed source requires a function name")
		}
	case SourceState:
		if s.State == nil {
			return errors.New("state source requires a state block")
		}
		for i, tr := range s.State.Transitions {
			if err := tr.Trigger.validate(); err != nil {
				return fmt.Errorf("transition %d: %w", i, err)
			}
		}
	case SourceExternal:
		if s.External == nil || s.External.Service == "" {
			return errors.New("external source requires a service")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

func (t *Trigger) validate() error {
	switch t.Kind {
	case TriggerAgentText:
		if t.Agent == "" {
			return fmt.Errorf("%w: agent_text trigger requires an agent", ErrBadTrigger)
		}
		switch t.Match {
		case MatchEquals, MatchContains:
		case MatchRegex:
			if _, err := compileTriggerPattern(t.Pattern); err != nil {
				return fmt.Errorf("%w: %v", ErrBadTrigger, err)
			}
		default:
			return fmt.Errorf("%w: unknown match kind %q", ErrBadTrigger, t.Match)
		}
	case TriggerUIResponse:
		if t.Tool == "" || t.ResponseKey == "" {
			return fmt.Errorf("%w: ui_response trigger requires tool and response key", ErrBadTrigger)
		}
	default:
		return fmt.Errorf("%w: unknown trigger kind %q", ErrBadTrigger, t.Kind)
	}
	return nil
}

func (r *HandoffRule) validate(agents map[string]bool, vars map[string]SourceKind) error {
	if r.SourceAgent == "" || !agents[r.SourceAgent] {
		return fmt.Errorf("source agent %q is not declared", r.SourceAgent)
	}

	switch r.Target.Kind {
	case TargetAgent:
		if !agents[r.Target.Agent] {
			return fmt.Errorf("target agent %q is not declared", r.Target.Agent)
		}
	case TargetReturnToCaller, TargetTerminate:
	default:
		return fmt.Errorf("unknown target kind %q", r.Target.Kind)
	}

	switch r.Type {
	case RuleAfterWork:
		return nil
	case RuleCondition:
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}

	switch r.Scope {
	case ScopePre, ScopePost, "":
	default:
		return fmt.Errorf("unknown scope %q", r.Scope)
	}

	switch r.ConditionType {
	case ConditionNaturalLanguage:
		if r.Condition == "" {
			return errors.New("natural_language rule requires a condition")
		}
	case ConditionExpression, "":
		// Only state and config variables may appear in expression
		// conditions; this keeps routing deterministic and replayable.
		refs, err := ExpressionVariables(r.Condition)
		if err != nil {
			return err
		}
		for _, name := range refs {
			kind, ok := vars[name]
			if !ok {
				return fmt.Errorf("condition references undeclared variable %q", name)
			}
			if kind != SourceState && kind != SourceConfig {
				return fmt.Errorf("condition references %s variable %q; only state and config variables are routable", kind, name)
			}
		}
	default:
		return fmt.Errorf("unknown condition type %q", r.ConditionType)
	}

	return nil
}
