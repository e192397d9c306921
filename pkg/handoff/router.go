// Package handoff implements the handoff router: after every processed
// turn it decides whether control stays with the current agent, moves to
// another agent, returns to the caller, or terminates the session.
// Routing reads only the state/config snapshot of the context store, so
// a decision is reproducible from the snapshot alone.
package handoff

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/blocunited/weave/pkg/workflow"
)

// Decision is the outcome of routing one agent at one scope.
type Decision struct {
	Target workflow.TargetKind
	Agent  string
	// Matched is true when a condition rule fired; false means the
	// decision came from after_work linear continuation.
	Matched bool
}

// Stay is returned from pre-scope routing when no rule fired: the agent
// keeps the turn.
var Stay = Decision{}

// Judge evaluates natural-language conditions. Implementations are
// advisory: an error or unavailable judge is treated as condition-false
// and logged, never fatal to routing.
type Judge interface {
	Judge(ctx context.Context, condition string, snapshot map[string]any) (bool, error)
}

type compiledRule struct {
	rule workflow.HandoffRule
	expr exprNode // nil for natural_language and after_work rules
}

// Router evaluates a single definition's handoff rules. Immutable after
// construction; shared across sessions.
type Router struct {
	def    *workflow.Definition
	rules  map[string][]compiledRule
	judge  Judge
	logger zerolog.Logger
}

// NewRouter compiles every expression condition in the definition.
// A condition that does not parse fails the load, mirroring the
// trigger-compile boundary in the derivation engine.
func NewRouter(def *workflow.Definition, judge Judge, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		def:    def,
		rules:  make(map[string][]compiledRule),
		judge:  judge,
		logger: logger,
	}
	for i, rule := range def.Handoffs {
		cr := compiledRule{rule: rule}
		if rule.Type == workflow.RuleCondition && conditionType(rule) == workflow.ConditionExpression {
			expr, err := parseExpression(rule.Condition)
			if err != nil {
				return nil, fmt.Errorf("handoff rule %d (%s): %w", i, rule.SourceAgent, err)
			}
			cr.expr = expr
		}
		r.rules[rule.SourceAgent] = append(r.rules[rule.SourceAgent], cr)
	}
	return r, nil
}

// Route evaluates the agent's rules at the given scope against the
// snapshot, in declaration order. The first rule whose condition holds
// wins; additional matches are logged as a routing ambiguity. When no
// condition rule fires, post-scope routing falls back to the declared
// after_work rule or linear continuation; pre-scope routing returns
// Stay.
func (r *Router) Route(ctx context.Context, agent string, scope workflow.Scope, snapshot map[string]any) Decision {
	var winner *compiledRule
	for i := range r.rules[agent] {
		cr := &r.rules[agent][i]
		if cr.rule.Type != workflow.RuleCondition || ruleScope(cr.rule) != scope {
			continue
		}

		if winner != nil {
			// Keep evaluating cheap expression rules only to surface
			// the ambiguity; judge calls are skipped once decided.
			if cr.expr != nil && cr.expr.eval(snapshot) {
				r.logger.Warn().
					Str("agent", agent).
					Str("winner", targetLabel(winner.rule.Target)).
					Str("also_matched", targetLabel(cr.rule.Target)).
					Msg("Multiple handoff rules matched, first declared wins")
			}
			continue
		}

		if r.holds(ctx, cr, snapshot) {
			winner = cr
		}
	}

	if winner != nil {
		r.logger.Debug().
			Str("agent", agent).
			Str("scope", string(scope)).
			Str("target", targetLabel(winner.rule.Target)).
			Msg("Handoff condition matched")
		return Decision{Target: winner.rule.Target.Kind, Agent: winner.rule.Target.Agent, Matched: true}
	}

	if scope == workflow.ScopePre {
		return Stay
	}
	return r.afterWork(agent)
}

// afterWork is the linear continuation: an explicit after_work rule if
// one is declared for the agent, otherwise the next declared agent,
// otherwise terminate.
func (r *Router) afterWork(agent string) Decision {
	for _, cr := range r.rules[agent] {
		if cr.rule.Type == workflow.RuleAfterWork {
			return Decision{Target: cr.rule.Target.Kind, Agent: cr.rule.Target.Agent}
		}
	}
	if next := r.def.NextAgent(agent); next != "" {
		return Decision{Target: workflow.TargetAgent, Agent: next}
	}
	return Decision{Target: workflow.TargetTerminate}
}

func (r *Router) holds(ctx context.Context, cr *compiledRule, snapshot map[string]any) bool {
	if cr.expr != nil {
		return cr.expr.eval(snapshot)
	}
	if r.judge == nil {
		r.logger.Warn().
			Str("agent", cr.rule.SourceAgent).
			Msg("Natural-language condition with no judge configured, treated as false")
		return false
	}
	ok, err := r.judge.Judge(ctx, cr.rule.Condition, snapshot)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("agent", cr.rule.SourceAgent).
			Msg("Natural-language judge failed, condition treated as false")
		return false
	}
	return ok
}

func conditionType(rule workflow.HandoffRule) workflow.ConditionType {
	if rule.ConditionType == "" {
		return workflow.ConditionExpression
	}
	return rule.ConditionType
}

// ruleScope defaults to post: most handoffs react to what the agent just
// produced.
func ruleScope(rule workflow.HandoffRule) workflow.Scope {
	if rule.Scope == "" {
		return workflow.ScopePost
	}
	return rule.Scope
}

func targetLabel(t workflow.Target) string {
	if t.Kind == workflow.TargetAgent {
		return t.Agent
	}
	return string(t.Kind)
}
