// Package derive implements the derivation engine: the reactive layer
// that watches the turn event stream and moves state variables through
// their declared transition tables. Derivation is pure data matching;
// the same transcript replayed through the same definition reproduces
// identical state.
package derive

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/blocunited/weave/pkg/turn"
	"github.com/blocunited/weave/pkg/workflow"
)

// States is the slice of the context variable store the engine needs:
// reading and mutating state variables.
type States interface {
	Get(ctx context.Context, name string) (any, error)
	SetBy(name string, value any, actor string) error
}

// Change records one applied transition.
type Change struct {
	Variable string
	From     string
	To       string
	UIHidden bool
}

type compiledTransition struct {
	from     string
	to       string
	trigger  workflow.Trigger
	pattern  *regexp.Regexp
	uiHidden bool
}

type stateVar struct {
	name        string
	transitions []compiledTransition
}

// Engine matches turn events against the transition tables of a single
// workflow definition. It is immutable after construction and shared by
// every session running that definition.
type Engine struct {
	vars   []stateVar
	logger zerolog.Logger
}

// New compiles the definition's state transition tables. Validate has
// already rejected patterns that do not compile, so a compile failure
// here indicates the definition was mutated after load.
func New(def *workflow.Definition, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger}
	for _, v := range def.Variables {
		if v.Source.Kind != workflow.SourceState {
			continue
		}
		sv := stateVar{name: v.Name}
		for i, tr := range v.Source.State.Transitions {
			ct := compiledTransition{
				from:     tr.From,
				to:       tr.To,
				trigger:  tr.Trigger,
				uiHidden: tr.UIHidden,
			}
			if tr.Trigger.Kind == workflow.TriggerAgentText && tr.Trigger.Match == workflow.MatchRegex {
				re, err := workflow.CompilePattern(tr.Trigger.Pattern)
				if err != nil {
					return nil, fmt.Errorf("state %q transition %d: %w", v.Name, i, err)
				}
				ct.pattern = re
			}
			sv.transitions = append(sv.transitions, ct)
		}
		e.vars = append(e.vars, sv)
	}
	return e, nil
}

// Apply matches the event against every state variable's transition
// table and applies the matching transitions. For each variable the
// first declared match wins; a second match on the same variable is a
// routing ambiguity and is logged as a warning. Transitions declared
// ui_hidden tag the event for display suppression.
func (e *Engine) Apply(ctx context.Context, ev *turn.Event, states States) []Change {
	var changes []Change

	for _, sv := range e.vars {
		raw, err := states.Get(ctx, sv.name)
		if err != nil {
			e.logger.Error().Err(err).Str("variable", sv.name).Msg("Derivation read failed")
			continue
		}
		current := valueString(raw)

		var winner *compiledTransition
		var captures []string
		for i := range sv.transitions {
			tr := &sv.transitions[i]
			if tr.from != current {
				continue
			}
			groups, ok := tr.matches(ev)
			if !ok {
				continue
			}
			if winner != nil {
				e.logger.Warn().
					Str("variable", sv.name).
					Str("from", current).
					Str("winner", winner.to).
					Str("also_matched", tr.to).
					Msg("Ambiguous transition triggers, first declared wins")
				continue
			}
			winner = tr
			captures = groups
		}
		if winner == nil {
			continue
		}

		to := substituteCaptures(winner.to, captures)
		if err := states.SetBy(sv.name, to, "derivation"); err != nil {
			e.logger.Error().Err(err).Str("variable", sv.name).Msg("Derivation write failed")
			continue
		}
		if winner.uiHidden {
			ev.UIHidden = true
		}

		e.logger.Debug().
			Str("variable", sv.name).
			Str("from", current).
			Str("to", to).
			Str("chat_id", ev.ChatID).
			Msg("State transition applied")

		changes = append(changes, Change{
			Variable: sv.name,
			From:     current,
			To:       to,
			UIHidden: winner.uiHidden,
		})
	}

	return changes
}

// matches reports whether the trigger fires for this event. For regex
// triggers the returned slice carries the submatches for capture
// substitution.
func (t *compiledTransition) matches(ev *turn.Event) ([]string, bool) {
	switch t.trigger.Kind {
	case workflow.TriggerAgentText:
		if ev.Kind != turn.KindText || ev.AgentName != t.trigger.Agent {
			return nil, false
		}
		switch t.trigger.Match {
		case workflow.MatchEquals:
			return nil, ev.Text == t.trigger.Pattern
		case workflow.MatchContains:
			return nil, strings.Contains(ev.Text, t.trigger.Pattern)
		case workflow.MatchRegex:
			groups := t.pattern.FindStringSubmatch(ev.Text)
			return groups, groups != nil
		}

	case workflow.TriggerUIResponse:
		if ev.Kind != turn.KindToolResponse || ev.ToolName != t.trigger.Tool {
			return nil, false
		}
		value, ok := ev.Payload[t.trigger.ResponseKey]
		if !ok {
			return nil, false
		}
		if t.trigger.Expected == "" {
			return nil, true
		}
		return nil, valueString(value) == t.trigger.Expected
	}
	return nil, false
}

var captureRef = regexp.MustCompile(`\$([1-9])`)

// substituteCaptures replaces $1..$9 in the target value with the regex
// capture groups of the matching trigger. Unmatched references expand to
// the empty string, mirroring regexp.Expand.
func substituteCaptures(to string, groups []string) string {
	if len(groups) == 0 || !strings.Contains(to, "$") {
		return to
	}
	return captureRef.ReplaceAllStringFunc(to, func(ref string) string {
		n, _ := strconv.Atoi(ref[1:])
		if n < len(groups) {
			return groups[n]
		}
		return ""
	})
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
