package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const judgeSystem = "You decide whether a routing condition holds for a " +
	"conversation. You are given the condition and the current values of " +
	"the conversation's variables. Answer with the single word TRUE or " +
	"FALSE and nothing else."

// Options configures a Judge.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Judge asks an LLM whether a natural-language routing condition holds.
// It satisfies the handoff router's judge contract.
type Judge struct {
	provider Provider
	opts     Options
	logger   zerolog.Logger
}

// NewJudge creates a judge on top of a provider.
func NewJudge(provider Provider, opts Options, logger zerolog.Logger) *Judge {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Judge{provider: provider, opts: opts, logger: logger}
}

// Judge evaluates the condition against the variable snapshot. A verdict
// the model does not phrase as TRUE or FALSE is an error; the caller
// treats the rule as not matched.
func (j *Judge) Judge(ctx context.Context, condition string, snapshot map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, j.opts.Timeout)
	defer cancel()

	answer, err := j.provider.Complete(ctx, Request{
		Model:       j.opts.Model,
		System:      judgeSystem,
		Prompt:      judgePrompt(condition, snapshot),
		MaxTokens:   j.opts.MaxTokens,
		Temperature: j.opts.Temperature,
	})
	if err != nil {
		return false, fmt.Errorf("judge condition %q: %w", condition, err)
	}

	verdict, err := parseVerdict(answer)
	if err != nil {
		j.logger.Warn().
			Str("condition", condition).
			Str("answer", answer).
			Str("provider", j.provider.Name()).
			Msg("Judge returned an unparseable verdict")
		return false, err
	}

	j.logger.Debug().
		Str("condition", condition).
		Bool("verdict", verdict).
		Str("provider", j.provider.Name()).
		Msg("Judged routing condition")
	return verdict, nil
}

// judgePrompt renders the condition and snapshot with variables in a
// stable order so identical inputs produce identical prompts.
func judgePrompt(condition string, snapshot map[string]any) string {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Condition: ")
	b.WriteString(condition)
	b.WriteString("\n\nVariables:\n")
	for _, name := range names {
		value, err := json.Marshal(snapshot[name])
		if err != nil {
			value = []byte(fmt.Sprintf("%v", snapshot[name]))
		}
		fmt.Fprintf(&b, "  %s = %s\n", name, value)
	}
	b.WriteString("\nDoes the condition hold?")
	return b.String()
}

func parseVerdict(answer string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(strings.Trim(strings.TrimSpace(answer), "."))) {
	case "TRUE", "YES":
		return true, nil
	case "FALSE", "NO":
		return false, nil
	}
	return false, fmt.Errorf("unparseable judge verdict: %q", answer)
}
