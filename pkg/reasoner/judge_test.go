package reasoner

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	answer  string
	err     error
	lastReq Request
}

func (f *fakeProvider) Complete(_ context.Context, req Request) (string, error) {
	f.lastReq = req
	return f.answer, f.err
}

func (f *fakeProvider) Name() string { return "fake" }

func TestJudge(t *testing.T) {
	snapshot := map[string]any{
		"interview_complete": true,
		"phase":              "review",
	}

	t.Run("affirmative verdict", func(t *testing.T) {
		provider := &fakeProvider{answer: "TRUE"}
		judge := NewJudge(provider, Options{Model: "gpt-4o-mini"}, zerolog.Nop())

		verdict, err := judge.Judge(context.Background(), "the interview has finished", snapshot)
		require.NoError(t, err)
		assert.True(t, verdict)
	})

	t.Run("negative verdict", func(t *testing.T) {
		provider := &fakeProvider{answer: "false."}
		judge := NewJudge(provider, Options{Model: "gpt-4o-mini"}, zerolog.Nop())

		verdict, err := judge.Judge(context.Background(), "the interview has finished", snapshot)
		require.NoError(t, err)
		assert.False(t, verdict)
	})

	t.Run("unparseable verdict is an error", func(t *testing.T) {
		provider := &fakeProvider{answer: "It depends on the phase."}
		judge := NewJudge(provider, Options{Model: "gpt-4o-mini"}, zerolog.Nop())

		_, err := judge.Judge(context.Background(), "the interview has finished", snapshot)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unparseable judge verdict")
	})

	t.Run("provider errors propagate", func(t *testing.T) {
		provider := &fakeProvider{err: fmt.Errorf("rate limited")}
		judge := NewJudge(provider, Options{Model: "gpt-4o-mini"}, zerolog.Nop())

		_, err := judge.Judge(context.Background(), "the interview has finished", snapshot)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("prompt carries condition and variables in stable order", func(t *testing.T) {
		provider := &fakeProvider{answer: "TRUE"}
		judge := NewJudge(provider, Options{Model: "gpt-4o-mini"}, zerolog.Nop())

		_, err := judge.Judge(context.Background(), "the interview has finished", snapshot)
		require.NoError(t, err)

		prompt := provider.lastReq.Prompt
		assert.Contains(t, prompt, "the interview has finished")
		assert.Contains(t, prompt, "interview_complete = true")
		assert.Contains(t, prompt, `phase = "review"`)
		assert.Less(t,
			strings.Index(prompt, "interview_complete"),
			strings.Index(prompt, "phase"))
	})
}

func TestNewProvider(t *testing.T) {
	t.Run("openai", func(t *testing.T) {
		p, err := NewProvider(AuthProfile{Provider: "openai", APIKey: "sk-test"})
		require.NoError(t, err)
		assert.Equal(t, "openai", p.Name())
	})

	t.Run("anthropic", func(t *testing.T) {
		p, err := NewProvider(AuthProfile{Provider: "anthropic", APIKey: "sk-test"})
		require.NoError(t, err)
		assert.Equal(t, "anthropic", p.Name())
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewProvider(AuthProfile{Provider: "cohere"})
		require.Error(t, err)
	})
}
