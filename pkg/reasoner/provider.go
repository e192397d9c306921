// Package reasoner evaluates natural-language handoff conditions with an
// LLM. The router treats it as a yes/no oracle: given a condition and a
// snapshot of the routable variables, the reasoner must answer true or
// false. Anything else is an evaluation error and the rule is skipped.
package reasoner

import (
	"context"
	"fmt"
)

// Provider is a minimal completion surface over an LLM vendor SDK.
type Provider interface {
	// Complete returns the model's text answer for the request.
	Complete(ctx context.Context, req Request) (string, error)

	// Name returns the provider name
	Name() string
}

// Request contains the parameters for one completion call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// AuthProfile selects a provider and carries its credentials.
type AuthProfile struct {
	Provider string
	APIKey   string
}

// NewProvider creates a provider from an auth profile.
func NewProvider(profile AuthProfile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
