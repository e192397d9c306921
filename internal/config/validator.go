package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	// Check if it's a known model
	knownModels := []string{
		"claude-opus-4",
		"claude-sonnet-4",
		"claude-haiku-4",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	}

	for _, known := range knownModels {
		if model == known {
			return nil
		}
	}

	// Allow custom models (just warn)
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSharedSecret rejects secrets too short to survive an online
// guessing attack on the gateway challenge.
func (v *Validator) ValidateSharedSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("gateway shared secret cannot be empty")
	}
	if len(secret) < 16 {
		return fmt.Errorf("gateway shared secret must be at least 16 characters")
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Validate AI profiles (canonical source)
	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	// Validate gateway
	if err := v.ValidateSharedSecret(cfg.Gateway.SharedSecret); err != nil {
		errors = append(errors, err)
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("invalid gateway port: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.TickIntervalSeconds < 0 {
		errors = append(errors, fmt.Errorf("gateway tick_interval_seconds must be >= 0"))
	}

	// Validate judge
	if cfg.Judge.Model != "" {
		if err := v.ValidateModel(cfg.Judge.Model); err != nil {
			errors = append(errors, fmt.Errorf("judge: %w", err))
		}
	}
	if cfg.Judge.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Judge.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("judge: %w", err))
		}
	}
	if cfg.Judge.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Judge.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("judge: %w", err))
		}
	}
	if cfg.Judge.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("judge timeout_seconds must be >= 0"))
	}

	// Validate journal retention
	if cfg.Journal.IdleTimeoutMinutes < 0 {
		errors = append(errors, fmt.Errorf("journal idle_timeout_minutes must be >= 0"))
	}
	if cfg.Journal.DeleteAgeDays < 0 {
		errors = append(errors, fmt.Errorf("journal delete_age_days must be >= 0"))
	}
	if cfg.Journal.MaxEvents < 0 {
		errors = append(errors, fmt.Errorf("journal max_events must be >= 0"))
	}

	if cfg.Session.RetentionMinutes < 0 {
		errors = append(errors, fmt.Errorf("session retention_minutes must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
