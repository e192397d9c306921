package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Weave configuration
type Config struct {
	// Workflows
	Workflows WorkflowsConfig `json:"workflows" mapstructure:"workflows"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Journal
	Journal JournalConfig `json:"journal" mapstructure:"journal"`

	// Pack run persistence
	Pack PackConfig `json:"pack" mapstructure:"pack"`

	// Session engine
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Handoff judge
	Judge JudgeConfig `json:"judge" mapstructure:"judge"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// WorkflowsConfig tells the engine where its workflow definitions live
type WorkflowsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port                int    `json:"port" mapstructure:"port"`
	Host                string `json:"host" mapstructure:"host"`
	SharedSecret        string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalSeconds int    `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
}

// JournalConfig holds turn journal settings
type JournalConfig struct {
	Dir                string `json:"dir" mapstructure:"dir"`
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes" mapstructure:"idle_timeout_minutes"`
	DeleteAgeDays      int    `json:"delete_age_days" mapstructure:"delete_age_days"`
	MaxEvents          int    `json:"max_events" mapstructure:"max_events"`
}

// PackConfig holds pack run store settings
type PackConfig struct {
	DBPath      string `json:"db_path" mapstructure:"db_path"`
	SnapshotDir string `json:"snapshot_dir" mapstructure:"snapshot_dir"`
}

// SessionConfig holds session engine settings
type SessionConfig struct {
	AppID            string         `json:"app_id" mapstructure:"app_id"`
	RetentionMinutes int            `json:"retention_minutes" mapstructure:"retention_minutes"`
	Variables        map[string]any `json:"variables" mapstructure:"variables"`
}

// JudgeConfig configures the natural-language condition judge
type JudgeConfig struct {
	Profile        string  `json:"profile" mapstructure:"profile"`
	Model          string  `json:"model" mapstructure:"model"`
	MaxTokens      int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `json:"temperature" mapstructure:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Workflows: WorkflowsConfig{
			Dir:   "",
			Watch: true,
		},
		Gateway: GatewayConfig{
			Port:                8080,
			Host:                "0.0.0.0",
			SharedSecret:        "",
			TickIntervalSeconds: 30,
		},
		Journal: JournalConfig{
			IdleTimeoutMinutes: 30,
			DeleteAgeDays:      7,
			MaxEvents:          500,
		},
		Session: SessionConfig{
			AppID:            "weave",
			RetentionMinutes: 60,
		},
		Judge: JudgeConfig{
			Model:          "claude-sonnet-4",
			MaxTokens:      8,
			Temperature:    0,
			TimeoutSeconds: 15,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Workflows.Dir == "" {
		return fmt.Errorf("workflows dir is required")
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared secret is required")
	}

	if c.Journal.MaxEvents < 0 {
		return fmt.Errorf("journal max_events must not be negative")
	}

	// Validate AI profiles
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	// The judge is optional: workflows with no natural-language handoff
	// conditions run without one. When a profile is named it must exist.
	if c.Judge.Profile != "" && c.FindProfile(c.Judge.Profile) == nil {
		return fmt.Errorf("judge profile %s is not configured under ai.profiles", c.Judge.Profile)
	}

	return nil
}

// FindProfile returns the AI profile with the given id, or nil.
func (c *Config) FindProfile(id string) *AIProfile {
	for i := range c.AI.Profiles {
		if c.AI.Profiles[i].ID == id {
			return &c.AI.Profiles[i]
		}
	}
	return nil
}

// JudgeProfile resolves the profile the judge should use: the named one
// when set, otherwise the highest-priority profile.
func (c *Config) JudgeProfile() *AIProfile {
	if c.Judge.Profile != "" {
		return c.FindProfile(c.Judge.Profile)
	}
	var best *AIProfile
	for i := range c.AI.Profiles {
		if best == nil || c.AI.Profiles[i].Priority < best.Priority {
			best = &c.AI.Profiles[i]
		}
	}
	return best
}
