package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Weave Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// API Keys
	fmt.Println("AI credentials (optional, required only for natural-language handoff conditions):")
	fmt.Println()

	// Anthropic API Key
	for {
		fmt.Print("Anthropic API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "anthropic",
			Provider: "anthropic",
			APIKey:   key,
			Priority: len(cfg.AI.Profiles),
		})
		break
	}

	// OpenAI API Key
	for {
		fmt.Print("OpenAI API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "openai",
			Provider: "openai",
			APIKey:   key,
			Priority: len(cfg.AI.Profiles),
		})
		break
	}

	fmt.Println()

	// Workflow definitions
	fmt.Println("Workflows:")
	fmt.Print("Workflow definitions directory (press Enter for default): ")
	dir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		cfg.Workflows.Dir = dir
	}

	fmt.Println()

	// Gateway
	fmt.Println("Gateway:")

	fmt.Print("Gateway port [8080]: ")
	portStr, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			fmt.Println("Warning: invalid port, using default (8080)")
		} else {
			cfg.Gateway.Port = port
		}
	}

	fmt.Print("Gateway shared secret (press Enter to generate one): ")
	secret, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret = generateSecret()
		fmt.Printf("Generated shared secret: %s\n", secret)
	} else if err := validator.ValidateSharedSecret(secret); err != nil {
		fmt.Printf("Warning: %v, generating one instead\n", err)
		secret = generateSecret()
		fmt.Printf("Generated shared secret: %s\n", secret)
	}
	cfg.Gateway.SharedSecret = secret

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func generateSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
