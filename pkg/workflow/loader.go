package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EngineVersion is the definition-format version this engine implements.
// Definitions may declare a `requires` semver constraint against it.
const EngineVersion = "1.2.0"

// Loader reads workflow definitions from JSON or YAML files and validates
// them before they reach the engine.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a definition loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadFile reads, parses and validates a single definition file.
func (l *Loader) LoadFile(path string) (*Definition, error) {
	if path == "" {
		return nil, fmt.Errorf("definition file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var def Definition
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse JSON definition: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse YAML definition: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported definition format: %s (supported: .json, .yaml, .yml)", ext)
	}

	if err := l.finish(&def); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("workflow", def.Name).
		Str("path", path).
		Int("agents", len(def.Agents)).
		Int("variables", len(def.Variables)).
		Int("handoffs", len(def.Handoffs)).
		Msg("Workflow definition loaded")

	return &def, nil
}

// LoadDir loads every definition in a directory, keyed by workflow name.
func (l *Loader) LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		def, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("definition %s: %w", entry.Name(), err)
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("%w: workflow %q declared twice in %s", ErrDuplicate, def.Name, dir)
		}
		defs[def.Name] = def
	}

	return defs, nil
}

func (l *Loader) finish(def *Definition) error {
	if def.Requires != "" {
		constraint, err := semver.NewConstraint(def.Requires)
		if err != nil {
			return fmt.Errorf("invalid engine version constraint %q: %w", def.Requires, err)
		}
		if !constraint.Check(semver.MustParse(EngineVersion)) {
			return fmt.Errorf("definition requires engine %q, engine is %s", def.Requires, EngineVersion)
		}
	}

	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}

	return nil
}
