// Package config implements swarmd's hierarchical configuration: a typed
// Config merged defaults < global file < project file < environment,
// grounded in the teacher's internal/config LayeredConfigManager
// (core/project/advanced JSON layers merged field-by-field) and its
// env_aliases.go legacy-name resolution, generalized to a YAML shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"swarmd/internal/conflict"
)

// RoleOverride customizes one role's model/thinking/tool selection,
// independent of the role manifest's own capability declarations.
type RoleOverride struct {
	Model    string   `yaml:"model,omitempty"`
	Thinking string   `yaml:"thinking,omitempty"`
	Tools    []string `yaml:"tools,omitempty"`
}

// WorkflowConfig toggles workflow-level behavior.
type WorkflowConfig struct {
	AutoProcessReadyTasks bool `yaml:"autoProcessReadyTasks"`
}

// Config is swarmd's full runtime configuration.
type Config struct {
	PollIntervalMS     int                     `yaml:"pollIntervalMs"`
	SteeringIntervalMS int                     `yaml:"steeringIntervalMs"`
	MaxWorkers         int                     `yaml:"maxWorkers"`
	EventBufferSize    int                     `yaml:"eventBufferSize"`
	GraceSeconds       int                     `yaml:"graceSeconds"`
	SocketPath         string                  `yaml:"socketPath,omitempty"`
	Workflow           WorkflowConfig          `yaml:"workflow"`
	Roles              map[string]RoleOverride `yaml:"roles,omitempty"`

	// ConflictLabelPrefixes overrides the label prefixes the Scheduler's
	// conflict check considers (spec §4.A); empty means
	// conflict.DefaultPrefixes.
	ConflictLabelPrefixes []string `yaml:"conflictLabelPrefixes,omitempty"`
}

// PollInterval returns PollIntervalMS as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SteeringInterval returns SteeringIntervalMS as a time.Duration.
func (c Config) SteeringInterval() time.Duration {
	return time.Duration(c.SteeringIntervalMS) * time.Millisecond
}

// Grace returns GraceSeconds as a time.Duration.
func (c Config) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// Default returns swarmd's built-in configuration, applied before any
// file or environment layer (spec §4.H poll-interval defaults, §3 role
// taxonomy "implementer is the default worker role").
func Default() Config {
	return Config{
		PollIntervalMS:        1000,
		SteeringIntervalMS:    250,
		MaxWorkers:            4,
		EventBufferSize:       1024,
		GraceSeconds:          5,
		Workflow:              WorkflowConfig{AutoProcessReadyTasks: true},
		ConflictLabelPrefixes: append([]string(nil), conflict.DefaultPrefixes...),
	}
}

// Load builds a Config by merging, in order, the built-in defaults, the
// global config file, the project config file, and environment variables
// (spec SPEC_FULL "hierarchical merge defaults < global < project < env").
// Either file path may be empty or not exist; both are skipped silently --
// only a malformed (present but unparsable) file is an error.
func Load(globalPath, projectPath string, lookup EnvLookup) (Config, error) {
	cfg := Default()

	if err := mergeFile(&cfg, globalPath); err != nil {
		return Config{}, fmt.Errorf("config: global file: %w", err)
	}
	if err := mergeFile(&cfg, projectPath); err != nil {
		return Config{}, fmt.Errorf("config: project file: %w", err)
	}
	if lookup == nil {
		lookup = DefaultEnvLookupWithAliases()
	}
	applyEnv(&cfg, lookup)

	return cfg, nil
}

// mergeFile decodes path's YAML document directly onto cfg, so keys the
// document omits retain whatever the prior layer set -- yaml.v3 only
// writes the fields/map-entries actually present in the document onto an
// already-populated target, never zeroing untouched ones.
func mergeFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
