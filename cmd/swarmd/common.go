package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"swarmd/internal/config"
	"swarmd/internal/logging"
	"swarmd/internal/roles"
)

func parseLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stringFlag and boolFlag read a persistent flag from cmd or any of its
// ancestors (cobra resolves persistent flags up the command tree itself;
// these just give the subcommands a terse one-line accessor).
func stringFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func boolFlag(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(stringFlag(cmd, "global-config"), stringFlag(cmd, "project-config"), nil)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadRoles resolves the role manifest: an explicit --roles file if given,
// otherwise swarmd's built-in five-role manifest (spec §4.I, §3 "Role
// capabilities"). steeringIntervalMs seeds the built-in manifest's
// per-role steering interval from the merged Config.
func loadRoles(cmd *cobra.Command, steeringIntervalMs int) (*roles.Registry, error) {
	path := stringFlag(cmd, "roles")
	if path == "" {
		return roles.LoadManifest(defaultManifest(steeringIntervalMs), roles.PathResolver{}, nil)
	}
	resolver := roles.PathResolver{BuiltinDir: filepath.Dir(path)}
	return roles.Load(path, resolver, nil)
}

// defaultManifest is swarmd's built-in role set: the five roles named in
// the GLOSSARY (orchestrator, scout, implementer, verifier, supervisor)
// with the fixed capabilities spec §3 assigns built-in roles.
func defaultManifest(steeringIntervalMs int) roles.Manifest {
	if steeringIntervalMs <= 0 {
		steeringIntervalMs = 250
	}
	steering := roles.Steering{IntervalMs: steeringIntervalMs}
	return roles.Manifest{
		Version: "1.0",
		Profile: "default",
		Roles: map[string]roles.RoleSpec{
			"orchestrator": {
				Capabilities: roles.Capabilities{
					Category: roles.CategoryOrchestrator, Rendering: "orchestrator",
					CanCloseTask: true, CanSpawn: []string{"scout", "implementer", "verifier", "supervisor"},
				},
				Steering: steering,
			},
			"scout": {
				Capabilities: roles.Capabilities{Category: roles.CategoryScout, Rendering: "default"},
				Steering:     steering,
			},
			"implementer": {
				Capabilities: roles.Capabilities{Category: roles.CategoryImplementer, Rendering: "default", CanModifyFiles: true},
				Steering:     steering,
			},
			"verifier": {
				Capabilities: roles.Capabilities{
					Category: roles.CategoryVerifier, Rendering: "default",
					CanCloseTask: true, CanAdvanceLifecycle: true,
				},
				Steering: steering,
			},
			"supervisor": {
				Capabilities: roles.Capabilities{Category: roles.CategorySupervisor, Rendering: "default"},
				Steering:     steering,
			},
		},
	}
}

func newLogger(component string, level slog.Level) logging.Logger {
	return logging.New(component, nil, level)
}
