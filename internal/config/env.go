package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvLookup resolves a canonical (unprefixed) environment variable name to
// its value, applying whatever prefixing/aliasing strategy the caller
// wants -- the seam the teacher's config package calls EnvLookup.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads os.LookupEnv with the SWARMD_ prefix applied to
// the canonical key (e.g. "MAX_WORKERS" -> "SWARMD_MAX_WORKERS").
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv("SWARMD_" + key)
}

// legacyAliases maps a canonical key to prior/alternate environment
// variable names this binary still honors, grounded in the teacher's
// env_aliases.go DefaultEnvAliases table of legacy name fallbacks.
var legacyAliases = map[string][]string{
	"MAX_WORKERS":          {"SWARM_MAX_WORKERS"},
	"POLL_INTERVAL_MS":     {"SWARM_POLL_INTERVAL_MS"},
	"STEERING_INTERVAL_MS": {"SWARM_STEERING_INTERVAL_MS"},
	"SOCKET_PATH":          {"SWARM_SOCKET_PATH"},
	"EVENT_BUFFER_SIZE":    {"SWARM_EVENT_BUFFER_SIZE"},
}

// AliasEnvLookup wraps base, falling back through aliases[key] in order
// when base(key) misses.
func AliasEnvLookup(base EnvLookup, aliases map[string][]string) EnvLookup {
	return func(key string) (string, bool) {
		if v, ok := base(key); ok {
			return v, true
		}
		for _, alias := range aliases[key] {
			if v, ok := os.LookupEnv(alias); ok {
				return v, true
			}
		}
		return "", false
	}
}

// DefaultEnvLookupWithAliases composes DefaultEnvLookup with legacyAliases.
func DefaultEnvLookupWithAliases() EnvLookup {
	return AliasEnvLookup(DefaultEnvLookup, legacyAliases)
}

// applyEnv overlays lookup onto cfg, the final (highest-priority) layer.
func applyEnv(cfg *Config, lookup EnvLookup) {
	if v, ok := lookup("MAX_WORKERS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v, ok := lookup("POLL_INTERVAL_MS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.PollIntervalMS = n
		}
	}
	if v, ok := lookup("STEERING_INTERVAL_MS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SteeringIntervalMS = n
		}
	}
	if v, ok := lookup("EVENT_BUFFER_SIZE"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.EventBufferSize = n
		}
	}
	if v, ok := lookup("SOCKET_PATH"); ok && strings.TrimSpace(v) != "" {
		cfg.SocketPath = strings.TrimSpace(v)
	}
	if v, ok := lookup("AUTO_PROCESS_READY_TASKS"); ok {
		cfg.Workflow.AutoProcessReadyTasks = truthy(v)
	}
	if v, ok := lookup("CONFLICT_LABEL_PREFIXES"); ok && strings.TrimSpace(v) != "" {
		var prefixes []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		if len(prefixes) > 0 {
			cfg.ConflictLabelPrefixes = prefixes
		}
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
