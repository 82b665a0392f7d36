// Package roles implements the Role Registry (spec §4.I): loading and
// validating a YAML role manifest, resolving role id to capabilities,
// prompt path, and extension paths.
package roles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is the built-in role taxonomy (spec GLOSSARY).
type Category string

const (
	CategoryOrchestrator Category = "orchestrator"
	CategoryScout        Category = "scout"
	CategoryImplementer  Category = "implementer"
	CategoryVerifier     Category = "verifier"
	CategorySupervisor   Category = "supervisor"
)

// Capabilities is the fixed capability set attached to a role (spec §3
// "Role capabilities").
type Capabilities struct {
	Category            Category `yaml:"category"`
	Rendering            string   `yaml:"rendering"`
	CanModifyFiles       bool     `yaml:"canModifyFiles"`
	CanCloseTask         bool     `yaml:"canCloseTask"`
	CanAdvanceLifecycle  bool     `yaml:"canAdvanceLifecycle"`
	CanSpawn             []string `yaml:"canSpawn"`
}

// DefaultCustomCapabilities is the fallback applied to any role not
// explicitly declared with overrides (spec §3).
func DefaultCustomCapabilities() Capabilities {
	return Capabilities{
		Category:       CategoryImplementer,
		Rendering:      "default",
		CanModifyFiles: true,
	}
}

// Steering configures the minimum interval between steer_agent deliveries.
type Steering struct {
	IntervalMs int `yaml:"intervalMs"`
}

// Extension is a named side-effect-free capability module the role may
// load (spec §4.I).
type Extension struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// RoleSpec is one entry of the manifest's roles map.
type RoleSpec struct {
	Capabilities
	Steering   Steering    `yaml:"steering"`
	PromptPath string      `yaml:"promptPath"`
	Extensions []Extension `yaml:"extensions"`
}

// Manifest is the raw YAML document shape.
type Manifest struct {
	Version string              `yaml:"version"`
	Profile string              `yaml:"profile"`
	Roles   map[string]RoleSpec `yaml:"roles"`
}

// Resolved is a fully-validated, path-resolved role ready for use by the
// Lifecycle Engine and Spawner.
type Resolved struct {
	ID           string
	Capabilities Capabilities
	Steering     Steering
	PromptPath   string
	Extensions   []ResolvedExtension
}

// ResolvedExtension is an Extension whose path has been resolved to an
// existing file.
type ResolvedExtension struct {
	Name string
	Path string
}

// ExtensionProbe validates that a resolved extension is safe to load: an
// import that succeeds and a call to its default export with a stub API
// that produces no side effects. Callers supply a real implementation;
// production wiring loads the extension as a Go plugin or subprocess.
type ExtensionProbe func(path string) error

// PathResolver resolves an extension path using the precedence order from
// spec §4.I: named-entry indirection, built-in path, cwd-relative, absolute.
type PathResolver struct {
	BuiltinDir string
	NamedPaths map[string]string
}

// Registry holds the validated, resolved roles for one loaded manifest.
type Registry struct {
	roles map[string]Resolved
}

// Load reads, parses, and validates a manifest from path, then resolves
// every role's prompt and extension paths. probe may be nil to skip the
// extension safety probe (used in tests).
func Load(path string, resolver PathResolver, probe ExtensionProbe) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse role manifest: %w", err)
	}
	return LoadManifest(m, resolver, probe)
}

// LoadManifest validates and resolves an already-parsed Manifest.
func LoadManifest(m Manifest, resolver PathResolver, probe ExtensionProbe) (*Registry, error) {
	var errs []string

	if m.Version != "1.0" {
		errs = append(errs, fmt.Sprintf("unsupported manifest version %q, expected \"1.0\"", m.Version))
	}
	if strings.TrimSpace(m.Profile) == "" {
		errs = append(errs, "profile must be non-empty")
	}
	if len(m.Roles) == 0 {
		errs = append(errs, "roles must be non-empty")
	}

	for id, spec := range m.Roles {
		if spec.Steering.IntervalMs <= 0 {
			errs = append(errs, fmt.Sprintf("role %q: steering.intervalMs must be > 0", id))
		}
		switch spec.Category {
		case CategoryOrchestrator, CategoryScout, CategoryImplementer, CategoryVerifier, CategorySupervisor:
		default:
			errs = append(errs, fmt.Sprintf("role %q: unknown category %q", id, spec.Category))
		}
		for _, target := range spec.CanSpawn {
			if _, ok := m.Roles[target]; !ok {
				errs = append(errs, fmt.Sprintf("role %q: canSpawn references undeclared role %q", id, target))
			}
		}
		for _, ext := range spec.Extensions {
			if strings.TrimSpace(ext.Path) == "" {
				errs = append(errs, fmt.Sprintf("role %q: extension %q has empty path", id, ext.Name))
			}
		}
	}

	if cyc := findSpawnCycle(m.Roles); cyc != "" {
		errs = append(errs, fmt.Sprintf("cyclic canSpawn graph: %s", cyc))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("role manifest invalid:\n  - %s", strings.Join(errs, "\n  - "))
	}

	resolved := make(map[string]Resolved, len(m.Roles))
	for id, spec := range m.Roles {
		promptPath, err := resolvePrompt(id, spec.PromptPath, resolver)
		if err != nil {
			return nil, err
		}
		exts := make([]ResolvedExtension, 0, len(spec.Extensions))
		for _, ext := range spec.Extensions {
			resolvedPath, err := resolveExtensionPath(ext, resolver)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", id, err)
			}
			if probe != nil {
				if err := probe(resolvedPath); err != nil {
					return nil, fmt.Errorf("role %q: extension %q failed safety probe: %w", id, ext.Name, err)
				}
			}
			exts = append(exts, ResolvedExtension{Name: ext.Name, Path: resolvedPath})
		}
		resolved[id] = Resolved{
			ID:           id,
			Capabilities: spec.Capabilities,
			Steering:     spec.Steering,
			PromptPath:   promptPath,
			Extensions:   exts,
		}
	}

	return &Registry{roles: resolved}, nil
}

func resolvePrompt(roleID, explicit string, resolver PathResolver) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if resolver.BuiltinDir != "" {
		candidate := filepath.Join(resolver.BuiltinDir, roleID+".md")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func resolveExtensionPath(ext Extension, resolver PathResolver) (string, error) {
	if named, ok := resolver.NamedPaths[ext.Path]; ok {
		return named, nil
	}
	if resolver.BuiltinDir != "" {
		candidate := filepath.Join(resolver.BuiltinDir, ext.Path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if !filepath.IsAbs(ext.Path) {
		if _, err := os.Stat(ext.Path); err == nil {
			abs, err := filepath.Abs(ext.Path)
			if err != nil {
				return "", fmt.Errorf("resolve extension path %q: %w", ext.Path, err)
			}
			return abs, nil
		}
	} else if _, err := os.Stat(ext.Path); err == nil {
		return ext.Path, nil
	}
	return "", fmt.Errorf("cannot resolve extension path %q", ext.Path)
}

// findSpawnCycle reports a human-readable cycle description if the
// canSpawn graph contains one, or "" if acyclic.
func findSpawnCycle(roles map[string]RoleSpec) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(roles))
	var path []string

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			path = append(path, id)
			return strings.Join(path, " -> ")
		case done:
			return ""
		}
		state[id] = visiting
		path = append(path, id)
		spec, ok := roles[id]
		if ok {
			targets := append([]string(nil), spec.CanSpawn...)
			sort.Strings(targets)
			for _, target := range targets {
				if cyc := visit(target); cyc != "" {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return ""
	}

	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			if cyc := visit(id); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// Get resolves a role id, falling back to DefaultCustomCapabilities for any
// id not declared in the manifest.
func (r *Registry) Get(id string) Resolved {
	if resolved, ok := r.roles[id]; ok {
		return resolved
	}
	return Resolved{ID: id, Capabilities: DefaultCustomCapabilities()}
}

// Has reports whether id was explicitly declared in the manifest.
func (r *Registry) Has(id string) bool {
	_, ok := r.roles[id]
	return ok
}

// IDs returns all declared role ids, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.roles))
	for id := range r.roles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
