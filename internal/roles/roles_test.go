package roles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validManifest() Manifest {
	return Manifest{
		Version: "1.0",
		Profile: "default",
		Roles: map[string]RoleSpec{
			"orchestrator": {
				Capabilities: Capabilities{Category: CategoryOrchestrator, Rendering: "default", CanSpawn: []string{"implementer", "verifier"}},
				Steering:     Steering{IntervalMs: 5000},
			},
			"implementer": {
				Capabilities: Capabilities{Category: CategoryImplementer, Rendering: "default", CanModifyFiles: true, CanSpawn: []string{"verifier"}},
				Steering:     Steering{IntervalMs: 5000},
			},
			"verifier": {
				Capabilities: Capabilities{Category: CategoryVerifier, Rendering: "default", CanAdvanceLifecycle: true},
				Steering:     Steering{IntervalMs: 5000},
			},
		},
	}
}

func TestLoadManifestValid(t *testing.T) {
	reg, err := LoadManifest(validManifest(), PathResolver{}, nil)
	require.NoError(t, err)
	require.True(t, reg.Has("orchestrator"))
	require.Equal(t, []string{"implementer", "orchestrator", "verifier"}, reg.IDs())
}

func TestLoadManifestRejectsBadVersion(t *testing.T) {
	m := validManifest()
	m.Version = "2.0"
	_, err := LoadManifest(m, PathResolver{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported manifest version")
}

func TestLoadManifestRejectsEmptyProfile(t *testing.T) {
	m := validManifest()
	m.Profile = ""
	_, err := LoadManifest(m, PathResolver{}, nil)
	require.Error(t, err)
}

func TestLoadManifestRejectsUndeclaredSpawnTarget(t *testing.T) {
	m := validManifest()
	r := m.Roles["orchestrator"]
	r.CanSpawn = append(r.CanSpawn, "ghost")
	m.Roles["orchestrator"] = r
	_, err := LoadManifest(m, PathResolver{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "undeclared role")
}

func TestLoadManifestRejectsSpawnCycle(t *testing.T) {
	m := validManifest()
	v := m.Roles["verifier"]
	v.CanSpawn = []string{"orchestrator"}
	m.Roles["verifier"] = v
	_, err := LoadManifest(m, PathResolver{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cyclic")
}

func TestLoadManifestRejectsNonPositiveSteering(t *testing.T) {
	m := validManifest()
	v := m.Roles["verifier"]
	v.Steering.IntervalMs = 0
	m.Roles["verifier"] = v
	_, err := LoadManifest(m, PathResolver{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "steering.intervalMs")
}

func TestGetFallsBackToDefaultCustomCapabilities(t *testing.T) {
	reg, err := LoadManifest(validManifest(), PathResolver{}, nil)
	require.NoError(t, err)
	custom := reg.Get("some-custom-role")
	require.False(t, reg.Has("some-custom-role"))
	require.Equal(t, DefaultCustomCapabilities(), custom.Capabilities)
}

func TestExtensionEmptyPathRejected(t *testing.T) {
	m := validManifest()
	v := m.Roles["verifier"]
	v.Extensions = []Extension{{Name: "x", Path: ""}}
	m.Roles["verifier"] = v
	_, err := LoadManifest(m, PathResolver{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty path")
}
