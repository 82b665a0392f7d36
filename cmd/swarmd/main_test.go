package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"swarmd/internal/roles"
	"swarmd/internal/task"
)

func TestDefaultManifestValidatesAndCoversGlossaryRoles(t *testing.T) {
	reg, err := roles.LoadManifest(defaultManifest(0), roles.PathResolver{}, nil)
	require.NoError(t, err)
	for _, id := range []string{"orchestrator", "scout", "implementer", "verifier", "supervisor"} {
		require.True(t, reg.Has(id), "missing built-in role %q", id)
	}
	orch := reg.Get("orchestrator")
	require.ElementsMatch(t, []string{"scout", "implementer", "verifier", "supervisor"}, orch.Capabilities.CanSpawn)
	require.True(t, reg.Get("verifier").Capabilities.CanAdvanceLifecycle)
	require.True(t, reg.Get("implementer").Capabilities.CanModifyFiles)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	store := task.NewMemoryStore()
	_, err := store.Create(ctx, "first task", "", 1, task.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, saveSnapshot(path, store))

	reloaded := task.NewMemoryStore()
	require.NoError(t, loadSnapshot(path, reloaded))
	require.Len(t, reloaded.Export(), 1)
	require.Equal(t, "first task", reloaded.Export()[0].Title)
}

func TestLoadSnapshotMissingFileIsEmptyNotError(t *testing.T) {
	store := task.NewMemoryStore()
	require.NoError(t, loadSnapshot(filepath.Join(t.TempDir(), "missing.json"), store))
	require.Empty(t, store.Export())
}

func TestSnapshotPathForProjectIsDeterministicAndDistinct(t *testing.T) {
	a := snapshotPathForProject("/tmp/project-a")
	b := snapshotPathForProject("/tmp/project-a")
	c := snapshotPathForProject("/tmp/project-b")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestTasksPruneDropsOnlyTerminalTasks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	store := task.NewMemoryStore()
	open, err := store.Create(ctx, "open task", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	done, err := store.Create(ctx, "done task", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, done.ID, "finished"))
	require.NoError(t, saveSnapshot(path, store))

	pruned := task.NewMemoryStore()
	require.NoError(t, loadSnapshot(path, pruned))
	var kept []task.Task
	for _, tk := range pruned.Export() {
		if !tk.Status.IsTerminal() {
			kept = append(kept, tk)
		}
	}
	pruned.Import(kept)

	remaining := pruned.Export()
	require.Len(t, remaining, 1)
	require.Equal(t, open.ID, remaining[0].ID)
}
