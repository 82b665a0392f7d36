package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swarmd/internal/agentrec"
	"swarmd/internal/lifecycle"
	"swarmd/internal/scheduler"
	"swarmd/internal/spawner"
	"swarmd/internal/task"
)

func newFixture(t *testing.T, cfg Config) (*task.MemoryStore, *agentrec.Registry, *spawner.FakeSpawner, *Loop) {
	t.Helper()
	store := task.NewMemoryStore()
	reg := agentrec.New(0, nil)
	sp := spawner.NewFakeSpawner()
	sched := scheduler.New(store, reg)
	eng := lifecycle.New(store, reg, sp, time.Millisecond, nil)
	l := New(store, reg, sched, eng, cfg, nil)
	return store, reg, sp, l
}

func TestDispatchNClaimsAndSpawnsUpToAvailableSlots(t *testing.T) {
	store, _, sp, l := newFixture(t, Config{MaxWorkers: 1})
	ctx := context.Background()

	a, err := store.Create(ctx, "task a", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "task b", "", 0, task.CreateOptions{})
	require.NoError(t, err)

	n, err := l.dispatchN(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, sp.Spawns(), 1)
	require.Equal(t, a.ID, sp.Spawns()[0].TaskID)
}

func TestStartTasksWithZeroUsesAvailableSlots(t *testing.T) {
	store, _, sp, l := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
		require.NoError(t, err)
	}

	n, err := l.StartTasks(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, sp.Spawns(), 2)
}

func TestReconcileOrphansDispatchesWorkerNotScout(t *testing.T) {
	store, _, sp, l := newFixture(t, Config{MaxWorkers: 5, DefaultWorkerRole: "implementer"})
	ctx := context.Background()

	created, err := store.Create(ctx, "orphan", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, created.ID, task.StatusInProgress))

	l.reconcileOrphans(ctx)
	require.Len(t, sp.Spawns(), 1)
	require.Equal(t, "implementer", sp.Spawns()[0].Role)
	require.Equal(t, created.ID, sp.Spawns()[0].TaskID)
}

func TestAvailableSlotsExcludesVerifiersAndSupervisors(t *testing.T) {
	_, reg, _, l := newFixture(t, Config{MaxWorkers: 2})
	reg.Register(agentrec.Record{ID: "v1", Role: "verifier", TaskID: "t1", Status: agentrec.StatusRunning})
	reg.Register(agentrec.Record{ID: "s1", Role: "supervisor", TaskID: "t2", Status: agentrec.StatusRunning})

	require.Equal(t, 2, l.availableSlots())

	reg.Register(agentrec.Record{ID: "w1", Role: "implementer", TaskID: "t3", Status: agentrec.StatusRunning})
	require.Equal(t, 1, l.availableSlots())
}

func TestBroadcastToWorkersSkipsNonWorkerRoles(t *testing.T) {
	store, reg, sp, l := newFixture(t, Config{})
	ctx := context.Background()

	handlesByRole := map[string]*spawner.FakeHandle{}
	sp.OnSpawn = func(req spawner.Spawn, h *spawner.FakeHandle) {
		handlesByRole[req.Role] = h
	}

	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	workerID, err := l.lifecycle.SpawnRole(ctx, "implementer", created.ID, "", "")
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: workerID, Role: "implementer", TaskID: created.ID, Status: agentrec.StatusRunning})
	verifierID, err := l.lifecycle.SpawnRole(ctx, "verifier", created.ID, "", "")
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: verifierID, Role: "verifier", TaskID: created.ID, Status: agentrec.StatusRunning})

	require.NoError(t, l.BroadcastToWorkers(ctx, "status check"))

	require.Contains(t, handlesByRole["implementer"].Sent(), "status check")
	require.Empty(t, handlesByRole["verifier"].Sent())
}

func TestInterruptAgentFailsWhenNoActiveNonVerifierAgent(t *testing.T) {
	_, _, _, l := newFixture(t, Config{})
	err := l.InterruptAgent(context.Background(), "missing-task", "stop")
	require.Error(t, err)
}

func TestSpawnAgentBySingularityReturnsExistingActiveAgent(t *testing.T) {
	store, reg, sp, l := newFixture(t, Config{})
	ctx := context.Background()

	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)

	first, err := l.SpawnAgentBySingularity(ctx, "implementer", created.ID, "")
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: first, Role: "implementer", TaskID: created.ID, Status: agentrec.StatusRunning})

	second, err := l.SpawnAgentBySingularity(ctx, "implementer", created.ID, "")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, sp.Spawns(), 1)
}

func TestComplainAndRevokeComplaintRoundTrip(t *testing.T) {
	_, _, _, l := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, l.Complain(ctx, []string{"a.go"}, "touches shared state", "agent-1"))
	require.NoError(t, l.Complain(ctx, []string{"a.go"}, "also flaky", "agent-2"))
	require.Len(t, l.Complaints()["a.go"], 2)

	require.NoError(t, l.RevokeComplaint(ctx, []string{"a.go"}, "agent-1"))
	require.Len(t, l.Complaints()["a.go"], 1)

	require.NoError(t, l.RevokeComplaint(ctx, []string{"a.go"}, ""))
	require.Empty(t, l.Complaints()["a.go"])
}

func TestRevokeAllComplaintsByClearsAcrossFiles(t *testing.T) {
	_, _, _, l := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, l.Complain(ctx, []string{"a.go"}, "touches shared state", "agent-1"))
	require.NoError(t, l.Complain(ctx, []string{"b.go"}, "also flaky", "agent-1"))
	require.NoError(t, l.Complain(ctx, []string{"b.go"}, "unrelated", "agent-2"))

	require.NoError(t, l.RevokeAllComplaintsBy(ctx, "agent-1"))

	require.Empty(t, l.Complaints()["a.go"])
	require.Len(t, l.Complaints()["b.go"], 1)
}

func TestWakePauseResume(t *testing.T) {
	_, _, _, l := newFixture(t, Config{PollInterval: time.Hour})
	require.False(t, l.IsPaused())
	l.Pause()
	require.True(t, l.IsPaused())
	l.Resume()
	require.False(t, l.IsPaused())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	require.True(t, l.IsRunning())
	l.Wake()
	l.Stop()
	require.False(t, l.IsRunning())
}

func TestStopAgentsForTaskWithoutWaitReturnsImmediately(t *testing.T) {
	store, _, _, l := newFixture(t, Config{})
	ctx := context.Background()
	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)

	err = l.StopAgentsForTask(ctx, created.ID, true, false)
	require.NoError(t, err)
}
