package rpcmanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swarmd/internal/agentrec"
	"swarmd/internal/lifecycle"
	"swarmd/internal/spawner"
	"swarmd/internal/task"
	"swarmd/internal/workflow"
)

type applySink struct {
	applied chan workflow.Effect
}

func (s *applySink) Apply(ctx context.Context, eff workflow.Effect) error {
	s.applied <- eff
	return nil
}

func newFixture(t *testing.T) (*task.MemoryStore, *agentrec.Registry, *spawner.FakeSpawner, *lifecycle.Engine, *Manager, *applySink) {
	t.Helper()
	store := task.NewMemoryStore()
	reg := agentrec.New(0, nil)
	sp := spawner.NewFakeSpawner()
	lc := lifecycle.New(store, reg, sp, time.Millisecond, nil)
	sink := &applySink{applied: make(chan workflow.Effect, 8)}
	dispatcher := workflow.NewAutonomous(sink)
	mgr := New(reg, store, lc, dispatcher, nil, nil)
	return store, reg, sp, lc, mgr, sink
}

func TestAttachAppliesUsageDeltaOnMessageEnd(t *testing.T) {
	store, reg, sp, _, mgr, _ := newFixture(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	handle, err := sp.Spawn(ctx, spawner.Spawn{Role: "implementer", TaskID: created.ID})
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: "local-1", Role: "implementer", TaskID: created.ID, Status: agentrec.StatusRunning})

	mgr.Attach(ctx, "local-1", "implementer", handle)
	fh := handle.(*spawner.FakeHandle)
	fh.Emit(spawner.Event{Type: "message_end", Payload: map[string]any{
		"role":  "assistant",
		"usage": map[string]any{"input": float64(10), "output": float64(5)},
	}})
	fh.Finish(spawner.ExitStatus{ExitCode: 0})

	require.Eventually(t, func() bool {
		rec := reg.Get("local-1")
		return rec != nil && rec.Usage.Input == 10
	}, time.Second, 5*time.Millisecond)
}

func TestAttachAgentEndWorkerSpawnsVerifierEffect(t *testing.T) {
	store, reg, sp, _, mgr, sink := newFixture(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	handle, err := sp.Spawn(ctx, spawner.Spawn{Role: "implementer", TaskID: created.ID})
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: "local-1", Role: "implementer", TaskID: created.ID, Status: agentrec.StatusRunning})

	mgr.Attach(ctx, "local-1", "implementer", handle)
	fh := handle.(*spawner.FakeHandle)
	fh.Emit(spawner.Event{Type: "agent_end"})
	fh.Finish(spawner.ExitStatus{ExitCode: 0})

	select {
	case eff := <-sink.applied:
		require.Equal(t, workflow.EffectSpawnFollowUp, eff.Kind)
		require.Equal(t, "verifier", eff.Role)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for spawn-follow-up effect")
	}
}

func TestAttachMarksDeadOnNonZeroExit(t *testing.T) {
	store, reg, sp, _, mgr, _ := newFixture(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	handle, err := sp.Spawn(ctx, spawner.Spawn{Role: "scout", TaskID: created.ID})
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: "local-2", Role: "scout", TaskID: created.ID, Status: agentrec.StatusRunning})

	mgr.Attach(ctx, "local-2", "scout", handle)
	fh := handle.(*spawner.FakeHandle)
	fh.Finish(spawner.ExitStatus{ExitCode: 1})

	require.Eventually(t, func() bool {
		rec := reg.Get("local-2")
		return rec != nil && rec.Status == agentrec.StatusDead
	}, time.Second, 5*time.Millisecond)
}

type fakeComplaintRevoker struct {
	revoked chan string
}

func (f *fakeComplaintRevoker) RevokeAllComplaintsBy(ctx context.Context, complainant string) error {
	f.revoked <- complainant
	return nil
}

func TestAttachRevokesComplaintsOnTerminalTransition(t *testing.T) {
	store, reg, sp, _, mgr, _ := newFixture(t)
	revoker := &fakeComplaintRevoker{revoked: make(chan string, 1)}
	mgr.SetComplaintRevoker(revoker)
	ctx := context.Background()

	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	handle, err := sp.Spawn(ctx, spawner.Spawn{Role: "scout", TaskID: created.ID})
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: "local-3", Role: "scout", TaskID: created.ID, Status: agentrec.StatusRunning})

	mgr.Attach(ctx, "local-3", "scout", handle)
	fh := handle.(*spawner.FakeHandle)
	fh.Finish(spawner.ExitStatus{ExitCode: 0})

	select {
	case complainant := <-revoker.revoked:
		require.Equal(t, "local-3", complainant)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for complaint revocation")
	}
}

func TestDebouncerFiresLeadingImmediatelyAndCoalesces(t *testing.T) {
	var fireCount int32
	d := NewDebouncer(30*time.Millisecond, func() { atomic.AddInt32(&fireCount, 1) })
	d.Notify()
	require.Equal(t, int32(1), atomic.LoadInt32(&fireCount))
	d.Notify()
	d.Notify()
	require.Equal(t, int32(1), atomic.LoadInt32(&fireCount))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fireCount) == 2 }, time.Second, 5*time.Millisecond)
}
