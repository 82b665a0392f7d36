package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"swarmd/internal/agentrec"
	"swarmd/internal/task"
)

func newFixture(t *testing.T) (*task.MemoryStore, *agentrec.Registry, *Scheduler) {
	t.Helper()
	store := task.NewMemoryStore()
	reg := agentrec.New(0, nil)
	return store, reg, New(store, reg)
}

func TestGetNextTasksS1ReadyDispatch(t *testing.T) {
	store, _, sched := newFixture(t)
	ctx := context.Background()

	t1, err := store.Create(ctx, "t-1", "", 1, task.CreateOptions{Labels: []string{"module:a"}})
	require.NoError(t, err)
	t2, err := store.Create(ctx, "t-2", "", 0, task.CreateOptions{DependsOnIDs: []string{t1.ID}})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, t1.ID, next[0].ID)

	require.NoError(t, store.Close(ctx, t1.ID, "done"))

	unblocked, err := sched.FindTasksUnblockedBy(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, unblocked, 1)
	require.Equal(t, t2.ID, unblocked[0].ID)
}

func TestGetNextTasksS2LabelConflict(t *testing.T) {
	store, _, sched := newFixture(t)
	ctx := context.Background()

	inProgress, err := store.Create(ctx, "ip-1", "", 0, task.CreateOptions{Labels: []string{"file:foo"}})
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, inProgress.ID))

	t3, err := store.Create(ctx, "t-3", "", 0, task.CreateOptions{Labels: []string{"file:foo", "other"}})
	require.NoError(t, err)
	t4, err := store.Create(ctx, "t-4", "", 0, task.CreateOptions{Labels: []string{"file:bar"}})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	var ids []string
	for _, tk := range next {
		ids = append(ids, tk.ID)
	}
	require.NotContains(t, ids, t3.ID)
	require.Contains(t, ids, t4.ID)
}

func TestGetNextTasksHonorsConfiguredConflictPrefixes(t *testing.T) {
	store, _, sched := newFixture(t)
	ctx := context.Background()

	inProgress, err := store.Create(ctx, "ip-1", "", 0, task.CreateOptions{Labels: []string{"team:payments"}})
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, inProgress.ID))

	t5, err := store.Create(ctx, "t-5", "", 0, task.CreateOptions{Labels: []string{"team:payments"}})
	require.NoError(t, err)

	// With the default prefix set, "team:" labels are ignored, so t-5 is
	// unaffected by ip-1's overlapping label.
	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	var ids []string
	for _, tk := range next {
		ids = append(ids, tk.ID)
	}
	require.Contains(t, ids, t5.ID)

	// Configuring "team:" as a conflict prefix makes the same overlap
	// exclude t-5.
	sched.SetConflictPrefixes([]string{"team:"})
	next, err = sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	ids = nil
	for _, tk := range next {
		ids = append(ids, tk.ID)
	}
	require.NotContains(t, ids, t5.ID)
}

func TestGetNextTasksExcludesTasksWithActiveAgent(t *testing.T) {
	store, reg, sched := newFixture(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "has-agent", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	reg.Register(agentrec.Record{ID: "agent-1", TaskID: created.ID, Status: agentrec.StatusRunning})

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, next)
}

func TestGetNextTasksSortsByPriorityThenNaturalID(t *testing.T) {
	store, _, sched := newFixture(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "task-12", "", 1, task.CreateOptions{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "task-2", "", 1, task.CreateOptions{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "urgent", "", 0, task.CreateOptions{})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 3)
	require.Equal(t, "urgent", next[0].Title)
}

func TestTryClaimSwallowsAlreadyClaimed(t *testing.T) {
	store, _, sched := newFixture(t)
	ctx := context.Background()
	created, err := store.Create(ctx, "claim-me", "", 0, task.CreateOptions{})
	require.NoError(t, err)

	ok, err := sched.TryClaim(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sched.TryClaim(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetInProgressTasksWithoutAgentRecoversOnStartup(t *testing.T) {
	store, _, sched := newFixture(t)
	ctx := context.Background()
	created, err := store.Create(ctx, "orphaned", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, created.ID))

	orphaned, err := sched.GetInProgressTasksWithoutAgent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, created.ID, orphaned[0].ID)
}
