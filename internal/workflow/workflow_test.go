package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"swarmd/internal/task"
)

type recordingSink struct {
	applied []Effect
}

func (s *recordingSink) Apply(ctx context.Context, eff Effect) error {
	s.applied = append(s.applied, eff)
	return nil
}

func TestAutonomousAppliesImmediately(t *testing.T) {
	sink := &recordingSink{}
	d := NewAutonomous(sink)
	res, err := d.Dispatch(context.Background(), "implementer", task.Task{ID: "t-1"}, []Effect{
		{Kind: EffectSpawnFollowUp, TaskID: "t-1", Role: "implementer"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, sink.applied, 1)
}

func TestInteractivePendingIndependentPerTask(t *testing.T) {
	sink := &recordingSink{}
	d := NewInteractive(sink)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "implementer", task.Task{ID: "t-1"}, []Effect{{Kind: EffectPostComment, TaskID: "t-1"}})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "implementer", task.Task{ID: "t-2"}, []Effect{{Kind: EffectPostComment, TaskID: "t-2"}})
	require.NoError(t, err)

	require.Len(t, d.GetPendingSideEffects("t-1"), 1)
	require.Len(t, d.GetPendingSideEffects("t-2"), 1)

	require.NoError(t, d.ApproveSideEffects(ctx, "t-1"))
	require.Empty(t, d.GetPendingSideEffects("t-1"))
	require.Len(t, d.GetPendingSideEffects("t-2"), 1)
	require.Len(t, sink.applied, 1)
}

func TestInteractiveRejectDropsWithoutApplying(t *testing.T) {
	sink := &recordingSink{}
	d := NewInteractive(sink)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "implementer", task.Task{ID: "t-1"}, []Effect{{Kind: EffectPostComment, TaskID: "t-1"}})
	require.NoError(t, err)

	d.RejectSideEffects("t-1")
	require.Empty(t, d.GetPendingSideEffects("t-1"))
	require.Empty(t, sink.applied)
}

func TestInteractiveApproveAppliesInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewInteractive(sink)
	ctx := context.Background()

	require.NoError(t, d.ApplyEffects(ctx, "t-1", []Effect{
		{Kind: EffectSpawnFollowUp, TaskID: "t-1", Role: "verifier"},
		{Kind: EffectUpdateTaskStatus, TaskID: "t-1", Status: task.StatusBlocked},
		{Kind: EffectPostComment, TaskID: "t-1", CommentText: "hello"},
	}))

	require.NoError(t, d.ApproveSideEffects(ctx, "t-1"))
	require.Len(t, sink.applied, 3)
	require.Equal(t, EffectPostComment, sink.applied[0].Kind)
	require.Equal(t, EffectUpdateTaskStatus, sink.applied[1].Kind)
	require.Equal(t, EffectSpawnFollowUp, sink.applied[2].Kind)
}

func TestInteractiveUnknownTaskIsNoop(t *testing.T) {
	sink := &recordingSink{}
	d := NewInteractive(sink)
	require.NoError(t, d.ApproveSideEffects(context.Background(), "ghost"))
	d.RejectSideEffects("ghost")
	require.Empty(t, sink.applied)
}
