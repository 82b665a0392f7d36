package loop

import (
	"context"
	"fmt"

	"swarmd/internal/workflow"
)

// Apply implements workflow.Sink (spec §4.F "Implementations are supplied
// by the integration layer", i.e. the Agent Loop): it is the only place an
// Effect actually touches the task store or spawns a new agent, so both
// Autonomous and Interactive dispatch policies route through the same
// side-effect execution regardless of when an effect was queued.
func (l *Loop) Apply(ctx context.Context, eff workflow.Effect) error {
	switch eff.Kind {
	case workflow.EffectPostComment:
		actor := eff.Actor
		if actor == "" {
			actor = "system"
		}
		return l.store.Comment(ctx, eff.TaskID, eff.CommentText, actor)
	case workflow.EffectUpdateTaskStatus:
		return l.store.UpdateStatus(ctx, eff.TaskID, eff.Status)
	case workflow.EffectSpawnFollowUp:
		_, err := l.lifecycle.SpawnRole(ctx, eff.Role, eff.TaskID, eff.Kickoff, eff.SessionID)
		return err
	default:
		return fmt.Errorf("loop: apply: unknown effect kind %q", eff.Kind)
	}
}
