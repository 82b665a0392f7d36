// Package workflow implements the Workflow Engine (spec §4.F): a shared
// dispatch contract with two side-effect policies, autonomous (apply
// immediately) and interactive (queue per task, approve/reject).
package workflow

import (
	"context"
	"fmt"
	"sync"

	"swarmd/internal/task"
)

// EffectKind discriminates the closed set of side effects a dispatch can
// produce (spec §3 "Side-effect queue").
type EffectKind string

const (
	EffectPostComment      EffectKind = "post_comment"
	EffectUpdateTaskStatus EffectKind = "update_task_status"
	EffectSpawnFollowUp    EffectKind = "spawn_follow_up"
)

// Effect is one outward mutation produced by a dispatch or a lifecycle
// transition.
type Effect struct {
	Kind EffectKind

	TaskID string

	// EffectPostComment fields.
	CommentText string
	Actor       string

	// EffectUpdateTaskStatus fields.
	Status task.Status

	// EffectSpawnFollowUp fields.
	Role      string
	Kickoff   string
	SessionID string
}

// Sink applies one effect to the outside world (task store, spawner).
// Implementations are supplied by the integration layer (Agent Loop).
type Sink interface {
	Apply(ctx context.Context, eff Effect) error
}

// DispatchResult is the shared dispatch contract's return shape.
type DispatchResult struct {
	Success bool
}

// Dispatcher dispatches a role against a task and applies the resulting
// side-effect policy.
type Dispatcher interface {
	Dispatch(ctx context.Context, role string, t task.Task, effects []Effect) (DispatchResult, error)
	// ApplyEffects routes effects produced outside of an initial dispatch
	// (e.g. lifecycle-engine-driven transitions) through the same policy.
	ApplyEffects(ctx context.Context, taskID string, effects []Effect) error
}

// Autonomous applies every effect immediately as dispatch returns (spec
// §4.F default policy).
type Autonomous struct {
	sink Sink
}

// NewAutonomous constructs an Autonomous dispatcher over sink.
func NewAutonomous(sink Sink) *Autonomous {
	return &Autonomous{sink: sink}
}

func (a *Autonomous) Dispatch(ctx context.Context, role string, t task.Task, effects []Effect) (DispatchResult, error) {
	if err := a.applyAll(ctx, effects); err != nil {
		return DispatchResult{Success: false}, err
	}
	return DispatchResult{Success: true}, nil
}

func (a *Autonomous) ApplyEffects(ctx context.Context, taskID string, effects []Effect) error {
	return a.applyAll(ctx, effects)
}

func (a *Autonomous) applyAll(ctx context.Context, effects []Effect) error {
	for _, eff := range effects {
		if err := a.sink.Apply(ctx, eff); err != nil {
			return fmt.Errorf("apply effect %s for task %s: %w", eff.Kind, eff.TaskID, err)
		}
	}
	return nil
}

// Interactive enqueues side effects per task, independently, and exposes
// approve/reject to drain or discard them (spec §4.F, §8 property 7).
type Interactive struct {
	sink Sink

	mu     sync.Mutex
	queues map[string][]Effect
}

// NewInteractive constructs an Interactive dispatcher over sink.
func NewInteractive(sink Sink) *Interactive {
	return &Interactive{sink: sink, queues: make(map[string][]Effect)}
}

func (i *Interactive) Dispatch(ctx context.Context, role string, t task.Task, effects []Effect) (DispatchResult, error) {
	i.enqueue(t.ID, effects)
	return DispatchResult{Success: true}, nil
}

func (i *Interactive) ApplyEffects(ctx context.Context, taskID string, effects []Effect) error {
	i.enqueue(taskID, effects)
	return nil
}

func (i *Interactive) enqueue(taskID string, effects []Effect) {
	if len(effects) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queues[taskID] = append(i.queues[taskID], effects...)
}

// GetPendingSideEffects returns a copy of taskID's queued effects.
func (i *Interactive) GetPendingSideEffects(taskID string) []Effect {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Effect(nil), i.queues[taskID]...)
}

// ApproveSideEffects drains taskID's queue and applies effects in order:
// comments, status updates, follow-up spawns (spec §4.F). Unknown task ids
// are no-ops.
func (i *Interactive) ApproveSideEffects(ctx context.Context, taskID string) error {
	i.mu.Lock()
	pending := i.queues[taskID]
	delete(i.queues, taskID)
	i.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	ordered := orderEffects(pending)
	for _, eff := range ordered {
		if err := i.sink.Apply(ctx, eff); err != nil {
			return fmt.Errorf("apply effect %s for task %s: %w", eff.Kind, eff.TaskID, err)
		}
	}
	return nil
}

// RejectSideEffects drops taskID's queue without applying anything.
// Unknown task ids are no-ops.
func (i *Interactive) RejectSideEffects(taskID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.queues, taskID)
}

func orderEffects(effects []Effect) []Effect {
	rank := map[EffectKind]int{
		EffectPostComment:      0,
		EffectUpdateTaskStatus: 1,
		EffectSpawnFollowUp:    2,
	}
	out := append([]Effect(nil), effects...)
	// Stable partition by kind rank, preserving original relative order
	// within each kind.
	buckets := make(map[int][]Effect, 3)
	for _, eff := range out {
		r := rank[eff.Kind]
		buckets[r] = append(buckets[r], eff)
	}
	result := make([]Effect, 0, len(out))
	result = append(result, buckets[0]...)
	result = append(result, buckets[1]...)
	result = append(result, buckets[2]...)
	return result
}
