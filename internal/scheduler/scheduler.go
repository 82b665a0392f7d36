// Package scheduler implements the Scheduler component (spec §4.B):
// selecting the next eligible task(s) using the store's ready view,
// dependency closure, label conflicts, and registry activity.
package scheduler

import (
	"context"

	"swarmd/internal/agentrec"
	"swarmd/internal/conflict"
	swarmerr "swarmd/internal/errors"
	"swarmd/internal/task"
)

// Registry is the subset of agentrec.Registry the scheduler depends on.
type Registry interface {
	GetActiveByTask(taskID string) []*agentrec.Record
}

// Scheduler selects eligible tasks for dispatch, grounded in the
// ready-set/dependency-closure/label-conflict filter chain of spec §4.B.
type Scheduler struct {
	store    task.Store
	registry Registry
	prefixes []string
}

// New constructs a Scheduler over store and registry, using
// conflict.DefaultPrefixes for label-conflict detection.
func New(store task.Store, registry Registry) *Scheduler {
	return &Scheduler{store: store, registry: registry, prefixes: conflict.DefaultPrefixes}
}

// SetConflictPrefixes overrides the label prefixes considered for
// label-conflict detection (spec SPEC_FULL.md Module A: "a configurable
// prefix set (defaults to module:, file:)"). A nil or empty slice restores
// conflict.DefaultPrefixes.
func (s *Scheduler) SetConflictPrefixes(prefixes []string) {
	if len(prefixes) == 0 {
		prefixes = conflict.DefaultPrefixes
	}
	s.prefixes = prefixes
}

// GetNextTasks returns up to count eligible tasks, sorted by
// (priority asc, id numeric-aware asc), per spec §8 property 1.
func (s *Scheduler) GetNextTasks(ctx context.Context, count int) ([]task.Task, error) {
	ready, err := s.store.Ready(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []task.Task
	for _, t := range ready {
		if t.IssueType != task.IssueTypeTask {
			continue
		}
		if len(s.registry.GetActiveByTask(t.ID)) > 0 {
			continue
		}
		candidates = append(candidates, t)
	}

	if err := s.resolveMissingDependencies(ctx, candidates); err != nil {
		return nil, err
	}

	candidates = s.filterUnclosedDependencies(ctx, candidates)
	candidates, err = s.filterLabelConflicts(ctx, candidates)
	if err != nil {
		return nil, err
	}

	sortTasks(candidates)
	if count > 0 && len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates, nil
}

// resolveMissingDependencies is a no-op placeholder for stores whose ready
// view already expands dependency details; real store clients that return
// bare ids for depends_on_ids would call store.Show(depID) here (spec §4.B
// "resolve any missing dependency details via show(id)"). MemoryStore
// never needs this since its Task already carries full dependency ids.
func (s *Scheduler) resolveMissingDependencies(ctx context.Context, candidates []task.Task) error {
	return nil
}

func (s *Scheduler) filterUnclosedDependencies(ctx context.Context, candidates []task.Task) []task.Task {
	out := candidates[:0]
	for _, t := range candidates {
		allClosed := true
		for _, depID := range t.DependsOnIDs {
			dep, err := s.store.Show(ctx, depID)
			if err != nil || dep.Status != task.StatusClosed {
				allClosed = false
				break
			}
		}
		if allClosed {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) filterLabelConflicts(ctx context.Context, candidates []task.Task) ([]task.Task, error) {
	inProgress, err := s.store.List(ctx, task.ListFlags{Status: string(task.StatusInProgress)})
	if err != nil {
		return nil, err
	}
	labelsByID := make(map[string][]string, len(inProgress))
	for _, t := range inProgress {
		labelsByID[t.ID] = t.Labels
	}

	out := candidates[:0]
	for _, t := range candidates {
		res := conflict.Check(t.Labels, labelsByID, s.prefixes...)
		if !res.Conflicting {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetInProgressTasksWithoutAgent surfaces in_progress tasks lacking a live
// agent, used for startup recovery (spec §4.B, §4.H).
func (s *Scheduler) GetInProgressTasksWithoutAgent(ctx context.Context, count int) ([]task.Task, error) {
	all, err := s.store.List(ctx, task.ListFlags{Status: string(task.StatusInProgress)})
	if err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range all {
		if len(s.registry.GetActiveByTask(t.ID)) == 0 {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// FindTasksUnblockedBy returns currently-open tasks that directly depended
// on closedTaskID and whose remaining dependencies are all closed.
func (s *Scheduler) FindTasksUnblockedBy(ctx context.Context, closedTaskID string) ([]task.Task, error) {
	open, err := s.store.List(ctx, task.ListFlags{Status: string(task.StatusOpen)})
	if err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range open {
		dependsDirectly := false
		for _, dep := range t.DependsOnIDs {
			if dep == closedTaskID {
				dependsDirectly = true
				break
			}
		}
		if !dependsDirectly {
			continue
		}
		allClosed := true
		for _, dep := range t.DependsOnIDs {
			depTask, err := s.store.Show(ctx, dep)
			if err != nil || depTask.Status != task.StatusClosed {
				allClosed = false
				break
			}
		}
		if allClosed {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

// TryClaim attempts an atomic claim via the store, swallowing
// "already claimed" responses as a benign race (spec §4.B).
func (s *Scheduler) TryClaim(ctx context.Context, taskID string) (bool, error) {
	err := s.store.Claim(ctx, taskID)
	if err == nil {
		return true, nil
	}
	classified := swarmerr.ClassifyStoreError(err)
	if classified == swarmerr.ErrAlreadyClaimed {
		return false, nil
	}
	return false, err
}

func sortTasks(tasks []task.Task) {
	task.SortByPriorityThenID(tasks)
}
