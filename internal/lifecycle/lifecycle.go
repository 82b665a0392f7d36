// Package lifecycle implements the Lifecycle Engine (spec §4.E): the
// per-task state machine driving worker -> verifier -> (worker|scout|
// defer|close) transitions, sticky verifier retry, and the replace-agent
// and stop-agent control-plane policies.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmd/internal/agentrec"
	swarmerr "swarmd/internal/errors"
	"swarmd/internal/logging"
	"swarmd/internal/metrics"
	"swarmd/internal/spawner"
	"swarmd/internal/task"
	"swarmd/internal/workflow"
)

// AdvanceAction is the lifecycle action a verifier's advance signal names.
type AdvanceAction string

const (
	ActionWorker AdvanceAction = "worker"
	ActionScout  AdvanceAction = "scout"
	ActionDefer  AdvanceAction = "defer"
)

// AdvanceSignal is the single-slot per-task "what to do next" record posted
// by a verifier via IPC (spec §3 "Lifecycle record").
type AdvanceSignal struct {
	Action  AdvanceAction
	Message string
	Reason  string
	AgentID string
	Ts      time.Time
}

// CloseSignal is the single-slot per-task close request.
type CloseSignal struct {
	Reason  string
	AgentID string
	Ts      time.Time
}

type taskSignals struct {
	advance *AdvanceSignal
	close   *CloseSignal
}

// allowedReplaceRoles is the fixed allow-list for the replace_agent policy
// (spec §4.E).
var allowedReplaceRoles = map[string]bool{
	"verifier":    true,
	"scout":       true,
	"implementer": true,
}

// stickyRetryCommentLimit bounds how many prior verifier comments feed the
// recovery context (spec §4.E "up to the last six verifier-authored
// comments").
const stickyRetryCommentLimit = 6

// Engine is the per-task state machine. It owns the advance/close signal
// slots and the handles of agents it has spawned.
type Engine struct {
	store    task.Store
	registry *agentrec.Registry
	spawner  spawner.Spawner
	log      logging.Logger
	grace    time.Duration
	metrics  *metrics.Metrics

	mu      sync.Mutex
	signals map[string]*taskSignals
	handles map[string]spawner.Handle // local agent id -> handle
	paused  bool

	onSpawn func(localID, role, taskID string, h spawner.Handle)
}

// SetMetrics attaches optional Prometheus instrumentation. Safe to call
// with nil, and safe not to call at all -- every metrics call on a nil
// *metrics.Metrics is a no-op.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetOnSpawn registers fn to be called synchronously, after registration,
// every time SpawnRole starts a new agent. cmd/swarmd uses this to attach
// the RPC Handler Manager's event listener to each spawned handle without
// SpawnRole itself depending on internal/rpcmanager.
func (e *Engine) SetOnSpawn(fn func(localID, role, taskID string, h spawner.Handle)) {
	e.onSpawn = fn
}

// New constructs an Engine. grace<=0 uses a 5s default stop grace window.
func New(store task.Store, registry *agentrec.Registry, sp spawner.Spawner, grace time.Duration, log logging.Logger) *Engine {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Engine{
		store:    store,
		registry: registry,
		spawner:  sp,
		log:      logging.OrNop(log),
		grace:    grace,
		signals:  make(map[string]*taskSignals),
		handles:  make(map[string]spawner.Handle),
	}
}

// PostAdvance records taskID's pending advance signal, replacing any prior
// one (single-slot, spec §3).
func (e *Engine) PostAdvance(taskID string, sig AdvanceSignal) {
	if sig.Ts.IsZero() {
		sig.Ts = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slotLocked(taskID).advance = &sig
}

// PostClose records taskID's pending close signal, replacing any prior one.
func (e *Engine) PostClose(taskID string, sig CloseSignal) {
	if sig.Ts.IsZero() {
		sig.Ts = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slotLocked(taskID).close = &sig
}

func (e *Engine) slotLocked(taskID string) *taskSignals {
	s, ok := e.signals[taskID]
	if !ok {
		s = &taskSignals{}
		e.signals[taskID] = s
	}
	return s
}

// take reads and clears taskID's signal slots, applying the close-wins
// tie-break: a close signal at or after the advance's timestamp suppresses
// the advance branch (spec §4.E, §8 property 6).
func (e *Engine) take(taskID string) (adv *AdvanceSignal, close *CloseSignal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.signals[taskID]
	if !ok {
		return nil, nil
	}
	adv, close = s.advance, s.close
	delete(e.signals, taskID)

	if adv != nil && close != nil && adv.Ts.After(close.Ts) {
		return adv, nil
	}
	if close != nil {
		return nil, close
	}
	return adv, nil
}

// HandleExternalTaskClose clears any in-flight lifecycle signal state for
// taskID so a verifier's sticky-retry or pending advance/close cannot act
// on a task that was closed out-of-band (spec §4.G "close side-effect").
func (e *Engine) HandleExternalTaskClose(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.signals, taskID)
}

// RegisterHandle associates a spawned subprocess handle with its local
// agent id, so later stop/replace policies can terminate it.
func (e *Engine) RegisterHandle(localID string, h spawner.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles[localID] = h
}

// SpawnRole starts role against taskID via the configured Spawner,
// registers the resulting agent in the Registry, and tracks its handle.
func (e *Engine) SpawnRole(ctx context.Context, role, taskID, kickoff, sessionID string) (string, error) {
	handle, err := e.spawner.Spawn(ctx, spawner.Spawn{Role: role, TaskID: taskID, Kickoff: kickoff, SessionID: sessionID})
	if err != nil {
		return "", fmt.Errorf("spawn role %s for task %s: %w", role, taskID, err)
	}
	localID := uuid.NewString()
	e.registry.Register(agentrec.Record{
		ID: localID, Role: role, TaskID: taskID, Status: agentrec.StatusRunning,
		SpawnedAt: time.Now(), LastActivity: time.Now(), SessionID: sessionID,
	})
	e.RegisterHandle(localID, handle)
	if e.onSpawn != nil {
		e.onSpawn(localID, role, taskID, handle)
	}
	return localID, nil
}

// HandleWorkerExit implements the worker/designer-worker branch of
// agent_end (spec §4.D): stop any in-flight supervisor on the task, spawn a
// verifier bound to the same task with the worker's last assistant text as
// context, mark the worker agent done.
func (e *Engine) HandleWorkerExit(ctx context.Context, taskID, workerLocalID, lastAssistantText string) ([]workflow.Effect, error) {
	e.registry.SetStatus(workerLocalID, agentrec.StatusDone)
	e.stopRoleOnTask(ctx, taskID, "supervisor", false)
	e.metrics.RecordLifecycleTransition("worker_exit")

	return []workflow.Effect{
		{Kind: workflow.EffectSpawnFollowUp, TaskID: taskID, Role: "verifier", Kickoff: lastAssistantText},
	}, nil
}

// HandleVerifierExit implements the verifier branch of agent_end (spec
// §4.E): consult the per-task signals and decide worker/scout/defer/close,
// or perform a sticky retry when neither signal is present.
func (e *Engine) HandleVerifierExit(ctx context.Context, taskID, verifierLocalID string) ([]workflow.Effect, error) {
	e.registry.SetStatus(verifierLocalID, agentrec.StatusDone)

	adv, close := e.take(taskID)

	if close != nil {
		e.metrics.RecordLifecycleTransition("verifier_close")
		return []workflow.Effect{
			{Kind: workflow.EffectPostComment, TaskID: taskID, CommentText: close.Reason, Actor: "lifecycle"},
			{Kind: workflow.EffectUpdateTaskStatus, TaskID: taskID, Status: task.StatusClosed},
		}, nil
	}

	if adv != nil {
		switch adv.Action {
		case ActionWorker:
			e.metrics.RecordLifecycleTransition("verifier_advance_worker")
			return []workflow.Effect{
				{Kind: workflow.EffectSpawnFollowUp, TaskID: taskID, Role: "implementer", Kickoff: adv.Message},
			}, nil
		case ActionScout:
			e.metrics.RecordLifecycleTransition("verifier_advance_scout")
			return []workflow.Effect{
				{Kind: workflow.EffectSpawnFollowUp, TaskID: taskID, Role: "scout", Kickoff: adv.Message},
			}, nil
		case ActionDefer:
			e.metrics.RecordLifecycleTransition("verifier_advance_defer")
			return []workflow.Effect{
				{Kind: workflow.EffectUpdateTaskStatus, TaskID: taskID, Status: task.StatusBlocked},
				{
					Kind: workflow.EffectPostComment, TaskID: taskID, Actor: "lifecycle",
					CommentText: fmt.Sprintf("Blocked by verifier advance_lifecycle. %s\nmessage: %s", adv.Reason, adv.Message),
				},
			}, nil
		}
	}

	e.metrics.RecordLifecycleTransition("sticky_retry")
	return e.stickyRetry(ctx, taskID, verifierLocalID)
}

// stickyRetry respawns a verifier with a recovery context built from the
// previous session id (if any) and up to the last six verifier-authored
// comments (spec §4.E, §8 property 5).
func (e *Engine) stickyRetry(ctx context.Context, taskID, priorVerifierLocalID string) ([]workflow.Effect, error) {
	prior := e.registry.Get(priorVerifierLocalID)
	var sessionID string
	if prior != nil {
		sessionID = prior.SessionID
	}

	comments, err := e.store.Comments(ctx, taskID)
	if err != nil {
		e.log.Warn("sticky retry: failed to load comments", "task_id", taskID, "error", err)
		comments = nil
	}
	recovery := buildRecoveryContext(sessionID, comments)

	return []workflow.Effect{
		{Kind: workflow.EffectSpawnFollowUp, TaskID: taskID, Role: "verifier", Kickoff: recovery, SessionID: sessionID},
	}, nil
}

func buildRecoveryContext(sessionID string, comments []task.Comment) string {
	var verifierComments []task.Comment
	for _, c := range comments {
		if c.Author == "verifier" {
			verifierComments = append(verifierComments, c)
		}
	}
	if len(verifierComments) > stickyRetryCommentLimit {
		verifierComments = verifierComments[len(verifierComments)-stickyRetryCommentLimit:]
	}

	out := "Recovery: verifier exited without a signal."
	if sessionID != "" {
		out += fmt.Sprintf(" Previous session: %s.", sessionID)
	}
	for _, c := range verifierComments {
		out += fmt.Sprintf("\n- %s", c.Text)
	}
	return out
}

// ReplaceAgentPolicy implements IPC replace_agent (spec §4.E).
func (e *Engine) ReplaceAgentPolicy(ctx context.Context, role, taskID, kickoffContext string) error {
	if !allowedReplaceRoles[role] {
		return fmt.Errorf("replace_agent: role %q not allowed: %w", role, swarmerr.ErrValidation)
	}
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return fmt.Errorf("replace_agent: loop is paused: %w", swarmerr.ErrValidation)
	}

	t, err := e.store.Show(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusClosed {
		return fmt.Errorf("replace_agent: task %s is closed: %w", taskID, swarmerr.ErrClosed)
	}

	if t.Status == task.StatusBlocked {
		if err := e.store.UpdateStatus(ctx, taskID, task.StatusInProgress); err != nil {
			return err
		}
	}

	e.stopRoleOnTask(ctx, taskID, "", false)

	_, err = e.SpawnRole(ctx, role, taskID, kickoffContext, "")
	if err == nil {
		e.metrics.RecordLifecycleTransition("replace_agent")
	}
	return err
}

// SendToAgent delivers message to localID's running subprocess over its RPC
// request/response channel (spec §4.H broadcast/interrupt/steer), returning
// an error if no active handle is tracked for it.
func (e *Engine) SendToAgent(ctx context.Context, localID, message string) error {
	e.mu.Lock()
	h, ok := e.handles[localID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s has no active handle", localID)
	}
	return h.Send(ctx, message)
}

// StopAgentsForTask marks all matching active agents as stopped and
// terminates their subprocesses gracefully (spec §4.E, §5).
func (e *Engine) StopAgentsForTask(ctx context.Context, taskID string, includeVerifier bool) {
	e.stopRoleOnTask(ctx, taskID, "", includeVerifier)
}

// stopRoleOnTask stops active agents on taskID. If onlyRole is non-empty,
// only agents with that role are targeted; otherwise every non-verifier
// agent is targeted, plus verifiers when includeVerifier is set.
func (e *Engine) stopRoleOnTask(ctx context.Context, taskID, onlyRole string, includeVerifier bool) {
	for _, rec := range e.registry.GetActiveByTask(taskID) {
		if onlyRole != "" && rec.Role != onlyRole {
			continue
		}
		if onlyRole == "" && rec.Role == "verifier" && !includeVerifier {
			continue
		}
		e.stopAgent(ctx, rec.ID)
	}
}

func (e *Engine) stopAgent(ctx context.Context, localID string) {
	e.registry.SetStatus(localID, agentrec.StatusStopped)
	e.mu.Lock()
	h, ok := e.handles[localID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := h.Stop(ctx, e.grace); err != nil {
		e.log.Warn("stop agent failed", "agent_id", localID, "error", err)
	}
}

// StopAllAgentsAndPause stops every active agent across all tasks and sets
// the engine to paused, suppressing further dispatch until Resume.
func (e *Engine) StopAllAgentsAndPause(ctx context.Context) {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()

	for _, rec := range e.registry.GetActive() {
		e.stopAgent(ctx, rec.ID)
	}
}

// Resume clears the paused flag set by StopAllAgentsAndPause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// IsPaused reports the engine's current pause state.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}
