// Package loop implements the Agent Loop (spec §4.H): the ticker-driven
// scheduler tick that dispatches ready tasks, enforces maxWorkers, and
// exposes the control-plane operations the IPC Control Plane (spec §4.G)
// delegates to (wake/pause/resume, steer/interrupt/broadcast, complaints).
//
// Grounded in the ticker/cancel/WaitGroup shape of
// cklxx-elephant.ai's internal/delivery/channels/lark gateway cleanup loop.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swarmd/internal/agentrec"
	"swarmd/internal/lifecycle"
	"swarmd/internal/logging"
	"swarmd/internal/metrics"
	"swarmd/internal/scheduler"
	"swarmd/internal/task"
)

// DefaultPollInterval and MinPollInterval bound the ticker cadence (spec
// §4.H: "default 1000ms, floor of 250ms").
const (
	DefaultPollInterval = time.Second
	MinPollInterval     = 250 * time.Millisecond
)

// nonWorkerRoles is the set of roles that do not count toward maxWorkers
// and that BroadcastToWorkers skips; every other role is "worker-kind"
// (spec §4.H "enforce maxWorkers across worker-kind roles"; GLOSSARY role
// taxonomy). Roles outside the manifest's well-known set
// (custom roles) are treated as worker-kind by default, matching
// roles.DefaultCustomCapabilities's implementer-like posture.
var nonWorkerRoles = map[string]bool{
	"verifier":     true,
	"supervisor":   true,
	"orchestrator": true,
}

// Config configures a Loop. MaxWorkers <= 0 means unbounded.
type Config struct {
	PollInterval      time.Duration
	MaxWorkers        int
	DefaultWorkerRole string
	Metrics           *metrics.Metrics
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	}
	if c.DefaultWorkerRole == "" {
		c.DefaultWorkerRole = "implementer"
	}
	return c
}

type fileComplaint struct {
	Reason      string
	Complainant string
}

// Loop owns the scheduler tick and the control-plane operations the IPC
// server dispatches into.
type Loop struct {
	store     task.Store
	registry  *agentrec.Registry
	scheduler *scheduler.Scheduler
	lifecycle *lifecycle.Engine
	log       logging.Logger
	cfg       Config

	mu         sync.Mutex
	running    bool
	paused     bool
	reconciled bool
	cancel     context.CancelFunc
	wakeCh     chan struct{}
	wg         sync.WaitGroup

	complaintsMu sync.Mutex
	complaints   map[string][]fileComplaint
}

// New constructs a Loop. log may be nil.
func New(store task.Store, registry *agentrec.Registry, sched *scheduler.Scheduler, lc *lifecycle.Engine, cfg Config, log logging.Logger) *Loop {
	if log == nil {
		log = logging.New("loop", nil, 0)
	}
	return &Loop{
		store:      store,
		registry:   registry,
		scheduler:  sched,
		lifecycle:  lc,
		log:        log,
		cfg:        cfg.normalized(),
		wakeCh:     make(chan struct{}, 1),
		complaints: make(map[string][]fileComplaint),
	}
}

// Start begins the ticker goroutine. A second call is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(runCtx)
}

// Stop cancels the ticker goroutine and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.running = false
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// IsRunning reports whether the ticker goroutine is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		case <-l.wakeCh:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.IsPaused() {
		return
	}
	start := time.Now()
	l.mu.Lock()
	first := !l.reconciled
	l.reconciled = true
	l.mu.Unlock()

	if first {
		l.reconcileOrphans(ctx)
	}
	n, err := l.dispatchN(ctx, l.availableSlots())
	if err != nil {
		l.log.Warn("dispatch tick failed", "error", err)
	}
	l.cfg.Metrics.RecordDispatch(l.cfg.DefaultWorkerRole, n)
	l.cfg.Metrics.ObserveTickDuration(time.Since(start))
	l.reportActiveAgents()
}

// reportActiveAgents refreshes the active-agent gauge per role.
func (l *Loop) reportActiveAgents() {
	byRole := map[string]int{}
	for _, rec := range l.registry.GetActive() {
		byRole[rec.Role]++
	}
	for role, n := range byRole {
		l.cfg.Metrics.SetActiveAgents(role, n)
	}
}

// reconcileOrphans dispatches a worker (never a scout) for every
// in_progress task with no active agent attached, per spec §4.H startup
// reconciliation: these are tasks a prior process crashed mid-dispatch on.
func (l *Loop) reconcileOrphans(ctx context.Context) {
	orphans, err := l.scheduler.GetInProgressTasksWithoutAgent(ctx, l.availableSlots())
	if err != nil {
		l.log.Warn("reconcile orphans: list failed", "error", err)
		return
	}
	reconciled := 0
	for _, t := range orphans {
		if _, err := l.lifecycle.SpawnRole(ctx, l.cfg.DefaultWorkerRole, t.ID, "", ""); err != nil {
			l.log.Warn("reconcile orphans: spawn failed", "task", t.ID, "error", err)
			continue
		}
		reconciled++
	}
	l.cfg.Metrics.RecordOrphansReconciled(reconciled)
}

// Wake requests an immediate tick, coalescing with any pending request.
func (l *Loop) Wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Pause suspends ticks without stopping the goroutine.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume lifts Pause.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
}

// IsPaused reports the loop-level pause flag (distinct from the lifecycle
// engine's StopAllAgentsAndPause, which also terminates running agents).
func (l *Loop) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *Loop) isWorkerRole(role string) bool {
	return !nonWorkerRoles[role]
}

// availableSlots returns how many additional worker-kind agents may be
// dispatched right now under MaxWorkers (a very large number if unbounded).
func (l *Loop) availableSlots() int {
	if l.cfg.MaxWorkers <= 0 {
		return 1 << 20
	}
	active := 0
	for _, rec := range l.registry.GetActive() {
		if l.isWorkerRole(rec.Role) {
			active++
		}
	}
	remaining := l.cfg.MaxWorkers - active
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// dispatchN claims and spawns up to n ready tasks, capped by the currently
// available worker slots.
func (l *Loop) dispatchN(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if slots := l.availableSlots(); n > slots {
		n = slots
	}
	if n <= 0 {
		return 0, nil
	}

	candidates, err := l.scheduler.GetNextTasks(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("loop: get next tasks: %w", err)
	}

	// Claim+spawn per candidate is independent across tasks, so fan it out
	// instead of serializing one tick's dispatch behind the slowest spawn.
	var mu sync.Mutex
	dispatched := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range candidates {
		t := t
		g.Go(func() error {
			claimed, err := l.scheduler.TryClaim(gctx, t.ID)
			if err != nil {
				l.log.Warn("dispatch: claim failed", "task", t.ID, "error", err)
				return nil
			}
			if !claimed {
				return nil
			}
			if _, err := l.lifecycle.SpawnRole(gctx, l.cfg.DefaultWorkerRole, t.ID, "", ""); err != nil {
				l.log.Warn("dispatch: spawn failed", "task", t.ID, "error", err)
				return nil
			}
			mu.Lock()
			dispatched++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return dispatched, nil
}

// StartTasks dispatches up to count tasks from the ready set (spec §4.G
// start_tasks). A count <= 0 means "as many as available worker slots
// allow" -- the IPC layer defaults an omitted count to 0, and a literal
// request for zero tasks is indistinguishable from "no explicit count"
// over that transport, so this is documented as an Open Question decision
// rather than an ambiguity left unresolved.
func (l *Loop) StartTasks(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		count = l.availableSlots()
	}
	return l.dispatchN(ctx, count)
}

// BroadcastToWorkers delivers message to every active worker-kind agent,
// best-effort: a delivery failure to one agent is logged, not returned.
func (l *Loop) BroadcastToWorkers(ctx context.Context, message string) error {
	for _, rec := range l.registry.GetActive() {
		if !l.isWorkerRole(rec.Role) {
			continue
		}
		if err := l.lifecycle.SendToAgent(ctx, rec.ID, message); err != nil {
			l.log.Warn("broadcast: delivery failed", "agent", rec.ID, "error", err)
		}
	}
	return nil
}

// InterruptAgent delivers an urgent prompt to every active non-verifier
// agent attached to taskID (spec §4.H interruptAgent).
func (l *Loop) InterruptAgent(ctx context.Context, taskID, message string) error {
	delivered := 0
	for _, rec := range l.registry.GetActiveByTask(taskID) {
		if rec.Role == "verifier" {
			continue
		}
		if err := l.lifecycle.SendToAgent(ctx, rec.ID, message); err != nil {
			l.log.Warn("interrupt: delivery failed", "agent", rec.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("interrupt_agent: no active non-verifier agent on task %s", taskID)
	}
	return nil
}

// SteerAgent delivers a steering prompt to every active non-verifier agent
// on taskID (spec §4.H steerAgent), erroring if none is active.
func (l *Loop) SteerAgent(ctx context.Context, taskID, message string) error {
	return l.InterruptAgent(ctx, taskID, message)
}

// SpawnAgentBySingularity spawns role against taskID unless an active
// record of that role already exists on the task, returning the existing
// local id in that case (spec §4.H spawnAgentBySingularity: at most one
// active agent of a given role per task).
func (l *Loop) SpawnAgentBySingularity(ctx context.Context, role, taskID, kickoff string) (string, error) {
	for _, rec := range l.registry.GetActiveByTask(taskID) {
		if rec.Role == role {
			return rec.ID, nil
		}
	}
	return l.lifecycle.SpawnRole(ctx, role, taskID, kickoff, "")
}

// StopAgentsForTask stops every agent (or every non-verifier agent) active
// on taskID, optionally blocking until none remain.
func (l *Loop) StopAgentsForTask(ctx context.Context, taskID string, includeVerifier, waitForCompletion bool) error {
	l.lifecycle.StopAgentsForTask(ctx, taskID, includeVerifier)
	if !waitForCompletion {
		return nil
	}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if len(l.registry.GetActiveByTask(taskID)) == 0 {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("stop_agents_for_task: timed out waiting for task %s to quiesce", taskID)
}

// Complain records a file-level complaint (spec §4.H complain): a future
// dispatch reading a complained file should surface reason to its agent.
// No component yet consults this map at dispatch time -- it is recorded
// here so the control-plane round trip has somewhere real to land and so a
// later conflict-aware dispatcher has a ready-made source of truth.
func (l *Loop) Complain(ctx context.Context, files []string, reason, complainant string) error {
	l.complaintsMu.Lock()
	defer l.complaintsMu.Unlock()
	for _, f := range files {
		l.complaints[f] = append(l.complaints[f], fileComplaint{Reason: reason, Complainant: complainant})
	}
	return nil
}

// RevokeComplaint removes complainant's complaints against files. An empty
// complainant clears every complaint recorded against those files.
func (l *Loop) RevokeComplaint(ctx context.Context, files []string, complainant string) error {
	l.complaintsMu.Lock()
	defer l.complaintsMu.Unlock()
	for _, f := range files {
		if complainant == "" {
			delete(l.complaints, f)
			continue
		}
		kept := l.complaints[f][:0]
		for _, c := range l.complaints[f] {
			if c.Complainant != complainant {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(l.complaints, f)
		} else {
			l.complaints[f] = kept
		}
	}
	return nil
}

// RevokeAllComplaintsBy clears every complaint complainant registered,
// across every file, regardless of which files are still outstanding. Used
// on an agent's terminal transition (spec §4.D), when the caller does not
// know which files the agent may have complained about.
func (l *Loop) RevokeAllComplaintsBy(ctx context.Context, complainant string) error {
	l.complaintsMu.Lock()
	defer l.complaintsMu.Unlock()
	for f, cs := range l.complaints {
		kept := cs[:0]
		for _, c := range cs {
			if c.Complainant != complainant {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(l.complaints, f)
		} else {
			l.complaints[f] = kept
		}
	}
	return nil
}

// Complaints returns a snapshot of outstanding complaints per file, for
// inspection by callers (e.g. a future conflict-aware dispatcher or a CLI
// status view).
func (l *Loop) Complaints() map[string][]string {
	l.complaintsMu.Lock()
	defer l.complaintsMu.Unlock()
	out := make(map[string][]string, len(l.complaints))
	for f, cs := range l.complaints {
		reasons := make([]string, 0, len(cs))
		for _, c := range cs {
			reasons = append(reasons, c.Reason)
		}
		out[f] = reasons
	}
	return out
}
