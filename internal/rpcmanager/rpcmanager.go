// Package rpcmanager implements the RPC Handler Manager (spec §4.D):
// attaching to a spawned agent's event stream, translating events into
// registry updates, lifecycle transitions, and persistence calls.
package rpcmanager

import (
	"context"
	"fmt"

	"swarmd/internal/agentrec"
	swarmerr "swarmd/internal/errors"
	"swarmd/internal/lifecycle"
	"swarmd/internal/logging"
	"swarmd/internal/spawner"
	"swarmd/internal/task"
	"swarmd/internal/workflow"
)

// EventSink receives translated agent events, per the callback-to-channel
// re-architecture called out in spec §9 ("RPC event callbacks").
type EventSink interface {
	OnEvent(localID string, ev spawner.Event)
}

// ComplaintRevoker revokes every outstanding file complaint registered by a
// given complainant (here, an agent's local id). Satisfied by *loop.Loop;
// kept as a narrow interface so rpcmanager does not import internal/loop.
type ComplaintRevoker interface {
	RevokeAllComplaintsBy(ctx context.Context, complainant string) error
}

// Manager attaches event listeners to agent subprocesses exactly once per
// record and drives the registry/lifecycle/persistence side effects of
// each event.
type Manager struct {
	registry   *agentrec.Registry
	store      task.Store
	lifecycle  *lifecycle.Engine
	dispatcher workflow.Dispatcher
	debouncer  *Debouncer
	retry      swarmerr.RetryConfig
	log        logging.Logger
	complaints ComplaintRevoker

	attached map[string]bool
}

// New constructs a Manager. onDirty is called on the UI-dirty debounce
// edges (spec §4.D step 6); it may be nil.
func New(registry *agentrec.Registry, store task.Store, lc *lifecycle.Engine, dispatcher workflow.Dispatcher, onDirty func(), log logging.Logger) *Manager {
	if onDirty == nil {
		onDirty = func() {}
	}
	return &Manager{
		registry:   registry,
		store:      store,
		lifecycle:  lc,
		dispatcher: dispatcher,
		debouncer:  NewDebouncer(0, onDirty),
		retry:      swarmerr.DefaultRetryConfig(),
		log:        logging.OrNop(log),
		attached:   make(map[string]bool),
	}
}

// SetComplaintRevoker attaches the loop's complaint table so terminal agent
// transitions can revoke the agent's outstanding complaints (spec §4.D "on
// any terminal transition, the manager always revokes any outstanding
// complaints registered by the agent"). Safe to leave unset in tests that
// don't exercise complaints.
func (m *Manager) SetComplaintRevoker(r ComplaintRevoker) {
	m.complaints = r
}

// Attach starts draining handle's event stream into the manager. Attaching
// the same localID twice is a no-op (spec §4.D "exactly once per record").
func (m *Manager) Attach(ctx context.Context, localID, role string, handle spawner.Handle) {
	if m.attached[localID] {
		return
	}
	m.attached[localID] = true

	go func() {
		for ev := range handle.Events() {
			m.handleEvent(ctx, localID, role, ev)
		}
		// handle.Wait() is documented to deliver exactly one ExitStatus once
		// the process terminates; the events channel closing carries no
		// happens-before guarantee relative to that send, so this must block
		// for it rather than racing it with a non-blocking select.
		status := <-handle.Wait()
		m.handleExit(ctx, localID, role, status)
	}()
}

// handleEvent is the per-attachment EventSink translation (spec §4.D,
// §9 "RPC event callbacks"): each incoming event updates the registry,
// best-effort persists, and on agent_end drives a lifecycle transition.
func (m *Manager) handleEvent(ctx context.Context, localID, role string, ev spawner.Event) {
	m.registry.PushEvent(localID, agentrec.Event{Type: ev.Type, Timestamp: ev.Timestamp, Payload: ev.Payload})

	rec := m.registry.Get(localID)
	tasksAgentID := localID
	if rec != nil && rec.TasksAgentID != "" {
		tasksAgentID = rec.TasksAgentID
	}
	m.bestEffort(ctx, func(ctx context.Context) error {
		return m.store.RecordAgentEvent(ctx, tasksAgentID, task.AgentEvent{Type: ev.Type, Timestamp: ev.Timestamp, Payload: ev.Payload})
	})

	switch ev.Type {
	case "message_end":
		if roleVal, _ := ev.Payload["role"].(string); roleVal == "assistant" {
			if usage, ok := ev.Payload["usage"].(map[string]any); ok && len(usage) > 0 {
				m.applyUsage(ctx, localID, tasksAgentID, usage)
			}
		}
	case "auto_compaction_end":
		aborted, _ := ev.Payload["aborted"].(bool)
		result := ev.Payload["result"]
		if !aborted && truthy(result) {
			m.registry.IncrementCompactionCount(localID)
		}
	case "state":
		if model, ok := ev.Payload["model"].(map[string]any); ok {
			if window, ok := numeric(model["contextWindow"]); ok {
				m.registry.SetContextWindow(localID, window)
			}
		}
	case "agent_end":
		m.handleAgentEnd(ctx, localID, role)
	}

	m.debouncer.Notify()
}

func (m *Manager) applyUsage(ctx context.Context, localID, tasksAgentID string, usage map[string]any) {
	input, _ := numeric(usage["input"])
	output, _ := numeric(usage["output"])
	cacheRead, _ := numeric(usage["cacheRead"])
	cacheWrite, _ := numeric(usage["cacheWrite"])
	total, _ := numeric(usage["totalTokens"])
	var cost float64
	if costMap, ok := usage["cost"].(map[string]any); ok {
		for _, v := range costMap {
			if f, ok := numericFloat(v); ok {
				cost += f
			}
		}
	} else if f, ok := numericFloat(usage["cost"]); ok {
		cost = f
	}

	m.registry.ApplyUsageDelta(localID, agentrec.UsageDelta{
		Input: input, Output: output, CacheRead: cacheRead, CacheWrite: cacheWrite, Total: total, Cost: cost,
	})

	rec := m.registry.Get(localID)
	if rec == nil {
		return
	}
	snapshot := task.UsageSnapshot{
		Input: rec.Usage.Input, Output: rec.Usage.Output, CacheRead: rec.Usage.CacheRead,
		CacheWrite: rec.Usage.CacheWrite, Total: rec.Usage.Total, Cost: rec.Usage.Cost,
	}
	m.bestEffort(ctx, func(ctx context.Context) error {
		return m.store.RecordAgentUsage(ctx, tasksAgentID, snapshot)
	})
}

// handleAgentEnd implements the role-dependent agent_end branch (spec
// §4.D).
func (m *Manager) handleAgentEnd(ctx context.Context, localID, role string) {
	rec := m.registry.Get(localID)
	if rec == nil {
		return
	}

	var effects []workflow.Effect
	var err error
	switch role {
	case "implementer", "designer-worker":
		lastText := m.lastAssistantText(localID)
		effects, err = m.lifecycle.HandleWorkerExit(ctx, rec.TaskID, localID, lastText)
	case "verifier":
		effects, err = m.lifecycle.HandleVerifierExit(ctx, rec.TaskID, localID)
	default:
		m.log.Info("agent finished", "role", role, "agent_id", localID)
		m.finishTerminal(ctx, localID, agentrec.StatusDone)
		return
	}

	if err != nil {
		m.log.Warn("lifecycle transition failed", "role", role, "agent_id", localID, "error", err)
		return
	}
	if err := m.dispatcher.ApplyEffects(ctx, rec.TaskID, effects); err != nil {
		m.log.Warn("apply lifecycle effects failed", "task_id", rec.TaskID, "error", err)
	}
}

// handleExit implements rpc_exit (spec §4.D).
func (m *Manager) handleExit(ctx context.Context, localID, role string, status spawner.ExitStatus) {
	if status.ExitCode == 0 && status.Err == nil {
		m.finishTerminal(ctx, localID, agentrec.StatusDone)
		return
	}
	m.log.Error("agent crashed", "agent_id", localID, "role", role, "exit_code", status.ExitCode, "error", status.Err)
	m.finishTerminal(ctx, localID, agentrec.StatusDead)
}

// finishTerminal performs the always-run cleanup steps on any terminal
// transition (spec §4.D "revokes any outstanding complaints ... sets the
// persisted agent state ... clears the agent's hook slot"), each best
// effort.
func (m *Manager) finishTerminal(ctx context.Context, localID string, status agentrec.Status) {
	m.registry.SetStatus(localID, status)
	rec := m.registry.Get(localID)
	if rec == nil {
		return
	}
	tasksAgentID := localID
	if rec.TasksAgentID != "" {
		tasksAgentID = rec.TasksAgentID
	}
	m.bestEffort(ctx, func(ctx context.Context) error {
		return m.store.SetAgentState(ctx, tasksAgentID, string(status))
	})
	m.bestEffort(ctx, func(ctx context.Context) error {
		return m.store.ClearSlot(ctx, tasksAgentID, "hook")
	})
	if m.complaints != nil {
		m.bestEffort(ctx, func(ctx context.Context) error {
			return m.complaints.RevokeAllComplaintsBy(ctx, localID)
		})
	}
}

func (m *Manager) bestEffort(ctx context.Context, fn func(ctx context.Context) error) {
	if err := swarmerr.Retry(ctx, m.retry, fn); err != nil {
		m.log.Warn("best-effort persistence call failed", "error", err)
	}
}

// lastAssistantText scans localID's event history backward for the most
// recent assistant message_end text, falling back to a generic marker if
// none was streamed.
func (m *Manager) lastAssistantText(localID string) string {
	hist, err := m.registry.ReadMessageHistory(localID, 0)
	if err != nil {
		return fmt.Sprintf("agent %s finished", localID)
	}
	for i := len(hist.Messages) - 1; i >= 0; i-- {
		ev := hist.Messages[i]
		if ev.Type != "message_end" {
			continue
		}
		if roleVal, _ := ev.Payload["role"].(string); roleVal != "assistant" {
			continue
		}
		if text, ok := ev.Payload["text"].(string); ok && text != "" {
			return text
		}
	}
	return fmt.Sprintf("agent %s finished", localID)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case nil:
		return false
	default:
		f, ok := numericFloat(v)
		return ok && f != 0
	}
}

func numeric(v any) (int64, bool) {
	f, ok := numericFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func numericFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}
