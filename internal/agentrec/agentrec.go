// Package agentrec implements the Agent Registry (spec §4.C): an in-memory
// table of agent records keyed by both local id and task-store agent id,
// with bounded per-agent event ring buffers and usage/context accounting.
package agentrec

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle status of an agent record.
type Status string

const (
	StatusRunning Status = "running"
	StatusWorking Status = "working"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
	StatusStopped Status = "stopped"
	StatusAborted Status = "aborted"
	StatusFailed  Status = "failed"
	StatusDead    Status = "dead"
)

// IsTerminal reports whether no further mutation of role/taskId is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusStopped, StatusAborted, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// Usage is the cumulative, monotonically-increasing usage accounting for an
// agent's run.
type Usage struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
	Total      int64
	Cost       float64
}

// UsageDelta is the per-event increment applied to a Record's Usage.
type UsageDelta struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
	Total      int64
	Cost       float64
}

// Event is a single item in an agent's bounded event ring.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]any
}

// DefaultRingSize is the default bound on an agent's event ring buffer.
const DefaultRingSize = 1024

// Record is one agent's registry entry.
type Record struct {
	ID              string // local id, stable per spawn
	TasksAgentID    string // persisted id in the store
	Role            string
	TaskID          string
	Status          Status
	SpawnedAt       time.Time
	LastActivity    time.Time
	Usage           Usage
	ContextTokens   int64
	ContextWindow   int64
	CompactionCount int
	SessionID       string

	ringSize int
	events   []Event
}

func (r *Record) clone() *Record {
	cp := *r
	cp.events = append([]Event(nil), r.events...)
	return &cp
}

// ToolCall pairs a tool_use content item with its matching tool_result by
// tool_use_id.
type ToolCall struct {
	ToolUseID string
	Use       *Event
	Result    *Event
}

// HistoryResult is the shape returned by ReadMessageHistory.
type HistoryResult struct {
	Agent    *Record
	Messages []Event
	Calls    []ToolCall
}

// Summary is the compact projection returned by ListActiveSummaries.
type Summary struct {
	ID           string
	TasksAgentID string
	Role         string
	TaskID       string
	Status       Status
	LastActivity time.Time
}

// MessageSource is consulted by ReadMessageHistory when no live record
// matches, mirroring the store client's readAgentMessages extension
// (spec §4.C, §6).
type MessageSource interface {
	ReadAgentMessages(agentID string, limit int) ([]Event, error)
}

// Registry is the mutex-protected agent table. Zero value is not usable;
// construct with New.
type Registry struct {
	mu           sync.Mutex
	byLocalID    map[string]*Record
	byTasksID    map[string]string // tasksAgentId -> local id
	ringSize     int
	messageStore MessageSource
}

// New constructs an empty Registry. ringSize<=0 uses DefaultRingSize.
func New(ringSize int, store MessageSource) *Registry {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Registry{
		byLocalID:    make(map[string]*Record),
		byTasksID:    make(map[string]string),
		ringSize:     ringSize,
		messageStore: store,
	}
}

// Register inserts or replaces the record for rec.ID. Registering an id
// twice replaces the prior record entirely (spec §8 property 2).
func (r *Registry) Register(rec Record) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ringSize <= 0 {
		rec.ringSize = r.ringSize
	}
	if rec.SpawnedAt.IsZero() {
		rec.SpawnedAt = time.Now()
	}
	stored := rec.clone()

	if old, ok := r.byLocalID[rec.ID]; ok && old.TasksAgentID != "" {
		delete(r.byTasksID, old.TasksAgentID)
	}
	r.byLocalID[rec.ID] = stored
	if stored.TasksAgentID != "" {
		r.byTasksID[stored.TasksAgentID] = stored.ID
	}
	return stored.clone()
}

// Get returns a copy of the record for localID, or nil if absent.
func (r *Registry) Get(localID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byLocalID[localID]
	if !ok {
		return nil
	}
	return rec.clone()
}

// GetByTasksAgentID resolves a persisted store agent id to its local
// record, or nil if no live agent matches.
func (r *Registry) GetByTasksAgentID(tasksAgentID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	localID, ok := r.byTasksID[tasksAgentID]
	if !ok {
		return nil
	}
	rec, ok := r.byLocalID[localID]
	if !ok {
		return nil
	}
	return rec.clone()
}

// GetByTask returns all records (live or terminal, but not yet pruned)
// bound to taskID.
func (r *Registry) GetByTask(taskID string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.byLocalID {
		if rec.TaskID == taskID {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetActiveByTask is GetByTask filtered to non-terminal statuses.
func (r *Registry) GetActiveByTask(taskID string) []*Record {
	all := r.GetByTask(taskID)
	out := all[:0]
	for _, rec := range all {
		if !rec.Status.IsTerminal() {
			out = append(out, rec)
		}
	}
	return out
}

// GetActive returns every non-terminal record.
func (r *Registry) GetActive() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.byLocalID {
		if !rec.Status.IsTerminal() {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActiveSummaries returns the compact projection for every active
// record, used by the `list_active_agents` IPC action.
func (r *Registry) ListActiveSummaries() []Summary {
	active := r.GetActive()
	out := make([]Summary, 0, len(active))
	for _, rec := range active {
		out = append(out, Summary{
			ID: rec.ID, TasksAgentID: rec.TasksAgentID, Role: rec.Role,
			TaskID: rec.TaskID, Status: rec.Status, LastActivity: rec.LastActivity,
		})
	}
	return out
}

// PushEvent appends ev to localID's ring buffer, evicting the oldest entry
// once the configured bound is exceeded (spec §8 property 3).
func (r *Registry) PushEvent(localID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byLocalID[localID]
	if !ok {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	rec.events = append(rec.events, ev)
	bound := rec.ringSize
	if bound <= 0 {
		bound = r.ringSize
	}
	if len(rec.events) > bound {
		rec.events = rec.events[len(rec.events)-bound:]
	}
	rec.LastActivity = ev.Timestamp
}

// SetStatus updates a record's status in place. Mutating role or taskId on
// a record whose status is already terminal is a no-op.
func (r *Registry) SetStatus(localID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byLocalID[localID]
	if !ok {
		return
	}
	rec.Status = status
}

// ApplyUsageDelta accumulates a usage delta and the context-window proxy
// (input + cacheRead) onto a record (spec §4.D step 3-4).
func (r *Registry) ApplyUsageDelta(localID string, delta UsageDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byLocalID[localID]
	if !ok {
		return
	}
	rec.Usage.Input += delta.Input
	rec.Usage.Output += delta.Output
	rec.Usage.CacheRead += delta.CacheRead
	rec.Usage.CacheWrite += delta.CacheWrite
	total := delta.Total
	if total == 0 {
		total = delta.Input + delta.Output + delta.CacheRead + delta.CacheWrite
	}
	rec.Usage.Total += total
	rec.Usage.Cost += delta.Cost
	rec.ContextTokens = rec.Usage.Input + rec.Usage.CacheRead
	rec.LastActivity = time.Now()
}

// SetContextWindow captures model.contextWindow on first successful
// getState() (spec §4.D step 5).
func (r *Registry) SetContextWindow(localID string, window int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byLocalID[localID]; ok {
		rec.ContextWindow = window
	}
}

// IncrementCompactionCount bumps a record's compaction counter.
func (r *Registry) IncrementCompactionCount(localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byLocalID[localID]; ok {
		rec.CompactionCount++
	}
}

// Prune removes a terminal record by local id, used once late events and UI
// have no further use for it.
func (r *Registry) Prune(localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byLocalID[localID]; ok {
		delete(r.byTasksID, rec.TasksAgentID)
		delete(r.byLocalID, localID)
	}
}

// ReadMessageHistory resolves id against either a local id or a
// tasksAgentId, also accepting a colon-suffixed variant (last segment after
// ':'); if a live agent matches, its event log is used, otherwise the
// configured MessageSource is consulted (spec §4.C).
func (r *Registry) ReadMessageHistory(id string, limit int) (HistoryResult, error) {
	candidates := []string{id}
	if idx := strings.LastIndex(id, ":"); idx >= 0 && idx < len(id)-1 {
		candidates = append(candidates, id[idx+1:])
	}

	r.mu.Lock()
	var rec *Record
	for _, c := range candidates {
		if found, ok := r.byLocalID[c]; ok {
			rec = found
			break
		}
		if localID, ok := r.byTasksID[c]; ok {
			if found, ok := r.byLocalID[localID]; ok {
				rec = found
				break
			}
		}
	}
	var events []Event
	if rec != nil {
		events = append([]Event(nil), rec.events...)
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
	}
	var recCopy *Record
	if rec != nil {
		recCopy = rec.clone()
	}
	r.mu.Unlock()

	if rec == nil {
		if r.messageStore == nil {
			return HistoryResult{}, nil
		}
		stored, err := r.messageStore.ReadAgentMessages(id, limit)
		if err != nil {
			return HistoryResult{}, err
		}
		return HistoryResult{Messages: stored, Calls: pairToolCalls(stored)}, nil
	}

	return HistoryResult{Agent: recCopy, Messages: events, Calls: pairToolCalls(events)}, nil
}

// pairToolCalls derives ToolCall entries by matching tool_use content
// against its tool_result by tool_use_id (spec §4.C).
func pairToolCalls(events []Event) []ToolCall {
	byID := make(map[string]*ToolCall)
	var order []string
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case "tool_use":
			id, _ := ev.Payload["tool_use_id"].(string)
			if id == "" {
				continue
			}
			if _, ok := byID[id]; !ok {
				order = append(order, id)
			}
			call := byID[id]
			if call == nil {
				call = &ToolCall{ToolUseID: id}
				byID[id] = call
			}
			call.Use = ev
		case "tool_result":
			id, _ := ev.Payload["tool_use_id"].(string)
			if id == "" {
				continue
			}
			if _, ok := byID[id]; !ok {
				order = append(order, id)
			}
			call := byID[id]
			if call == nil {
				call = &ToolCall{ToolUseID: id}
				byID[id] = call
			}
			call.Result = ev
		}
	}
	out := make([]ToolCall, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}
