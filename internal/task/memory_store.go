package task

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	swarmerr "swarmd/internal/errors"
)

// MemoryStore is the in-memory reference implementation of Store, grounded
// in the teacher's mutex-protected map-of-records idiom
// (_examples/other_examples/.../internal-agent-registry.go.go). It backs
// the default single-process deployment mode and the test suites of every
// component in internal/.
type MemoryStore struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	nextSeq    int
	agents     map[string]*agentRecord
	activity   []ActivityEntry
	listeners  map[int]func(Task)
	nextListen int
}

type agentRecord struct {
	state    string
	events   []AgentEvent
	slots    map[string]string
	lastBeat time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*Task),
		agents:    make(map[string]*agentRecord),
		listeners: make(map[int]func(Task)),
	}
}

func (m *MemoryStore) notifyLocked(t Task) {
	for _, fn := range m.listeners {
		fn(t)
	}
}

func (m *MemoryStore) Ready(ctx context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if t.Status != StatusOpen && t.Status != StatusInProgress {
			continue
		}
		if t.Status == StatusInProgress && t.Assignee != nil {
			continue
		}
		if !m.dependenciesClosedLocked(*t) {
			continue
		}
		out = append(out, *t)
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) dependenciesClosedLocked(t Task) bool {
	for _, dep := range t.DependsOnIDs {
		dt, ok := m.tasks[dep]
		if !ok || dt.Status != StatusClosed {
			return false
		}
	}
	return true
}

func (m *MemoryStore) List(ctx context.Context, flags ListFlags) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if flags.Status != "" {
			if string(t.Status) != flags.Status {
				continue
			}
		} else if !flags.All && !flags.IncludeClosed && t.Status.IsTerminal() {
			continue
		}
		if flags.Status == "" {
			typeFilter := flags.Type
			if typeFilter == "" && !flags.All && !flags.IncludeClosed {
				typeFilter = string(IssueTypeTask)
			}
			if typeFilter != "" && string(t.IssueType) != typeFilter {
				continue
			}
		} else if flags.Type != "" && string(t.IssueType) != flags.Type {
			continue
		}
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if flags.Limit > 0 && len(out) > flags.Limit {
		out = out[:flags.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Show(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	return *t, nil
}

func (m *MemoryStore) Create(ctx context.Context, title, description string, priority int, opts CreateOptions) (Task, error) {
	if strings.TrimSpace(title) == "" {
		return Task{}, fmt.Errorf("title required for create: %w", swarmerr.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	id := fmt.Sprintf("task-%d", m.nextSeq)
	issueType := opts.IssueType
	if issueType == "" {
		issueType = IssueTypeTask
	}
	now := time.Now()
	var assignee *string
	if opts.Assignee != "" {
		a := opts.Assignee
		assignee = &a
	}
	t := &Task{
		ID:           id,
		Title:        title,
		Description:  description,
		Status:       StatusOpen,
		Priority:     priority,
		IssueType:    issueType,
		Labels:       append([]string(nil), opts.Labels...),
		Assignee:     assignee,
		DependsOnIDs: append([]string(nil), opts.DependsOnIDs...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.tasks[id] = t
	m.recordActivityLocked("create", "", id, title)
	m.notifyLocked(*t)
	return *t, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch map[string]any) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	if t.Status == StatusClosed {
		return Task{}, fmt.Errorf("task %s: %w", id, swarmerr.ErrClosed)
	}
	if v, ok := patch["title"].(string); ok {
		t.Title = v
	}
	if v, ok := patch["description"].(string); ok {
		t.Description = v
	}
	if v, ok := patch["priority"].(int); ok {
		t.Priority = v
	}
	if v, ok := patch["status"].(string); ok {
		t.Status = Status(v)
	}
	t.UpdatedAt = time.Now()
	m.recordActivityLocked("update", "", id, "")
	m.notifyLocked(*t)
	return *t, nil
}

func (m *MemoryStore) Close(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	t.Status = StatusClosed
	t.UpdatedAt = time.Now()
	if reason != "" {
		t.Comments = append(t.Comments, Comment{Author: "system", Text: "closed: " + reason, CreatedAt: t.UpdatedAt})
	}
	truncated := reason
	if len(truncated) > 140 {
		truncated = truncated[:140]
	}
	m.recordActivityLocked("close", "", id, truncated)
	m.notifyLocked(*t)
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, query string, opts ListFlags) ([]Task, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query required for search: %w", swarmerr.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	q := strings.ToLower(query)
	for _, t := range m.tasks {
		if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.Description), q) {
			out = append(out, *t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	if t.Assignee != nil {
		return fmt.Errorf("task %s already claimed by %s: %w", id, *t.Assignee, swarmerr.ErrAlreadyClaimed)
	}
	self := "local"
	t.Assignee = &self
	t.Status = StatusInProgress
	t.UpdatedAt = time.Now()
	m.notifyLocked(*t)
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	if t.Status == StatusClosed {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrClosed)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	m.notifyLocked(*t)
	return nil
}

func (m *MemoryStore) AddLabel(ctx context.Context, id string, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	for _, l := range t.Labels {
		if l == label {
			return nil
		}
	}
	t.Labels = append(t.Labels, label)
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Comment(ctx context.Context, id string, text string, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	if actor == "" {
		actor = "system"
	}
	t.Comments = append(t.Comments, Comment{Author: actor, Text: text, CreatedAt: time.Now()})
	t.UpdatedAt = time.Now()
	m.recordActivityLocked("comment_add", actor, id, fmt.Sprintf("len=%d", len(text)))
	return nil
}

func (m *MemoryStore) Comments(ctx context.Context, id string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	return append([]Comment(nil), t.Comments...), nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.agents[id] = &agentRecord{state: "running", slots: make(map[string]string)}
	return id, nil
}

func (m *MemoryStore) SetAgentState(ctx context.Context, id string, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, swarmerr.ErrNotFound)
	}
	rec.state = state
	return nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, swarmerr.ErrNotFound)
	}
	rec.lastBeat = time.Now()
	return nil
}

func (m *MemoryStore) SetSlot(ctx context.Context, id, slot, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		rec = &agentRecord{slots: make(map[string]string)}
		m.agents[id] = rec
	}
	if rec.slots == nil {
		rec.slots = make(map[string]string)
	}
	rec.slots[slot] = value
	return nil
}

func (m *MemoryStore) ClearSlot(ctx context.Context, id, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil
	}
	delete(rec.slots, slot)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, expr string, args []any) ([]Task, error) {
	// MemoryStore has no query language; it supports only the degenerate
	// "all tasks" query used by tests, matching the spirit of a narrow
	// reference implementation.
	return m.List(ctx, ListFlags{All: true})
}

func (m *MemoryStore) DepTree(ctx context.Context, id string, opts DepTreeOptions) (DepNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depTreeLocked(id, opts.MaxDepth, map[string]bool{})
}

func (m *MemoryStore) depTreeLocked(id string, remaining int, visited map[string]bool) (DepNode, error) {
	t, ok := m.tasks[id]
	if !ok {
		return DepNode{}, fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	node := DepNode{Task: *t}
	if visited[id] || remaining == 0 {
		return node, nil
	}
	visited[id] = true
	for _, dep := range t.DependsOnIDs {
		child, err := m.depTreeLocked(dep, remaining-1, visited)
		if err != nil {
			continue
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func (m *MemoryStore) DepAdd(ctx context.Context, id, dependsOnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	for _, d := range t.DependsOnIDs {
		if d == dependsOnID {
			return nil
		}
	}
	t.DependsOnIDs = append(t.DependsOnIDs, dependsOnID)
	return nil
}

func (m *MemoryStore) Types(ctx context.Context) ([]IssueType, error) {
	return []IssueType{IssueTypeTask, IssueTypeAgent}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, swarmerr.ErrNotFound)
	}
	delete(m.tasks, id)
	m.recordActivityLocked("delete", "", id, "")
	return nil
}

func (m *MemoryStore) Activity(ctx context.Context, opts ActivityOptions) ([]ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActivityEntry, 0, len(m.activity))
	for _, e := range m.activity {
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, e)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// Export returns every task currently held, sorted by (priority, id), for snapshotting
// to the file `cmd/swarmd tasks prune|clear` operate on when no external
// store is configured (SPEC_FULL.md "Supplement: Task Store contract").
func (m *MemoryStore) Export() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sortTasks(out)
	return out
}

// Import replaces the store's task set with tasks, reseeding the sequence
// counter above the highest numeric "task-N" id found so subsequently
// created tasks never collide with the imported set.
func (m *MemoryStore) Import(tasks []Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
		if n, ok := trailingNumber(t.ID); ok && n > m.nextSeq {
			m.nextSeq = n
		}
	}
}

func (m *MemoryStore) recordActivityLocked(action, actor, issueID, detail string) {
	m.activity = append(m.activity, ActivityEntry{
		Timestamp: time.Now(), Actor: actor, Action: action, IssueID: issueID, Detail: detail,
	})
}

func (m *MemoryStore) ReadAgentMessages(ctx context.Context, agentID string, limit int) ([]AgentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, swarmerr.ErrNotFound)
	}
	events := rec.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]AgentEvent(nil), events...), nil
}

func (m *MemoryStore) RecordAgentEvent(ctx context.Context, agentID string, event AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		rec = &agentRecord{slots: make(map[string]string)}
		m.agents[agentID] = rec
	}
	rec.events = append(rec.events, event)
	return nil
}

func (m *MemoryStore) RecordAgentUsage(ctx context.Context, agentID string, usage UsageSnapshot) error {
	// MemoryStore does not aggregate usage beyond what the registry already
	// tracks in-process; this is a best-effort persistence no-op consistent
	// with spec §7 ("best-effort persistence paths ... never raise").
	return nil
}

func (m *MemoryStore) Subscribe(listener func(Task)) func() {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = listener
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// sortTasks orders by (priority asc, id numeric-aware asc), spec §4.B.
func sortTasks(tasks []Task) {
	SortByPriorityThenID(tasks)
}

// SortByPriorityThenID orders tasks by (priority asc, id numeric-aware asc),
// the tie-break rule used by every scheduling view (spec §4.B).
func SortByPriorityThenID(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := tasks[i].EffectivePriority(), tasks[j].EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return CompareIDs(tasks[i].ID, tasks[j].ID) < 0
	})
}

// CompareIDs compares two task ids with natural-number-aware ordering so
// that "task-2" sorts before "task-12" (spec §4.B tie-break rule).
func CompareIDs(a, b string) int {
	na, numA := trailingNumber(a)
	nb, numB := trailingNumber(b)
	if numA && numB && prefixOf(a) == prefixOf(b) {
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
		return 0
	}
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func prefixOf(s string) string {
	i := strings.LastIndexByte(s, '-')
	if i < 0 {
		return s
	}
	return s[:i]
}

func trailingNumber(s string) (int, bool) {
	i := strings.LastIndexByte(s, '-')
	if i < 0 || i == len(s)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
