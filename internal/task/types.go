// Package task defines the Task (issue) data model and the narrow client
// contract the orchestrator core consumes from the external task store
// (spec §1, §3, §6). It also ships an in-memory reference Store so the rest
// of the core has something real to run against in tests and in a
// single-process deployment (SPEC_FULL.md "Supplement: Task Store contract").
package task

import "time"

// Status is the lifecycle status of a Task.
type Status string

const (
	StatusOpen        Status = "open"
	StatusInProgress  Status = "in_progress"
	StatusBlocked     Status = "blocked"
	StatusClosed      Status = "closed"
	StatusDone        Status = "done"
	StatusDead        Status = "dead"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether the status admits no further scheduling.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusDone, StatusDead, StatusFailed:
		return true
	default:
		return false
	}
}

// IssueType distinguishes workload tasks from persisted agent records.
type IssueType string

const (
	IssueTypeTask  IssueType = "task"
	IssueTypeAgent IssueType = "agent"
)

// Comment is one entry in a task's ordered comment sequence.
type Comment struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the persisted unit of work (spec §3 "Task (issue)").
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	Priority      int       `json:"priority"` // 0..4, lower is higher priority
	IssueType     IssueType `json:"issue_type"`
	Labels        []string  `json:"labels"`
	Assignee      *string   `json:"assignee"`
	DependsOnIDs  []string  `json:"depends_on_ids"`
	References    []string  `json:"references"`
	Comments      []Comment `json:"comments"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NoPriority marks a task whose priority is absent; the scheduler treats
// such a priority as +Inf (spec §4.B tie-break rule).
// Priority is always present in this struct (zero value is valid, highest
// priority) -- callers that synthesize Tasks from partial store payloads
// should set Priority to NoPriority when the source data omits it.
const NoPriority = -1

// EffectivePriority returns t.Priority, or an arbitrarily large value if the
// task carries no priority (NoPriority sentinel).
func (t Task) EffectivePriority() int {
	if t.Priority == NoPriority {
		return int(^uint(0) >> 1) // math.MaxInt, avoided importing math here
	}
	return t.Priority
}

// ListFlags is the parsed form of the well-known flag tuple accepted by the
// `list` tasks_request action (spec §4.G): --all, --status=, --type=,
// --limit=N.
type ListFlags struct {
	All           bool
	Status        string
	Type          string
	Limit         int
	IncludeClosed bool
}

// ListItem is the compact 8-field projection returned by `list` (spec §4.G).
// The eighth field, UpdatedAtRaw, is carried as a migration-compatibility
// placeholder per spec §9 Open Questions -- its precise downstream meaning
// was never confirmed, so it simply echoes the raw timestamp string used for
// sorting.
type ListItem struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Status          Status `json:"status"`
	Priority        int    `json:"priority"`
	Assignee        string `json:"assignee"`
	DependencyCount int    `json:"dependency_count"`
	IssueType       IssueType `json:"issue_type"`
	UpdatedAtRaw    string `json:"updated_at"`
}

// ToListItem projects t into the compact 8-field shape the `list`
// tasks_request action returns (spec §4.G).
func (t Task) ToListItem() ListItem {
	assignee := ""
	if t.Assignee != nil {
		assignee = *t.Assignee
	}
	return ListItem{
		ID:              t.ID,
		Title:           t.Title,
		Status:          t.Status,
		Priority:        t.Priority,
		Assignee:        assignee,
		DependencyCount: len(t.DependsOnIDs),
		IssueType:       t.IssueType,
		UpdatedAtRaw:    t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// CreateOptions carries the optional fields accepted by Store.Create.
type CreateOptions struct {
	Labels       []string
	DependsOnIDs []string
	IssueType    IssueType
	Assignee     string
}

// DepTreeOptions configures Store.DepTree.
type DepTreeOptions struct {
	MaxDepth int
}

// DepNode is one node of a dependency tree response.
type DepNode struct {
	Task     Task      `json:"task"`
	Children []DepNode `json:"children"`
}

// ActivityOptions configures Store.Activity.
type ActivityOptions struct {
	Since time.Time
	Limit int
}

// ActivityEntry is one entry of the store's activity log.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	IssueID   string    `json:"issue_id"`
	Detail    string    `json:"detail"`
}

// AgentEvent is a single structured event recorded for a spawned agent, as
// emitted by the agent subprocess protocol (spec §6).
type AgentEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// UsageSnapshot is the cumulative usage totals persisted after each usage
// delta (spec §4.D step 3).
type UsageSnapshot struct {
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	CacheRead  int64   `json:"cache_read"`
	CacheWrite int64   `json:"cache_write"`
	Total      int64   `json:"total_tokens"`
	Cost       float64 `json:"cost"`
}
