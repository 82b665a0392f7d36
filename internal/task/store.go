package task

import "context"

// Store is the narrow client contract the core consumes from the external
// task store (spec §6 "Task store client contract"). It is implemented by
// a file-backed or CLI-backed collaborator in a real deployment; this
// module ships only MemoryStore as a reference/test implementation.
type Store interface {
	Ready(ctx context.Context) ([]Task, error)
	List(ctx context.Context, flags ListFlags) ([]Task, error)
	Show(ctx context.Context, id string) (Task, error)
	Create(ctx context.Context, title, description string, priority int, opts CreateOptions) (Task, error)
	Update(ctx context.Context, id string, patch map[string]any) (Task, error)
	Close(ctx context.Context, id string, reason string) error
	Search(ctx context.Context, query string, opts ListFlags) ([]Task, error)
	Claim(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	AddLabel(ctx context.Context, id string, label string) error
	Comment(ctx context.Context, id string, text string, actor string) error
	Comments(ctx context.Context, id string) ([]Comment, error)
	CreateAgent(ctx context.Context, name string) (string, error)
	SetAgentState(ctx context.Context, id string, state string) error
	Heartbeat(ctx context.Context, id string) error
	SetSlot(ctx context.Context, id, slot, value string) error
	ClearSlot(ctx context.Context, id, slot string) error
	Query(ctx context.Context, expr string, args []any) ([]Task, error)
	DepTree(ctx context.Context, id string, opts DepTreeOptions) (DepNode, error)
	DepAdd(ctx context.Context, id, dependsOnID string) error
	Types(ctx context.Context) ([]IssueType, error)
	Delete(ctx context.Context, id string) error
	Activity(ctx context.Context, opts ActivityOptions) ([]ActivityEntry, error)

	// Optional-in-spirit extensions; MemoryStore implements all of them so
	// the rest of the core can depend on the full interface.
	ReadAgentMessages(ctx context.Context, agentID string, limit int) ([]AgentEvent, error)
	RecordAgentEvent(ctx context.Context, agentID string, event AgentEvent) error
	RecordAgentUsage(ctx context.Context, agentID string, usage UsageSnapshot) error
	Subscribe(listener func(Task)) (unsubscribe func())
}
