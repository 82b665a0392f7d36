package ipc

import (
	"context"
	"fmt"
	"strings"
	"time"

	swarmerr "swarmd/internal/errors"
	"swarmd/internal/task"
)

// mutatingActions is the set of tasks_request actions that emit a mutation
// audit event into the system agent's event stream (spec §4.G).
var mutatingActions = map[string]bool{
	"create": true, "update": true, "close": true, "comment_add": true, "delete": true,
}

// handleTasksRequest dispatches one of the well-known task-store actions
// (spec §4.G). Each action validates its own required params before calling
// into the store, and audits mutations after they succeed.
func (s *Server) handleTasksRequest(ctx context.Context, msg message) (map[string]any, error) {
	id := paramString(msg.Params, "id")
	if id == "" {
		id = msg.DefaultTaskID
	}

	result, auditDetail, err := s.runTasksAction(ctx, msg.Action, id, msg.Params)
	if err != nil {
		return nil, swarmerr.ClassifyStoreError(err)
	}

	if mutatingActions[msg.Action] {
		s.auditMutation(ctx, msg.Action, id, auditDetail)
	}

	return ok(map[string]any{"result": result}), nil
}

func (s *Server) runTasksAction(ctx context.Context, action, id string, params map[string]any) (any, string, error) {
	switch action {
	case "ready":
		tasks, err := s.store.Ready(ctx)
		return tasks, "", err

	case "list":
		flags := parseListFlags(params)
		tasks, err := s.store.List(ctx, flags)
		if err != nil {
			return nil, "", err
		}
		items := make([]task.ListItem, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, t.ToListItem())
		}
		sortListItemsByUpdatedDesc(items)
		if flags.Limit > 0 && len(items) > flags.Limit {
			items = items[:flags.Limit]
		}
		return items, "", nil

	case "show":
		if id == "" {
			return nil, "", fmt.Errorf("id required for show")
		}
		t, err := s.store.Show(ctx, id)
		return t, "", err

	case "create":
		title := paramString(params, "title")
		if title == "" {
			return nil, "", fmt.Errorf("title required for create")
		}
		opts := task.CreateOptions{
			Labels:       paramStringSlice(params, "labels"),
			DependsOnIDs: paramStringSlice(params, "dependsOnIds"),
			Assignee:     paramString(params, "assignee"),
		}
		if it := paramString(params, "issueType"); it != "" {
			opts.IssueType = task.IssueType(it)
		}
		priority := 0
		if v, ok := params["priority"].(float64); ok {
			priority = int(v)
		}
		t, err := s.store.Create(ctx, title, paramString(params, "description"), priority, opts)
		return t, fmt.Sprintf("title=%q", title), err

	case "update":
		if id == "" {
			return nil, "", fmt.Errorf("id required for update")
		}
		patch, _ := params["patch"].(map[string]any)
		t, err := s.store.Update(ctx, id, patch)
		return t, fmt.Sprintf("patch_keys=%d", len(patch)), err

	case "close":
		if id == "" {
			return nil, "", fmt.Errorf("id required for close")
		}
		reason := paramString(params, "reason")
		err := s.store.Close(ctx, id, reason)
		if err == nil {
			s.lifecycle.HandleExternalTaskClose(id)
		}
		return nil, fmt.Sprintf("reason=%q", truncate(reason, 140)), err

	case "comment_add":
		if id == "" {
			return nil, "", fmt.Errorf("id required for comment_add")
		}
		text := paramString(params, "text")
		if text == "" {
			return nil, "", fmt.Errorf("text required for comment_add")
		}
		actor := paramString(params, "actor")
		err := s.store.Comment(ctx, id, text, actor)
		return nil, fmt.Sprintf("comment_length=%d", len(text)), err

	case "comments":
		if id == "" {
			return nil, "", fmt.Errorf("id required for comments")
		}
		comments, err := s.store.Comments(ctx, id)
		return comments, "", err

	case "search":
		query := paramString(params, "query")
		if query == "" {
			return nil, "", fmt.Errorf("query required for search")
		}
		tasks, err := s.store.Search(ctx, query, parseListFlags(params))
		return tasks, "", err

	case "query":
		expr := paramString(params, "expr")
		if expr == "" {
			return nil, "", fmt.Errorf("expr required for query")
		}
		args, _ := params["args"].([]any)
		tasks, err := s.store.Query(ctx, expr, args)
		return tasks, "", err

	case "dep_tree":
		if id == "" {
			return nil, "", fmt.Errorf("id required for dep_tree")
		}
		opts := task.DepTreeOptions{}
		if v, ok := params["maxDepth"].(float64); ok {
			opts.MaxDepth = int(v)
		}
		node, err := s.store.DepTree(ctx, id, opts)
		return node, "", err

	case "activity":
		opts := task.ActivityOptions{}
		if v, ok := params["limit"].(float64); ok {
			opts.Limit = int(v)
		}
		entries, err := s.store.Activity(ctx, opts)
		return entries, "", err

	case "types":
		types, err := s.store.Types(ctx)
		return types, "", err

	case "delete":
		if id == "" {
			return nil, "", fmt.Errorf("id required for delete")
		}
		err := s.store.Delete(ctx, id)
		return nil, "", err

	default:
		return nil, "", fmt.Errorf("unknown tasks_request action %q", action)
	}
}

// parseListFlags parses the well-known flag tuple (spec §4.G): --all,
// --status=, --type=, --limit=N, carried here as structured params rather
// than literal CLI flag strings since the transport is JSON.
func parseListFlags(params map[string]any) task.ListFlags {
	flags := task.ListFlags{
		All:           paramBool(params, "all"),
		Status:        paramString(params, "status"),
		Type:          paramString(params, "type"),
		IncludeClosed: paramBool(params, "includeClosed"),
	}
	if v, ok := params["limit"].(float64); ok {
		flags.Limit = int(v)
	}
	return flags
}

func sortListItemsByUpdatedDesc(items []task.ListItem) {
	parsed := make([]time.Time, len(items))
	for i, it := range items {
		t, err := time.Parse(time.RFC3339Nano, it.UpdatedAtRaw)
		if err != nil {
			t = time.Time{} // unparseable timestamps sort as oldest (spec §4.G)
		}
		parsed[i] = t
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && parsed[j].After(parsed[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
			parsed[j], parsed[j-1] = parsed[j-1], parsed[j]
		}
	}
}

// auditMutation records a compact audit event into the system agent's event
// stream for mutating actions (spec §4.G "Mutation logging"), best-effort.
func (s *Server) auditMutation(ctx context.Context, action, issueID, detail string) {
	err := s.store.RecordAgentEvent(ctx, SystemAgentID, task.AgentEvent{
		Type:      "ipc_mutation",
		Timestamp: time.Now(),
		Payload: map[string]any{
			"action": action, "actor": "ipc", "issueId": issueID, "detail": detail,
		},
	})
	if err != nil {
		s.log.Warn("ipc: audit log failed", "action", action, "issue_id", issueID, "error", err)
	}
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func paramBool(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	b, _ := params[key].(bool)
	return b
}

func paramStringSlice(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	return trimmedStringSlice(params[key])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
