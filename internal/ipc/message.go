// Package ipc implements the IPC Control Plane (spec §4.G): a local stream
// socket accepting newline-delimited JSON requests, with half-close
// response semantics (exactly one response line per connection).
package ipc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// knownTypes is the full message-type table (spec §4.G), used to build the
// "Unknown IPC message type" error and to degrade anything else to wake.
var knownTypes = []string{
	"wake", "start_tasks", "tasks_request", "advance_lifecycle", "broadcast",
	"interrupt_agent", "steer_agent", "replace_agent", "stop_agents_for_task",
	"complain", "revoke_complaint", "wait_for_agent", "list_active_agents",
	"list_task_agents", "read_message_history",
}

var knownTypeSet = func() map[string]bool {
	m := make(map[string]bool, len(knownTypes))
	for _, t := range knownTypes {
		m[t] = true
	}
	return m
}()

// message is the normalized, validated form of one IPC request, with all
// type-specific fields populated on the shared struct (only the fields
// relevant to Type are meaningful).
type message struct {
	Type string

	Count int // start_tasks

	Action        string         // tasks_request
	Params        map[string]any // tasks_request
	DefaultTaskID string         // tasks_request

	AgentType string // advance_lifecycle; carried through for audit/logging, not yet consulted for per-role advance-target permission (roles.Capabilities only exposes a boolean CanAdvanceLifecycle, not a per-target set)
	TaskID    string // advance_lifecycle, interrupt_agent, steer_agent, replace_agent, stop_agents_for_task, list_task_agents
	LcAction  string // advance_lifecycle: close|block|advance
	Target    string // advance_lifecycle
	Message   string // advance_lifecycle, broadcast, interrupt_agent, steer_agent
	Reason    string // advance_lifecycle, complain
	AgentID   string // advance_lifecycle, wait_for_agent, read_message_history

	Role    string // replace_agent
	Context string // replace_agent

	IncludeVerifier   bool // stop_agents_for_task
	WaitForCompletion bool // stop_agents_for_task

	Files       []string // complain, revoke_complaint
	Complainant string   // complain, revoke_complaint

	TimeoutMs int // wait_for_agent

	Limit int // read_message_history
}

// parseMessage decodes and validates one IPC request line (spec §4.G,
// §8 property 4). Non-JSON input is accepted and treated as a bare wake.
// A missing or non-string type also degrades to wake. An unrecognized type
// returns a validation error naming the full type table.
func parseMessage(line []byte) (message, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return message{Type: "wake"}, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return message{Type: "wake"}, nil
	}

	typ, ok := raw["type"].(string)
	if !ok || strings.TrimSpace(typ) == "" {
		return message{Type: "wake"}, nil
	}
	typ = strings.TrimSpace(typ)

	if !knownTypeSet[typ] {
		return message{}, fmt.Errorf("Unknown IPC message type %q. Expected one of: %s", typ, strings.Join(knownTypes, ", "))
	}

	switch typ {
	case "wake":
		return message{Type: typ}, nil
	case "start_tasks":
		count := 0
		if v, ok := numeric(raw["count"]); ok {
			count = int(v)
		}
		if count < 0 {
			count = 0
		}
		return message{Type: typ, Count: count}, nil
	case "tasks_request":
		action, _ := raw["action"].(string)
		action = strings.TrimSpace(action)
		if action == "" {
			return message{}, fmt.Errorf("tasks_request: action is required")
		}
		params, _ := raw["params"].(map[string]any)
		defaultTaskID, _ := raw["defaultTaskId"].(string)
		return message{Type: typ, Action: action, Params: params, DefaultTaskID: defaultTaskID}, nil
	case "advance_lifecycle":
		return parseAdvanceLifecycle(raw)
	case "broadcast":
		msg := strings.TrimSpace(stringField(raw, "message"))
		if msg == "" {
			return message{}, fmt.Errorf("broadcast: message is required")
		}
		return message{Type: typ, Message: msg}, nil
	case "interrupt_agent":
		taskID := strings.TrimSpace(stringField(raw, "taskId"))
		if taskID == "" {
			return message{}, fmt.Errorf("interrupt_agent: taskId is required")
		}
		return message{Type: typ, TaskID: taskID, Message: stringField(raw, "message")}, nil
	case "steer_agent":
		taskID := strings.TrimSpace(stringField(raw, "taskId"))
		msg := strings.TrimSpace(stringField(raw, "message"))
		if taskID == "" || msg == "" {
			return message{}, fmt.Errorf("steer_agent: taskId and message are required")
		}
		return message{Type: typ, TaskID: taskID, Message: msg}, nil
	case "replace_agent":
		role := strings.TrimSpace(stringField(raw, "role"))
		taskID := strings.TrimSpace(stringField(raw, "taskId"))
		if role == "" || taskID == "" {
			return message{}, fmt.Errorf("replace_agent: role and taskId are required")
		}
		return message{Type: typ, Role: role, TaskID: taskID, Context: stringField(raw, "context")}, nil
	case "stop_agents_for_task":
		taskID := strings.TrimSpace(stringField(raw, "taskId"))
		if taskID == "" {
			return message{}, fmt.Errorf("stop_agents_for_task: taskId is required")
		}
		return message{
			Type: typ, TaskID: taskID,
			IncludeVerifier:   boolField(raw, "includeVerifier"),
			WaitForCompletion: boolField(raw, "waitForCompletion"),
		}, nil
	case "complain", "revoke_complaint":
		files := trimmedStringSlice(raw["files"])
		reason := strings.TrimSpace(stringField(raw, "reason"))
		complainant := strings.TrimSpace(firstNonEmpty(stringField(raw, "complainant"), stringField(raw, "complainantId"), stringField(raw, "agentId")))
		return message{Type: typ, Files: files, Reason: reason, Complainant: complainant}, nil
	case "wait_for_agent":
		agentID := strings.TrimSpace(stringField(raw, "agentId"))
		if agentID == "" {
			return message{}, fmt.Errorf("wait_for_agent: agentId is required")
		}
		timeout := 60000
		if v, ok := numeric(raw["timeoutMs"]); ok {
			timeout = int(v)
		}
		if timeout < 1000 {
			timeout = 1000
		}
		return message{Type: typ, AgentID: agentID, TimeoutMs: timeout}, nil
	case "list_active_agents":
		return message{Type: typ}, nil
	case "list_task_agents":
		taskID := strings.TrimSpace(stringField(raw, "taskId"))
		if taskID == "" {
			return message{}, fmt.Errorf("list_task_agents: taskId is required")
		}
		return message{Type: typ, TaskID: taskID}, nil
	case "read_message_history":
		agentID := strings.TrimSpace(stringField(raw, "agentId"))
		if agentID == "" {
			return message{}, fmt.Errorf("read_message_history: agentId is required")
		}
		limit := 0
		if v, ok := numeric(raw["limit"]); ok {
			limit = int(v)
		}
		return message{Type: typ, AgentID: agentID, TaskID: stringField(raw, "taskId"), Limit: limit}, nil
	default:
		return message{}, fmt.Errorf("Unknown IPC message type %q. Expected one of: %s", typ, strings.Join(knownTypes, ", "))
	}
}

func parseAdvanceLifecycle(raw map[string]any) (message, error) {
	agentType := strings.TrimSpace(stringField(raw, "agentType"))
	taskID := strings.TrimSpace(stringField(raw, "taskId"))
	action := strings.TrimSpace(stringField(raw, "action"))
	target := strings.TrimSpace(stringField(raw, "target"))

	if taskID == "" || action == "" {
		return message{}, fmt.Errorf("advance_lifecycle: taskId and action are required")
	}
	switch action {
	case "close", "block", "advance":
	default:
		return message{}, fmt.Errorf("advance_lifecycle: action must be one of close, block, advance")
	}
	if action == "advance" && target == "" {
		return message{}, fmt.Errorf("advance_lifecycle: target is required when action=advance")
	}

	return message{
		Type: "advance_lifecycle", AgentType: agentType, TaskID: taskID, LcAction: action, Target: target,
		Message: stringField(raw, "message"), Reason: stringField(raw, "reason"), AgentID: stringField(raw, "agentId"),
	}, nil
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func boolField(raw map[string]any, key string) bool {
	b, _ := raw[key].(bool)
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trimmedStringSlice(raw any) []string {
	vals, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func numeric(v any) (float64, bool) {
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

// waitPollInterval is the polling cadence for wait_for_agent (spec §5).
const waitPollInterval = 50 * time.Millisecond
