// Package spawner defines the contract for starting and supervising an
// agent subprocess (spec §6 "Agent subprocess protocol"). This module
// consumes the contract; it does not ship a real subprocess implementation,
// only the fake used by the rest of the core's test suites.
package spawner

import (
	"context"
	"time"
)

// Spawn describes one subprocess launch request.
type Spawn struct {
	Role    string
	TaskID  string
	Kickoff string
	// SessionID carries a prior session id for sticky verifier retries
	// (spec §4.E) or replace_agent context continuation.
	SessionID string
}

// ExitStatus is the terminal outcome of a spawned subprocess.
type ExitStatus struct {
	ExitCode int
	Err      error
}

// Handle is a running (or just-exited) agent subprocess.
type Handle interface {
	// Events streams the subprocess's event protocol (message_update,
	// message_end, auto_compaction_end, tool_use/tool_result, agent_end,
	// rpc_exit). The channel is closed once the process has exited and all
	// buffered events have been delivered.
	Events() <-chan Event
	// Stop requests graceful termination, escalating to a forced kill if
	// the process has not exited by the time grace elapses.
	Stop(ctx context.Context, grace time.Duration) error
	// Send delivers a prompt over the subprocess's RPC request/response
	// channel (spec §5) -- used for steering prompts, interrupt messages,
	// and broadcasts to workers.
	Send(ctx context.Context, message string) error
	// Wait returns a channel that receives exactly one ExitStatus when the
	// process terminates.
	Wait() <-chan ExitStatus
}

// Event is one item of the agent subprocess's JSON event stream.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]any
}

// Spawner starts new agent subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, req Spawn) (Handle, error)
}
