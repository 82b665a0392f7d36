package ipc

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swarmd/internal/agentrec"
	"swarmd/internal/lifecycle"
	"swarmd/internal/logging"
	"swarmd/internal/metrics"
	"swarmd/internal/task"
)

// SystemAgentID is the registry/store agent id mutation audit events are
// recorded against (spec §4.G "Mutation logging").
const SystemAgentID = "system"

// Loop is the subset of the Agent Loop (spec §4.H) the IPC layer delegates
// to for actions that belong to the single dispatch goroutine: waking,
// pausing, dispatching ready tasks, and forwarding prompts to workers.
type Loop interface {
	Wake()
	Pause()
	Resume()
	IsPaused() bool
	StartTasks(ctx context.Context, count int) (int, error)
	BroadcastToWorkers(ctx context.Context, message string) error
	InterruptAgent(ctx context.Context, taskID, message string) error
	SteerAgent(ctx context.Context, taskID, message string) error
	Complain(ctx context.Context, files []string, reason, complainant string) error
	RevokeComplaint(ctx context.Context, files []string, complainant string) error
}

// Server accepts connections on a local stream socket and dispatches each
// request line independently (spec §4.G, §5 "IPC server accepts concurrent
// connections").
type Server struct {
	socketPath string
	store      task.Store
	registry   *agentrec.Registry
	lifecycle  *lifecycle.Engine
	loop       Loop
	log        logging.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
}

// SetMetrics attaches optional Prometheus instrumentation. Safe to call
// with nil, and safe not to call at all.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SocketPath returns the path the server binds (or will bind) to.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// New constructs a Server bound to socketPath (not yet listening).
func New(socketPath string, store task.Store, registry *agentrec.Registry, lc *lifecycle.Engine, loop Loop, log logging.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		store:      store,
		registry:   registry,
		lifecycle:  lc,
		loop:       loop,
		log:        logging.OrNop(log),
	}
}

// SocketPathForProject derives a deterministic socket path from projectPath
// (spec §6 "derived deterministically from the target project path").
// Unix stream-socket paths are limited (historically 104-108 bytes); hashing
// the project path keeps the derived name within that budget regardless of
// how deep the project directory is.
func SocketPathForProject(projectPath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(projectPath)))
	name := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(os.TempDir(), "swarmd", fmt.Sprintf("%s.sock", name))
}

// Listen binds the server's socket, removing any stale socket file first
// (spec §6 "stale socket files are removed on bind").
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("ipc: create socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	_ = os.Remove(s.socketPath)
	return err
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Each connection is handled on its own goroutine (spec §5).
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return fmt.Errorf("ipc: Listen must be called before Serve")
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	// Each connection runs in the group so Serve can drain in-flight
	// half-close cycles before returning on shutdown, instead of
	// abandoning them when the listener closes.
	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := l.Accept()
		if err != nil {
			waitErr := g.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				if err != nil {
					return err
				}
				return waitErr
			}
		}
		g.Go(func() error {
			s.handleConn(gctx, conn)
			return nil
		})
	}
}

// handleConn implements half-close response semantics: read exactly one
// line, write exactly one response line, then close (spec §4.G).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	if !scanner.Scan() {
		return
	}
	line := append([]byte(nil), scanner.Bytes()...)

	resp := s.handleLine(ctx, line)
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("ipc: marshal response failed", "error", err)
		return
	}
	payload = append(payload, '\n')

	// IPC responses are best-effort: a socket closed mid-write is logged,
	// not fatal (spec §5 "Cancellation and timeouts").
	if _, err := conn.Write(payload); err != nil {
		s.log.Debug("ipc: write response failed", "error", err)
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) map[string]any {
	start := time.Now()
	msg, err := parseMessage(line)
	if err != nil {
		s.metrics.RecordIPCRequest("unknown", "error", time.Since(start))
		return fail(err.Error())
	}

	resp, err := s.dispatch(ctx, msg)
	if err != nil {
		s.metrics.RecordIPCRequest(msg.Type, "error", time.Since(start))
		return fail(err.Error())
	}
	s.metrics.RecordIPCRequest(msg.Type, "ok", time.Since(start))
	return resp
}

func (s *Server) dispatch(ctx context.Context, msg message) (map[string]any, error) {
	switch msg.Type {
	case "wake":
		if s.loop != nil {
			if s.loop.IsPaused() {
				s.loop.Resume()
			}
			s.loop.Wake()
		}
		return ok(nil), nil

	case "start_tasks":
		if s.loop == nil {
			return nil, fmt.Errorf("start_tasks: loop not configured")
		}
		n, err := s.loop.StartTasks(ctx, msg.Count)
		if err != nil {
			return nil, err
		}
		return ok(map[string]any{"dispatched": n}), nil

	case "tasks_request":
		return s.handleTasksRequest(ctx, msg)

	case "advance_lifecycle":
		return s.handleAdvanceLifecycle(msg)

	case "broadcast":
		if s.loop == nil {
			return nil, fmt.Errorf("broadcast: loop not configured")
		}
		if err := s.loop.BroadcastToWorkers(ctx, msg.Message); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "interrupt_agent":
		if _, err := s.store.Show(ctx, msg.TaskID); err != nil {
			return nil, fmt.Errorf("interrupt_agent: task %s does not exist", msg.TaskID)
		}
		if s.loop == nil {
			return nil, fmt.Errorf("interrupt_agent: loop not configured")
		}
		if err := s.loop.InterruptAgent(ctx, msg.TaskID, msg.Message); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "steer_agent":
		if _, err := s.store.Show(ctx, msg.TaskID); err != nil {
			return nil, fmt.Errorf("steer_agent: task %s does not exist", msg.TaskID)
		}
		if s.loop == nil {
			return nil, fmt.Errorf("steer_agent: loop not configured")
		}
		if err := s.loop.SteerAgent(ctx, msg.TaskID, msg.Message); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "replace_agent":
		if err := s.lifecycle.ReplaceAgentPolicy(ctx, msg.Role, msg.TaskID, msg.Context); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "stop_agents_for_task":
		s.lifecycle.StopAgentsForTask(ctx, msg.TaskID, msg.IncludeVerifier)
		if msg.WaitForCompletion {
			s.awaitTaskQuiescent(msg.TaskID, 5*time.Second)
		}
		return ok(nil), nil

	case "complain":
		if s.loop == nil {
			return nil, fmt.Errorf("complain: loop not configured")
		}
		if err := s.loop.Complain(ctx, msg.Files, msg.Reason, msg.Complainant); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "revoke_complaint":
		if s.loop == nil {
			return nil, fmt.Errorf("revoke_complaint: loop not configured")
		}
		if err := s.loop.RevokeComplaint(ctx, msg.Files, msg.Complainant); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "wait_for_agent":
		return s.handleWaitForAgent(msg)

	case "list_active_agents":
		summaries := s.registry.ListActiveSummaries()
		return ok(map[string]any{"agents": summaries}), nil

	case "list_task_agents":
		return s.handleListTaskAgents(ctx, msg)

	case "read_message_history":
		return s.handleReadMessageHistory(msg)

	default:
		return nil, fmt.Errorf("unhandled IPC message type %q", msg.Type)
	}
}

func (s *Server) handleAdvanceLifecycle(msg message) (map[string]any, error) {
	switch msg.LcAction {
	case "close":
		s.lifecycle.PostClose(msg.TaskID, lifecycle.CloseSignal{Reason: msg.Reason, AgentID: msg.AgentID, Ts: time.Now()})
	case "block":
		s.lifecycle.PostAdvance(msg.TaskID, lifecycle.AdvanceSignal{Action: lifecycle.ActionDefer, Reason: msg.Reason, Message: msg.Message, AgentID: msg.AgentID, Ts: time.Now()})
	case "advance":
		action := lifecycle.AdvanceAction(msg.Target)
		switch action {
		case lifecycle.ActionWorker, lifecycle.ActionScout, lifecycle.ActionDefer:
		default:
			return nil, fmt.Errorf("advance_lifecycle: target %q is not in the allowed advance set", msg.Target)
		}
		s.lifecycle.PostAdvance(msg.TaskID, lifecycle.AdvanceSignal{Action: action, Message: msg.Message, Reason: msg.Reason, AgentID: msg.AgentID, Ts: time.Now()})
	}
	return ok(nil), nil
}

func (s *Server) handleWaitForAgent(msg message) (map[string]any, error) {
	deadline := time.Now().Add(time.Duration(msg.TimeoutMs) * time.Millisecond)
	for {
		rec := s.registry.Get(msg.AgentID)
		if rec == nil {
			rec = s.registry.GetByTasksAgentID(msg.AgentID)
		}
		if rec == nil {
			return ok(map[string]any{"status": "not_found"}), nil
		}
		if rec.Status.IsTerminal() {
			return ok(map[string]any{"status": string(rec.Status)}), nil
		}
		if time.Now().After(deadline) {
			return map[string]any{"ok": false, "timeout": true}, nil
		}
		time.Sleep(waitPollInterval)
	}
}

func (s *Server) awaitTaskQuiescent(taskID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.registry.GetActiveByTask(taskID)) == 0 {
			return
		}
		time.Sleep(waitPollInterval)
	}
}

// handleListTaskAgents merges live registry records for the task. The
// task-store client contract (spec §6) exposes no "list agents for task"
// call of its own to merge against -- only readAgentMessages(agentId) keyed
// by a single agent -- so the persisted half of the spec's "merge live +
// persisted, dedupe by local id and tasksAgentId" is a no-op against
// MemoryStore and left for a real store client to extend.
func (s *Server) handleListTaskAgents(ctx context.Context, msg message) (map[string]any, error) {
	live := s.registry.GetByTask(msg.TaskID)
	out := make([]agentrec.Summary, 0, len(live))
	for _, rec := range live {
		out = append(out, agentrec.Summary{
			ID: rec.ID, TasksAgentID: rec.TasksAgentID, Role: rec.Role,
			TaskID: rec.TaskID, Status: rec.Status, LastActivity: rec.LastActivity,
		})
	}
	sortSummariesByLastActivityDesc(out)
	return ok(map[string]any{"agents": out}), nil
}

func (s *Server) handleReadMessageHistory(msg message) (map[string]any, error) {
	if msg.TaskID != "" {
		rec := s.registry.Get(msg.AgentID)
		if rec == nil {
			rec = s.registry.GetByTasksAgentID(msg.AgentID)
		}
		if rec != nil && rec.TaskID != msg.TaskID {
			return nil, fmt.Errorf("read_message_history: agent %s does not belong to task %s", msg.AgentID, msg.TaskID)
		}
	}

	hist, err := s.registry.ReadMessageHistory(msg.AgentID, msg.Limit)
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"messages": hist.Messages, "tool_calls": hist.Calls}), nil
}

func sortSummariesByLastActivityDesc(out []agentrec.Summary) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastActivity.After(out[j-1].LastActivity); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
}

func ok(fields map[string]any) map[string]any {
	resp := map[string]any{"ok": true}
	for k, v := range fields {
		resp[k] = v
	}
	return resp
}

func fail(errMsg string) map[string]any {
	return map[string]any{"ok": false, "error": errMsg}
}
