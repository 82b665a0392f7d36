package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swarmd/internal/agentrec"
	"swarmd/internal/lifecycle"
	"swarmd/internal/spawner"
	"swarmd/internal/task"
)

type fakeLoop struct {
	woke       bool
	resumed    bool
	dispatched int
	broadcasts []string
	interrupts []string
	steers     []string
	complaints []string
	paused     bool
}

func (f *fakeLoop) Wake()        { f.woke = true }
func (f *fakeLoop) Pause()       { f.paused = true }
func (f *fakeLoop) Resume()      { f.resumed = true; f.paused = false }
func (f *fakeLoop) IsPaused() bool { return f.paused }
func (f *fakeLoop) StartTasks(ctx context.Context, count int) (int, error) {
	f.dispatched = count
	return count, nil
}
func (f *fakeLoop) BroadcastToWorkers(ctx context.Context, message string) error {
	f.broadcasts = append(f.broadcasts, message)
	return nil
}
func (f *fakeLoop) InterruptAgent(ctx context.Context, taskID, message string) error {
	f.interrupts = append(f.interrupts, taskID+":"+message)
	return nil
}
func (f *fakeLoop) SteerAgent(ctx context.Context, taskID, message string) error {
	f.steers = append(f.steers, taskID+":"+message)
	return nil
}
func (f *fakeLoop) Complain(ctx context.Context, files []string, reason, complainant string) error {
	f.complaints = append(f.complaints, reason)
	return nil
}
func (f *fakeLoop) RevokeComplaint(ctx context.Context, files []string, complainant string) error {
	return nil
}

func newFixture(t *testing.T) (*Server, *fakeLoop, *task.MemoryStore) {
	t.Helper()
	store := task.NewMemoryStore()
	reg := agentrec.New(0, nil)
	sp := spawner.NewFakeSpawner()
	lc := lifecycle.New(store, reg, sp, time.Millisecond, nil)
	loop := &fakeLoop{}
	srv := New("", store, reg, lc, loop, nil)
	return srv, loop, store
}

func TestParseMessageDegradesNonJSONAndMissingTypeToWake(t *testing.T) {
	msg, err := parseMessage([]byte("not json at all"))
	require.NoError(t, err)
	require.Equal(t, "wake", msg.Type)

	msg, err = parseMessage([]byte(`{"foo":"bar"}`))
	require.NoError(t, err)
	require.Equal(t, "wake", msg.Type)

	msg, err = parseMessage([]byte(`{"type":123}`))
	require.NoError(t, err)
	require.Equal(t, "wake", msg.Type)
}

func TestParseMessageUnknownTypeListsExpected(t *testing.T) {
	_, err := parseMessage([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), `Unknown IPC message type "bogus"`)
	require.Contains(t, err.Error(), "wake")
}

func TestParseMessageWaitForAgentDefaultsAndClamps(t *testing.T) {
	msg, err := parseMessage([]byte(`{"type":"wait_for_agent","agentId":"a-1"}`))
	require.NoError(t, err)
	require.Equal(t, 60000, msg.TimeoutMs)

	msg, err = parseMessage([]byte(`{"type":"wait_for_agent","agentId":"a-1","timeoutMs":10}`))
	require.NoError(t, err)
	require.Equal(t, 1000, msg.TimeoutMs)
}

func TestParseMessageAdvanceLifecycleRequiresTargetOnAdvance(t *testing.T) {
	_, err := parseMessage([]byte(`{"type":"advance_lifecycle","taskId":"t-1","action":"advance"}`))
	require.Error(t, err)

	msg, err := parseMessage([]byte(`{"type":"advance_lifecycle","taskId":"t-1","action":"advance","target":"worker"}`))
	require.NoError(t, err)
	require.Equal(t, "worker", msg.Target)
}

func TestSteerAgentOnMissingTaskReturnsErrorWithoutLoopCall(t *testing.T) {
	srv, loop, _ := newFixture(t)
	resp := srv.handleLine(context.Background(), []byte(`{"type":"steer_agent","taskId":"t-missing","message":"go"}`))
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "steer_agent: task t-missing does not exist", resp["error"])
	require.Empty(t, loop.steers)
}

func TestReplaceOnBlockedTaskUnblocksAndSpawns(t *testing.T) {
	srv, _, store := newFixture(t)
	ctx := context.Background()
	created, err := store.Create(ctx, "t", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, created.ID, task.StatusBlocked))

	msg, err := parseMessage([]byte(`{"type":"replace_agent","role":"implementer","taskId":"` + created.ID + `","context":"ctx"}`))
	require.NoError(t, err)
	resp, err := srv.dispatch(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, true, resp["ok"])

	updated, err := store.Show(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusInProgress, updated.Status)
}

func TestTasksRequestListDefaultVisibilityExcludesTerminal(t *testing.T) {
	srv, _, store := newFixture(t)
	ctx := context.Background()
	open, err := store.Create(ctx, "open one", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	done, err := store.Create(ctx, "done one", "", 0, task.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, done.ID, "done"))

	msg, err := parseMessage([]byte(`{"type":"tasks_request","action":"list","params":{}}`))
	require.NoError(t, err)
	resp, err := srv.dispatch(ctx, msg)
	require.NoError(t, err)
	items := resp["result"].([]task.ListItem)

	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	require.Contains(t, ids, open.ID)
	require.NotContains(t, ids, done.ID)
}

func TestTasksRequestMutationEmitsAuditEvent(t *testing.T) {
	srv, _, store := newFixture(t)
	ctx := context.Background()

	msg, err := parseMessage([]byte(`{"type":"tasks_request","action":"create","params":{"title":"new task"}}`))
	require.NoError(t, err)
	resp, err := srv.dispatch(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, true, resp["ok"])

	events, err := store.ReadAgentMessages(ctx, SystemAgentID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "ipc_mutation", last.Type)
	require.Equal(t, "create", last.Payload["action"])
}

func TestTasksRequestShowMissingIDFails(t *testing.T) {
	srv, _, _ := newFixture(t)
	msg, err := parseMessage([]byte(`{"type":"tasks_request","action":"show","params":{}}`))
	require.NoError(t, err)
	_, err = srv.dispatch(context.Background(), msg)
	require.Error(t, err)
}

func TestWakeResumesPausedLoop(t *testing.T) {
	srv, loop, _ := newFixture(t)
	loop.paused = true
	resp, err := srv.dispatch(context.Background(), message{Type: "wake"})
	require.NoError(t, err)
	require.Equal(t, true, resp["ok"])
	require.True(t, loop.resumed)
	require.True(t, loop.woke)
}

func TestServerEndToEndSocketRoundTrip(t *testing.T) {
	store := task.NewMemoryStore()
	reg := agentrec.New(0, nil)
	sp := spawner.NewFakeSpawner()
	lc := lifecycle.New(store, reg, sp, time.Millisecond, nil)
	loop := &fakeLoop{}

	path := t.TempDir() + "/swarmd-test.sock"
	srv := New(path, store, reg, lc, loop, nil)
	require.NoError(t, srv.Listen())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"wake"}` + "\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.Equal(t, true, resp["ok"])
	require.True(t, loop.woke)
}
