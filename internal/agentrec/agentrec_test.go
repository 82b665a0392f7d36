package agentrec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterReplacesPriorRecordAndDualKeyLookup(t *testing.T) {
	r := New(0, nil)
	r.Register(Record{ID: "local-1", TasksAgentID: "store-1", Role: "implementer", Status: StatusRunning})

	byLocal := r.Get("local-1")
	require.NotNil(t, byLocal)
	require.Equal(t, "store-1", byLocal.TasksAgentID)

	byStore := r.GetByTasksAgentID("store-1")
	require.NotNil(t, byStore)
	require.Equal(t, "local-1", byStore.ID)

	r.Register(Record{ID: "local-1", TasksAgentID: "store-2", Role: "verifier", Status: StatusWorking})

	replaced := r.Get("local-1")
	require.Equal(t, "verifier", replaced.Role)
	require.Equal(t, "store-2", replaced.TasksAgentID)
	require.Nil(t, r.GetByTasksAgentID("store-1"), "stale secondary index entry must be gone")
}

func TestPushEventBoundsRingBuffer(t *testing.T) {
	r := New(3, nil)
	r.Register(Record{ID: "a"})
	for i := 0; i < 5; i++ {
		r.PushEvent("a", Event{Type: "tick", Payload: map[string]any{"i": i}})
	}
	hist, err := r.ReadMessageHistory("a", 0)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 3)
	require.Equal(t, 2, hist.Messages[0].Payload["i"])
	require.Equal(t, 4, hist.Messages[2].Payload["i"])
}

func TestGetActiveExcludesTerminal(t *testing.T) {
	r := New(0, nil)
	r.Register(Record{ID: "a", Status: StatusRunning})
	r.Register(Record{ID: "b", Status: StatusDone})
	active := r.GetActive()
	require.Len(t, active, 1)
	require.Equal(t, "a", active[0].ID)
}

func TestReadMessageHistoryAcceptsColonSuffix(t *testing.T) {
	r := New(0, nil)
	r.Register(Record{ID: "local-1", TasksAgentID: "store-1"})
	r.PushEvent("local-1", Event{Type: "hello"})

	hist, err := r.ReadMessageHistory("prefix:store-1", 0)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 1)
	require.Equal(t, "local-1", hist.Agent.ID)
}

type fakeStore struct {
	events []Event
}

func (f *fakeStore) ReadAgentMessages(agentID string, limit int) ([]Event, error) {
	return f.events, nil
}

func TestReadMessageHistoryFallsBackToStoreWhenNotLive(t *testing.T) {
	store := &fakeStore{events: []Event{{Type: "archived"}}}
	r := New(0, store)
	hist, err := r.ReadMessageHistory("gone", 0)
	require.NoError(t, err)
	require.Nil(t, hist.Agent)
	require.Len(t, hist.Messages, 1)
}

func TestPairToolCallsMatchesByToolUseID(t *testing.T) {
	r := New(0, nil)
	r.Register(Record{ID: "a"})
	r.PushEvent("a", Event{Type: "tool_use", Payload: map[string]any{"tool_use_id": "tu-1"}})
	r.PushEvent("a", Event{Type: "tool_result", Payload: map[string]any{"tool_use_id": "tu-1"}})

	hist, err := r.ReadMessageHistory("a", 0)
	require.NoError(t, err)
	require.Len(t, hist.Calls, 1)
	require.NotNil(t, hist.Calls[0].Use)
	require.NotNil(t, hist.Calls[0].Result)
}

func TestApplyUsageDeltaAccumulatesAndTracksContextTokens(t *testing.T) {
	r := New(0, nil)
	r.Register(Record{ID: "a"})
	r.ApplyUsageDelta("a", UsageDelta{Input: 10, Output: 5, CacheRead: 3, Cost: 0.01})
	r.ApplyUsageDelta("a", UsageDelta{Input: 2, Output: 1})

	rec := r.Get("a")
	require.Equal(t, int64(12), rec.Usage.Input)
	require.Equal(t, int64(6), rec.Usage.Output)
	require.Equal(t, int64(15), rec.ContextTokens) // input+cacheRead
	require.InDelta(t, 0.01, rec.Usage.Cost, 1e-9)
}

func TestSetStatusAndPrune(t *testing.T) {
	r := New(0, nil)
	r.Register(Record{ID: "a", TasksAgentID: "store-a", Status: StatusRunning})
	r.SetStatus("a", StatusDead)
	require.Equal(t, StatusDead, r.Get("a").Status)

	r.Prune("a")
	require.Nil(t, r.Get("a"))
	require.Nil(t, r.GetByTasksAgentID("store-a"))
}

func TestListActiveSummariesDeterministicOrder(t *testing.T) {
	r := New(0, nil)
	r.Register(Record{ID: "b", Status: StatusRunning, LastActivity: time.Now()})
	r.Register(Record{ID: "a", Status: StatusRunning, LastActivity: time.Now()})
	summaries := r.ListActiveSummaries()
	require.Len(t, summaries, 2)
	require.Equal(t, "a", summaries[0].ID)
	require.Equal(t, "b", summaries[1].ID)
}
