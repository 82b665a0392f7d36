package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	m := New(false)
	require.Nil(t, m)

	// Nil-safe: every method is a no-op and Handler still responds.
	m.RecordDispatch("implementer", 3)
	m.ObserveTickDuration(time.Millisecond)
	m.RecordOrphansReconciled(1)
	m.SetActiveAgents("implementer", 2)
	m.RecordLifecycleTransition("worker_exit")
	m.RecordAgentTokens("input", 100)
	m.RecordIPCRequest("wake", "ok", time.Millisecond)
	require.Nil(t, m.Registry())
	require.NotNil(t, m.Handler())
}

func TestEnabledRegistersCollectorsAndRecords(t *testing.T) {
	m := New(true)
	require.NotNil(t, m)
	require.NotNil(t, m.Registry())

	m.RecordDispatch("implementer", 2)
	m.SetActiveAgents("implementer", 5)
	m.RecordLifecycleTransition("sticky_retry")
	m.RecordIPCRequest("tasks_request", "ok", 2*time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	var sawDispatch, sawActive bool
	for _, f := range families {
		switch f.GetName() {
		case "swarmd_scheduler_tasks_dispatched_total":
			sawDispatch = true
		case "swarmd_agent_active":
			sawActive = true
		}
	}
	require.True(t, sawDispatch)
	require.True(t, sawActive)
}
