package spawner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeSpawnerRecordsSpawnsAndDeliversEvents(t *testing.T) {
	s := NewFakeSpawner()
	handle, err := s.Spawn(context.Background(), Spawn{Role: "implementer", TaskID: "t-1", Kickoff: "go"})
	require.NoError(t, err)

	fh := handle.(*FakeHandle)
	fh.Emit(Event{Type: "message_update"})
	fh.Finish(ExitStatus{ExitCode: 0})

	var got []Event
	for ev := range handle.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)

	status := <-handle.Wait()
	require.Equal(t, 0, status.ExitCode)

	require.Len(t, s.Spawns(), 1)
	require.Equal(t, "t-1", s.Spawns()[0].TaskID)
}

func TestFakeHandleStopMarksStoppedAndExits(t *testing.T) {
	s := NewFakeSpawner()
	handle, err := s.Spawn(context.Background(), Spawn{Role: "verifier", TaskID: "t-2"})
	require.NoError(t, err)
	fh := handle.(*FakeHandle)

	require.NoError(t, handle.Stop(context.Background(), 0))
	require.True(t, fh.IsStopped())
	<-handle.Wait()
}
