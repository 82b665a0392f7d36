package conflict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckEmptyCandidateNeverConflicts(t *testing.T) {
	res := Check(nil, map[string][]string{"task-1": {"module:auth"}})
	require.False(t, res.Conflicting)
	require.Empty(t, res.ConflictWith)
}

func TestCheckIgnoresUnprefixedLabels(t *testing.T) {
	res := Check([]string{"urgent", "good-first-issue"}, map[string][]string{
		"task-1": {"urgent"},
	})
	require.False(t, res.Conflicting)
}

func TestCheckDetectsModuleOverlap(t *testing.T) {
	res := Check([]string{"module:auth", "urgent"}, map[string][]string{
		"task-2": {"module:auth", "module:billing"},
		"task-3": {"module:search"},
	})
	require.True(t, res.Conflicting)
	require.Equal(t, []string{"task-2"}, res.ConflictWith)
	require.Equal(t, []string{"module:auth"}, res.OverlappingLabels)
}

func TestCheckOutputIsSortedAndDeterministic(t *testing.T) {
	res := Check([]string{"file:a.go", "module:auth"}, map[string][]string{
		"task-9": {"file:a.go"},
		"task-1": {"module:auth"},
	})
	require.True(t, res.Conflicting)
	require.Equal(t, []string{"task-1", "task-9"}, res.ConflictWith)
	require.Equal(t, []string{"file:a.go", "module:auth"}, res.OverlappingLabels)
}
