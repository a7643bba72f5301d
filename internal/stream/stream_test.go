package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/types"
)

func streamTask(id, streamID, name, phase, status string, deps, files []string) *types.Task {
	md := types.Metadata{
		"streamId":    streamID,
		"streamName":  name,
		"streamPhase": phase,
	}
	if deps != nil {
		md["streamDependencies"] = deps
	}
	if files != nil {
		md["files"] = files
	}
	return &types.Task{ID: id, Title: "Task " + id, Status: status, Metadata: md}
}

func TestValidateDAG(t *testing.T) {
	t.Run("acyclic chain", func(t *testing.T) {
		deps := map[string][]string{
			"a": nil,
			"b": {"a"},
			"c": {"b", "a"},
		}
		assert.NoError(t, ValidateDAG("c", deps))
	})

	t.Run("self cycle", func(t *testing.T) {
		deps := map[string][]string{"a": {"a"}}
		err := ValidateDAG("a", deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Circular dependency detected: a creates a cycle in stream dependencies")
	})

	t.Run("indirect cycle through candidate", func(t *testing.T) {
		// c -> b -> c, introduced by adding c.
		deps := map[string][]string{
			"a": nil,
			"b": {"c"},
			"c": {"b"},
		}
		err := ValidateDAG("c", deps)
		var ce *types.CycleError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "c", ce.StreamID)
	})

	t.Run("cycle not reachable from candidate still detected", func(t *testing.T) {
		deps := map[string][]string{
			"a": {"b"},
			"b": {"a"},
			"x": nil,
		}
		assert.Error(t, ValidateDAG("x", deps))
	})

	t.Run("missing dependency node is not a cycle", func(t *testing.T) {
		deps := map[string][]string{"a": {"ghost"}}
		assert.NoError(t, ValidateDAG("a", deps))
	})
}

func TestBuildSummaries(t *testing.T) {
	tasks := []*types.Task{
		streamTask("T1", "api", "API", types.PhaseParallel, types.TaskCompleted, []string{"auth"}, []string{"api/a.go"}),
		streamTask("T2", "api", "API", types.PhaseParallel, types.TaskInProgress, []string{"auth"}, []string{"api/b.go", "api/a.go"}),
		streamTask("T3", "auth", "Auth", types.PhaseFoundation, types.TaskBlocked, nil, nil),
		streamTask("T4", "ui", "UI", types.PhaseIntegration, types.TaskPending, []string{"api"}, nil),
		{ID: "T5", Title: "no stream", Status: types.TaskPending},
	}

	summaries := BuildSummaries(tasks)
	require.Len(t, summaries, 3)

	// Sorted foundation < parallel < integration.
	assert.Equal(t, "auth", summaries[0].StreamID)
	assert.Equal(t, "api", summaries[1].StreamID)
	assert.Equal(t, "ui", summaries[2].StreamID)

	api := summaries[1]
	assert.Equal(t, 2, api.TotalTasks)
	assert.Equal(t, 1, api.CompletedTasks)
	assert.Equal(t, 1, api.InProgressTasks)
	assert.ElementsMatch(t, []string{"api/a.go", "api/b.go"}, api.Files)
	assert.Equal(t, []string{"auth"}, api.Dependencies)

	auth := summaries[0]
	assert.Equal(t, 1, auth.BlockedTasks)
	assert.Empty(t, auth.Dependencies)
}

func TestBuildSummariesSortsByNameWithinPhase(t *testing.T) {
	tasks := []*types.Task{
		streamTask("T1", "zeta", "Zeta", types.PhaseParallel, types.TaskPending, nil, nil),
		streamTask("T2", "alpha", "Alpha", types.PhaseParallel, types.TaskPending, nil, nil),
	}
	summaries := BuildSummaries(tasks)
	require.Len(t, summaries, 2)
	assert.Equal(t, "Alpha", summaries[0].StreamName)
}

func TestDeriveStatus(t *testing.T) {
	mk := func(statuses ...string) []*types.Task {
		out := make([]*types.Task, len(statuses))
		for i, s := range statuses {
			out[i] = &types.Task{ID: "T", Status: s}
		}
		return out
	}

	assert.Equal(t, types.TaskPending, DeriveStatus(nil))
	assert.Equal(t, types.TaskCompleted, DeriveStatus(mk(types.TaskCompleted, types.TaskCompleted)))
	assert.Equal(t, types.TaskBlocked, DeriveStatus(mk(types.TaskCompleted, types.TaskBlocked, types.TaskInProgress)))
	assert.Equal(t, types.TaskInProgress, DeriveStatus(mk(types.TaskCompleted, types.TaskInProgress)))
	assert.Equal(t, types.TaskPending, DeriveStatus(mk(types.TaskPending, types.TaskCompleted)))
}

func TestFilterConflicts(t *testing.T) {
	isolated := streamTask("T1", "iso", "Isolated", types.PhaseParallel, types.TaskInProgress, nil, []string{"shared.go"})
	isolated.Metadata["worktreePath"] = "/tmp/wt-iso"
	open := streamTask("T2", "open", "Open", types.PhaseParallel, types.TaskInProgress, nil, []string{"shared.go"})

	conflicts := FilterConflicts("shared.go", []*types.Task{isolated, open})
	require.Len(t, conflicts, 1)
	assert.Equal(t, "open", conflicts[0].StreamID)
	assert.Equal(t, "shared.go", conflicts[0].File)
	assert.Equal(t, types.TaskInProgress, conflicts[0].TaskStatus)
}
