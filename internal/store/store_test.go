package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedInitiative(t *testing.T, s *Store, id string) {
	t.Helper()
	_, _, err := s.LinkInitiative(&types.Initiative{ID: id, Title: "Initiative " + id})
	require.NoError(t, err)
}

func seedPRD(t *testing.T, s *Store, id, initiativeID string) {
	t.Helper()
	require.NoError(t, s.CreatePRD(&types.PRD{
		ID:           id,
		InitiativeID: initiativeID,
		Title:        "PRD " + id,
		Status:       "active",
	}))
}

func seedTask(t *testing.T, s *Store, id, prdID string, md types.Metadata) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:       id,
		PRDID:    prdID,
		Title:    "Task " + id,
		Status:   types.TaskPending,
		Metadata: md,
	}
	require.NoError(t, s.CreateTask(task))
	return task
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestLinkInitiativeDemotesPrevious(t *testing.T) {
	s := newTestStore(t)

	prev, changed, err := s.LinkInitiative(&types.Initiative{ID: "INIT-aaa", Title: "First"})
	require.NoError(t, err)
	assert.Empty(t, prev)
	assert.True(t, changed)

	// Re-linking the same initiative is a no-op signal.
	prev, changed, err = s.LinkInitiative(&types.Initiative{ID: "INIT-aaa", Title: "First again"})
	require.NoError(t, err)
	assert.Equal(t, "INIT-aaa", prev)
	assert.False(t, changed)

	prev, changed, err = s.LinkInitiative(&types.Initiative{ID: "INIT-bbb", Title: "Second"})
	require.NoError(t, err)
	assert.Equal(t, "INIT-aaa", prev)
	assert.True(t, changed)

	current, err := s.CurrentInitiative()
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "INIT-bbb", current.ID)

	old, err := s.GetInitiative("INIT-aaa")
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.False(t, old.Current)
}

func TestCreatePRDRequiresInitiative(t *testing.T) {
	s := newTestStore(t)

	err := s.CreatePRD(&types.PRD{ID: "PRD-x", InitiativeID: "INIT-missing", Title: "Orphan"})
	var nf *types.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "initiative", nf.Kind)
}

func TestTaskCRUDAndFilters(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")

	seedTask(t, s, "TASK-a", "PRD-1", nil)
	tb := seedTask(t, s, "TASK-b", "PRD-1", nil)

	tb.Status = types.TaskInProgress
	tb.AssignedAgent = "builder"
	require.NoError(t, s.UpdateTask(tb))

	got, err := s.GetTask("TASK-b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, "builder", got.AssignedAgent)

	missing, err := s.GetTask("TASK-nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	byStatus, err := s.ListTasks(TaskFilter{Status: types.TaskInProgress})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "TASK-b", byStatus[0].ID)

	byAgent, err := s.ListTasks(TaskFilter{AssignedAgent: "builder"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)

	all, err := s.ListTasks(TaskFilter{PRDID: "PRD-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSubtaskCounts(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")
	seedTask(t, s, "TASK-parent", "PRD-1", nil)

	for i, status := range []string{types.TaskCompleted, types.TaskCompleted, types.TaskPending} {
		sub := &types.Task{
			ID:       types.NewID(types.PrefixTask),
			ParentID: "TASK-parent",
			Title:    "sub",
			Status:   status,
		}
		require.NoError(t, s.CreateTask(sub), "subtask %d", i)
	}

	total, completed, err := s.SubtaskCounts("TASK-parent")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, completed)
}

func TestStreamColumnAndArchival(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")

	seedTask(t, s, "TASK-s1", "PRD-1", types.Metadata{
		"streamId": "auth", "streamName": "Auth", "streamPhase": "foundation",
	})
	seedTask(t, s, "TASK-s2", "PRD-1", types.Metadata{
		"streamId": "api", "streamPhase": "parallel",
		"streamDependencies": []string{"auth"},
	})
	seedTask(t, s, "TASK-plain", "PRD-1", nil)

	streamTasks, err := s.ListStreamTasks("auth", false)
	require.NoError(t, err)
	require.Len(t, streamTasks, 1)
	assert.Equal(t, "TASK-s1", streamTasks[0].ID)

	deps, err := s.StreamDependencyMap()
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, deps["api"])
	assert.Empty(t, deps["auth"])

	count, streams, err := s.ArchiveStreamTasks("INIT-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	assert.ElementsMatch(t, []string{"auth", "api"}, streams)

	// Plain task untouched, stream tasks excluded by default listing.
	visible, err := s.ListTasks(TaskFilter{PRDID: "PRD-1"})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "TASK-plain", visible[0].ID)

	archived, err := s.GetTask("TASK-s1")
	require.NoError(t, err)
	assert.True(t, archived.Archived)
	assert.Equal(t, "INIT-1", archived.ArchivedBy)
	assert.False(t, archived.ArchivedAt.IsZero())

	restored, err := s.UnarchiveStream("auth")
	require.NoError(t, err)
	assert.EqualValues(t, 1, restored)

	back, err := s.GetTask("TASK-s1")
	require.NoError(t, err)
	assert.False(t, back.Archived)
	assert.Empty(t, back.ArchivedBy)
}

func TestFindFileConflicts(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")

	ta := seedTask(t, s, "TASK-a", "PRD-1", types.Metadata{
		"streamId": "auth", "files": []string{"internal/auth/login.go"},
	})
	ta.Status = types.TaskInProgress
	require.NoError(t, s.UpdateTask(ta))

	tb := seedTask(t, s, "TASK-b", "PRD-1", types.Metadata{
		"streamId": "api", "files": []string{"internal/auth/login.go"},
	})
	tb.Status = types.TaskInProgress
	require.NoError(t, s.UpdateTask(tb))

	conflicts, err := s.FindFileConflicts("internal/auth/login.go", "api")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "TASK-a", conflicts[0].ID)

	none, err := s.FindFileConflicts("cmd/main.go", "api")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckpointSequenceAndRetention(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")
	seedTask(t, s, "TASK-cp", "PRD-1", nil)

	var ids []string
	for i := 0; i < 7; i++ {
		cp := &types.Checkpoint{
			ID:         types.NewID(types.PrefixCheckpoint),
			TaskID:     "TASK-cp",
			Trigger:    types.TriggerManual,
			TaskStatus: types.TaskInProgress,
		}
		require.NoError(t, s.CreateCheckpoint(cp))
		assert.Equal(t, i+1, cp.Sequence)
		ids = append(ids, cp.ID)
	}

	list, err := s.ListCheckpoints("TASK-cp")
	require.NoError(t, err)
	require.Len(t, list, checkpointRetention)
	assert.Equal(t, 7, list[0].Sequence)
	assert.Equal(t, 3, list[len(list)-1].Sequence)

	// The two oldest were pruned.
	for _, id := range ids[:2] {
		cp, err := s.GetCheckpoint(id)
		require.NoError(t, err)
		assert.Nil(t, cp)
	}

	latest, err := s.LatestCheckpoint("TASK-cp")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ids[6], latest.ID)
}

func TestCheckpointIterationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")
	seedTask(t, s, "TASK-it", "PRD-1", nil)

	iterID := types.NewIterationID()
	cp := &types.Checkpoint{
		ID:          types.NewID(types.PrefixCheckpoint),
		TaskID:      "TASK-it",
		Trigger:     types.TriggerAutoIteration,
		TaskStatus:  types.TaskInProgress,
		IterationID: iterID,
		IterationConfig: &types.IterationConfig{
			MaxIterations:      10,
			CompletionPromises: []string{"ALL_TESTS_PASS"},
		},
		IterationNumber: 1,
	}
	require.NoError(t, s.CreateCheckpoint(cp))

	got, err := s.CheckpointByIteration(iterID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsIteration())
	if diff := cmp.Diff(cp.IterationConfig, got.IterationConfig); diff != "" {
		t.Errorf("iteration config mismatch (-want +got):\n%s", diff)
	}

	got.IterationNumber = 2
	got.IterationHistory = append(got.IterationHistory, types.IterationRecord{
		Iteration: 1, Timestamp: time.Now().UTC(), ValidationPassed: false,
	})
	got.ValidationState = &types.ValidationState{
		Iteration: 1, CompletionSignal: types.SignalContinue, ValidatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpdateIterationState(got))

	again, err := s.CheckpointByIteration(iterID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.IterationNumber)
	require.Len(t, again.IterationHistory, 1)
	require.NotNil(t, again.ValidationState)
	assert.Equal(t, types.SignalContinue, again.ValidationState.CompletionSignal)
}

func TestDeleteExpiredCheckpoints(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")
	seedTask(t, s, "TASK-exp", "PRD-1", nil)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	expired := &types.Checkpoint{
		ID: "CP-old", TaskID: "TASK-exp", Trigger: types.TriggerManual,
		TaskStatus: types.TaskPending, ExpiresAt: &past,
	}
	require.NoError(t, s.CreateCheckpoint(expired))

	alive := &types.Checkpoint{
		ID: "CP-new", TaskID: "TASK-exp", Trigger: types.TriggerManual,
		TaskStatus: types.TaskPending, ExpiresAt: &future,
	}
	require.NoError(t, s.CreateCheckpoint(alive))

	// No expiry at all (iteration anchors keep these).
	forever := &types.Checkpoint{
		ID: "CP-forever", TaskID: "TASK-exp", Trigger: types.TriggerAutoIteration,
		TaskStatus: types.TaskPending,
	}
	require.NoError(t, s.CreateCheckpoint(forever))

	deleted, err := s.DeleteExpiredCheckpoints(time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	remaining, err := s.ListCheckpoints("TASK-exp")
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestHandoffChain(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")
	seedTask(t, s, "TASK-ho", "PRD-1", nil)

	first := &types.Handoff{
		ID: "HO-1", TaskID: "TASK-ho", FromAgent: "architect", ToAgent: "builder",
		WorkProductID: "WP-1", HandoffContext: "design done",
	}
	require.NoError(t, s.CreateHandoff(first))
	assert.Equal(t, 1, first.ChainPosition)

	second := &types.Handoff{
		ID: "HO-2", TaskID: "TASK-ho", FromAgent: "builder", ToAgent: "reviewer",
		WorkProductID: "WP-2", HandoffContext: "impl done",
	}
	require.NoError(t, s.CreateHandoff(second))

	chain, err := s.ListHandoffs("TASK-ho")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, 1, chain[0].ChainPosition)
	assert.Equal(t, 2, chain[1].ChainPosition)
	// chain_length is rewritten on every append.
	assert.Equal(t, 2, chain[0].ChainLength)
	assert.Equal(t, 2, chain[1].ChainLength)
}

func TestScopeChangeReview(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")

	sc := &types.ScopeChange{
		ID: "SCR-1", PRDID: "PRD-1", RequestType: types.ScopeAddTask,
		Description: "add migration task", Status: types.ScopePending,
	}
	require.NoError(t, s.CreateScopeChange(sc))

	sc.Status = types.ScopeApproved
	sc.ReviewedAt = time.Now().UTC()
	sc.ReviewedBy = "lead"
	sc.ReviewNotes = "fine"
	require.NoError(t, s.ReviewScopeChange(sc))

	got, err := s.GetScopeChange("SCR-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.ScopeApproved, got.Status)
	assert.Equal(t, "lead", got.ReviewedBy)

	pending, err := s.ListScopeChanges("PRD-1", types.ScopePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestActivityLog(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendActivity(&types.Activity{
			InitiativeID: "INIT-1",
			EntityType:   "task",
			EntityID:     "TASK-x",
			Action:       "status_change",
			Summary:      "pending -> in_progress",
		}))
	}

	entries, err := s.ListActivity(ActivityFilter{InitiativeID: "INIT-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Greater(t, entries[0].ID, entries[1].ID)
}

func TestAggregatePerformance(t *testing.T) {
	s := newTestStore(t)

	records := []struct {
		outcome  string
		duration int64
	}{
		{types.OutcomeSuccess, 1000},
		{types.OutcomeSuccess, 3000},
		{types.OutcomeFailure, 2000},
		{types.OutcomeBlocked, 0},
	}
	for _, r := range records {
		require.NoError(t, s.RecordPerformance(&types.PerformanceRecord{
			AgentID: "builder", TaskID: "TASK-x",
			WorkProductType: types.WPImplementation,
			Outcome:         r.outcome, DurationMs: r.duration,
		}))
	}

	perf, err := s.AggregatePerformance("builder")
	require.NoError(t, err)
	assert.Equal(t, 4, perf.TotalTasks)
	assert.Equal(t, 2, perf.Outcomes[types.OutcomeSuccess])
	assert.InDelta(t, 0.5, perf.SuccessRate, 0.001)
	assert.EqualValues(t, 2000, perf.AvgDurationMs)

	empty, err := s.AggregatePerformance("ghost")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalTasks)
	assert.Zero(t, empty.SuccessRate)
}

func TestViolations(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordViolation(&types.ProtocolViolation{
		ID: "VIOL-1", SessionID: "sess-1", ViolationType: "main_session_implementation",
		Severity: types.SeverityHigh, Suggestion: "delegate to a subagent",
	}))

	got, err := s.ListViolations("sess-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.SeverityHigh, got[0].Severity)

	other, err := s.ListViolations("sess-2", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestWorkProducts(t *testing.T) {
	s := newTestStore(t)
	seedInitiative(t, s, "INIT-1")
	seedPRD(t, s, "PRD-1", "INIT-1")
	seedTask(t, s, "TASK-wp", "PRD-1", nil)

	require.NoError(t, s.CreateWorkProduct(&types.WorkProduct{
		ID: "WP-1", TaskID: "TASK-wp", Type: types.WPTechnicalDesign, Title: "Design",
	}))
	require.NoError(t, s.CreateWorkProduct(&types.WorkProduct{
		ID: "WP-2", TaskID: "TASK-wp", Type: types.WPImplementation, Title: "Impl",
	}))

	err := s.CreateWorkProduct(&types.WorkProduct{
		ID: "WP-3", TaskID: "TASK-missing", Type: types.WPOther, Title: "Orphan",
	})
	var nf *types.NotFoundError
	require.ErrorAs(t, err, &nf)

	all, err := s.ListWorkProducts("TASK-wp", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	designs, err := s.ListWorkProducts("TASK-wp", types.WPTechnicalDesign)
	require.NoError(t, err)
	require.Len(t, designs, 1)
	assert.Equal(t, "WP-1", designs[0].ID)
}
