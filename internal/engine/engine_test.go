package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/config"
	"loom/internal/gates"
	"loom/internal/iterate"
	"loom/internal/store"
	"loom/internal/stream"
	"loom/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	t.Cleanup(iterate.ResetHooks)
	t.Cleanup(gates.ClearCache)

	root := t.TempDir()
	cfg := config.DefaultConfig(root)
	return New(s, nil, cfg, root)
}

func linkInitiative(t *testing.T, e *Engine, id string) {
	t.Helper()
	_, err := e.InitiativeLink(InitiativeLinkRequest{ID: id, Title: "Initiative " + id})
	require.NoError(t, err)
}

func createPRD(t *testing.T, e *Engine) string {
	t.Helper()
	resp, err := e.PRDCreate(PRDCreateRequest{Title: "Checkout flow rework"})
	require.NoError(t, err)
	return resp["id"].(string)
}

func createStreamTask(t *testing.T, e *Engine, prdID, streamID string, deps []string, extra types.Metadata) string {
	t.Helper()
	md := types.Metadata{"streamId": streamID, "streamName": "Stream " + streamID}
	if deps != nil {
		md["streamDependencies"] = deps
	}
	for k, v := range extra {
		md[k] = v
	}
	resp, err := e.TaskCreate(TaskCreateRequest{
		PRDID: prdID, Title: "Work on " + streamID, Metadata: md,
	})
	require.NoError(t, err)
	return resp["id"].(string)
}

func TestStreamDependencyCycleRejected(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-cycle")
	prdID := createPRD(t, e)

	createStreamTask(t, e, prdID, "Stream-A", nil, nil)
	createStreamTask(t, e, prdID, "Stream-B", []string{"Stream-A"}, nil)

	// Stream-C depends on Stream-B... after Stream-B is rewired onto Stream-C.
	taskB, err := e.store.ListTasks(store.TaskFilter{PRDID: prdID})
	require.NoError(t, err)
	var bID string
	for _, task := range taskB {
		if task.StreamID() == "Stream-B" {
			bID = task.ID
		}
	}
	_, err = e.TaskUpdate(context.Background(), TaskUpdateRequest{
		ID:       bID,
		Metadata: types.Metadata{"streamDependencies": []string{"Stream-C"}},
	})
	require.NoError(t, err)

	_, err = e.TaskCreate(TaskCreateRequest{
		PRDID: prdID, Title: "Closes the loop",
		Metadata: types.Metadata{"streamId": "Stream-C", "streamDependencies": []string{"Stream-B"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Circular dependency detected")
}

func TestAutoArchiveOnInitiativeSwitch(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-001")
	prdID := createPRD(t, e)

	createStreamTask(t, e, prdID, "Stream-A", nil, nil)
	createStreamTask(t, e, prdID, "Stream-A", nil, nil)
	createStreamTask(t, e, prdID, "Stream-B", nil, nil)

	resp, err := e.InitiativeLink(InitiativeLinkRequest{ID: "INIT-002", Title: "Second"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp["archivedTasks"])
	assert.Equal(t, "INIT-001", resp["previousInitiative"])

	listed, err := e.StreamList(StreamListRequest{InitiativeID: "INIT-001"})
	require.NoError(t, err)
	assert.Equal(t, 0, listed["count"])

	archived, err := e.StreamList(StreamListRequest{InitiativeID: "INIT-001", IncludeArchived: true})
	require.NoError(t, err)
	assert.Equal(t, 2, archived["count"])

	tasks, err := e.store.ListTasks(store.TaskFilter{PRDID: prdID, IncludeArchived: true})
	require.NoError(t, err)
	for _, task := range tasks {
		assert.True(t, task.Archived)
		assert.Equal(t, "INIT-001", task.ArchivedBy)
	}

	// Archived tasks are immutable.
	_, err = e.TaskUpdate(context.Background(), TaskUpdateRequest{ID: tasks[0].ID, Title: "nope"})
	var archErr *types.ArchivedTaskError
	require.ErrorAs(t, err, &archErr)
}

func TestStreamUnarchiveRestoresVisibility(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-one")
	prdID := createPRD(t, e)
	createStreamTask(t, e, prdID, "Stream-A", nil, nil)
	linkInitiative(t, e, "INIT-two")

	resp, err := e.StreamUnarchive(StreamUnarchiveRequest{StreamID: "Stream-A"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp["restoredTasks"])

	listed, err := e.StreamList(StreamListRequest{InitiativeID: "INIT-one"})
	require.NoError(t, err)
	assert.Equal(t, 1, listed["count"])

	_, err = e.StreamUnarchive(StreamUnarchiveRequest{StreamID: "Stream-A"})
	require.Error(t, err)
}

func TestIterationHappyPath(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-iter")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Iterate on parser"})
	require.NoError(t, err)
	taskID := taskResp["id"].(string)

	started, err := e.IterationStart(IterationStartRequest{
		TaskID:             taskID,
		MaxIterations:      3,
		CompletionPromises: []string{"ALL TESTS PASS"},
	})
	require.NoError(t, err)
	iterID := started["iterationId"].(string)
	assert.Equal(t, 1, started["iterationNumber"])

	v1, err := e.IterationValidate(context.Background(), IterationValidateRequest{
		IterationID: iterID,
		AgentOutput: "still fixing the tokenizer",
	})
	require.NoError(t, err)
	assert.Equal(t, types.SignalContinue, v1["completionSignal"])
	require.Contains(t, v1, "continuationDecision")
	cont := v1["continuationDecision"].(iterate.ContinuationDecision)
	assert.Equal(t, iterate.DecisionAutoResume, cont.Decision)

	next, err := e.IterationNext(IterationNextRequest{IterationID: iterID})
	require.NoError(t, err)
	assert.Equal(t, 2, next["iterationNumber"])

	v2, err := e.IterationValidate(context.Background(), IterationValidateRequest{
		IterationID: iterID,
		AgentOutput: "done.\n<promise>COMPLETE</promise> ALL TESTS PASS",
	})
	require.NoError(t, err)
	assert.Equal(t, types.SignalComplete, v2["completionSignal"])
	assert.Contains(t, v2["detectedPromise"], "<promise>COMPLETE</promise>")
	assert.Contains(t, v2["completionPromisesDetected"], "ALL TESTS PASS")

	done, err := e.IterationComplete(IterationCompleteRequest{
		IterationID:       iterID,
		CompletionPromise: "ALL TESTS PASS",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done["taskStatus"])

	task, err := e.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Contains(t, task.Notes, "Iteration completed: ALL TESTS PASS")
	assert.Contains(t, task.Metadata, "iterationComplete")
	assert.NotContains(t, task.Metadata, "continuation")
}

func TestIterationCompleteRejectsUnknownPromise(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-iter2")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Iterate"})
	require.NoError(t, err)

	started, err := e.IterationStart(IterationStartRequest{
		TaskID:             taskResp["id"].(string),
		MaxIterations:      2,
		CompletionPromises: []string{"DONE"},
	})
	require.NoError(t, err)

	_, err = e.IterationComplete(IterationCompleteRequest{
		IterationID:       started["iterationId"].(string),
		CompletionPromise: "done", // not verbatim
	})
	require.Error(t, err)
}

func TestIterationNextFailsAtMax(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-max")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Bounded"})
	require.NoError(t, err)

	started, err := e.IterationStart(IterationStartRequest{
		TaskID:             taskResp["id"].(string),
		MaxIterations:      1,
		CompletionPromises: []string{"DONE"},
	})
	require.NoError(t, err)

	_, err = e.IterationNext(IterationNextRequest{IterationID: started["iterationId"].(string)})
	require.Error(t, err)
}

func TestQualityGateBlocksCompletion(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-gates")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Ship it"})
	require.NoError(t, err)
	taskID := taskResp["id"].(string)

	gatesDir := filepath.Join(e.projectRoot, ".claude")
	require.NoError(t, os.MkdirAll(gatesDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(gatesDir, "quality-gates.json"), []byte(`{
		"version": "1.0",
		"defaultGates": ["tests_pass"],
		"gates": {"tests_pass": {"command": "exit 1"}}
	}`), 0644))
	gates.ClearCache()

	resp, err := e.TaskUpdate(context.Background(), TaskUpdateRequest{
		ID: taskID, Status: types.TaskCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskBlocked, resp["status"])
	assert.Contains(t, resp["blockedReason"], "Quality gates failed: tests_pass")

	task, err := e.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskBlocked, task.Status)
	assert.Contains(t, task.Notes, "tests_pass")
}

func TestCheckpointPruningKeepsNewestFive(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-cp")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Snapshot me"})
	require.NoError(t, err)
	taskID := taskResp["id"].(string)

	for i := 0; i < 7; i++ {
		_, err := e.CheckpointCreate(CheckpointCreateRequest{TaskID: taskID})
		require.NoError(t, err)
	}

	listed, err := e.CheckpointList(taskID)
	require.NoError(t, err)
	cps := listed["checkpoints"].([]*types.Checkpoint)
	require.Len(t, cps, 5)
	assert.Equal(t, 7, cps[0].Sequence)
	assert.Equal(t, 3, cps[4].Sequence)
}

func TestCheckpointResumeRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-resume")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Pausable"})
	require.NoError(t, err)
	taskID := taskResp["id"].(string)

	_, err = e.CheckpointCreate(CheckpointCreateRequest{
		TaskID:         taskID,
		ExecutionPhase: "design",
		ExecutionStep:  "wireframes",
		DraftContent:   "# Draft\nHalf-finished layout notes.",
		DraftType:      "markdown",
		PauseMetadata:  types.Metadata{"pauseReason": "end of day"},
	})
	require.NoError(t, err)

	resumed, err := e.CheckpointResume(CheckpointResumeRequest{TaskID: taskID})
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, "design", resumed["executionPhase"])
	assert.Equal(t, true, resumed["hasDraft"])
	assert.Contains(t, resumed, "pauseMetadata")
	assert.Contains(t, resumed["resumeInstructions"], `phase "design"`)
}

func TestCheckpointResumeMissingReturnsNil(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-norest")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Never paused"})
	require.NoError(t, err)

	resumed, err := e.CheckpointResume(CheckpointResumeRequest{TaskID: taskResp["id"].(string)})
	require.NoError(t, err)
	assert.Nil(t, resumed)
}

func TestHandoffChainShape(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-chain")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Design pipeline"})
	require.NoError(t, err)
	taskID := taskResp["id"].(string)

	var wpIDs []string
	for _, title := range []string{"Strategy", "UX flows", "Visual design"} {
		resp, err := e.WorkProductStore(WorkProductStoreRequest{
			TaskID: taskID, Type: types.WPTechnicalDesign, Title: title,
			Content: "Deliverable content for " + title + " with enough substance.",
		})
		require.NoError(t, err)
		wpIDs = append(wpIDs, resp["id"].(string))
	}

	_, err = e.AgentHandoff(AgentHandoffRequest{
		TaskID: taskID, FromAgent: "SD", ToAgent: "UXD",
		WorkProductID: wpIDs[0], HandoffContext: "strategy approved",
	})
	require.NoError(t, err)
	second, err := e.AgentHandoff(AgentHandoffRequest{
		TaskID: taskID, FromAgent: "UXD", ToAgent: "UID",
		WorkProductID: wpIDs[1], HandoffContext: "flows signed off",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second["chainPosition"])
	assert.Equal(t, 2, second["chainLength"])

	chain, err := e.AgentChainGet(taskID)
	require.NoError(t, err)
	handoffs := chain["handoffs"].([]*types.Handoff)
	require.Len(t, handoffs, 2)
	assert.Equal(t, 1, handoffs[0].ChainPosition)
	assert.Equal(t, 2, handoffs[0].ChainLength)

	products := chain["workProducts"].([]map[string]interface{})
	require.Len(t, products, 3)
	byID := map[string]string{}
	for _, p := range products {
		byID[p["id"].(string)] = p["agent"].(string)
	}
	assert.Equal(t, "SD", byID[wpIDs[0]])
	assert.Equal(t, "UXD", byID[wpIDs[1]])
	assert.Equal(t, "unknown", byID[wpIDs[2]])
}

func TestHandoffContextLengthLimit(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-ctx")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Handoffs"})
	require.NoError(t, err)

	long := make([]byte, handoffContextLimit+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = e.AgentHandoff(AgentHandoffRequest{
		TaskID: taskResp["id"].(string), FromAgent: "A", ToAgent: "B",
		HandoffContext: string(long),
	})
	require.Error(t, err)
}

func TestWorkProductValidationReject(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-wp")
	prdID := createPRD(t, e)
	taskResp, err := e.TaskCreate(TaskCreateRequest{PRDID: prdID, Title: "Deliver"})
	require.NoError(t, err)

	_, err = e.WorkProductStore(WorkProductStoreRequest{
		TaskID: taskResp["id"].(string), Type: types.WPTechnicalDesign, Title: "Empty",
		Content: "   ",
	})
	require.Error(t, err)
}

func TestScopeChangeLifecycle(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-scope")

	// FEATURE PRDs are scope-locked by default.
	prdResp, err := e.PRDCreate(PRDCreateRequest{Title: "Add export feature"})
	require.NoError(t, err)
	assert.Equal(t, true, prdResp["scopeLocked"])
	prdID := prdResp["id"].(string)

	reqResp, err := e.ScopeChangeRequest(ScopeChangeRequestInput{
		PRDID: prdID, RequestType: "addition",
		Description: "Also export CSV", RequestedBy: "PM",
	})
	require.NoError(t, err)
	scID := reqResp["id"].(string)
	assert.Equal(t, types.ScopePending, reqResp["status"])

	reviewed, err := e.ScopeChangeReview(ScopeChangeReviewInput{
		ID: scID, Approve: true, ReviewedBy: "lead",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ScopeApproved, reviewed["status"])

	// One-shot: a second review fails.
	_, err = e.ScopeChangeReview(ScopeChangeReviewInput{ID: scID, Approve: false})
	require.Error(t, err)
}

func TestScopeChangeRequiresLockedPRD(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-unlocked")

	prdResp, err := e.PRDCreate(PRDCreateRequest{
		Title:    "Fix crash on login", // DEFECT: unlocked by default
		Metadata: types.Metadata{},
	})
	require.NoError(t, err)
	assert.Equal(t, false, prdResp["scopeLocked"])

	_, err = e.ScopeChangeRequest(ScopeChangeRequestInput{
		PRDID: prdResp["id"].(string), RequestType: "addition", Description: "More",
	})
	require.Error(t, err)
}

func TestStreamConflictCheck(t *testing.T) {
	e := newTestEngine(t)
	linkInitiative(t, e, "INIT-conf")
	prdID := createPRD(t, e)

	aID := createStreamTask(t, e, prdID, "Stream-A", nil,
		types.Metadata{"files": []string{"src/auth.ts"}})
	_, err := e.TaskUpdate(context.Background(), TaskUpdateRequest{
		ID: aID, Status: types.TaskInProgress,
	})
	require.NoError(t, err)
	createStreamTask(t, e, prdID, "Stream-B", nil, nil)

	resp, err := e.StreamConflictCheck(StreamConflictCheckRequest{
		Files: []string{"src/auth.ts"}, ExcludeStreamID: "Stream-B",
	})
	require.NoError(t, err)
	conflicts := resp["conflicts"].([]stream.Conflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "Stream-A", conflicts[0].StreamID)
	assert.Equal(t, "src/auth.ts", conflicts[0].File)

	// A worktree-isolated requester sees no conflicts at all.
	createStreamTask(t, e, prdID, "Stream-C", nil,
		types.Metadata{"worktreePath": "/tmp/wt-stream-c"})
	resp, err = e.StreamConflictCheck(StreamConflictCheckRequest{
		Files: []string{"src/auth.ts"}, ExcludeStreamID: "Stream-C",
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["isolated"])
	assert.Empty(t, resp["conflicts"])
}
