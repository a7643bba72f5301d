package engine

import (
	"fmt"
	"strings"
	"time"

	"loom/internal/bus"
	"loom/internal/logging"
	"loom/internal/types"
)

// Checkpoint retention policy.
const (
	draftLimit      = 50 * 1024 // bytes of draft content kept verbatim
	truncatedMarker = "\n\n[TRUNCATED]"
	manualTTL       = 7 * 24 * time.Hour
	autoTTL         = 24 * time.Hour
)

// pauseMetadataKeys are the fields merged into agent context when a
// checkpoint captures a deliberate pause.
var pauseMetadataKeys = []string{
	"pauseReason", "pausedBy", "nextSteps", "blockers", "keyFiles", "estimatedResumeTime",
}

// CheckpointCreateRequest is the checkpoint_create input.
type CheckpointCreateRequest struct {
	TaskID          string                 `json:"taskId"`
	Trigger         string                 `json:"trigger,omitempty"`
	ExecutionPhase  string                 `json:"executionPhase,omitempty"`
	ExecutionStep   string                 `json:"executionStep,omitempty"`
	AgentContext    types.Metadata         `json:"agentContext,omitempty"`
	DraftContent    string                 `json:"draftContent,omitempty"`
	DraftType       string                 `json:"draftType,omitempty"`
	IterationConfig *types.IterationConfig `json:"iterationConfig,omitempty"`
	IterationNumber int                    `json:"iterationNumber,omitempty"`
	PauseMetadata   types.Metadata         `json:"pauseMetadata,omitempty"`
	ExpiresIn       int                    `json:"expiresIn,omitempty"` // minutes
}

// CheckpointCreate snapshots a task into a new checkpoint.
func (e *Engine) CheckpointCreate(req CheckpointCreateRequest) (map[string]interface{}, error) {
	if req.TaskID == "" {
		return nil, types.NewValidation("taskId", "task id is required")
	}
	task, err := e.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, types.NewNotFound("task", req.TaskID)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = types.TriggerManual
	}

	cp, err := e.snapshotTask(task, trigger, &req)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"id":        cp.ID,
		"taskId":    cp.TaskID,
		"sequence":  cp.Sequence,
		"trigger":   cp.Trigger,
		"expiresAt": cp.ExpiresAt,
		"timestamp": cp.CreatedAt,
	}, nil
}

// snapshotTask builds and persists a checkpoint for the task. req may be nil
// for bare auto-checkpoints.
func (e *Engine) snapshotTask(task *types.Task, trigger string, req *CheckpointCreateRequest) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{
		ID:            types.NewID(types.PrefixCheckpoint),
		TaskID:        task.ID,
		Trigger:       trigger,
		TaskStatus:    task.Status,
		TaskNotes:     task.Notes,
		TaskMetadata:  task.Metadata.Clone(),
		BlockedReason: task.BlockedReason,
		AssignedAgent: task.AssignedAgent,
	}

	subtasks, err := e.store.ListSubtasks(task.ID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subtasks {
		cp.SubtaskStates = append(cp.SubtaskStates, types.SubtaskState{ID: sub.ID, Status: sub.Status})
	}

	expiresIn := 0
	if req != nil {
		cp.ExecutionPhase = req.ExecutionPhase
		cp.ExecutionStep = req.ExecutionStep
		cp.AgentContext = req.AgentContext.Clone()
		cp.DraftContent = truncateDraft(req.DraftContent)
		cp.DraftType = req.DraftType
		cp.IterationConfig = req.IterationConfig
		cp.IterationNumber = req.IterationNumber
		expiresIn = req.ExpiresIn

		if len(req.PauseMetadata) > 0 {
			if cp.AgentContext == nil {
				cp.AgentContext = types.Metadata{}
			}
			for _, key := range pauseMetadataKeys {
				if v, ok := req.PauseMetadata[key]; ok {
					cp.AgentContext[key] = v
				}
			}
			cp.AgentContext["pausedAt"] = time.Now().UTC().Format(time.RFC3339)
		}
	}

	cp.ExpiresAt = computeExpiry(trigger, cp.IsIteration(), expiresIn)

	if err := e.store.CreateCheckpoint(cp); err != nil {
		return nil, err
	}

	e.bus.Publish(bus.CheckpointCreated, cp.ID, map[string]interface{}{
		"taskId": cp.TaskID, "sequence": cp.Sequence, "trigger": cp.Trigger,
	})
	e.logActivityForTask(task, "checkpoint", cp.ID, "checkpoint_created",
		fmt.Sprintf("seq %d (%s)", cp.Sequence, cp.Trigger))
	logging.Checkpoint("created %s for %s (seq %d, trigger %s)", cp.ID, task.ID, cp.Sequence, trigger)
	return cp, nil
}

// logActivityForTask resolves the initiative through the task's PRD chain.
func (e *Engine) logActivityForTask(task *types.Task, entityType, entityID, action, summary string) {
	initiativeID := e.initiativeForTask(task)
	err := e.store.AppendActivity(&types.Activity{
		InitiativeID: initiativeID,
		EntityType:   entityType,
		EntityID:     entityID,
		Action:       action,
		Summary:      summary,
	})
	if err != nil {
		logging.Tools("activity append failed for %s: %v", entityID, err)
	}
}

func truncateDraft(content string) string {
	if len(content) <= draftLimit {
		return content
	}
	return content[:draftLimit] + truncatedMarker
}

func computeExpiry(trigger string, isIteration bool, expiresInMinutes int) *time.Time {
	if isIteration {
		return nil
	}
	var ttl time.Duration
	switch {
	case expiresInMinutes > 0:
		ttl = time.Duration(expiresInMinutes) * time.Minute
	case trigger == types.TriggerManual:
		ttl = manualTTL
	default:
		ttl = autoTTL
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

// CheckpointGet returns a checkpoint by id, or nil when absent.
func (e *Engine) CheckpointGet(id string) (*types.Checkpoint, error) {
	return e.store.GetCheckpoint(id)
}

// CheckpointList returns a task's checkpoints, newest first.
func (e *Engine) CheckpointList(taskID string) (map[string]interface{}, error) {
	cps, err := e.store.ListCheckpoints(taskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"checkpoints": cps,
		"count":       len(cps),
		"timestamp":   time.Now().UTC(),
	}, nil
}

// CheckpointResumeRequest is the checkpoint_resume input.
type CheckpointResumeRequest struct {
	TaskID       string `json:"taskId"`
	CheckpointID string `json:"checkpointId,omitempty"`
}

// CheckpointResume reconstructs working state from a checkpoint: the named
// one, or the latest for the task. Returns nil when no live checkpoint
// exists.
func (e *Engine) CheckpointResume(req CheckpointResumeRequest) (map[string]interface{}, error) {
	var cp *types.Checkpoint
	var err error
	if req.CheckpointID != "" {
		cp, err = e.store.GetCheckpoint(req.CheckpointID)
	} else {
		cp, err = e.store.LatestCheckpoint(req.TaskID)
	}
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.Expired(time.Now().UTC()) {
		return nil, nil
	}

	task, err := e.store.GetTask(cp.TaskID)
	if err != nil {
		return nil, err
	}

	summary := map[string]int{"total": len(cp.SubtaskStates)}
	for _, st := range cp.SubtaskStates {
		switch st.Status {
		case types.TaskCompleted:
			summary["completed"]++
		case types.TaskBlocked:
			summary["blocked"]++
		default:
			summary["pending"]++
		}
	}

	resp := map[string]interface{}{
		"checkpointId":   cp.ID,
		"taskId":         cp.TaskID,
		"sequence":       cp.Sequence,
		"restoredStatus": cp.TaskStatus,
		"executionPhase": cp.ExecutionPhase,
		"executionStep":  cp.ExecutionStep,
		"agentContext":   cp.AgentContext,
		"hasDraft":       cp.DraftContent != "",
		"subtaskSummary": summary,
		"createdAt":      cp.CreatedAt,
	}
	if cp.DraftContent != "" {
		resp["draftPreview"] = summarize(cp.DraftContent, 200)
		resp["draftType"] = cp.DraftType
	}
	if cp.IsIteration() {
		resp["iteration"] = map[string]interface{}{
			"iterationId":        cp.IterationID,
			"config":             cp.IterationConfig,
			"iterationNumber":    cp.IterationNumber,
			"history":            cp.IterationHistory,
			"completionPromises": cp.CompletionPromises,
			"validationState":    cp.ValidationState,
		}
	}
	if pause := extractPauseMetadata(cp.AgentContext); pause != nil {
		resp["pauseMetadata"] = pause
	}

	title := cp.TaskID
	if task != nil {
		title = task.Title
	}
	resp["resumeInstructions"] = buildResumeInstructions(title, cp)

	e.bus.Publish(bus.CheckpointResumed, cp.ID, map[string]interface{}{"taskId": cp.TaskID})
	logging.Checkpoint("resumed %s for %s", cp.ID, cp.TaskID)
	return resp, nil
}

func extractPauseMetadata(ctx types.Metadata) types.Metadata {
	if ctx == nil {
		return nil
	}
	if ctx.GetString("pauseReason") == "" && ctx.GetString("pausedAt") == "" {
		return nil
	}
	pause := types.Metadata{}
	for _, key := range append(pauseMetadataKeys, "pausedAt") {
		if v, ok := ctx[key]; ok {
			pause[key] = v
		}
	}
	return pause
}

func buildResumeInstructions(taskTitle string, cp *types.Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resuming task %q from checkpoint %d (%s).\n", taskTitle, cp.Sequence, cp.Trigger)
	if cp.ExecutionPhase != "" {
		fmt.Fprintf(&b, "You were in phase %q", cp.ExecutionPhase)
		if cp.ExecutionStep != "" {
			fmt.Fprintf(&b, ", step %q", cp.ExecutionStep)
		}
		b.WriteString(".\n")
	}
	if cp.TaskStatus == types.TaskBlocked && cp.BlockedReason != "" {
		fmt.Fprintf(&b, "The task was blocked: %s\n", cp.BlockedReason)
	}
	if cp.DraftContent != "" {
		fmt.Fprintf(&b, "A %s draft was saved; review it before rewriting.\n", orElse(cp.DraftType, "work"))
	}
	if cp.AssignedAgent != "" {
		fmt.Fprintf(&b, "Previously assigned agent: %s.\n", cp.AssignedAgent)
	}
	if cp.IsIteration() {
		fmt.Fprintf(&b, "Iteration %d of %d is in flight; call iteration_validate after the next pass.\n",
			cp.IterationNumber, cp.IterationConfig.MaxIterations)
	}
	return strings.TrimRight(b.String(), "\n")
}

func orElse(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// CheckpointCleanupRequest is the checkpoint_cleanup input.
type CheckpointCleanupRequest struct {
	TaskID        string `json:"taskId,omitempty"`
	OlderThanDays int    `json:"olderThanDays,omitempty"`
	KeepLatest    int    `json:"keepLatest,omitempty"`
}

// CheckpointCleanup deletes expired checkpoints, then rows older than the
// optional cutoff, then retains only the N newest for the task. Idempotent.
func (e *Engine) CheckpointCleanup(req CheckpointCleanupRequest) (map[string]interface{}, error) {
	var deleted int64

	n, err := e.store.DeleteExpiredCheckpoints(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	deleted += n

	if req.TaskID != "" && req.OlderThanDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -req.OlderThanDays)
		n, err = e.store.DeleteCheckpointsOlderThan(req.TaskID, cutoff)
		if err != nil {
			return nil, err
		}
		deleted += n
	}
	if req.TaskID != "" && req.KeepLatest > 0 {
		n, err = e.store.RetainLatestCheckpoints(req.TaskID, req.KeepLatest)
		if err != nil {
			return nil, err
		}
		deleted += n
	}

	remaining := 0
	if req.TaskID != "" {
		cps, err := e.store.ListCheckpoints(req.TaskID)
		if err != nil {
			return nil, err
		}
		remaining = len(cps)
	}

	logging.Checkpoint("cleanup deleted %d rows (task %q)", deleted, req.TaskID)
	return map[string]interface{}{
		"deleted":   deleted,
		"remaining": remaining,
		"timestamp": time.Now().UTC(),
	}, nil
}
