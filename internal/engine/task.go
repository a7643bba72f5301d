package engine

import (
	"context"
	"fmt"
	"time"

	"loom/internal/bus"
	"loom/internal/classify"
	"loom/internal/gates"
	"loom/internal/iterate"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/stream"
	"loom/internal/types"
)

// TaskCreateRequest is the task_create input.
type TaskCreateRequest struct {
	PRDID         string         `json:"prdId,omitempty"`
	ParentID      string         `json:"parentId,omitempty"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	AssignedAgent string         `json:"assignedAgent,omitempty"`
	Metadata      types.Metadata `json:"metadata,omitempty"`
}

// TaskCreate creates a task or subtask. Tasks introducing stream
// dependencies are validated against the full stream graph; activation mode
// is auto-detected from title and description unless set explicitly.
func (e *Engine) TaskCreate(req TaskCreateRequest) (map[string]interface{}, error) {
	if req.Title == "" {
		return nil, types.NewValidation("title", "task title is required")
	}
	if req.PRDID != "" && req.ParentID != "" {
		return nil, types.NewValidation("parentId", "a task has at most one of prdId and parentId")
	}

	md := req.Metadata.Clone()

	// Activation mode: explicit value wins, an explicit null disables
	// detection, absence triggers keyword detection.
	if raw, present := md["activationMode"]; present {
		if raw == nil {
			delete(md, "activationMode")
		} else if !types.ValidActivationMode(md.GetString("activationMode")) {
			return nil, types.NewValidation("activationMode", "unknown mode %v", raw)
		}
	} else if mode := classify.ActivationMode(req.Title, req.Description); mode != "" {
		md["activationMode"] = mode
	}

	task := &types.Task{
		ID:            types.NewID(types.PrefixTask),
		PRDID:         req.PRDID,
		ParentID:      req.ParentID,
		Title:         req.Title,
		Description:   req.Description,
		AssignedAgent: req.AssignedAgent,
		Status:        types.TaskPending,
		Metadata:      md,
	}

	if sid := task.StreamID(); sid != "" && len(task.StreamDependencies()) > 0 {
		deps, err := e.store.StreamDependencyMap()
		if err != nil {
			return nil, err
		}
		deps[sid] = task.StreamDependencies()
		if err := stream.ValidateDAG(sid, deps); err != nil {
			return nil, err
		}
	}

	if err := e.store.CreateTask(task); err != nil {
		return nil, err
	}

	e.logActivity("task", task.ID, "task_created", task.Title, nil)
	logging.Tools("task created: %s %q (stream %q, mode %q)",
		task.ID, task.Title, task.StreamID(), md.GetString("activationMode"))

	return map[string]interface{}{
		"id":             task.ID,
		"status":         task.Status,
		"activationMode": md.GetString("activationMode"),
		"streamId":       task.StreamID(),
		"timestamp":      task.CreatedAt,
	}, nil
}

// TaskUpdateRequest is the task_update input. Empty fields are unchanged;
// metadata merges shallowly over the existing document.
type TaskUpdateRequest struct {
	ID            string         `json:"id"`
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	AssignedAgent string         `json:"assignedAgent,omitempty"`
	Status        string         `json:"status,omitempty"`
	BlockedReason string         `json:"blockedReason,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Metadata      types.Metadata `json:"metadata,omitempty"`
}

// TaskUpdate mutates a task under its invariants: archived tasks are
// immutable, stream graph changes are re-validated, and transitions to
// completed run the quality gates; a failing gate rewrites the transition
// to blocked.
func (e *Engine) TaskUpdate(ctx context.Context, req TaskUpdateRequest) (map[string]interface{}, error) {
	if req.ID == "" {
		return nil, types.NewValidation("id", "task id is required")
	}
	task, err := e.mutableTask(req.ID)
	if err != nil {
		return nil, err
	}

	oldStatus := task.Status
	oldAgent := task.AssignedAgent

	if req.Title != "" {
		task.Title = req.Title
	}
	if req.Description != "" {
		task.Description = req.Description
	}
	if req.AssignedAgent != "" {
		task.AssignedAgent = req.AssignedAgent
	}
	if req.BlockedReason != "" {
		task.BlockedReason = req.BlockedReason
	}
	if req.Notes != "" {
		task.Notes = req.Notes
	}
	if len(req.Metadata) > 0 {
		merged := task.Metadata.Clone()
		for k, v := range req.Metadata {
			merged[k] = v
		}
		task.Metadata = merged

		if sid := task.StreamID(); sid != "" && len(task.StreamDependencies()) > 0 {
			deps, err := e.store.StreamDependencyMap()
			if err != nil {
				return nil, err
			}
			deps[sid] = task.StreamDependencies()
			if err := stream.ValidateDAG(sid, deps); err != nil {
				return nil, err
			}
		}
	}

	var gateReport *gates.RunReport
	if req.Status != "" && req.Status != oldStatus {
		if !types.ValidTaskStatus(req.Status) {
			return nil, types.NewValidation("status", "unknown status %q", req.Status)
		}
		task.Status = req.Status

		if req.Status == types.TaskCompleted {
			gateReport, err = e.runCompletionGates(ctx, task)
			if err != nil {
				return nil, err
			}
			if gateReport != nil && !gateReport.AllPassed {
				// Rewrite the transition: the caller sees blocked.
				task.Status = types.TaskBlocked
				task.BlockedReason = gateReport.BlockedReason()
				task.Notes = appendNotes(task.Notes, gateReport.FailureNotes())
				logging.Gates("completion of %s rewritten to blocked: %s", task.ID, task.BlockedReason)
			}
		}
	}

	if err := e.store.UpdateTask(task); err != nil {
		return nil, err
	}

	if task.Status != oldStatus {
		e.afterStatusChange(task, oldStatus)
	}
	if req.AssignedAgent != "" && oldAgent != "" && req.AssignedAgent != oldAgent {
		e.recordOutcome(oldAgent, task, types.OutcomeReassigned)
		e.logActivity("task", task.ID, "task_reassigned",
			fmt.Sprintf("%s → %s", oldAgent, req.AssignedAgent), nil)
	}

	resp := map[string]interface{}{
		"id":        task.ID,
		"status":    task.Status,
		"timestamp": task.UpdatedAt,
	}
	if task.BlockedReason != "" {
		resp["blockedReason"] = task.BlockedReason
	}
	if gateReport != nil {
		resp["qualityGates"] = gateReport
	}
	return resp, nil
}

// runCompletionGates evaluates the effective gates for a completing task.
// Returns nil when no gates apply.
func (e *Engine) runCompletionGates(ctx context.Context, task *types.Task) (*gates.RunReport, error) {
	cfg, err := gates.LoadConfig(e.projectRoot)
	if err != nil {
		return nil, err
	}
	names := gates.EffectiveGates(task, cfg)
	if len(names) == 0 {
		return nil, nil
	}
	return gates.Run(ctx, task, names, e.projectRoot)
}

// afterStatusChange handles the side effects of a committed transition:
// activity, events, auto-checkpoints, performance rows, hook cleanup.
func (e *Engine) afterStatusChange(task *types.Task, oldStatus string) {
	e.logActivity("task", task.ID, "status_change", statusTransition(oldStatus, task.Status), nil)
	e.bus.Publish(bus.TaskStatusChanged, task.ID, map[string]interface{}{
		"from": oldStatus, "to": task.Status,
	})

	if e.cfg.AutoCheckpoint &&
		(task.Status == types.TaskInProgress || task.Status == types.TaskBlocked) {
		if _, err := e.snapshotTask(task, types.TriggerAutoStatus, nil); err != nil {
			logging.Checkpoint("auto-checkpoint for %s failed: %v", task.ID, err)
		}
	}

	switch task.Status {
	case types.TaskCompleted:
		e.recordOutcome(task.AssignedAgent, task, types.OutcomeSuccess)
		iterate.ClearHooks(task.ID)
	case types.TaskCancelled:
		e.recordOutcome(task.AssignedAgent, task, types.OutcomeFailure)
		iterate.ClearHooks(task.ID)
	case types.TaskBlocked:
		e.recordOutcome(task.AssignedAgent, task, types.OutcomeBlocked)
	}
}

func (e *Engine) recordOutcome(agent string, task *types.Task, outcome string) {
	if agent == "" {
		return
	}
	err := e.store.RecordPerformance(&types.PerformanceRecord{
		AgentID:    agent,
		TaskID:     task.ID,
		Complexity: task.Metadata.GetString("complexity"),
		Outcome:    outcome,
	})
	if err != nil {
		logging.Tools("performance record for %s failed: %v", task.ID, err)
	}
}

func appendNotes(notes, extra string) string {
	if extra == "" {
		return notes
	}
	if notes == "" {
		return extra
	}
	return notes + "\n" + extra
}

// TaskGetRequest is the task_get input.
type TaskGetRequest struct {
	ID                  string `json:"id"`
	IncludeSubtasks     bool   `json:"includeSubtasks,omitempty"`
	IncludeWorkProducts bool   `json:"includeWorkProducts,omitempty"`
}

// TaskGet returns a task with its subtask counts and work-product flag, or
// nil when absent.
func (e *Engine) TaskGet(req TaskGetRequest) (map[string]interface{}, error) {
	task, err := e.store.GetTask(req.ID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	return e.taskPayload(task, req.IncludeSubtasks, req.IncludeWorkProducts)
}

// TaskListRequest is the task_list input.
type TaskListRequest struct {
	PRDID           string `json:"prdId,omitempty"`
	ParentID        string `json:"parentId,omitempty"`
	Status          string `json:"status,omitempty"`
	AssignedAgent   string `json:"assignedAgent,omitempty"`
	IncludeArchived bool   `json:"includeArchived,omitempty"`
}

// TaskList lists tasks matching the filters, each with subtask counts.
func (e *Engine) TaskList(req TaskListRequest) (map[string]interface{}, error) {
	tasks, err := e.store.ListTasks(store.TaskFilter{
		PRDID:           req.PRDID,
		ParentID:        req.ParentID,
		Status:          req.Status,
		AssignedAgent:   req.AssignedAgent,
		IncludeArchived: req.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}

	payloads := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		p, err := e.taskPayload(t, false, false)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return map[string]interface{}{
		"tasks":     payloads,
		"count":     len(payloads),
		"timestamp": time.Now().UTC(),
	}, nil
}

func (e *Engine) taskPayload(task *types.Task, expandSubtasks, expandWorkProducts bool) (map[string]interface{}, error) {
	total, completed, err := e.store.SubtaskCounts(task.ID)
	if err != nil {
		return nil, err
	}
	wps, err := e.store.ListWorkProducts(task.ID, "")
	if err != nil {
		return nil, err
	}

	p := map[string]interface{}{
		"task":              task,
		"subtaskCount":      total,
		"completedSubtasks": completed,
		"hasWorkProducts":   len(wps) > 0,
	}
	if expandSubtasks {
		subs, err := e.store.ListSubtasks(task.ID)
		if err != nil {
			return nil, err
		}
		p["subtasks"] = subs
	}
	if expandWorkProducts {
		listings := make([]map[string]interface{}, 0, len(wps))
		for _, wp := range wps {
			listings = append(listings, map[string]interface{}{
				"id": wp.ID, "type": wp.Type, "title": wp.Title,
				"summary": summarize(wp.Content, 300), "createdAt": wp.CreatedAt,
			})
		}
		p["workProducts"] = listings
	}
	return p, nil
}
