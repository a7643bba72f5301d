// Package engine implements the coordination tools: entity CRUD with
// invariants, checkpoints, streams, iterations, handoffs, and the hook and
// preflight surfaces. Each exported method backs exactly one tool name.
package engine

import (
	"fmt"

	"github.com/google/uuid"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
)

// Engine owns the store, the event bus, and the workspace configuration.
type Engine struct {
	store       *store.Store
	bus         *bus.Bus
	cfg         *config.Config
	projectRoot string
	sessionID   string
}

// New builds an engine over an open store.
func New(s *store.Store, b *bus.Bus, cfg *config.Config, projectRoot string) *Engine {
	if b == nil {
		b = bus.New()
	}
	return &Engine{
		store:       s,
		bus:         b,
		cfg:         cfg,
		projectRoot: projectRoot,
		sessionID:   "sess-" + uuid.NewString()[:8],
	}
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Store exposes the underlying store for read-only consumers (HTTP mirror).
func (e *Engine) Store() *store.Store { return e.store }

// SessionID is the process-level id used for protocol-violation grouping.
func (e *Engine) SessionID() string { return e.sessionID }

// logActivity appends an audit entry, best-effort.
func (e *Engine) logActivity(entityType, entityID, action, summary string, md types.Metadata) {
	initiativeID := ""
	if current, err := e.store.CurrentInitiative(); err == nil && current != nil {
		initiativeID = current.ID
	}
	err := e.store.AppendActivity(&types.Activity{
		InitiativeID: initiativeID,
		EntityType:   entityType,
		EntityID:     entityID,
		Action:       action,
		Summary:      summary,
		Metadata:     md,
	})
	if err != nil {
		logging.Tools("activity append failed for %s %s: %v", entityType, entityID, err)
	}
}

// mutableTask loads a task and enforces the archived-task invariant.
func (e *Engine) mutableTask(id string) (*types.Task, error) {
	task, err := e.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, types.NewNotFound("task", id)
	}
	if task.Archived {
		return nil, &types.ArchivedTaskError{
			TaskID:       task.ID,
			StreamID:     task.StreamID(),
			InitiativeID: task.ArchivedBy,
		}
	}
	return task, nil
}

// initiativeForTask resolves a task's initiative transitively through its PRD
// (walking up parents for subtasks). Returns "" when the task is unparented.
func (e *Engine) initiativeForTask(task *types.Task) string {
	seen := 0
	for task != nil && task.PRDID == "" && task.ParentID != "" && seen < 32 {
		parent, err := e.store.GetTask(task.ParentID)
		if err != nil || parent == nil {
			return ""
		}
		task = parent
		seen++
	}
	if task == nil || task.PRDID == "" {
		return ""
	}
	prd, err := e.store.GetPRD(task.PRDID)
	if err != nil || prd == nil {
		return ""
	}
	return prd.InitiativeID
}

func summarize(content string, max int) string {
	return types.Truncate(content, max)
}

func statusTransition(oldStatus, newStatus string) string {
	return fmt.Sprintf("%s → %s", oldStatus, newStatus)
}
