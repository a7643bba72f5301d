package engine

import (
	"fmt"
	"time"

	"loom/internal/bus"
	"loom/internal/logging"
	"loom/internal/stream"
	"loom/internal/types"
)

// StreamListRequest is the stream_list input.
type StreamListRequest struct {
	InitiativeID    string `json:"initiativeId,omitempty"`
	PRDID           string `json:"prdId,omitempty"`
	IncludeArchived bool   `json:"includeArchived,omitempty"`
}

// StreamList aggregates stream-bearing tasks into per-stream summaries,
// sorted by phase then name. Archived tasks are excluded unless asked for.
func (e *Engine) StreamList(req StreamListRequest) (map[string]interface{}, error) {
	tasks, err := e.store.ListStreamScopedTasks(req.InitiativeID, req.PRDID, req.IncludeArchived)
	if err != nil {
		return nil, err
	}
	summaries := stream.BuildSummaries(tasks)
	return map[string]interface{}{
		"streams":   summaries,
		"count":     len(summaries),
		"timestamp": time.Now().UTC(),
	}, nil
}

// StreamGetRequest is the stream_get input.
type StreamGetRequest struct {
	StreamID        string `json:"streamId"`
	IncludeArchived bool   `json:"includeArchived,omitempty"`
}

// StreamGet returns the stream's tasks and its derived overall status, or
// nil when no task carries the stream id.
func (e *Engine) StreamGet(req StreamGetRequest) (map[string]interface{}, error) {
	if req.StreamID == "" {
		return nil, types.NewValidation("streamId", "stream id is required")
	}
	tasks, err := e.store.ListStreamTasks(req.StreamID, true)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	archived := true
	for _, t := range tasks {
		if !t.Archived {
			archived = false
			break
		}
	}
	if archived && !req.IncludeArchived {
		return nil, nil
	}

	summaries := stream.BuildSummaries(tasks)
	return map[string]interface{}{
		"stream":    summaries[0],
		"tasks":     tasks,
		"status":    stream.DeriveStatus(tasks),
		"archived":  archived,
		"timestamp": time.Now().UTC(),
	}, nil
}

// StreamConflictCheckRequest is the stream_conflict_check input.
type StreamConflictCheckRequest struct {
	Files           []string `json:"files"`
	ExcludeStreamID string   `json:"excludeStreamId,omitempty"`
}

// StreamConflictCheck reports which of the given files are contested by
// active tasks of other streams. A worktree-isolated requesting stream never
// conflicts.
func (e *Engine) StreamConflictCheck(req StreamConflictCheckRequest) (map[string]interface{}, error) {
	if len(req.Files) == 0 {
		return nil, types.NewValidation("files", "at least one file is required")
	}

	if req.ExcludeStreamID != "" {
		own, err := e.store.ListStreamTasks(req.ExcludeStreamID, false)
		if err != nil {
			return nil, err
		}
		for _, t := range own {
			if t.WorktreePath() != "" {
				return map[string]interface{}{
					"conflicts": []stream.Conflict{},
					"isolated":  true,
					"timestamp": time.Now().UTC(),
				}, nil
			}
		}
	}

	conflicts := make([]stream.Conflict, 0)
	for _, file := range req.Files {
		candidates, err := e.store.FindFileConflicts(file, req.ExcludeStreamID)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, stream.FilterConflicts(file, candidates)...)
	}

	logging.Stream("conflict check over %d files: %d conflicts", len(req.Files), len(conflicts))
	return map[string]interface{}{
		"conflicts": conflicts,
		"isolated":  false,
		"timestamp": time.Now().UTC(),
	}, nil
}

// StreamArchiveAllRequest is the stream_archive_all input.
type StreamArchiveAllRequest struct {
	Confirm bool `json:"confirm"`
}

// StreamArchiveAll archives every stream-bearing task under the current
// initiative's id. Guarded by an explicit confirm switch.
func (e *Engine) StreamArchiveAll(req StreamArchiveAllRequest) (map[string]interface{}, error) {
	if !req.Confirm {
		return nil, types.NewValidation("confirm", "archiving all streams requires confirm: true")
	}

	current, err := e.store.CurrentInitiative()
	if err != nil {
		return nil, err
	}
	archivedBy := ""
	if current != nil {
		archivedBy = current.ID
	}

	count, streams, err := e.store.ArchiveStreamTasks(archivedBy)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		e.bus.Publish(bus.StreamArchived, archivedBy, map[string]interface{}{
			"archivedTasks": count, "streams": streams,
		})
		e.logActivity("stream", archivedBy, "streams_archived",
			fmt.Sprintf("archived %d tasks across %d streams", count, len(streams)), nil)
	}

	return map[string]interface{}{
		"archivedTasks":   count,
		"archivedStreams": streams,
		"timestamp":       time.Now().UTC(),
	}, nil
}

// StreamUnarchiveRequest is the stream_unarchive input.
type StreamUnarchiveRequest struct {
	StreamID        string `json:"streamId"`
	NewInitiativeID string `json:"newInitiativeId,omitempty"`
	PRDID           string `json:"prdId,omitempty"`
}

// StreamUnarchive restores an archived stream's tasks. Fails when the stream
// has no archived tasks.
func (e *Engine) StreamUnarchive(req StreamUnarchiveRequest) (map[string]interface{}, error) {
	if req.StreamID == "" {
		return nil, types.NewValidation("streamId", "stream id is required")
	}

	count, err := e.store.UnarchiveStream(req.StreamID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, types.NewValidation("streamId", "stream %q has no archived tasks", req.StreamID)
	}

	targetInitiative := req.NewInitiativeID
	if targetInitiative == "" {
		if current, err := e.store.CurrentInitiative(); err == nil && current != nil {
			targetInitiative = current.ID
		}
	}
	summary := fmt.Sprintf("restored %d tasks", count)
	if targetInitiative != "" {
		summary = fmt.Sprintf("restored %d tasks under %s", count, targetInitiative)
	} else if req.PRDID != "" {
		summary = fmt.Sprintf("restored %d tasks under %s", count, req.PRDID)
	}
	e.logActivity("stream", req.StreamID, "stream_unarchived", summary, nil)
	logging.Stream("unarchived %s: %d tasks", req.StreamID, count)

	return map[string]interface{}{
		"streamId":      req.StreamID,
		"restoredTasks": count,
		"timestamp":     time.Now().UTC(),
	}, nil
}
