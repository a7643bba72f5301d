package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"loom/internal/bus"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/stream"
	"loom/internal/types"
)

// InitiativeLinkRequest is the initiative_link input.
type InitiativeLinkRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// InitiativeLink makes the initiative current, creating or updating it.
// Switching away from a different initiative auto-archives every
// stream-bearing task under the previous one.
func (e *Engine) InitiativeLink(req InitiativeLinkRequest) (map[string]interface{}, error) {
	if req.ID == "" {
		return nil, types.NewValidation("id", "initiative id is required")
	}
	if req.Title == "" {
		return nil, types.NewValidation("title", "initiative title is required")
	}

	previous, changed, err := e.store.LinkInitiative(&types.Initiative{
		ID: req.ID, Title: req.Title, Description: req.Description,
	})
	if err != nil {
		return nil, err
	}

	var archivedTasks int64
	var archivedStreams []string
	if changed && previous != "" {
		archivedTasks, archivedStreams, err = e.store.ArchiveStreamTasks(previous)
		if err != nil {
			return nil, err
		}
		if archivedTasks > 0 {
			e.bus.Publish(bus.StreamArchived, previous, map[string]interface{}{
				"archivedTasks": archivedTasks, "streams": archivedStreams,
			})
		}
	}

	e.bus.Publish(bus.InitiativeLinked, req.ID, map[string]interface{}{"previous": previous})
	e.logActivity("initiative", req.ID, "initiative_linked",
		fmt.Sprintf("linked %q", req.Title), nil)
	logging.Tools("initiative linked: %s (previous %q, archived %d tasks)", req.ID, previous, archivedTasks)

	return map[string]interface{}{
		"id":                 req.ID,
		"status":             "linked",
		"changed":            changed,
		"previousInitiative": previous,
		"archivedTasks":      archivedTasks,
		"archivedStreams":    archivedStreams,
		"timestamp":          time.Now().UTC(),
	}, nil
}

// ProgressSummaryRequest scopes the summary; empty means current initiative.
type ProgressSummaryRequest struct {
	InitiativeID string `json:"initiativeId,omitempty"`
}

// ProgressSummary aggregates PRD, task, milestone, and stream progress for
// an initiative.
func (e *Engine) ProgressSummary(req ProgressSummaryRequest) (map[string]interface{}, error) {
	initiativeID := req.InitiativeID
	if initiativeID == "" {
		current, err := e.store.CurrentInitiative()
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, nil
		}
		initiativeID = current.ID
	}

	init, err := e.store.GetInitiative(initiativeID)
	if err != nil {
		return nil, err
	}
	if init == nil {
		return nil, nil
	}

	prds, err := e.store.ListPRDs(initiativeID)
	if err != nil {
		return nil, err
	}

	byStatus := map[string]int{}
	totalTasks := 0
	milestones := make([]interface{}, 0)
	for _, prd := range prds {
		tasks, err := e.store.ListTasks(store.TaskFilter{PRDID: prd.ID})
		if err != nil {
			return nil, err
		}
		totalTasks += len(tasks)
		for _, t := range tasks {
			byStatus[t.Status]++
		}
		// Milestones live inside PRD metadata; aggregation across PRDs is a
		// presentation concern only.
		if ms, ok := prd.Metadata["milestones"].([]interface{}); ok {
			milestones = append(milestones, ms...)
		}
	}

	streamTasks, err := e.store.ListStreamScopedTasks(initiativeID, "", false)
	if err != nil {
		return nil, err
	}
	summaries := stream.BuildSummaries(streamTasks)

	completion := 0.0
	if totalTasks > 0 {
		completion = float64(byStatus[types.TaskCompleted]) / float64(totalTasks)
	}

	return map[string]interface{}{
		"initiative": map[string]interface{}{
			"id": init.ID, "title": init.Title, "current": init.Current,
		},
		"prds":            len(prds),
		"totalTasks":      totalTasks,
		"tasksByStatus":   byStatus,
		"completionRatio": completion,
		"milestones":      milestones,
		"streams":         summaries,
		"timestamp":       time.Now().UTC(),
	}, nil
}

// archiveDocument is the JSON export produced by initiative_archive.
type archiveDocument struct {
	Version      string               `json:"version"`
	ArchivedAt   time.Time            `json:"archivedAt"`
	Initiative   *types.Initiative    `json:"initiative"`
	PRDs         []*types.PRD         `json:"prds"`
	Tasks        []*types.Task        `json:"tasks"`
	WorkProducts []*types.WorkProduct `json:"workProducts"`
	ActivityLog  []*types.Activity    `json:"activityLog"`
}

// InitiativeArchiveRequest is the initiative_archive input.
type InitiativeArchiveRequest struct {
	InitiativeID string `json:"initiativeId,omitempty"`
	Wipe         bool   `json:"wipe,omitempty"`
}

// InitiativeArchive exports an initiative's full content as a JSON document
// under the archive directory. With wipe=true the dependents are deleted
// afterwards; the initiative row itself always survives.
func (e *Engine) InitiativeArchive(req InitiativeArchiveRequest) (map[string]interface{}, error) {
	initiativeID := req.InitiativeID
	if initiativeID == "" {
		current, err := e.store.CurrentInitiative()
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, types.NewValidation("initiativeId", "no initiative linked and none supplied")
		}
		initiativeID = current.ID
	}

	init, err := e.store.GetInitiative(initiativeID)
	if err != nil {
		return nil, err
	}
	if init == nil {
		return nil, types.NewNotFound("initiative", initiativeID)
	}

	doc := archiveDocument{
		Version:      "1.0",
		ArchivedAt:   time.Now().UTC(),
		Initiative:   init,
		PRDs:         []*types.PRD{},
		Tasks:        []*types.Task{},
		WorkProducts: []*types.WorkProduct{},
	}

	prds, err := e.store.ListPRDs(initiativeID)
	if err != nil {
		return nil, err
	}
	doc.PRDs = prds
	for _, prd := range prds {
		tasks, err := e.store.ListTasks(store.TaskFilter{PRDID: prd.ID, IncludeArchived: true})
		if err != nil {
			return nil, err
		}
		doc.Tasks = append(doc.Tasks, tasks...)
		for _, t := range tasks {
			wps, err := e.store.ListWorkProducts(t.ID, "")
			if err != nil {
				return nil, err
			}
			doc.WorkProducts = append(doc.WorkProducts, wps...)
		}
	}

	activity, err := e.store.ListActivity(store.ActivityFilter{InitiativeID: initiativeID})
	if err != nil {
		return nil, err
	}
	doc.ActivityLog = activity

	dir := e.cfg.ArchiveDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", initiativeID, doc.ArchivedAt.Format("20060102-150405")))
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}

	wiped := int64(0)
	if req.Wipe {
		wiped, err = e.wipeDependents(prds, doc.Tasks)
		if err != nil {
			return nil, err
		}
	}

	e.logActivity("initiative", initiativeID, "initiative_archived",
		fmt.Sprintf("archived to %s", filepath.Base(path)), nil)
	logging.Tools("initiative %s archived: %d prds, %d tasks, %d work products",
		initiativeID, len(doc.PRDs), len(doc.Tasks), len(doc.WorkProducts))

	return map[string]interface{}{
		"initiativeId": initiativeID,
		"archivePath":  path,
		"prds":         len(doc.PRDs),
		"tasks":        len(doc.Tasks),
		"workProducts": len(doc.WorkProducts),
		"wipedRows":    wiped,
		"timestamp":    doc.ArchivedAt,
	}, nil
}

// InitiativeWipeRequest is the initiative_wipe input.
type InitiativeWipeRequest struct {
	InitiativeID string `json:"initiativeId"`
	Confirm      bool   `json:"confirm"`
}

// InitiativeWipe deletes an initiative's dependents (PRDs, tasks, work
// products, checkpoints, handoffs) while leaving the initiative row.
func (e *Engine) InitiativeWipe(req InitiativeWipeRequest) (map[string]interface{}, error) {
	if !req.Confirm {
		return nil, types.NewValidation("confirm", "wipe requires confirm: true")
	}
	if req.InitiativeID == "" {
		return nil, types.NewValidation("initiativeId", "initiative id is required")
	}
	init, err := e.store.GetInitiative(req.InitiativeID)
	if err != nil {
		return nil, err
	}
	if init == nil {
		return nil, types.NewNotFound("initiative", req.InitiativeID)
	}

	prds, err := e.store.ListPRDs(req.InitiativeID)
	if err != nil {
		return nil, err
	}
	var tasks []*types.Task
	for _, prd := range prds {
		prdTasks, err := e.store.ListTasks(store.TaskFilter{PRDID: prd.ID, IncludeArchived: true})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, prdTasks...)
	}

	wiped, err := e.wipeDependents(prds, tasks)
	if err != nil {
		return nil, err
	}

	e.logActivity("initiative", req.InitiativeID, "initiative_wiped",
		fmt.Sprintf("wiped %d rows", wiped), nil)
	return map[string]interface{}{
		"initiativeId": req.InitiativeID,
		"wipedRows":    wiped,
		"timestamp":    time.Now().UTC(),
	}, nil
}

func (e *Engine) wipeDependents(prds []*types.PRD, tasks []*types.Task) (int64, error) {
	var wiped int64
	for _, t := range tasks {
		for _, del := range []func(string) (int64, error){
			e.store.DeleteWorkProductsByTask,
			e.store.DeleteCheckpointsByTask,
			e.store.DeleteHandoffsByTask,
		} {
			n, err := del(t.ID)
			if err != nil {
				return wiped, err
			}
			wiped += n
		}
	}
	for _, prd := range prds {
		n, err := e.store.DeleteTasksByPRD(prd.ID)
		if err != nil {
			return wiped, err
		}
		wiped += n
	}
	for _, prd := range prds {
		n, err := e.store.DeletePRDsByInitiative(prd.InitiativeID)
		if err != nil {
			return wiped, err
		}
		wiped += n
		break // one call deletes all of the initiative's PRDs
	}
	return wiped, nil
}
