// Package stream derives semantic work streams from task metadata. Streams
// have no rows of their own: a stream is the set of tasks sharing a
// stream-id, with name, phase, and dependencies taken from the first-found
// task.
package stream

import (
	"sort"

	"loom/internal/logging"
	"loom/internal/types"
)

// ValidateDAG runs DFS cycle detection over a stream dependency map. The
// candidate stream's edges must already be merged into deps. Returns a
// CycleError naming the candidate when any cycle is reachable from it.
func ValidateDAG(candidate string, deps map[string][]string) error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		if inStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		inStack[id] = true
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		inStack[id] = false
		return false
	}

	if visit(candidate) {
		logging.Stream("cycle detected introducing %s", candidate)
		return &types.CycleError{StreamID: candidate}
	}
	// The candidate's edges may also close a cycle elsewhere in the graph.
	for id := range deps {
		if !visited[id] && visit(id) {
			return &types.CycleError{StreamID: candidate}
		}
	}
	return nil
}

// Summary is the aggregated view of one stream for stream_list.
type Summary struct {
	StreamID        string   `json:"streamId"`
	StreamName      string   `json:"streamName"`
	Phase           string   `json:"phase"`
	Dependencies    []string `json:"dependencies"`
	TotalTasks      int      `json:"totalTasks"`
	CompletedTasks  int      `json:"completedTasks"`
	InProgressTasks int      `json:"inProgressTasks"`
	BlockedTasks    int      `json:"blockedTasks"`
	PendingTasks    int      `json:"pendingTasks"`
	Files           []string `json:"files"`
	WorktreePath    string   `json:"worktreePath,omitempty"`
	BranchName      string   `json:"branchName,omitempty"`
	Archived        bool     `json:"archived"`
}

// BuildSummaries groups stream-bearing tasks by stream-id and aggregates
// counters, file unions, and dependency unions. Sorted by phase
// (foundation < parallel < integration) then by stream name.
func BuildSummaries(tasks []*types.Task) []*Summary {
	byID := make(map[string]*Summary)
	order := make([]string, 0)

	for _, t := range tasks {
		sid := t.StreamID()
		if sid == "" {
			continue
		}
		s, ok := byID[sid]
		if !ok {
			// First-found task is canonical for name, phase, and worktree.
			s = &Summary{
				StreamID:     sid,
				StreamName:   t.StreamName(),
				Phase:        t.StreamPhase(),
				Dependencies: []string{},
				Files:        []string{},
				WorktreePath: t.WorktreePath(),
				BranchName:   t.Metadata.GetString("branchName"),
				Archived:     t.Archived,
			}
			byID[sid] = s
			order = append(order, sid)
		}

		s.TotalTasks++
		switch t.Status {
		case types.TaskCompleted:
			s.CompletedTasks++
		case types.TaskInProgress:
			s.InProgressTasks++
		case types.TaskBlocked:
			s.BlockedTasks++
		case types.TaskPending:
			s.PendingTasks++
		}
		s.Files = unionInto(s.Files, t.Files())
		s.Dependencies = unionInto(s.Dependencies, t.StreamDependencies())
		if s.WorktreePath == "" {
			s.WorktreePath = t.WorktreePath()
		}
	}

	out := make([]*Summary, 0, len(byID))
	for _, sid := range order {
		out = append(out, byID[sid])
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := types.PhaseRank(out[i].Phase), types.PhaseRank(out[j].Phase)
		if pi != pj {
			return pi < pj
		}
		return out[i].StreamName < out[j].StreamName
	})
	return out
}

func unionInto(dst []string, add []string) []string {
	for _, v := range add {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

// DeriveStatus computes a stream's overall status from its tasks:
// completed if all completed; else blocked if any blocked; else in_progress
// if any in progress; else pending.
func DeriveStatus(tasks []*types.Task) string {
	if len(tasks) == 0 {
		return types.TaskPending
	}

	allCompleted := true
	anyBlocked := false
	anyInProgress := false
	for _, t := range tasks {
		if t.Status != types.TaskCompleted {
			allCompleted = false
		}
		if t.Status == types.TaskBlocked {
			anyBlocked = true
		}
		if t.Status == types.TaskInProgress {
			anyInProgress = true
		}
	}
	switch {
	case allCompleted:
		return types.TaskCompleted
	case anyBlocked:
		return types.TaskBlocked
	case anyInProgress:
		return types.TaskInProgress
	default:
		return types.TaskPending
	}
}

// Conflict is one file contested by another stream's active task.
type Conflict struct {
	File       string `json:"file"`
	StreamID   string `json:"streamId"`
	StreamName string `json:"streamName"`
	TaskID     string `json:"taskId"`
	TaskTitle  string `json:"taskTitle"`
	TaskStatus string `json:"taskStatus"`
}

// FilterConflicts drops candidates whose stream is worktree-isolated. The
// caller has already excluded the requesting stream's own tasks.
func FilterConflicts(file string, candidates []*types.Task) []Conflict {
	out := make([]Conflict, 0)
	for _, t := range candidates {
		if t.WorktreePath() != "" {
			continue
		}
		out = append(out, Conflict{
			File:       file,
			StreamID:   t.StreamID(),
			StreamName: t.StreamName(),
			TaskID:     t.ID,
			TaskTitle:  t.Title,
			TaskStatus: t.Status,
		})
	}
	return out
}
