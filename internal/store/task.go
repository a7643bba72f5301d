package store

import (
	"database/sql"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
)

const taskCols = `id, prd_id, parent_id, title, description, assigned_agent, status,
	blocked_reason, notes, metadata, archived, archived_at, archived_by, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*types.Task, error) {
	var t types.Task
	var metadata, archivedAt, createdAt, updatedAt string
	var archived int
	if err := row.Scan(&t.ID, &t.PRDID, &t.ParentID, &t.Title, &t.Description,
		&t.AssignedAgent, &t.Status, &t.BlockedReason, &t.Notes, &metadata,
		&archived, &archivedAt, &t.ArchivedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Metadata = decodeMetadata(metadata)
	t.Archived = archived != 0
	t.ArchivedAt = decodeTime(archivedAt)
	t.CreatedAt = decodeTime(createdAt)
	t.UpdatedAt = decodeTime(updatedAt)
	return &t, nil
}

// CreateTask inserts a task row. Parent references are validated here;
// domain invariants (cycles, activation mode) live in the engine layer.
func (s *Store) CreateTask(t *types.Task) error {
	return s.withTx("task create", func(tx *sql.Tx) error {
		if t.PRDID != "" {
			var n int
			if err := tx.QueryRow("SELECT COUNT(*) FROM prds WHERE id = ?", t.PRDID).Scan(&n); err != nil {
				return &types.StoreError{Op: "task create", Err: err}
			}
			if n == 0 {
				return types.NewNotFound("prd", t.PRDID)
			}
		}
		if t.ParentID != "" {
			var n int
			if err := tx.QueryRow("SELECT COUNT(*) FROM tasks WHERE id = ?", t.ParentID).Scan(&n); err != nil {
				return &types.StoreError{Op: "task create", Err: err}
			}
			if n == 0 {
				return types.NewNotFound("task", t.ParentID)
			}
		}

		ts := now()
		t.CreatedAt, t.UpdatedAt = ts, ts
		_, err := tx.Exec(`
			INSERT INTO tasks (id, prd_id, parent_id, title, description, assigned_agent, status,
				blocked_reason, notes, metadata, archived, archived_at, archived_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.PRDID, t.ParentID, t.Title, t.Description, t.AssignedAgent, t.Status,
			t.BlockedReason, t.Notes, encodeJSON(t.Metadata), boolInt(t.Archived),
			encodeTimeOrEmpty(t.ArchivedAt), t.ArchivedBy, encodeTime(ts), encodeTime(ts))
		if err != nil {
			return &types.StoreError{Op: "task create", Err: err}
		}
		return nil
	})
}

// UpdateTask persists the full mutable row. The archived-task guard is
// enforced by the engine, which reads before writing.
func (s *Store) UpdateTask(t *types.Task) error {
	return s.withTx("task update", func(tx *sql.Tx) error {
		t.UpdatedAt = now()
		res, err := tx.Exec(`
			UPDATE tasks SET title = ?, description = ?, assigned_agent = ?, status = ?,
				blocked_reason = ?, notes = ?, metadata = ?, archived = ?, archived_at = ?,
				archived_by = ?, updated_at = ?
			WHERE id = ?`,
			t.Title, t.Description, t.AssignedAgent, t.Status, t.BlockedReason, t.Notes,
			encodeJSON(t.Metadata), boolInt(t.Archived), encodeTimeOrEmpty(t.ArchivedAt),
			t.ArchivedBy, encodeTime(t.UpdatedAt), t.ID)
		if err != nil {
			return &types.StoreError{Op: "task update", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NewNotFound("task", t.ID)
		}
		return nil
	})
}

// GetTask returns the task or nil when absent.
func (s *Store) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+taskCols+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "task get", Err: err}
	}
	return t, nil
}

// TaskFilter selects tasks for ListTasks.
type TaskFilter struct {
	PRDID           string
	ParentID        string
	Status          string
	AssignedAgent   string
	IncludeArchived bool
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(f TaskFilter) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + taskCols + " FROM tasks WHERE 1=1"
	var args []interface{}
	if f.PRDID != "" {
		query += " AND prd_id = ?"
		args = append(args, f.PRDID)
	}
	if f.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.AssignedAgent != "" {
		query += " AND assigned_agent = ?"
		args = append(args, f.AssignedAgent)
	}
	if !f.IncludeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY created_at ASC"

	return s.queryTasks(query, args...)
}

// ListSubtasks returns the direct children of a task.
func (s *Store) ListSubtasks(parentID string) ([]*types.Task, error) {
	return s.ListTasks(TaskFilter{ParentID: parentID, IncludeArchived: true})
}

// SubtaskCounts returns total and completed direct subtask counts.
func (s *Store) SubtaskCounts(taskID string) (total, completed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE parent_id = ?`, taskID).Scan(&total, &completed)
	if err != nil {
		return 0, 0, &types.StoreError{Op: "subtask counts", Err: err}
	}
	return total, completed, nil
}

// StreamDependencyMap builds stream-id → declared dependencies across all
// non-archived tasks that carry a stream id. First-found wins per stream.
func (s *Store) StreamDependencyMap() (map[string][]string, error) {
	tasks, err := s.queryTasks("SELECT " + taskCols + " FROM tasks WHERE stream_id != '' AND archived = 0 ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}

	deps := make(map[string][]string)
	for _, t := range tasks {
		sid := t.StreamID()
		if _, seen := deps[sid]; !seen {
			deps[sid] = t.StreamDependencies()
		}
	}
	return deps, nil
}

// ListStreamTasks returns the tasks of one stream.
func (s *Store) ListStreamTasks(streamID string, includeArchived bool) ([]*types.Task, error) {
	query := "SELECT " + taskCols + " FROM tasks WHERE stream_id = ?"
	if !includeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY created_at ASC"
	return s.queryTasks(query, streamID)
}

// ListStreamScopedTasks returns all stream-bearing tasks, optionally scoped
// to an initiative (via the owning PRD) or a single PRD.
func (s *Store) ListStreamScopedTasks(initiativeID, prdID string, includeArchived bool) ([]*types.Task, error) {
	query := "SELECT " + taskColsPrefixed("t") + " FROM tasks t"
	var args []interface{}
	if initiativeID != "" {
		query += " JOIN prds p ON p.id = t.prd_id WHERE p.initiative_id = ? AND t.stream_id != ''"
		args = append(args, initiativeID)
	} else {
		query += " WHERE t.stream_id != ''"
	}
	if prdID != "" {
		query += " AND t.prd_id = ?"
		args = append(args, prdID)
	}
	if !includeArchived {
		query += " AND t.archived = 0"
	}
	query += " ORDER BY t.created_at ASC"
	return s.queryTasks(query, args...)
}

// FindFileConflicts returns non-archived tasks outside excludeStreamID whose
// metadata.files contains the given file and whose status marks active work.
func (s *Store) FindFileConflicts(file, excludeStreamID string) ([]*types.Task, error) {
	tasks, err := s.queryTasks(`SELECT ` + taskCols + ` FROM tasks
		WHERE archived = 0 AND status IN ('in_progress', 'completed') AND stream_id != ''
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}

	var out []*types.Task
	for _, t := range tasks {
		if t.StreamID() == excludeStreamID {
			continue
		}
		for _, f := range t.Files() {
			if f == file {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// ArchiveStreamTasks marks every task carrying a stream id as archived by the
// given initiative. Returns the number of archived tasks and their stream ids.
func (s *Store) ArchiveStreamTasks(archivedBy string) (int64, []string, error) {
	var count int64
	streams := make([]string, 0)

	err := s.withTx("stream archive", func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT DISTINCT stream_id FROM tasks WHERE stream_id != '' AND archived = 0")
		if err != nil {
			return &types.StoreError{Op: "stream archive", Err: err}
		}
		for rows.Next() {
			var sid string
			if err := rows.Scan(&sid); err != nil {
				rows.Close()
				return &types.StoreError{Op: "stream archive", Err: err}
			}
			streams = append(streams, sid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return &types.StoreError{Op: "stream archive", Err: err}
		}

		res, err := tx.Exec(`
			UPDATE tasks SET archived = 1, archived_at = ?, archived_by = ?, updated_at = ?
			WHERE stream_id != '' AND archived = 0`,
			encodeTime(now()), archivedBy, encodeTime(now()))
		if err != nil {
			return &types.StoreError{Op: "stream archive", Err: err}
		}
		count, _ = res.RowsAffected()
		return nil
	})

	if count > 0 {
		logging.Stream("archived %d stream tasks (by %s)", count, archivedBy)
	}
	return count, streams, err
}

// UnarchiveStream clears the archived fields on all tasks of a stream.
func (s *Store) UnarchiveStream(streamID string) (int64, error) {
	var count int64
	err := s.withTx("stream unarchive", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks SET archived = 0, archived_at = '', archived_by = '', updated_at = ?
			WHERE stream_id = ? AND archived = 1`,
			encodeTime(now()), streamID)
		if err != nil {
			return &types.StoreError{Op: "stream unarchive", Err: err}
		}
		count, _ = res.RowsAffected()
		return nil
	})
	return count, err
}

// DeleteTasksByPRD removes all tasks under a PRD (wipe path).
func (s *Store) DeleteTasksByPRD(prdID string) (int64, error) {
	var deleted int64
	err := s.withTx("task wipe", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM tasks WHERE prd_id = ?", prdID)
		if err != nil {
			return &types.StoreError{Op: "task wipe", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

func (s *Store) queryTasks(query string, args ...interface{}) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StoreError{Op: "task query", Err: err}
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "task query", Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func taskColsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.prd_id, ` + alias + `.parent_id, ` + alias + `.title, ` +
		alias + `.description, ` + alias + `.assigned_agent, ` + alias + `.status, ` +
		alias + `.blocked_reason, ` + alias + `.notes, ` + alias + `.metadata, ` +
		alias + `.archived, ` + alias + `.archived_at, ` + alias + `.archived_by, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeTimeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return encodeTime(t)
}
