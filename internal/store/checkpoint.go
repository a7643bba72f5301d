package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
)

// checkpointRetention is how many checkpoints are kept per task. Creating a
// sixth prunes the oldest inside the same transaction.
const checkpointRetention = 5

const checkpointCols = `id, task_id, sequence, trigger, task_status, task_notes, task_metadata,
	blocked_reason, assigned_agent, execution_phase, execution_step, agent_context,
	draft_content, draft_type, subtask_states, iteration_id, iteration_config,
	iteration_number, iteration_history, completion_promises, validation_state,
	created_at, expires_at`

func scanCheckpoint(row interface{ Scan(...interface{}) error }) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	var taskMetadata, agentContext, subtaskStates string
	var iterConfig, iterHistory, promises, validationState string
	var createdAt, expiresAt string
	if err := row.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Trigger, &cp.TaskStatus,
		&cp.TaskNotes, &taskMetadata, &cp.BlockedReason, &cp.AssignedAgent,
		&cp.ExecutionPhase, &cp.ExecutionStep, &agentContext, &cp.DraftContent,
		&cp.DraftType, &subtaskStates, &cp.IterationID, &iterConfig,
		&cp.IterationNumber, &iterHistory, &promises, &validationState,
		&createdAt, &expiresAt); err != nil {
		return nil, err
	}

	cp.TaskMetadata = decodeMetadata(taskMetadata)
	cp.AgentContext = decodeMetadata(agentContext)
	if subtaskStates != "" {
		_ = json.Unmarshal([]byte(subtaskStates), &cp.SubtaskStates)
	}
	if iterConfig != "" {
		var cfg types.IterationConfig
		if json.Unmarshal([]byte(iterConfig), &cfg) == nil {
			cp.IterationConfig = &cfg
		}
	}
	if iterHistory != "" {
		_ = json.Unmarshal([]byte(iterHistory), &cp.IterationHistory)
	}
	if promises != "" {
		_ = json.Unmarshal([]byte(promises), &cp.CompletionPromises)
	}
	if validationState != "" {
		var vs types.ValidationState
		if json.Unmarshal([]byte(validationState), &vs) == nil {
			cp.ValidationState = &vs
		}
	}
	cp.CreatedAt = decodeTime(createdAt)
	if expiresAt != "" {
		t := decodeTime(expiresAt)
		cp.ExpiresAt = &t
	}
	return &cp, nil
}

// CreateCheckpoint inserts a checkpoint, assigning the next sequence number
// for the task and pruning beyond the retention limit, all in one transaction.
func (s *Store) CreateCheckpoint(cp *types.Checkpoint) error {
	return s.withTx("checkpoint create", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM tasks WHERE id = ?", cp.TaskID).Scan(&exists); err != nil {
			return &types.StoreError{Op: "checkpoint create", Err: err}
		}
		if exists == 0 {
			return types.NewNotFound("task", cp.TaskID)
		}

		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE task_id = ?",
			cp.TaskID).Scan(&cp.Sequence); err != nil {
			return &types.StoreError{Op: "checkpoint create", Err: err}
		}

		cp.CreatedAt = now()
		expiresAt := ""
		if cp.ExpiresAt != nil {
			expiresAt = encodeTime(*cp.ExpiresAt)
		}
		_, err := tx.Exec(`
			INSERT INTO checkpoints (id, task_id, sequence, trigger, task_status, task_notes,
				task_metadata, blocked_reason, assigned_agent, execution_phase, execution_step,
				agent_context, draft_content, draft_type, subtask_states, iteration_id,
				iteration_config, iteration_number, iteration_history, completion_promises,
				validation_state, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.TaskID, cp.Sequence, cp.Trigger, cp.TaskStatus, cp.TaskNotes,
			encodeJSON(cp.TaskMetadata), cp.BlockedReason, cp.AssignedAgent,
			cp.ExecutionPhase, cp.ExecutionStep, encodeJSON(cp.AgentContext),
			cp.DraftContent, cp.DraftType, encodeJSON(cp.SubtaskStates), cp.IterationID,
			encodeJSON(cp.IterationConfig), cp.IterationNumber,
			encodeJSON(cp.IterationHistory), encodeJSON(cp.CompletionPromises),
			encodeJSON(cp.ValidationState), encodeTime(cp.CreatedAt), expiresAt)
		if err != nil {
			return &types.StoreError{Op: "checkpoint create", Err: err}
		}

		// Keep the newest N per task. Iteration anchors are exempt: they
		// stay resolvable for the lifetime of their loop.
		res, err := tx.Exec(`
			DELETE FROM checkpoints WHERE task_id = ? AND iteration_id = '' AND id NOT IN (
				SELECT id FROM checkpoints WHERE task_id = ?
				ORDER BY sequence DESC LIMIT ?
			)`, cp.TaskID, cp.TaskID, checkpointRetention)
		if err != nil {
			return &types.StoreError{Op: "checkpoint prune", Err: err}
		}
		if pruned, _ := res.RowsAffected(); pruned > 0 {
			logging.Checkpoint("pruned %d checkpoints for %s", pruned, cp.TaskID)
		}
		return nil
	})
}

// GetCheckpoint returns the checkpoint or nil when absent.
func (s *Store) GetCheckpoint(id string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+checkpointCols+" FROM checkpoints WHERE id = ?", id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "checkpoint get", Err: err}
	}
	return cp, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a task, or nil.
func (s *Store) LatestCheckpoint(taskID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+checkpointCols+
		" FROM checkpoints WHERE task_id = ? ORDER BY sequence DESC LIMIT 1", taskID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "checkpoint latest", Err: err}
	}
	return cp, nil
}

// CheckpointByIteration resolves an iteration id to its anchoring checkpoint.
func (s *Store) CheckpointByIteration(iterationID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+checkpointCols+
		" FROM checkpoints WHERE iteration_id = ? ORDER BY sequence DESC LIMIT 1", iterationID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "checkpoint by iteration", Err: err}
	}
	return cp, nil
}

// ListCheckpoints returns a task's checkpoints, newest first.
func (s *Store) ListCheckpoints(taskID string) ([]*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+checkpointCols+
		" FROM checkpoints WHERE task_id = ? ORDER BY sequence DESC", taskID)
	if err != nil {
		return nil, &types.StoreError{Op: "checkpoint list", Err: err}
	}
	defer rows.Close()

	var out []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "checkpoint list", Err: err}
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// UpdateIterationState rewrites the mutable iteration fields of a checkpoint.
// Snapshot fields are immutable once written.
func (s *Store) UpdateIterationState(cp *types.Checkpoint) error {
	return s.withTx("iteration update", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE checkpoints SET iteration_number = ?, iteration_history = ?,
				completion_promises = ?, validation_state = ?
			WHERE id = ?`,
			cp.IterationNumber, encodeJSON(cp.IterationHistory),
			encodeJSON(cp.CompletionPromises), encodeJSON(cp.ValidationState), cp.ID)
		if err != nil {
			return &types.StoreError{Op: "iteration update", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NewNotFound("checkpoint", cp.ID)
		}
		return nil
	})
}

// DeleteExpiredCheckpoints removes checkpoints whose expiry has passed.
func (s *Store) DeleteExpiredCheckpoints(ref time.Time) (int64, error) {
	var deleted int64
	err := s.withTx("checkpoint expire", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM checkpoints WHERE expires_at != '' AND expires_at < ?",
			encodeTime(ref))
		if err != nil {
			return &types.StoreError{Op: "checkpoint expire", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// DeleteCheckpointsOlderThan removes a task's checkpoints created before the
// cutoff, always retaining the most recent one.
func (s *Store) DeleteCheckpointsOlderThan(taskID string, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withTx("checkpoint cleanup", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM checkpoints WHERE task_id = ? AND created_at < ? AND id != (
				SELECT id FROM checkpoints WHERE task_id = ?
				ORDER BY sequence DESC LIMIT 1
			)`, taskID, encodeTime(cutoff), taskID)
		if err != nil {
			return &types.StoreError{Op: "checkpoint cleanup", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// RetainLatestCheckpoints keeps only the newest n checkpoints for a task.
func (s *Store) RetainLatestCheckpoints(taskID string, n int) (int64, error) {
	var deleted int64
	err := s.withTx("checkpoint retain", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM checkpoints WHERE task_id = ? AND id NOT IN (
				SELECT id FROM checkpoints WHERE task_id = ?
				ORDER BY sequence DESC LIMIT ?
			)`, taskID, taskID, n)
		if err != nil {
			return &types.StoreError{Op: "checkpoint retain", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// DeleteCheckpointsByTask removes all checkpoints of a task (wipe path).
func (s *Store) DeleteCheckpointsByTask(taskID string) (int64, error) {
	var deleted int64
	err := s.withTx("checkpoint wipe", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM checkpoints WHERE task_id = ?", taskID)
		if err != nil {
			return &types.StoreError{Op: "checkpoint wipe", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
