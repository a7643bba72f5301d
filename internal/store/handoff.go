package store

import (
	"database/sql"

	"loom/internal/types"
)

const handoffCols = "id, task_id, from_agent, to_agent, work_product_id, handoff_context, chain_position, chain_length, created_at"

func scanHandoff(row interface{ Scan(...interface{}) error }) (*types.Handoff, error) {
	var h types.Handoff
	var createdAt string
	if err := row.Scan(&h.ID, &h.TaskID, &h.FromAgent, &h.ToAgent, &h.WorkProductID,
		&h.HandoffContext, &h.ChainPosition, &h.ChainLength, &createdAt); err != nil {
		return nil, err
	}
	h.CreatedAt = decodeTime(createdAt)
	return &h, nil
}

// CreateHandoff appends a handoff to the task's chain, assigning the next
// chain position and bumping chain_length on every prior entry.
func (s *Store) CreateHandoff(h *types.Handoff) error {
	return s.withTx("handoff create", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM tasks WHERE id = ?", h.TaskID).Scan(&exists); err != nil {
			return &types.StoreError{Op: "handoff create", Err: err}
		}
		if exists == 0 {
			return types.NewNotFound("task", h.TaskID)
		}

		var prior int
		if err := tx.QueryRow("SELECT COUNT(*) FROM handoffs WHERE task_id = ?", h.TaskID).Scan(&prior); err != nil {
			return &types.StoreError{Op: "handoff create", Err: err}
		}
		h.ChainPosition = prior + 1
		h.ChainLength = prior + 1

		h.CreatedAt = now()
		_, err := tx.Exec(`
			INSERT INTO handoffs (id, task_id, from_agent, to_agent, work_product_id,
				handoff_context, chain_position, chain_length, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.TaskID, h.FromAgent, h.ToAgent, h.WorkProductID,
			h.HandoffContext, h.ChainPosition, h.ChainLength, encodeTime(h.CreatedAt))
		if err != nil {
			return &types.StoreError{Op: "handoff create", Err: err}
		}

		if _, err := tx.Exec(
			"UPDATE handoffs SET chain_length = ? WHERE task_id = ?",
			h.ChainLength, h.TaskID); err != nil {
			return &types.StoreError{Op: "handoff create", Err: err}
		}
		return nil
	})
}

// ListHandoffs returns a task's handoff chain in order.
func (s *Store) ListHandoffs(taskID string) ([]*types.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+handoffCols+
		" FROM handoffs WHERE task_id = ? ORDER BY chain_position ASC", taskID)
	if err != nil {
		return nil, &types.StoreError{Op: "handoff list", Err: err}
	}
	defer rows.Close()

	var out []*types.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "handoff list", Err: err}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteHandoffsByTask removes a task's handoffs (wipe path).
func (s *Store) DeleteHandoffsByTask(taskID string) (int64, error) {
	var deleted int64
	err := s.withTx("handoff wipe", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM handoffs WHERE task_id = ?", taskID)
		if err != nil {
			return &types.StoreError{Op: "handoff wipe", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
