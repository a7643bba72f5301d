package store

import (
	"database/sql"

	"loom/internal/types"
)

const workProductCols = "id, task_id, type, title, content, metadata, created_at"

func scanWorkProduct(row interface{ Scan(...interface{}) error }) (*types.WorkProduct, error) {
	var wp types.WorkProduct
	var metadata, createdAt string
	if err := row.Scan(&wp.ID, &wp.TaskID, &wp.Type, &wp.Title, &wp.Content,
		&metadata, &createdAt); err != nil {
		return nil, err
	}
	wp.Metadata = decodeMetadata(metadata)
	wp.CreatedAt = decodeTime(createdAt)
	return &wp, nil
}

// CreateWorkProduct inserts a work product. The owning task must exist.
func (s *Store) CreateWorkProduct(wp *types.WorkProduct) error {
	return s.withTx("work product create", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM tasks WHERE id = ?", wp.TaskID).Scan(&exists); err != nil {
			return &types.StoreError{Op: "work product create", Err: err}
		}
		if exists == 0 {
			return types.NewNotFound("task", wp.TaskID)
		}

		wp.CreatedAt = now()
		_, err := tx.Exec(`
			INSERT INTO work_products (id, task_id, type, title, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			wp.ID, wp.TaskID, wp.Type, wp.Title, wp.Content,
			encodeJSON(wp.Metadata), encodeTime(wp.CreatedAt))
		if err != nil {
			return &types.StoreError{Op: "work product create", Err: err}
		}
		return nil
	})
}

// GetWorkProduct returns the work product or nil when absent.
func (s *Store) GetWorkProduct(id string) (*types.WorkProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+workProductCols+" FROM work_products WHERE id = ?", id)
	wp, err := scanWorkProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "work product get", Err: err}
	}
	return wp, nil
}

// ListWorkProducts returns work products for a task, optionally filtered by
// type, newest first.
func (s *Store) ListWorkProducts(taskID, wpType string) ([]*types.WorkProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + workProductCols + " FROM work_products WHERE task_id = ?"
	args := []interface{}{taskID}
	if wpType != "" {
		query += " AND type = ?"
		args = append(args, wpType)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StoreError{Op: "work product list", Err: err}
	}
	defer rows.Close()

	var out []*types.WorkProduct
	for rows.Next() {
		wp, err := scanWorkProduct(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "work product list", Err: err}
		}
		out = append(out, wp)
	}
	return out, rows.Err()
}

// DeleteWorkProductsByTask removes a task's work products (wipe path).
func (s *Store) DeleteWorkProductsByTask(taskID string) (int64, error) {
	var deleted int64
	err := s.withTx("work product wipe", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM work_products WHERE task_id = ?", taskID)
		if err != nil {
			return &types.StoreError{Op: "work product wipe", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
