package store

import (
	"database/sql"

	"loom/internal/types"
)

const initiativeCols = "id, title, description, current, created_at, updated_at"

func scanInitiative(row interface{ Scan(...interface{}) error }) (*types.Initiative, error) {
	var init types.Initiative
	var current int
	var createdAt, updatedAt string
	if err := row.Scan(&init.ID, &init.Title, &init.Description, &current, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	init.Current = current != 0
	init.CreatedAt = decodeTime(createdAt)
	init.UpdatedAt = decodeTime(updatedAt)
	return &init, nil
}

// LinkInitiative creates or updates the initiative and makes it current,
// demoting any previously-current one. It returns the previously-current
// initiative id ("" when none) and whether the link changed anything.
func (s *Store) LinkInitiative(init *types.Initiative) (previous string, changed bool, err error) {
	err = s.withTx("initiative link", func(tx *sql.Tx) error {
		var prev string
		row := tx.QueryRow("SELECT id FROM initiatives WHERE current = 1")
		if err := row.Scan(&prev); err != nil && err != sql.ErrNoRows {
			return &types.StoreError{Op: "initiative link", Err: err}
		}
		previous = prev
		changed = prev != init.ID

		ts := now()
		_, err := tx.Exec(`
			INSERT INTO initiatives (id, title, description, current, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				current = 1,
				updated_at = excluded.updated_at`,
			init.ID, init.Title, init.Description, encodeTime(ts), encodeTime(ts))
		if err != nil {
			return &types.StoreError{Op: "initiative link", Err: err}
		}

		if changed && prev != "" {
			if _, err := tx.Exec("UPDATE initiatives SET current = 0 WHERE id = ?", prev); err != nil {
				return &types.StoreError{Op: "initiative link", Err: err}
			}
		}
		return nil
	})
	return previous, changed, err
}

// GetInitiative returns the initiative or nil when absent.
func (s *Store) GetInitiative(id string) (*types.Initiative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+initiativeCols+" FROM initiatives WHERE id = ?", id)
	init, err := scanInitiative(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "initiative get", Err: err}
	}
	return init, nil
}

// CurrentInitiative returns the current initiative or nil when none is linked.
func (s *Store) CurrentInitiative() (*types.Initiative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT " + initiativeCols + " FROM initiatives WHERE current = 1")
	init, err := scanInitiative(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "initiative current", Err: err}
	}
	return init, nil
}

// ListInitiatives returns all initiatives, newest first.
func (s *Store) ListInitiatives() ([]*types.Initiative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + initiativeCols + " FROM initiatives ORDER BY created_at DESC")
	if err != nil {
		return nil, &types.StoreError{Op: "initiative list", Err: err}
	}
	defer rows.Close()

	var out []*types.Initiative
	for rows.Next() {
		init, err := scanInitiative(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "initiative list", Err: err}
		}
		out = append(out, init)
	}
	return out, rows.Err()
}
