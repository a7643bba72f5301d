package store

import (
	"database/sql"

	"loom/internal/types"
)

const prdCols = "id, initiative_id, title, description, content, metadata, status, created_at, updated_at"

func scanPRD(row interface{ Scan(...interface{}) error }) (*types.PRD, error) {
	var p types.PRD
	var metadata, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.InitiativeID, &p.Title, &p.Description, &p.Content,
		&metadata, &p.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Metadata = decodeMetadata(metadata)
	p.CreatedAt = decodeTime(createdAt)
	p.UpdatedAt = decodeTime(updatedAt)
	return &p, nil
}

// CreatePRD inserts a PRD. The initiative must exist.
func (s *Store) CreatePRD(p *types.PRD) error {
	return s.withTx("prd create", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM initiatives WHERE id = ?", p.InitiativeID).Scan(&exists); err != nil {
			return &types.StoreError{Op: "prd create", Err: err}
		}
		if exists == 0 {
			return types.NewNotFound("initiative", p.InitiativeID)
		}

		ts := now()
		p.CreatedAt, p.UpdatedAt = ts, ts
		_, err := tx.Exec(`
			INSERT INTO prds (id, initiative_id, title, description, content, metadata, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.InitiativeID, p.Title, p.Description, p.Content,
			encodeJSON(p.Metadata), p.Status, encodeTime(ts), encodeTime(ts))
		if err != nil {
			return &types.StoreError{Op: "prd create", Err: err}
		}
		return nil
	})
}

// UpdatePRD persists metadata/status/content changes.
func (s *Store) UpdatePRD(p *types.PRD) error {
	return s.withTx("prd update", func(tx *sql.Tx) error {
		p.UpdatedAt = now()
		res, err := tx.Exec(`
			UPDATE prds SET title = ?, description = ?, content = ?, metadata = ?, status = ?, updated_at = ?
			WHERE id = ?`,
			p.Title, p.Description, p.Content, encodeJSON(p.Metadata), p.Status,
			encodeTime(p.UpdatedAt), p.ID)
		if err != nil {
			return &types.StoreError{Op: "prd update", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NewNotFound("prd", p.ID)
		}
		return nil
	})
}

// GetPRD returns the PRD or nil when absent.
func (s *Store) GetPRD(id string) (*types.PRD, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+prdCols+" FROM prds WHERE id = ?", id)
	p, err := scanPRD(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "prd get", Err: err}
	}
	return p, nil
}

// ListPRDs returns PRDs, optionally scoped to an initiative.
func (s *Store) ListPRDs(initiativeID string) ([]*types.PRD, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + prdCols + " FROM prds"
	var args []interface{}
	if initiativeID != "" {
		query += " WHERE initiative_id = ?"
		args = append(args, initiativeID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StoreError{Op: "prd list", Err: err}
	}
	defer rows.Close()

	var out []*types.PRD
	for rows.Next() {
		p, err := scanPRD(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "prd list", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePRDsByInitiative removes all PRDs of an initiative (wipe path).
func (s *Store) DeletePRDsByInitiative(initiativeID string) (int64, error) {
	var deleted int64
	err := s.withTx("prd wipe", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM prds WHERE initiative_id = ?", initiativeID)
		if err != nil {
			return &types.StoreError{Op: "prd wipe", Err: err}
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
