package store

import (
	"database/sql"

	"loom/internal/types"
)

const scopeChangeCols = "id, prd_id, request_type, description, rationale, requested_by, status, reviewed_at, reviewed_by, review_notes, created_at"

func scanScopeChange(row interface{ Scan(...interface{}) error }) (*types.ScopeChange, error) {
	var sc types.ScopeChange
	var reviewedAt, createdAt string
	if err := row.Scan(&sc.ID, &sc.PRDID, &sc.RequestType, &sc.Description, &sc.Rationale,
		&sc.RequestedBy, &sc.Status, &reviewedAt, &sc.ReviewedBy, &sc.ReviewNotes,
		&createdAt); err != nil {
		return nil, err
	}
	sc.ReviewedAt = decodeTime(reviewedAt)
	sc.CreatedAt = decodeTime(createdAt)
	return &sc, nil
}

// CreateScopeChange inserts a pending scope-change request.
func (s *Store) CreateScopeChange(sc *types.ScopeChange) error {
	return s.withTx("scope change create", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM prds WHERE id = ?", sc.PRDID).Scan(&exists); err != nil {
			return &types.StoreError{Op: "scope change create", Err: err}
		}
		if exists == 0 {
			return types.NewNotFound("prd", sc.PRDID)
		}

		sc.CreatedAt = now()
		_, err := tx.Exec(`
			INSERT INTO scope_changes (id, prd_id, request_type, description, rationale,
				requested_by, status, reviewed_at, reviewed_by, review_notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', ?)`,
			sc.ID, sc.PRDID, sc.RequestType, sc.Description, sc.Rationale,
			sc.RequestedBy, sc.Status, encodeTime(sc.CreatedAt))
		if err != nil {
			return &types.StoreError{Op: "scope change create", Err: err}
		}
		return nil
	})
}

// ReviewScopeChange records the review verdict on a pending request.
func (s *Store) ReviewScopeChange(sc *types.ScopeChange) error {
	return s.withTx("scope change review", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE scope_changes SET status = ?, reviewed_at = ?, reviewed_by = ?, review_notes = ?
			WHERE id = ?`,
			sc.Status, encodeTime(sc.ReviewedAt), sc.ReviewedBy, sc.ReviewNotes, sc.ID)
		if err != nil {
			return &types.StoreError{Op: "scope change review", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NewNotFound("scope change", sc.ID)
		}
		return nil
	})
}

// GetScopeChange returns the request or nil when absent.
func (s *Store) GetScopeChange(id string) (*types.ScopeChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+scopeChangeCols+" FROM scope_changes WHERE id = ?", id)
	sc, err := scanScopeChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "scope change get", Err: err}
	}
	return sc, nil
}

// ListScopeChanges returns requests, optionally filtered by PRD and status.
func (s *Store) ListScopeChanges(prdID, status string) ([]*types.ScopeChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + scopeChangeCols + " FROM scope_changes WHERE 1=1"
	var args []interface{}
	if prdID != "" {
		query += " AND prd_id = ?"
		args = append(args, prdID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StoreError{Op: "scope change list", Err: err}
	}
	defer rows.Close()

	var out []*types.ScopeChange
	for rows.Next() {
		sc, err := scanScopeChange(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "scope change list", Err: err}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
