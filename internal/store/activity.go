package store

import (
	"database/sql"

	"loom/internal/types"
)

const activityCols = "id, initiative_id, entity_type, entity_id, action, summary, metadata, created_at"

func scanActivity(row interface{ Scan(...interface{}) error }) (*types.Activity, error) {
	var a types.Activity
	var metadata, createdAt string
	if err := row.Scan(&a.ID, &a.InitiativeID, &a.EntityType, &a.EntityID, &a.Action,
		&a.Summary, &metadata, &createdAt); err != nil {
		return nil, err
	}
	a.Metadata = decodeMetadata(metadata)
	a.CreatedAt = decodeTime(createdAt)
	return &a, nil
}

// AppendActivity adds one audit trail entry. Failures here never abort the
// operation being audited; callers log and continue.
func (s *Store) AppendActivity(a *types.Activity) error {
	return s.withTx("activity append", func(tx *sql.Tx) error {
		a.CreatedAt = now()
		res, err := tx.Exec(`
			INSERT INTO activity_log (initiative_id, entity_type, entity_id, action, summary, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.InitiativeID, a.EntityType, a.EntityID, a.Action, a.Summary,
			encodeJSON(a.Metadata), encodeTime(a.CreatedAt))
		if err != nil {
			return &types.StoreError{Op: "activity append", Err: err}
		}
		a.ID, _ = res.LastInsertId()
		return nil
	})
}

// ActivityFilter selects audit entries for ListActivity.
type ActivityFilter struct {
	InitiativeID string
	EntityType   string
	EntityID     string
	Limit        int
}

// ListActivity returns audit entries matching the filter, newest first.
func (s *Store) ListActivity(f ActivityFilter) ([]*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + activityCols + " FROM activity_log WHERE 1=1"
	var args []interface{}
	if f.InitiativeID != "" {
		query += " AND initiative_id = ?"
		args = append(args, f.InitiativeID)
	}
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StoreError{Op: "activity list", Err: err}
	}
	defer rows.Close()

	var out []*types.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "activity list", Err: err}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
