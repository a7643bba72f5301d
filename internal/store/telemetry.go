package store

import (
	"database/sql"

	"loom/internal/types"
)

// RecordPerformance appends one per-agent outcome row.
func (s *Store) RecordPerformance(r *types.PerformanceRecord) error {
	return s.withTx("performance record", func(tx *sql.Tx) error {
		r.CreatedAt = now()
		res, err := tx.Exec(`
			INSERT INTO performance_records (agent_id, task_id, work_product_type, complexity, outcome, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.AgentID, r.TaskID, r.WorkProductType, r.Complexity, r.Outcome,
			r.DurationMs, encodeTime(r.CreatedAt))
		if err != nil {
			return &types.StoreError{Op: "performance record", Err: err}
		}
		r.ID, _ = res.LastInsertId()
		return nil
	})
}

// AgentPerformance is the aggregated view over an agent's recorded outcomes.
type AgentPerformance struct {
	AgentID       string         `json:"agentId"`
	TotalTasks    int            `json:"totalTasks"`
	Outcomes      map[string]int `json:"outcomes"`
	SuccessRate   float64        `json:"successRate"`
	AvgDurationMs int64          `json:"avgDurationMs"`
	ByProductType map[string]int `json:"byProductType,omitempty"`
}

// AggregatePerformance computes an agent's outcome statistics.
func (s *Store) AggregatePerformance(agentID string) (*AgentPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT outcome, work_product_type, duration_ms FROM performance_records WHERE agent_id = ?",
		agentID)
	if err != nil {
		return nil, &types.StoreError{Op: "performance aggregate", Err: err}
	}
	defer rows.Close()

	perf := &AgentPerformance{
		AgentID:       agentID,
		Outcomes:      make(map[string]int),
		ByProductType: make(map[string]int),
	}
	var totalDuration int64
	var withDuration int64
	for rows.Next() {
		var outcome, wpType string
		var duration int64
		if err := rows.Scan(&outcome, &wpType, &duration); err != nil {
			return nil, &types.StoreError{Op: "performance aggregate", Err: err}
		}
		perf.TotalTasks++
		perf.Outcomes[outcome]++
		if wpType != "" {
			perf.ByProductType[wpType]++
		}
		if duration > 0 {
			totalDuration += duration
			withDuration++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StoreError{Op: "performance aggregate", Err: err}
	}

	if perf.TotalTasks > 0 {
		perf.SuccessRate = float64(perf.Outcomes[types.OutcomeSuccess]) / float64(perf.TotalTasks)
	}
	if withDuration > 0 {
		perf.AvgDurationMs = totalDuration / withDuration
	}
	return perf, nil
}

const violationCols = "id, session_id, initiative_id, violation_type, severity, context, suggestion, created_at"

func scanViolation(row interface{ Scan(...interface{}) error }) (*types.ProtocolViolation, error) {
	var v types.ProtocolViolation
	var context, createdAt string
	if err := row.Scan(&v.ID, &v.SessionID, &v.InitiativeID, &v.ViolationType,
		&v.Severity, &context, &v.Suggestion, &createdAt); err != nil {
		return nil, err
	}
	v.Context = decodeMetadata(context)
	v.CreatedAt = decodeTime(createdAt)
	return &v, nil
}

// RecordViolation appends a protocol violation.
func (s *Store) RecordViolation(v *types.ProtocolViolation) error {
	return s.withTx("violation record", func(tx *sql.Tx) error {
		v.CreatedAt = now()
		_, err := tx.Exec(`
			INSERT INTO protocol_violations (id, session_id, initiative_id, violation_type, severity, context, suggestion, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.SessionID, v.InitiativeID, v.ViolationType, v.Severity,
			encodeJSON(v.Context), v.Suggestion, encodeTime(v.CreatedAt))
		if err != nil {
			return &types.StoreError{Op: "violation record", Err: err}
		}
		return nil
	})
}

// ListViolations returns violations for a session (or all, when empty),
// newest first.
func (s *Store) ListViolations(sessionID string, limit int) ([]*types.ProtocolViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + violationCols + " FROM protocol_violations"
	var args []interface{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StoreError{Op: "violation list", Err: err}
	}
	defer rows.Close()

	var out []*types.ProtocolViolation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, &types.StoreError{Op: "violation list", Err: err}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
