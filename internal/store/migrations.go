// Schema migrations for the loom store. Migrations are numbered, applied
// sequentially at open time, and each runs inside its own transaction so a
// failure leaves the database at the previous version.
//
// Schema versions:
// v1: core entities (initiatives, prds, tasks, work_products, checkpoints,
//     handoffs, scope_changes, activity_log)
// v2: performance_records and protocol_violations
// v3: tasks.stream_id generated column + stream index
package store

import (
	"database/sql"
	"fmt"

	"loom/internal/logging"
	"loom/internal/types"
)

// CurrentSchemaVersion is the version new databases are created at.
const CurrentSchemaVersion = 3

type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{1, migrateV1Core},
	{2, migrateV2Telemetry},
	{3, migrateV3StreamIndex},
}

// migrate brings the database to CurrentSchemaVersion.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return &types.StoreError{Op: "migrate", Err: err}
	}

	current := 0
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&current); err != nil {
		return &types.StoreError{Op: "migrate", Err: err}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logging.Store("applying migration v%d", m.version)

		tx, err := s.db.Begin()
		if err != nil {
			return &types.StoreError{Op: "migrate", Err: err}
		}
		if err := m.apply(tx); err != nil {
			_ = tx.Rollback()
			return &types.StoreError{Op: fmt.Sprintf("migration v%d", m.version), Err: err}
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
			m.version, encodeTime(now())); err != nil {
			_ = tx.Rollback()
			return &types.StoreError{Op: fmt.Sprintf("migration v%d", m.version), Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &types.StoreError{Op: fmt.Sprintf("migration v%d", m.version), Err: err}
		}
	}

	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&v)
	return v, err
}

func migrateV1Core(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS initiatives (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			current INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prds (
			id TEXT PRIMARY KEY,
			initiative_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prds_initiative ON prds(initiative_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prd_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			assigned_agent TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			blocked_reason TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			archived_at TEXT NOT NULL DEFAULT '',
			archived_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_prd ON tasks(prd_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent)`,
		`CREATE TABLE IF NOT EXISTS work_products (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wp_task ON work_products(task_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			trigger TEXT NOT NULL,
			task_status TEXT NOT NULL DEFAULT '',
			task_notes TEXT NOT NULL DEFAULT '',
			task_metadata TEXT NOT NULL DEFAULT '',
			blocked_reason TEXT NOT NULL DEFAULT '',
			assigned_agent TEXT NOT NULL DEFAULT '',
			execution_phase TEXT NOT NULL DEFAULT '',
			execution_step TEXT NOT NULL DEFAULT '',
			agent_context TEXT NOT NULL DEFAULT '',
			draft_content TEXT NOT NULL DEFAULT '',
			draft_type TEXT NOT NULL DEFAULT '',
			subtask_states TEXT NOT NULL DEFAULT '',
			iteration_id TEXT NOT NULL DEFAULT '',
			iteration_config TEXT NOT NULL DEFAULT '',
			iteration_number INTEGER NOT NULL DEFAULT 0,
			iteration_history TEXT NOT NULL DEFAULT '',
			completion_promises TEXT NOT NULL DEFAULT '',
			validation_state TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL DEFAULT '',
			UNIQUE(task_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cp_task ON checkpoints(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cp_iteration ON checkpoints(iteration_id)`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			work_product_id TEXT NOT NULL,
			handoff_context TEXT NOT NULL DEFAULT '',
			chain_position INTEGER NOT NULL,
			chain_length INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_task ON handoffs(task_id)`,
		`CREATE TABLE IF NOT EXISTS scope_changes (
			id TEXT PRIMARY KEY,
			prd_id TEXT NOT NULL,
			request_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			requested_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			reviewed_at TEXT NOT NULL DEFAULT '',
			reviewed_by TEXT NOT NULL DEFAULT '',
			review_notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scope_prd ON scope_changes(prd_id)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			initiative_id TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_initiative ON activity_log(initiative_id)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateV2Telemetry(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS performance_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			work_product_type TEXT NOT NULL DEFAULT '',
			complexity TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_agent ON performance_records(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_task ON performance_records(task_id)`,
		`CREATE TABLE IF NOT EXISTS protocol_violations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			initiative_id TEXT NOT NULL DEFAULT '',
			violation_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			suggestion TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_viol_session ON protocol_violations(session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateV3StreamIndex(tx *sql.Tx) error {
	// stream_id is projected out of task metadata so stream grouping and
	// archival can use an indexed column instead of scanning JSON.
	stmts := []string{
		`ALTER TABLE tasks ADD COLUMN stream_id TEXT
			GENERATED ALWAYS AS (CASE WHEN json_valid(metadata)
				THEN COALESCE(json_extract(metadata, '$.streamId'), '')
				ELSE '' END) VIRTUAL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_stream ON tasks(stream_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_archived ON tasks(archived)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
