// Package migrations holds numbered, idempotent schema migrations for the
// embedded store, grounded on the teacher's
// internal/storage/sqlite/migrations package: each migration inspects
// PRAGMA table_info before altering, and is safe to re-run.
package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateInit creates the initial schema: res, tessella, branches,
// sync_state, genera, and replica_identity (spec §6).
func MigrateInit(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS replica_identity (
			id TEXT PRIMARY KEY CHECK (id = 'self'),
			replica_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			parent_id TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS res (
			id TEXT PRIMARY KEY,
			genus_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			workspace TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_res_genus ON res(genus_id)`,
		`CREATE INDEX IF NOT EXISTS idx_res_branch ON res(branch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_res_workspace ON res(workspace)`,
		`CREATE TABLE IF NOT EXISTS tessella (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			res_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			source TEXT NOT NULL,
			origin_replica TEXT NOT NULL,
			origin_local_id INTEGER NOT NULL,
			UNIQUE(origin_replica, origin_local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tessella_res ON tessella(res_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_tessella_branch ON tessella(branch_id)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			peer TEXT PRIMARY KEY,
			server_hwm INTEGER NOT NULL DEFAULT 0,
			last_pushed_local_id INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS genera (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			taxonomy TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			deprecated INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_genera_name_taxonomy ON genera(taxonomy, name)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate init: %s: %w", stmt, err)
		}
	}
	return nil
}
