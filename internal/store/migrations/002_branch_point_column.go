package migrations

import (
	"database/sql"
	"errors"
	"fmt"
)

// MigrateBranchPointColumn adds branches.branch_point_id, the tessella
// high-water-mark at the moment a branch was created (spec §4.5 merge:
// "source-only tessellae... since the branch point"). Grounded on the
// teacher's column-add migration
// (internal/storage/sqlite/migrations/002_external_ref_column.go):
// introspect PRAGMA table_info, close the rows before any Exec to avoid
// deadlocking MaxOpenConns(1), then ALTER TABLE only if missing.
func MigrateBranchPointColumn(db *sql.DB) (retErr error) {
	var columnExists bool
	rows, err := db.Query("PRAGMA table_info(branches)")
	if err != nil {
		return fmt.Errorf("failed to check schema: %w", err)
	}
	defer func() {
		if rows != nil {
			if closeErr := rows.Close(); closeErr != nil {
				retErr = errors.Join(retErr, fmt.Errorf("failed to close schema rows: %w", closeErr))
			}
		}
	}()

	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt *string
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == "branch_point_id" {
			columnExists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error reading column info: %w", err)
	}

	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to close schema rows: %w", err)
	}
	rows = nil

	if !columnExists {
		if _, err := db.Exec(`ALTER TABLE branches ADD COLUMN branch_point_id INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add branch_point_id column: %w", err)
		}
	}
	return nil
}
