package store

import (
	"context"
	"database/sql"
)

// PutGenus inserts or replaces a genus definition row. The genus
// registry owns versioning/evolution semantics; the store only persists
// whatever JSON blob it is handed (spec §6: "data is a self-describing
// structured blob, opaque to the store").
func (s *Store) PutGenus(ctx context.Context, row GenusRow) error {
	return s.WithWriteLock(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO genera (id, name, kind, taxonomy, definition, deprecated, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				kind = excluded.kind,
				taxonomy = excluded.taxonomy,
				definition = excluded.definition,
				deprecated = excluded.deprecated
		`, row.ID, row.Name, row.Kind, row.Taxonomy, row.Definition, boolToInt(row.Deprecated), row.CreatedAt)
		return wrapDBError("store.PutGenus", err)
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetGenus fetches a single genus row by id.
func (s *Store) GetGenus(ctx context.Context, id string) (*GenusRow, error) {
	var row GenusRow
	var deprecated int
	err := s.WithReadLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT id, name, kind, taxonomy, definition, deprecated, created_at FROM genera WHERE id = ?`, id,
		).Scan(&row.ID, &row.Name, &row.Kind, &row.Taxonomy, &row.Definition, &deprecated, &row.CreatedAt)
	})
	if err != nil {
		return nil, wrapDBError("store.GetGenus", err)
	}
	row.Deprecated = deprecated != 0
	return &row, nil
}

// FindGenusByName looks up a genus by (taxonomy, name).
func (s *Store) FindGenusByName(ctx context.Context, taxonomy, name string) (*GenusRow, error) {
	var row GenusRow
	var deprecated int
	err := s.WithReadLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT id, name, kind, taxonomy, definition, deprecated, created_at FROM genera WHERE taxonomy = ? AND name = ?`,
			taxonomy, name,
		).Scan(&row.ID, &row.Name, &row.Kind, &row.Taxonomy, &row.Definition, &deprecated, &row.CreatedAt)
	})
	if err != nil {
		return nil, wrapDBError("store.FindGenusByName", err)
	}
	row.Deprecated = deprecated != 0
	return &row, nil
}

// AllGenera loads every genus row, used to rebuild the registry's
// in-memory cache on startup and after every mutation (spec §5: "an
// in-memory genus cache (rebuilt on registry mutation)").
func (s *Store) AllGenera(ctx context.Context) ([]*GenusRow, error) {
	var out []*GenusRow
	err := s.WithReadLock(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, name, kind, taxonomy, definition, deprecated, created_at FROM genera`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row GenusRow
			var deprecated int
			if err := rows.Scan(&row.ID, &row.Name, &row.Kind, &row.Taxonomy, &row.Definition, &deprecated, &row.CreatedAt); err != nil {
				return err
			}
			row.Deprecated = deprecated != 0
			out = append(out, &row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapDBError("store.AllGenera", err)
	}
	return out, nil
}
