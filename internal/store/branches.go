package store

import (
	"context"
	"database/sql"
)

// CreateBranch inserts a new branch row, stamping its branch point at the
// tessella high-water-mark of the moment it forks (spec §4.5).
func (s *Store) CreateBranch(ctx context.Context, id, name, parentID string) (*Branch, error) {
	hwm, err := s.LocalHighWaterMark(ctx)
	if err != nil {
		return nil, err
	}
	b := &Branch{ID: id, Name: name, ParentID: parentID, Status: BranchStatusActive, CreatedAt: nowRFC3339(), BranchPointID: hwm}
	err = s.WithWriteLock(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO branches (id, name, parent_id, status, created_at, branch_point_id) VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, b.Name, nullIfEmpty(parentID), b.Status, b.CreatedAt, b.BranchPointID)
		return wrapDBError("store.CreateBranch", err)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetBranch fetches a branch by id.
func (s *Store) GetBranch(ctx context.Context, id string) (*Branch, error) {
	var b Branch
	var parent sql.NullString
	err := s.WithReadLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT id, name, parent_id, status, created_at, branch_point_id FROM branches WHERE id = ?`, id,
		).Scan(&b.ID, &b.Name, &parent, &b.Status, &b.CreatedAt, &b.BranchPointID)
	})
	if err != nil {
		return nil, wrapDBError("store.GetBranch", err)
	}
	b.ParentID = parent.String
	return &b, nil
}

// GetBranchByName fetches a branch by its unique name.
func (s *Store) GetBranchByName(ctx context.Context, name string) (*Branch, error) {
	var b Branch
	var parent sql.NullString
	err := s.WithReadLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT id, name, parent_id, status, created_at, branch_point_id FROM branches WHERE name = ?`, name,
		).Scan(&b.ID, &b.Name, &parent, &b.Status, &b.CreatedAt, &b.BranchPointID)
	})
	if err != nil {
		return nil, wrapDBError("store.GetBranchByName", err)
	}
	b.ParentID = parent.String
	return &b, nil
}

// UpdateBranchStatus sets a branch's status (e.g. to "merged" after a merge).
func (s *Store) UpdateBranchStatus(ctx context.Context, id, status string) error {
	return s.WithWriteLock(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE branches SET status = ? WHERE id = ?`, status, id)
		return wrapDBError("store.UpdateBranchStatus", err)
	})
}

// BranchChain returns branchID and every ancestor up to and including the
// root, in child-to-root order. Materialization folds tessellae from
// this entire set (spec §3 Branch, §4.2).
func (s *Store) BranchChain(ctx context.Context, branchID string) ([]string, error) {
	chain := []string{}
	cur := branchID
	seen := map[string]bool{}
	for cur != "" {
		if seen[cur] {
			break // defensive: a cycle should never occur, but never loop forever
		}
		seen[cur] = true
		chain = append(chain, cur)

		b, err := s.GetBranch(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = b.ParentID
	}
	return chain, nil
}
