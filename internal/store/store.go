// Package store is the embedded append-only log store (spec §4.1): res
// identities and tessella events, backed by modernc.org/sqlite.
//
// The kernel is single-writer, multi-reader within one process (spec
// §5): Store serializes appends with a process-wide write lock and lets
// readers take a shared-lock snapshot, mirroring the teacher's
// MaxOpenConns(1) discipline but expressed as an explicit mutex since
// modernc.org/sqlite does not itself cap the connection pool to one.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/store/migrations"
)

// Store owns the embedded database connection and the write lock that
// serializes tessella appends.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *slog.Logger

	replicaID string
}

// Open opens (creating if necessary) the SQLite database at path, runs
// migrations, and ensures a replica identity row exists.
func Open(ctx context.Context, path string, log *slog.Logger, newReplicaID func() string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kerrors.Wrapf("store.Open", kerrors.ErrStorage, "open %s: %v", path, err)
	}

	// A single connection keeps SQLite write serialization simple and
	// matches the teacher's MaxOpenConns(1) discipline for its SQLite
	// backend (internal/storage/sqlite/migrations/002_external_ref_column.go).
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return nil, kerrors.Wrap("store.Open", kerrors.ErrStorage, err.Error())
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return nil, kerrors.Wrap("store.Open", kerrors.ErrStorage, err.Error())
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kerrors.Wrap("store.Open", kerrors.ErrStorage, err.Error())
	}
	if err := migrations.MigrateInit(tx); err != nil {
		_ = tx.Rollback()
		return nil, kerrors.Wrap("store.Open", kerrors.ErrStorage, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return nil, kerrors.Wrap("store.Open", kerrors.ErrStorage, err.Error())
	}
	if err := migrations.MigrateBranchPointColumn(db); err != nil {
		return nil, kerrors.Wrap("store.Open", kerrors.ErrStorage, err.Error())
	}

	s := &Store{db: db, log: log}
	if err := s.ensureReplicaIdentity(ctx, newReplicaID); err != nil {
		return nil, err
	}
	if err := s.ensureDefaultBranch(ctx, newReplicaID); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReplicaID returns this store's own replica identity, used to stamp the
// origin key of locally authored tessellae.
func (s *Store) ReplicaID() string {
	return s.replicaID
}

func (s *Store) ensureReplicaIdentity(ctx context.Context, newID func() string) error {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT replica_id FROM replica_identity WHERE id = 'self'`).Scan(&id)
	switch {
	case err == nil:
		s.replicaID = id
		return nil
	case err == sql.ErrNoRows:
		id = newID()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO replica_identity (id, replica_id, created_at) VALUES ('self', ?, ?)`,
			id, nowRFC3339())
		if err != nil {
			return kerrors.Wrap("store.ensureReplicaIdentity", kerrors.ErrStorage, err.Error())
		}
		s.replicaID = id
		return nil
	default:
		return kerrors.Wrap("store.ensureReplicaIdentity", kerrors.ErrStorage, err.Error())
	}
}

func (s *Store) ensureDefaultBranch(ctx context.Context, newID func() string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM branches WHERE name = ?`, DefaultBranchName).Scan(&count); err != nil {
		return kerrors.Wrap("store.ensureDefaultBranch", kerrors.ErrStorage, err.Error())
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (id, name, parent_id, status, created_at) VALUES (?, ?, NULL, ?, ?)`,
		newID(), DefaultBranchName, BranchStatusActive, nowRFC3339())
	if err != nil {
		return kerrors.Wrap("store.ensureDefaultBranch", kerrors.ErrStorage, err.Error())
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateRes inserts a new res row and returns it. Callers must already
// hold a validated genus id; the store does not itself validate genus
// existence, which is the genus registry's and kernel's job (spec §4.1).
func (s *Store) CreateRes(ctx context.Context, id, genusID, branchID, workspace string) (*Res, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Res{
		ID:        id,
		GenusID:   genusID,
		BranchID:  branchID,
		Workspace: workspace,
		CreatedAt: nowRFC3339(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO res (id, genus_id, branch_id, workspace, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.GenusID, r.BranchID, r.Workspace, r.CreatedAt)
	if err != nil {
		return nil, wrapDBError("store.CreateRes", err)
	}
	return r, nil
}

// GetRes fetches a res by id.
func (s *Store) GetRes(ctx context.Context, id string) (*Res, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Res
	err := s.db.QueryRowContext(ctx,
		`SELECT id, genus_id, branch_id, workspace, created_at FROM res WHERE id = ?`, id,
	).Scan(&r.ID, &r.GenusID, &r.BranchID, &r.Workspace, &r.CreatedAt)
	if err != nil {
		return nil, wrapDBError("store.GetRes", err)
	}
	return &r, nil
}

// UpsertRes inserts a res row if absent. If the row exists with a
// different genus, it returns the existing row and a genus mismatch
// flag, letting callers (sync ingest, spec §4.6 rule 1) raise
// DivergentRes.
func (s *Store) UpsertRes(ctx context.Context, r Res) (existing *Res, genusMismatch bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur Res
	scanErr := s.db.QueryRowContext(ctx,
		`SELECT id, genus_id, branch_id, workspace, created_at FROM res WHERE id = ?`, r.ID,
	).Scan(&cur.ID, &cur.GenusID, &cur.BranchID, &cur.Workspace, &cur.CreatedAt)

	if scanErr == sql.ErrNoRows {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO res (id, genus_id, branch_id, workspace, created_at) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.GenusID, r.BranchID, r.Workspace, r.CreatedAt)
		if err != nil {
			return nil, false, wrapDBError("store.UpsertRes", err)
		}
		return &r, false, nil
	}
	if scanErr != nil {
		return nil, false, wrapDBError("store.UpsertRes", scanErr)
	}
	if cur.GenusID != r.GenusID {
		return &cur, true, nil
	}
	return &cur, false, nil
}

// AppendTessella appends a new event. If origin is nil, the tessella is
// treated as locally authored: its origin key is set to
// (this replica, its own new local id). If origin is non-nil (sync
// ingest), the origin key is preserved and a fresh local id is
// assigned. A duplicate origin key is not an error: the existing
// tessella is returned unchanged (spec §4.1, idempotency).
type AppendParams struct {
	ResID     string
	BranchID  string
	Type      TessellaType
	Data      []byte
	Source    string
	CreatedAt string // optional; defaults to now

	// Origin, when non-nil, preserves a foreign tessella's identity
	// during sync ingest (spec §4.6 rule 2).
	Origin *OriginKey
}

// OriginKey is the cross-replica identity of a tessella (spec §3, GLOSSARY).
type OriginKey struct {
	Replica string
	LocalID int64
}

func (s *Store) AppendTessella(ctx context.Context, p AppendParams) (*Tessella, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := p.CreatedAt
	if createdAt == "" {
		createdAt = nowRFC3339()
	}

	originReplica := s.replicaID
	var originLocalID int64 = -1 // placeholder until we know the assigned id
	preserveOrigin := p.Origin != nil
	if preserveOrigin {
		originReplica = p.Origin.Replica
		originLocalID = p.Origin.LocalID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, wrapDBError("store.AppendTessella", err)
	}
	defer func() { _ = tx.Rollback() }()

	if preserveOrigin {
		// Idempotency check first: a duplicate origin key is a no-op.
		existing, ok, err := scanTessellaByOrigin(ctx, tx, originReplica, originLocalID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return existing, true, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tessella (res_id, branch_id, type, data, created_at, source, origin_replica, origin_local_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ResID, p.BranchID, string(p.Type), string(p.Data), createdAt, p.Source, originReplica, originLocalID)
	if err != nil {
		if isUniqueConstraint(err) {
			existing, ok, serr := scanTessellaByOrigin(ctx, tx, originReplica, originLocalID)
			if serr != nil {
				return nil, false, serr
			}
			if ok {
				return existing, true, nil
			}
		}
		return nil, false, wrapDBError("store.AppendTessella", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return nil, false, wrapDBError("store.AppendTessella", err)
	}

	if !preserveOrigin {
		originLocalID = localID
		if _, err := tx.ExecContext(ctx,
			`UPDATE tessella SET origin_local_id = ? WHERE id = ?`, originLocalID, localID); err != nil {
			return nil, false, wrapDBError("store.AppendTessella", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, wrapDBError("store.AppendTessella", err)
	}

	t := &Tessella{
		ID:            localID,
		ResID:         p.ResID,
		BranchID:      p.BranchID,
		Type:          p.Type,
		Data:          p.Data,
		CreatedAt:     createdAt,
		Source:        p.Source,
		OriginReplica: originReplica,
		OriginLocalID: originLocalID,
	}
	return t, false, nil
}

func scanTessellaByOrigin(ctx context.Context, tx *sql.Tx, replica string, localID int64) (*Tessella, bool, error) {
	var t Tessella
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT id, res_id, branch_id, type, data, created_at, source, origin_replica, origin_local_id
		 FROM tessella WHERE origin_replica = ? AND origin_local_id = ?`, replica, localID,
	).Scan(&t.ID, &t.ResID, &t.BranchID, &t.Type, &data, &t.CreatedAt, &t.Source, &t.OriginReplica, &t.OriginLocalID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapDBError("store.scanTessellaByOrigin", err)
	}
	t.Data = []byte(data)
	return &t, true, nil
}

// ScanFilter bounds a tessella scan (spec §4.1, §4.2).
type ScanFilter struct {
	ResID      string   // required for per-res materialization scans
	BranchIDs  []string // limits to this branch set (the branch chain); empty means no filter
	SinceID    int64    // exclusive lower bound, id > SinceID
	UpToID     int64    // inclusive upper bound when > 0, id <= UpToID
}

// ScanTessellae returns tessellae matching filter in ascending id order.
func (s *Store) ScanTessellae(ctx context.Context, f ScanFilter) ([]*Tessella, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, res_id, branch_id, type, data, created_at, source, origin_replica, origin_local_id FROM tessella WHERE id > ?`
	args := []interface{}{f.SinceID}

	if f.ResID != "" {
		query += ` AND res_id = ?`
		args = append(args, f.ResID)
	}
	if f.UpToID > 0 {
		query += ` AND id <= ?`
		args = append(args, f.UpToID)
	}
	if len(f.BranchIDs) > 0 {
		query += ` AND branch_id IN (` + placeholders(len(f.BranchIDs)) + `)`
		for _, b := range f.BranchIDs {
			args = append(args, b)
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("store.ScanTessellae", err)
	}
	defer rows.Close()

	var out []*Tessella
	for rows.Next() {
		var t Tessella
		var data string
		if err := rows.Scan(&t.ID, &t.ResID, &t.BranchID, &t.Type, &data, &t.CreatedAt, &t.Source, &t.OriginReplica, &t.OriginLocalID); err != nil {
			return nil, wrapDBError("store.ScanTessellae", err)
		}
		t.Data = []byte(data)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("store.ScanTessellae", err)
	}
	return out, nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

// LocalHighWaterMark returns the largest tessella id this replica has
// appended or ingested (spec §4.1).
func (s *Store) LocalHighWaterMark(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM tessella`).Scan(&id)
	if err != nil {
		return 0, wrapDBError("store.LocalHighWaterMark", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// UnpushedLocal returns locally authored tessellae with id > sinceLocalID
// (spec §4.6 client bookkeeping: "unpushed" iff id > last_pushed_local_id
// AND source = "local").
func (s *Store) UnpushedLocal(ctx context.Context, sinceLocalID int64) ([]*Tessella, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, res_id, branch_id, type, data, created_at, source, origin_replica, origin_local_id
		 FROM tessella WHERE id > ? AND source = 'local' ORDER BY id ASC`, sinceLocalID)
	if err != nil {
		return nil, wrapDBError("store.UnpushedLocal", err)
	}
	defer rows.Close()

	var out []*Tessella
	for rows.Next() {
		var t Tessella
		var data string
		if err := rows.Scan(&t.ID, &t.ResID, &t.BranchID, &t.Type, &data, &t.CreatedAt, &t.Source, &t.OriginReplica, &t.OriginLocalID); err != nil {
			return nil, wrapDBError("store.UnpushedLocal", err)
		}
		t.Data = []byte(data)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ResForIDs returns the res rows with the given ids, in no particular
// order; ids with no row are skipped. Push uses it to send every res
// that its batch of unpushed tessellae references.
func (s *Store) ResForIDs(ctx context.Context, ids []string) ([]*Res, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, genus_id, branch_id, workspace, created_at FROM res WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("store.ResForIDs", err)
	}
	defer rows.Close()

	var out []*Res
	for rows.Next() {
		var r Res
		if err := rows.Scan(&r.ID, &r.GenusID, &r.BranchID, &r.Workspace, &r.CreatedAt); err != nil {
			return nil, wrapDBError("store.ResForIDs", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AllResByGenus lists every res of a genus, used by the query layer.
func (s *Store) AllResByGenus(ctx context.Context, genusID string) ([]*Res, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, genus_id, branch_id, workspace, created_at FROM res WHERE genus_id = ?`, genusID)
	if err != nil {
		return nil, wrapDBError("store.AllResByGenus", err)
	}
	defer rows.Close()

	var out []*Res
	for rows.Next() {
		var r Res
		if err := rows.Scan(&r.ID, &r.GenusID, &r.BranchID, &r.Workspace, &r.CreatedAt); err != nil {
			return nil, wrapDBError("store.AllResByGenus", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AllRes lists every res (used by search_entities, spec §4.7).
func (s *Store) AllRes(ctx context.Context) ([]*Res, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, genus_id, branch_id, workspace, created_at FROM res`)
	if err != nil {
		return nil, wrapDBError("store.AllRes", err)
	}
	defer rows.Close()

	var out []*Res
	for rows.Next() {
		var r Res
		if err := rows.Scan(&r.ID, &r.GenusID, &r.BranchID, &r.Workspace, &r.CreatedAt); err != nil {
			return nil, wrapDBError("store.AllRes", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for components (genus registry,
// branch manager) that manage their own tables but still want to
// participate in the same write-lock discipline via WithWriteLock.
func (s *Store) DB() *sql.DB { return s.db }

// WithWriteLock runs fn while holding the store's exclusive write lock,
// letting other components (genus registry mutations, branch creation)
// share the same single-writer guarantee as tessella appends (spec §5).
func (s *Store) WithWriteLock(fn func(*sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.db)
}

// WithReadLock runs fn while holding a shared read snapshot lock.
func (s *Store) WithReadLock(fn func(*sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.db)
}
