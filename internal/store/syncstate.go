package store

import (
	"context"
	"database/sql"
)

// GetSyncState returns the bookkeeping row for a peer, or zero values if
// this replica has never synced with it (spec §4.6 sync_state table).
func (s *Store) GetSyncState(ctx context.Context, peer string) (SyncState, error) {
	st := SyncState{Peer: peer}
	err := s.WithReadLock(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT server_hwm, last_pushed_local_id FROM sync_state WHERE peer = ?`, peer,
		).Scan(&st.ServerHWM, &st.LastPushedLocalID)
	})
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, wrapDBError("store.GetSyncState", err)
	}
	return st, nil
}

// SetServerHWM advances the replica's view of the peer's high-water-mark
// to max(current, hwm) (spec §4.6 rule 3).
func (s *Store) SetServerHWM(ctx context.Context, peer string, hwm int64) error {
	return s.WithWriteLock(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sync_state (peer, server_hwm, last_pushed_local_id)
			VALUES (?, ?, 0)
			ON CONFLICT(peer) DO UPDATE SET server_hwm = MAX(server_hwm, excluded.server_hwm)
		`, peer, hwm)
		return wrapDBError("store.SetServerHWM", err)
	})
}

// SetLastPushedLocalID records the largest local id confirmed pushed to peer.
func (s *Store) SetLastPushedLocalID(ctx context.Context, peer string, localID int64) error {
	return s.WithWriteLock(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sync_state (peer, server_hwm, last_pushed_local_id)
			VALUES (?, 0, ?)
			ON CONFLICT(peer) DO UPDATE SET last_pushed_local_id = MAX(last_pushed_local_id, excluded.last_pushed_local_id)
		`, peer, localID)
		return wrapDBError("store.SetLastPushedLocalID", err)
	})
}
