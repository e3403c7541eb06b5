package syncserver

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/store"
	"github.com/farant/smaragda-sub003/internal/syncwire"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	var n int
	nextID := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	st, err := store.Open(context.Background(), filepath.Join(dir, "db.sqlite"), nil, nextID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIngest_DedupsByOriginKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	resRows := []syncwire.Res{{ID: "res-1", GenusID: "genus-1", BranchID: "branch-main", CreatedAt: "2026-01-01T00:00:00Z"}}
	tessellae := []syncwire.Tessella{{
		ResID: "res-1", BranchID: "branch-main", Type: "attribute_set",
		Data: []byte(`{"key":"cost","value":{"type":"number","value":48}}`),
		CreatedAt: "2026-01-01T00:00:01Z", Source: "local",
		OriginReplica: "replica-A", OriginLocalID: 1,
	}}

	accepted, err := Ingest(ctx, st, "replica-A", resRows, tessellae)
	require.NoError(t, err)
	require.Equal(t, 1, accepted)

	accepted, err = Ingest(ctx, st, "replica-A", resRows, tessellae)
	require.NoError(t, err)
	require.Equal(t, 0, accepted, "re-ingesting the same origin key is a no-op")

	rows, err := st.ScanTessellae(ctx, store.ScanFilter{ResID: "res-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sync:replica-A", rows[0].Source)
}

func TestIngest_RejectsDivergentGenus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateRes(ctx, "res-1", "genus-A", "branch-main", "")
	require.NoError(t, err)

	resRows := []syncwire.Res{{ID: "res-1", GenusID: "genus-B", BranchID: "branch-main", CreatedAt: "2026-01-01T00:00:00Z"}}
	_, err = Ingest(ctx, st, "replica-A", resRows, nil)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.ErrDivergentRes))
}
