package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "smaragda.db")

	var n int
	nextID := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}

	s, err := Open(context.Background(), path, nil, nextID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateResAndAppendTessella(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	main, err := s.GetBranchByName(ctx, DefaultBranchName)
	require.NoError(t, err)

	res, err := s.CreateRes(ctx, "res-1", "genus-server", main.ID, "")
	require.NoError(t, err)
	require.Equal(t, "res-1", res.ID)

	t1, dup, err := s.AppendTessella(ctx, AppendParams{
		ResID: res.ID, BranchID: main.ID, Type: TypeAttributeSet,
		Data: []byte(`{"key":"cost","value":48}`), Source: "local",
	})
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, int64(1), t1.ID)
	require.Equal(t, s.ReplicaID(), t1.OriginReplica)
	require.Equal(t, int64(1), t1.OriginLocalID)

	t2, dup, err := s.AppendTessella(ctx, AppendParams{
		ResID: res.ID, BranchID: main.ID, Type: TypeAttributeSet,
		Data: []byte(`{"key":"cost","value":64}`), Source: "local",
	})
	require.NoError(t, err)
	require.False(t, dup)
	require.Greater(t, t2.ID, t1.ID)
}

func TestAppendTessella_IdempotentIngest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	main, err := s.GetBranchByName(ctx, DefaultBranchName)
	require.NoError(t, err)

	res, err := s.CreateRes(ctx, "res-1", "genus-server", main.ID, "")
	require.NoError(t, err)

	origin := &OriginKey{Replica: "peer-a", LocalID: 7}
	first, dup, err := s.AppendTessella(ctx, AppendParams{
		ResID: res.ID, BranchID: main.ID, Type: TypeAttributeSet,
		Data: []byte(`{"key":"name","value":"svc"}`), Source: "sync:peer-a", Origin: origin,
	})
	require.NoError(t, err)
	require.False(t, dup)

	second, dup, err := s.AppendTessella(ctx, AppendParams{
		ResID: res.ID, BranchID: main.ID, Type: TypeAttributeSet,
		Data: []byte(`{"key":"name","value":"svc"}`), Source: "sync:peer-a", Origin: origin,
	})
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, first.ID, second.ID)

	hwm, err := s.LocalHighWaterMark(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, hwm, "duplicate ingest must not advance the local id sequence")
}

func TestScanTessellae_AscendingByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	main, err := s.GetBranchByName(ctx, DefaultBranchName)
	require.NoError(t, err)
	res, err := s.CreateRes(ctx, "res-1", "genus-server", main.ID, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := s.AppendTessella(ctx, AppendParams{
			ResID: res.ID, BranchID: main.ID, Type: TypeAttributeSet,
			Data: []byte(`{}`), Source: "local",
		})
		require.NoError(t, err)
	}

	rows, err := s.ScanTessellae(ctx, ScanFilter{ResID: res.ID})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i := 1; i < len(rows); i++ {
		require.Less(t, rows[i-1].ID, rows[i].ID)
	}
}

func TestBranchChain_WalksToRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	main, err := s.GetBranchByName(ctx, DefaultBranchName)
	require.NoError(t, err)

	_, err = s.CreateBranch(ctx, "b-feature", "feature", main.ID)
	require.NoError(t, err)

	chain, err := s.BranchChain(ctx, "b-feature")
	require.NoError(t, err)
	require.Equal(t, []string{"b-feature", main.ID}, chain)
}
