package branch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/kernel"
	"github.com/farant/smaragda-sub003/internal/store"
)

func newTestDeps(t *testing.T) (*store.Store, *genus.Registry, *kernel.Kernel, *Manager, *store.Branch) {
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

	reg, err := genus.NewRegistry(context.Background(), st, nextID)
	require.NoError(t, err)
	k := kernel.New(st, reg, nextID, nil)
	mgr := New(st, nextID, nil)

	main, err := st.GetBranchByName(context.Background(), store.DefaultBranchName)
	require.NoError(t, err)
	return st, reg, k, mgr, main
}

// Scenario 6: feature edits price=10, main edits price=20; merge without
// force reports the conflict; with force, main's price becomes 10.
func TestMerge_ConflictDetectionAndForce(t *testing.T) {
	st, reg, k, mgr, main := newTestDeps(t)
	ctx := context.Background()

	g, err := reg.DefineEntityGenus(ctx, "Item", "catalog",
		[]genus.AttributeDef{{Name: "price", Type: genus.AttrNumber}},
		[]genus.StateDef{{Name: "draft", Initial: true}}, nil)
	require.NoError(t, err)

	ent, err := k.CreateEntity(ctx, g.ID, main.ID, "", nil, "", "local")
	require.NoError(t, err)

	feature, err := mgr.CreateBranch(ctx, "feature", main.ID)
	require.NoError(t, err)

	_, err = k.SetAttribute(ctx, ent.ResID, feature.ID, "local", "price", genus.Value{Type: genus.AttrNumber, Raw: 10.0})
	require.NoError(t, err)
	_, err = k.SetAttribute(ctx, ent.ResID, main.ID, "local", "price", genus.Value{Type: genus.AttrNumber, Raw: 20.0})
	require.NoError(t, err)

	conflicts, err := mgr.Merge(ctx, feature.ID, main.ID, false)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.ErrConflictDetected))
	require.Len(t, conflicts, 1)
	require.Equal(t, "price", conflicts[0].Attribute)
	require.Equal(t, ent.ResID, conflicts[0].ResID)

	_, err = mgr.Merge(ctx, feature.ID, main.ID, true)
	require.NoError(t, err)

	final, err := kernel.Materialize(ctx, st, ent.ResID, kernel.MaterializeOpts{BranchID: main.ID}, nil)
	require.NoError(t, err)
	n, _ := final.Attributes["price"].Number()
	require.Equal(t, 10.0, n)
}

func TestMerge_NoConflictAppliesCleanly(t *testing.T) {
	st, reg, k, mgr, main := newTestDeps(t)
	ctx := context.Background()

	g, err := reg.DefineEntityGenus(ctx, "Item", "catalog",
		[]genus.AttributeDef{{Name: "price", Type: genus.AttrNumber}, {Name: "sku", Type: genus.AttrText}},
		[]genus.StateDef{{Name: "draft", Initial: true}}, nil)
	require.NoError(t, err)

	ent, err := k.CreateEntity(ctx, g.ID, main.ID, "", nil, "", "local")
	require.NoError(t, err)

	feature, err := mgr.CreateBranch(ctx, "feature", main.ID)
	require.NoError(t, err)

	_, err = k.SetAttribute(ctx, ent.ResID, feature.ID, "local", "sku", genus.Value{Type: genus.AttrText, Raw: "ABC"})
	require.NoError(t, err)

	conflicts, err := mgr.Merge(ctx, feature.ID, main.ID, false)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	final, err := kernel.Materialize(ctx, st, ent.ResID, kernel.MaterializeOpts{BranchID: main.ID}, nil)
	require.NoError(t, err)
	text, _ := final.Attributes["sku"].Text()
	require.Equal(t, "ABC", text)
}

func TestCompareBranches_ReportsDivergence(t *testing.T) {
	_, reg, k, mgr, main := newTestDeps(t)
	ctx := context.Background()

	g, err := reg.DefineEntityGenus(ctx, "Item", "catalog",
		[]genus.AttributeDef{{Name: "price", Type: genus.AttrNumber}},
		[]genus.StateDef{{Name: "draft", Initial: true}}, nil)
	require.NoError(t, err)

	ent, err := k.CreateEntity(ctx, g.ID, main.ID, "", nil, "", "local")
	require.NoError(t, err)

	feature, err := mgr.CreateBranch(ctx, "feature", main.ID)
	require.NoError(t, err)

	_, err = k.SetAttribute(ctx, ent.ResID, feature.ID, "local", "price", genus.Value{Type: genus.AttrNumber, Raw: 99.0})
	require.NoError(t, err)

	diffs, err := mgr.CompareBranches(ctx, ent.ResID, main.ID, feature.ID)
	require.NoError(t, err)
	var found bool
	for _, d := range diffs {
		if d.Attribute == "price" {
			found = true
			require.True(t, d.Differs)
		}
	}
	require.True(t, found)
}
