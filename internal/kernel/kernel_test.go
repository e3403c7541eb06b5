package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/store"
)

type testEnv struct {
	st  *store.Store
	reg *genus.Registry
	k   *Kernel
	main *store.Branch
}

func newTestEnv(t *testing.T) *testEnv {
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

	main, err := st.GetBranchByName(context.Background(), store.DefaultBranchName)
	require.NoError(t, err)

	k := New(st, reg, nextID, nil)
	return &testEnv{st: st, reg: reg, k: k, main: main}
}

func serverGenus(t *testing.T, env *testEnv) *genus.Genus {
	g, err := env.reg.DefineEntityGenus(context.Background(), "Server", "infra",
		[]genus.AttributeDef{{Name: "cost", Type: genus.AttrNumber}},
		[]genus.StateDef{{Name: "provisioning", Initial: true}, {Name: "active"}, {Name: "decommissioned"}},
		[]genus.TransitionDef{{From: "provisioning", To: "active"}, {From: "active", To: "decommissioned"}},
	)
	require.NoError(t, err)
	return g
}

// Scenario 1: point-in-time materialization.
func TestPointInTimeMaterialization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := serverGenus(t, env)

	st, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	resID := st.ResID

	st1, err := env.k.SetAttribute(ctx, resID, env.main.ID, "local", "cost", genus.Value{Type: genus.AttrNumber, Raw: 48.0})
	require.NoError(t, err)

	rows, err := env.st.ScanTessellae(ctx, store.ScanFilter{ResID: resID})
	require.NoError(t, err)
	var t1ID int64
	for _, r := range rows {
		if r.Type == store.TypeAttributeSet {
			t1ID = r.ID
		}
	}
	_ = st1

	_, err = env.k.SetAttribute(ctx, resID, env.main.ID, "local", "cost", genus.Value{Type: genus.AttrNumber, Raw: 64.0})
	require.NoError(t, err)

	full, err := Materialize(ctx, env.st, resID, MaterializeOpts{BranchID: env.main.ID}, nil)
	require.NoError(t, err)
	n, _ := full.Attributes["cost"].Number()
	require.Equal(t, 64.0, n)

	pit, err := Materialize(ctx, env.st, resID, MaterializeOpts{BranchID: env.main.ID, UpTo: t1ID}, nil)
	require.NoError(t, err)
	n, _ = pit.Attributes["cost"].Number()
	require.Equal(t, 48.0, n)
}

// Scenario 2: invalid transition.
func TestInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := serverGenus(t, env)

	st, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	require.Equal(t, "provisioning", st.Status)

	_, err = env.k.TransitionStatus(ctx, st.ResID, env.main.ID, "local", "decommissioned")
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.ErrInvalidTransition))

	st2, err := env.k.TransitionStatus(ctx, st.ResID, env.main.ID, "local", "active")
	require.NoError(t, err)
	require.Equal(t, "active", st2.Status)

	_, err = env.k.TransitionStatus(ctx, st.ResID, env.main.ID, "local", "provisioning")
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.ErrInvalidTransition))
}

// Scenario 3: auto-traversal to a target status.
func TestAutoTraversalTargetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := serverGenus(t, env)

	st, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "decommissioned", "local")
	require.NoError(t, err)
	require.Equal(t, "decommissioned", st.Status)
}

func TestSetAttribute_RejectsUndeclaredAttribute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := serverGenus(t, env)
	st, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)

	_, err = env.k.SetAttribute(ctx, st.ResID, env.main.ID, "local", "nope", genus.Value{Type: genus.AttrText, Raw: "x"})
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.ErrValidation))
}

func TestGetHealth_MissingRequiredAttribute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, err := env.reg.DefineEntityGenus(ctx, "Widget", "infra",
		[]genus.AttributeDef{{Name: "sku", Type: genus.AttrText, Required: true}},
		[]genus.StateDef{{Name: "draft", Initial: true}}, nil)
	require.NoError(t, err)

	st, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)

	h, err := env.k.GetHealth(ctx, st.ResID, env.main.ID)
	require.NoError(t, err)
	require.False(t, h.Healthy)
	require.Contains(t, h.MissingRequired, "sku")

	_, err = env.k.SetAttribute(ctx, st.ResID, env.main.ID, "local", "sku", genus.Value{Type: genus.AttrText, Raw: "abc"})
	require.NoError(t, err)

	h, err = env.k.GetHealth(ctx, st.ResID, env.main.ID)
	require.NoError(t, err)
	require.True(t, h.Healthy)
}

func TestBatchUpdate_AbortsOnFirstErrorByDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := serverGenus(t, env)

	a, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	b, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)

	_, err = env.k.BatchUpdate(ctx, env.main.ID, "local", BatchRequest{
		Items: []BatchItem{
			{ResID: a.ResID, TargetStatus: "active"},
			{ResID: b.ResID, TargetStatus: "bogus"},
		},
	})
	require.Error(t, err)

	final, err := Materialize(ctx, env.st, a.ResID, MaterializeOpts{BranchID: env.main.ID}, nil)
	require.NoError(t, err)
	require.Equal(t, "active", final.Status, "earlier batch items still apply even though a later one fails")
}

func TestBatchUpdate_ContinueOnError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := serverGenus(t, env)

	a, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	b, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)

	outcomes, err := env.k.BatchUpdate(ctx, env.main.ID, "local", BatchRequest{
		ContinueOnError: true,
		Items: []BatchItem{
			{ResID: a.ResID, TargetStatus: "active"},
			{ResID: b.ResID, TargetStatus: "bogus"},
		},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0].Err)
	require.Error(t, outcomes[1].Err)
}

func TestAssignWorkspace_ReParentsRes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := serverGenus(t, env)

	ent, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)

	final, err := env.k.AssignWorkspace(ctx, ent.ResID, env.main.ID, "local", "team-b")
	require.NoError(t, err)
	require.Equal(t, "team-b", final.Workspace)
}
