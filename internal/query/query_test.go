package query

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/kernel"
	"github.com/farant/smaragda-sub003/internal/store"
)

type testEnv struct {
	st   *store.Store
	reg  *genus.Registry
	k    *kernel.Kernel
	q    *Service
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

	k := kernel.New(st, reg, nextID, nil)
	return &testEnv{st: st, reg: reg, k: k, q: New(st, reg, nil), main: main}
}

func widgetGenus(t *testing.T, env *testEnv) *genus.Genus {
	g, err := env.reg.DefineEntityGenus(context.Background(), "Widget", "catalog",
		[]genus.AttributeDef{
			{Name: "name", Type: genus.AttrText},
			{Name: "price", Type: genus.AttrNumber},
		},
		[]genus.StateDef{{Name: "draft", Initial: true}, {Name: "published"}},
		[]genus.TransitionDef{{From: "draft", To: "published"}},
	)
	require.NoError(t, err)
	return g
}

func TestListEntities_FiltersByRangeAndCompactsResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := widgetGenus(t, env)

	cheap, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", map[string]genus.Value{
		"name": {Type: genus.AttrText, Raw: "Cheap Widget"}, "price": {Type: genus.AttrNumber, Raw: 5.0},
	}, "", "local")
	require.NoError(t, err)
	_, err = env.k.CreateEntity(ctx, g.ID, env.main.ID, "", map[string]genus.Value{
		"name": {Type: genus.AttrText, Raw: "Pricey Widget"}, "price": {Type: genus.AttrNumber, Raw: 500.0},
	}, "", "local")
	require.NoError(t, err)

	max := 10.0
	items, err := env.q.ListEntities(ctx, ListOpts{
		GenusID:          g.ID,
		AttributeFilters: []AttributeFilter{{Key: "price", Max: &max}},
		Compact:          true,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, cheap.ResID, items[0].Compact.ID)
	require.Equal(t, "Cheap Widget", items[0].Compact.Name)
	require.Nil(t, items[0].Full)
}

func TestSearchEntities_CaseInsensitiveSubstring(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := widgetGenus(t, env)

	ent, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", map[string]genus.Value{
		"name": {Type: genus.AttrText, Raw: "Turbo Encabulator"},
	}, "", "local")
	require.NoError(t, err)

	hits, err := env.q.SearchEntities(ctx, "encabulator")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, ent.ResID, hits[0].ResID)

	miss, err := env.q.SearchEntities(ctx, "nonexistent")
	require.NoError(t, err)
	require.Empty(t, miss)
}

func TestGetHistory_DiffReportsChangedFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := widgetGenus(t, env)

	ent, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	_, err = env.k.SetAttribute(ctx, ent.ResID, env.main.ID, "local", "price", genus.Value{Type: genus.AttrNumber, Raw: 10.0})
	require.NoError(t, err)
	_, err = env.k.TransitionStatus(ctx, ent.ResID, env.main.ID, "local", "published")
	require.NoError(t, err)

	raw, err := env.q.GetHistory(ctx, ent.ResID, false)
	require.NoError(t, err)
	require.Len(t, raw, 3)
	for _, e := range raw {
		require.Nil(t, e.Changed)
	}

	diffed, err := env.q.GetHistory(ctx, ent.ResID, true)
	require.NoError(t, err)
	require.Len(t, diffed, 3)
	require.Contains(t, diffed[0].Changed, "status")
	require.Contains(t, diffed[1].Changed, "attribute:price")
	require.Contains(t, diffed[2].Changed, "status")
	require.Equal(t, "published", diffed[2].Changed["status"])
}

func TestGetRelationships_FiltersByRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	entG := widgetGenus(t, env)

	a, err := env.k.CreateEntity(ctx, entG.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	b, err := env.k.CreateEntity(ctx, entG.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)

	relGenus, err := env.reg.DefineRelationshipGenus(ctx, "DependsOn", "catalog",
		[]genus.RoleDef{
			{Name: "dependent", GenusID: entG.ID, MinCard: 1, MaxCard: 1},
			{Name: "dependency", GenusID: entG.ID, MinCard: 1, MaxCard: 1},
		}, nil)
	require.NoError(t, err)

	_, err = env.k.CreateRelationship(ctx, relGenus.ID, env.main.ID, "",
		map[string][]string{"dependent": {a.ResID}, "dependency": {b.ResID}}, nil, "local")
	require.NoError(t, err)

	asDependent, err := env.q.GetRelationships(ctx, a.ResID, "dependent")
	require.NoError(t, err)
	require.Len(t, asDependent, 1)

	asDependency, err := env.q.GetRelationships(ctx, a.ResID, "dependency")
	require.NoError(t, err)
	require.Empty(t, asDependency)

	anyRole, err := env.q.GetRelationships(ctx, b.ResID, "")
	require.NoError(t, err)
	require.Len(t, anyRole, 1)
}

func TestGetRelationships_MultiCardinalityRolePreservesAllBindings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	entG := widgetGenus(t, env)

	a, err := env.k.CreateEntity(ctx, entG.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	b, err := env.k.CreateEntity(ctx, entG.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)
	c, err := env.k.CreateEntity(ctx, entG.ID, env.main.ID, "", nil, "", "local")
	require.NoError(t, err)

	relGenus, err := env.reg.DefineRelationshipGenus(ctx, "GroupedWith", "catalog",
		[]genus.RoleDef{
			{Name: "member", GenusID: entG.ID, MinCard: 2, MaxCard: 0},
		}, nil)
	require.NoError(t, err)

	rel, err := env.k.CreateRelationship(ctx, relGenus.ID, env.main.ID, "",
		map[string][]string{"member": {a.ResID, b.ResID, c.ResID}}, nil, "local")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a.ResID, b.ResID, c.ResID}, rel.Roles["member"],
		"every bound entity in a multi-cardinality role must survive materialization, not just the last one")

	for _, entity := range []string{a.ResID, b.ResID, c.ResID} {
		found, err := env.q.GetRelationships(ctx, entity, "member")
		require.NoError(t, err)
		require.Len(t, found, 1)
	}
}

func TestQueryTimeline_SortsByStartYearAcrossBCBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := widgetGenus(t, env)

	ctxIDs := []struct {
		start, end int
	}{
		{100, 200},
		{-500, -400},
		{1900, 2000},
	}
	for _, c := range ctxIDs {
		ent, err := env.k.CreateEntity(ctx, g.ID, env.main.ID, "", nil, "", "local")
		require.NoError(t, err)
		_, _, err = env.st.AppendTessella(ctx, store.AppendParams{
			ResID: ent.ResID, BranchID: env.main.ID, Type: store.TypeTemporalAnchorSet,
			Data: []byte(fmt.Sprintf(`{"start_year":%d,"end_year":%d}`, c.start, c.end)), Source: "local",
		})
		require.NoError(t, err)
	}

	out, err := env.q.QueryTimeline(ctx, -1000, 2000)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, -500, out[0].Anchor.StartYear)
	require.Equal(t, 100, out[1].Anchor.StartYear)
	require.Equal(t, 1900, out[2].Anchor.StartYear)

	onlyAncient, err := env.q.QueryTimeline(ctx, -600, -300)
	require.NoError(t, err)
	require.Len(t, onlyAncient, 1)
}
