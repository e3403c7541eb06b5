// Package query implements the read-side query layer (spec §4.7):
// listing/filtering entities, substring search, tessella history,
// relationship lookups, and temporal-range queries. Every operation
// materializes through kernel.Materialize/Fold rather than reading
// genus-specific columns, so the query layer stays genus-agnostic the
// same way the kernel's mutation API does.
//
// ListEntities fans a genus's res out across goroutines to materialize
// concurrently, grounded on the errgroup.Group fan-out idiom used by
// the pack's transparency-dev-trillian-tessera/storage/integrate.go
// (golang.org/x/sync/errgroup, a pack dependency not otherwise reached
// for by the teacher).
package query

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/kernel"
	"github.com/farant/smaragda-sub003/internal/store"
)

// Service answers read-only queries over a store and its genus registry.
type Service struct {
	st  *store.Store
	reg *genus.Registry
	log *slog.Logger
}

// New constructs a query Service.
func New(st *store.Store, reg *genus.Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{st: st, reg: reg, log: log}
}

// AttributeFilter narrows ListEntities to res whose materialized
// attribute `Key` satisfies one of: Eq (equality), [Min,Max] (numeric
// range, either bound optional), or Contains (case-insensitive text
// substring) — spec §4.7: "filters by predicate (equality, range,
// substring on text)".
type AttributeFilter struct {
	Key      string
	Eq       interface{}
	Min, Max *float64
	Contains string
}

func (f AttributeFilter) matches(v genus.Value) bool {
	if f.Eq != nil {
		switch want := f.Eq.(type) {
		case string:
			got, ok := v.Text()
			return ok && got == want
		case float64:
			got, ok := v.Number()
			return ok && got == want
		case bool:
			got, ok := v.Bool()
			return ok && got == want
		}
		return false
	}
	if f.Min != nil || f.Max != nil {
		n, ok := v.Number()
		if !ok {
			return false
		}
		if f.Min != nil && n < *f.Min {
			return false
		}
		if f.Max != nil && n > *f.Max {
			return false
		}
		return true
	}
	if f.Contains != "" {
		text, ok := v.Text()
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(text), strings.ToLower(f.Contains))
	}
	return true
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func matchesAll(s *kernel.State, filters []AttributeFilter) bool {
	for _, f := range filters {
		v, ok := s.Attributes[f.Key]
		if !ok || !f.matches(v) {
			return false
		}
	}
	return true
}

// CompactEntity is the compact listing shape (spec §4.7: "compact
// {id, genus, status, name}").
type CompactEntity struct {
	ID     string `json:"id"`
	Genus  string `json:"genus"`
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
}

// ListItem is one row of a ListEntities result: always the compact
// projection, plus the full materialized state when Compact is false.
type ListItem struct {
	Compact CompactEntity
	Full    *kernel.State
}

// ListOpts configures ListEntities.
type ListOpts struct {
	GenusID          string
	BranchID         string
	AttributeFilters []AttributeFilter
	Compact          bool
}

// ListEntities scans the res of a genus (or every res, if GenusID is
// empty), materializes each concurrently, and returns those matching
// every attribute filter (spec §4.7 listEntities).
func (s *Service) ListEntities(ctx context.Context, opts ListOpts) ([]ListItem, error) {
	var rows []*store.Res
	var err error
	if opts.GenusID != "" {
		rows, err = s.st.AllResByGenus(ctx, opts.GenusID)
	} else {
		rows, err = s.st.AllRes(ctx)
	}
	if err != nil {
		return nil, err
	}

	states := make([]*kernel.State, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range rows {
		i, r := i, r
		g.Go(func() error {
			st, err := kernel.Materialize(gctx, s.st, r.ID, kernel.MaterializeOpts{BranchID: opts.BranchID}, s.log)
			if err != nil {
				return err
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []ListItem
	for i, st := range states {
		if !matchesAll(st, opts.AttributeFilters) {
			continue
		}
		name, _ := st.Attributes["name"].Text()
		item := ListItem{Compact: CompactEntity{ID: st.ResID, Genus: rows[i].GenusID, Status: st.Status, Name: name}}
		if !opts.Compact {
			item.Full = st
		}
		out = append(out, item)
	}
	return out, nil
}

// SearchEntities materializes res one at a time and yields those with
// any string-typed attribute containing query, case-insensitively
// (spec §4.7 search_entities).
func (s *Service) SearchEntities(ctx context.Context, query string) ([]*kernel.State, error) {
	rows, err := s.st.AllRes(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	var out []*kernel.State
	for _, r := range rows {
		st, err := kernel.Materialize(ctx, s.st, r.ID, kernel.MaterializeOpts{}, s.log)
		if err != nil {
			return nil, err
		}
		for _, v := range st.Attributes {
			text, ok := v.Text()
			if ok && strings.Contains(strings.ToLower(text), needle) {
				out = append(out, st)
				break
			}
		}
	}
	return out, nil
}

// HistoryEntry is one tessella in a res's raw sequence, or (when diff
// is requested) the subset of fields it changed.
type HistoryEntry struct {
	TessellaID int64             `json:"tessella_id"`
	Type       string            `json:"type"`
	CreatedAt  string            `json:"created_at"`
	Source     string            `json:"source"`
	Changed    map[string]string `json:"changed,omitempty"` // diff=true: field -> new value description
}

// GetHistory returns the raw tessella sequence for a res. With diff,
// each entry additionally reports which materialized fields changed at
// that point in the fold (spec §4.7 get_history).
func (s *Service) GetHistory(ctx context.Context, resID string, diff bool) ([]HistoryEntry, error) {
	res, err := s.st.GetRes(ctx, resID)
	if err != nil {
		return nil, err
	}
	chain, err := s.st.BranchChain(ctx, res.BranchID)
	if err != nil {
		return nil, err
	}
	tessellae, err := s.st.ScanTessellae(ctx, store.ScanFilter{ResID: resID, BranchIDs: chain})
	if err != nil {
		return nil, err
	}

	out := make([]HistoryEntry, len(tessellae))
	var prev *kernel.State
	for i, t := range tessellae {
		out[i] = HistoryEntry{TessellaID: t.ID, Type: string(t.Type), CreatedAt: t.CreatedAt, Source: t.Source}
		if !diff {
			continue
		}
		cur := kernel.Fold(resID, tessellae[:i+1], s.log)
		out[i].Changed = diffStates(prev, cur)
		prev = cur
	}
	return out, nil
}

func diffStates(prev, cur *kernel.State) map[string]string {
	changed := map[string]string{}
	if prev == nil || prev.Status != cur.Status {
		changed["status"] = cur.Status
	}
	for k, v := range cur.Attributes {
		var old genus.Value
		var existed bool
		if prev != nil {
			old, existed = prev.Attributes[k]
		}
		if !existed || !valuesEqual(old, v) {
			if text, ok := v.Text(); ok {
				changed["attribute:"+k] = text
			} else {
				changed["attribute:"+k] = "(set)"
			}
		}
	}
	return changed
}

func valuesEqual(a, b genus.Value) bool {
	at, aok := a.Text()
	bt, bok := b.Text()
	if aok && bok {
		return at == bt
	}
	an, aok := a.Number()
	bn, bok := b.Number()
	if aok && bok {
		return an == bn
	}
	ab, aok := a.Bool()
	bb, bok := b.Bool()
	if aok && bok {
		return ab == bb
	}
	return false
}

// GetRelationships resolves every relationship res that binds
// entityID into any role (or the named role, if given) and returns
// their materialized states (spec §4.7 get_relationships).
func (s *Service) GetRelationships(ctx context.Context, entityID, role string) ([]*kernel.State, error) {
	var out []*kernel.State
	for _, g := range s.reg.All() {
		if g.Kind != genus.KindRelationship {
			continue
		}
		rows, err := s.st.AllResByGenus(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			st, err := kernel.Materialize(ctx, s.st, r.ID, kernel.MaterializeOpts{}, s.log)
			if err != nil {
				return nil, err
			}
			for roleName, boundIDs := range st.Roles {
				if role != "" && roleName != role {
					continue
				}
				if containsStr(boundIDs, entityID) {
					out = append(out, st)
					break
				}
			}
		}
	}
	return out, nil
}

// QueryTimeline returns res whose temporal_anchor [start_year,
// end_year] intersects [startYear, endYear], sorted by start_year
// ascending. Negative years denote BC (spec §4.7 query_timeline).
func (s *Service) QueryTimeline(ctx context.Context, startYear, endYear int) ([]*kernel.State, error) {
	rows, err := s.st.AllRes(ctx)
	if err != nil {
		return nil, err
	}

	var out []*kernel.State
	for _, r := range rows {
		st, err := kernel.Materialize(ctx, s.st, r.ID, kernel.MaterializeOpts{}, s.log)
		if err != nil {
			return nil, err
		}
		if st.Anchor == nil {
			continue
		}
		if st.Anchor.StartYear <= endYear && st.Anchor.EndYear >= startYear {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Anchor.StartYear < out[j].Anchor.StartYear })
	return out, nil
}
