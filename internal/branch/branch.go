// Package branch is the branch manager (spec §4.5): branch creation,
// merge with conflict detection, and branch comparison. Grounded on the
// teacher's layering style of a thin manager type wrapping the storage
// layer (internal/rpc/server_sync.go wraps internal/storage/sqlite the
// same way for sync operations).
package branch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/kernel"
	"github.com/farant/smaragda-sub003/internal/store"
)

// Manager creates, merges, and compares branches.
type Manager struct {
	st  *store.Store
	ids func() string
	log *slog.Logger
}

// New constructs a Manager over a store and id generator.
func New(st *store.Store, ids func() string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{st: st, ids: ids, log: log}
}

// CreateBranch forks a new branch from an existing one (spec §4.5:
// "createBranch(name, from=current)"). The branch point is stamped at
// the store's current tessella high-water-mark.
func (m *Manager) CreateBranch(ctx context.Context, name, fromBranchID string) (*store.Branch, error) {
	if fromBranchID == "" {
		main, err := m.st.GetBranchByName(ctx, store.DefaultBranchName)
		if err != nil {
			return nil, err
		}
		fromBranchID = main.ID
	}
	if _, err := m.st.GetBranch(ctx, fromBranchID); err != nil {
		return nil, err
	}
	return m.st.CreateBranch(ctx, m.ids(), name, fromBranchID)
}

// attrKey identifies one (res, attribute) pair under merge comparison.
type attrKey struct {
	resID string
	attr  string
}

// latestAttrSets folds a branch's own (non-ancestor) attribute_set
// tessellae since sinceID into a last-write-wins map, scanning in
// ascending append order so the final write per key wins.
func latestAttrSets(ctx context.Context, st *store.Store, branchID string, sinceID int64) (map[attrKey]kernel.AttributeSetData, error) {
	rows, err := st.ScanTessellae(ctx, store.ScanFilter{BranchIDs: []string{branchID}, SinceID: sinceID})
	if err != nil {
		return nil, err
	}
	out := map[attrKey]kernel.AttributeSetData{}
	for _, t := range rows {
		if t.Type != store.TypeAttributeSet {
			continue
		}
		var d kernel.AttributeSetData
		if err := json.Unmarshal(t.Data, &d); err != nil {
			continue
		}
		out[attrKey{resID: t.ResID, attr: d.Key}] = d
	}
	return out, nil
}

// Merge walks source's own attribute_set tessellae since the branch
// point and applies them onto target. A conflict is any (res,
// attribute) that target has also independently set since the branch
// point to a different value (spec §4.5, §8 scenario 6). Without
// force, Merge returns the conflicts and a *kerrors.ConflictError; with
// force, source's values win and a fresh attribute_set is appended on
// target for every source-authored key, conflicting or not.
func (m *Manager) Merge(ctx context.Context, sourceBranchID, targetBranchID string, force bool) ([]kerrors.Conflict, error) {
	source, err := m.st.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	if _, err := m.st.GetBranch(ctx, targetBranchID); err != nil {
		return nil, err
	}

	sourceLatest, err := latestAttrSets(ctx, m.st, sourceBranchID, source.BranchPointID)
	if err != nil {
		return nil, err
	}
	targetLatest, err := latestAttrSets(ctx, m.st, targetBranchID, source.BranchPointID)
	if err != nil {
		return nil, err
	}

	var conflicts []kerrors.Conflict
	for key, sourceVal := range sourceLatest {
		if targetVal, ok := targetLatest[key]; ok && !valuesEqual(sourceVal.Value.Raw, targetVal.Value.Raw) {
			conflicts = append(conflicts, kerrors.Conflict{
				ResID:       key.resID,
				Attribute:   key.attr,
				SourceValue: sourceVal.Value.Raw,
				TargetValue: targetVal.Value.Raw,
			})
		}
	}

	if len(conflicts) > 0 && !force {
		return conflicts, &kerrors.ConflictError{Conflicts: conflicts}
	}

	for key, sourceVal := range sourceLatest {
		data := kernel.AttributeSetData{Key: key.attr, Value: sourceVal.Value}
		raw, err := json.Marshal(data)
		if err != nil {
			return conflicts, kerrors.Wrap("branch.Merge", kerrors.ErrStorage, err.Error())
		}
		if _, _, err := m.st.AppendTessella(ctx, store.AppendParams{
			ResID: key.resID, BranchID: targetBranchID, Type: store.TypeAttributeSet, Data: raw, Source: "merge",
		}); err != nil {
			return conflicts, err
		}
	}

	return conflicts, nil
}

func valuesEqual(a, b interface{}) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Diff is one attribute's materialized value on each side of a compare
// (spec §4.5 compareBranches).
type Diff struct {
	Attribute string
	A, B      interface{}
	Differs   bool
}

// CompareBranches materializes resID on both branches and returns a
// per-attribute diff.
func (m *Manager) CompareBranches(ctx context.Context, resID, branchA, branchB string) ([]Diff, error) {
	stA, err := kernel.Materialize(ctx, m.st, resID, kernel.MaterializeOpts{BranchID: branchA}, m.log)
	if err != nil {
		return nil, err
	}
	stB, err := kernel.Materialize(ctx, m.st, resID, kernel.MaterializeOpts{BranchID: branchB}, m.log)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []Diff
	for k, v := range stA.Attributes {
		seen[k] = true
		vb, ok := stB.Attributes[k]
		d := Diff{Attribute: k, A: v.Raw}
		if ok {
			d.B = vb.Raw
			d.Differs = !valuesEqual(v.Raw, vb.Raw)
		} else {
			d.Differs = true
		}
		out = append(out, d)
	}
	for k, v := range stB.Attributes {
		if seen[k] {
			continue
		}
		out = append(out, Diff{Attribute: k, B: v.Raw, Differs: true})
	}
	return out, nil
}
