package kernel

import (
	"context"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/kerrors"
)

// BatchWhere matches res by genus and an equality attribute predicate
// (spec §4.4: "matches by a where clause (genus + attribute predicate)").
type BatchWhere struct {
	GenusID       string
	AttributeKey  string
	AttributeText string
}

// BatchItem is one explicit (res, operation) pair.
type BatchItem struct {
	ResID        string
	TargetStatus string
	SetKey       string
	SetValue     *genus.Value
}

// BatchRequest is the input to BatchUpdate (spec §4.4 batch_update).
type BatchRequest struct {
	// Items enumerates explicit targets. Mutually exclusive with Where.
	Items []BatchItem

	// Where matches res dynamically; TargetStatus/SetKey/SetValue below
	// are applied to every match, in the order AllResByGenus returns them.
	Where        *BatchWhere
	TargetStatus string
	SetKey       string
	SetValue     *genus.Value

	ContinueOnError bool
}

// BatchOutcome is the per-item result of a batch operation.
type BatchOutcome struct {
	ResID string
	State *State
	Err   error
}

// BatchUpdate applies target_status and/or attribute=value to each
// matched res, in array order; by default the first error aborts the
// remainder, and with ContinueOnError every item runs and outcomes are
// collected (spec §4.4, §7).
func (k *Kernel) BatchUpdate(ctx context.Context, branchID, source string, req BatchRequest) ([]BatchOutcome, error) {
	items := req.Items
	if req.Where != nil {
		matched, err := k.matchWhere(ctx, branchID, *req.Where)
		if err != nil {
			return nil, err
		}
		items = make([]BatchItem, 0, len(matched))
		for _, resID := range matched {
			items = append(items, BatchItem{ResID: resID, TargetStatus: req.TargetStatus, SetKey: req.SetKey, SetValue: req.SetValue})
		}
	}

	outcomes := make([]BatchOutcome, 0, len(items))
	for i, item := range items {
		st, err := k.applyBatchItem(ctx, branchID, source, item)
		if err != nil {
			wrapped := &kerrors.ItemError{Index: i, Err: err}
			outcomes = append(outcomes, BatchOutcome{ResID: item.ResID, Err: wrapped})
			if !req.ContinueOnError {
				return outcomes, wrapped
			}
			continue
		}
		outcomes = append(outcomes, BatchOutcome{ResID: item.ResID, State: st})
	}
	return outcomes, nil
}

func (k *Kernel) applyBatchItem(ctx context.Context, branchID, source string, item BatchItem) (*State, error) {
	var st *State
	var err error

	if item.SetKey != "" && item.SetValue != nil {
		st, err = k.SetAttribute(ctx, item.ResID, branchID, source, item.SetKey, *item.SetValue)
		if err != nil {
			return nil, err
		}
	}
	if item.TargetStatus != "" {
		cur := st
		if cur == nil {
			cur, err = Materialize(ctx, k.st, item.ResID, MaterializeOpts{BranchID: branchID}, k.log)
			if err != nil {
				return nil, err
			}
		}
		res, err := k.st.GetRes(ctx, item.ResID)
		if err != nil {
			return nil, err
		}
		g, err := k.reg.Get(res.GenusID)
		if err != nil {
			return nil, err
		}
		if cur.Status != item.TargetStatus {
			if err := k.traverseTo(ctx, g, item.ResID, branchID, source, cur.Status, item.TargetStatus); err != nil {
				return nil, err
			}
		}
		st, err = Materialize(ctx, k.st, item.ResID, MaterializeOpts{BranchID: branchID}, k.log)
		if err != nil {
			return nil, err
		}
	}
	if st == nil {
		st, err = Materialize(ctx, k.st, item.ResID, MaterializeOpts{BranchID: branchID}, k.log)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (k *Kernel) matchWhere(ctx context.Context, branchID string, where BatchWhere) ([]string, error) {
	all, err := k.st.AllResByGenus(ctx, where.GenusID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range all {
		if where.AttributeKey == "" {
			out = append(out, r.ID)
			continue
		}
		st, err := Materialize(ctx, k.st, r.ID, MaterializeOpts{BranchID: branchID}, k.log)
		if err != nil {
			return nil, err
		}
		v, ok := st.Attributes[where.AttributeKey]
		if !ok {
			continue
		}
		text, _ := v.Text()
		if text == where.AttributeText {
			out = append(out, r.ID)
		}
	}
	return out, nil
}
