package kernel

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/farant/smaragda-sub003/internal/store"
)

// MaterializeOpts bounds a materialization (spec §4.2).
type MaterializeOpts struct {
	// UpTo, when > 0, folds only tessellae with id <= UpTo (point-in-time).
	UpTo int64
	// BranchID selects the branch whose chain to fold; empty means the
	// res's own branch.
	BranchID string
}

// Materialize folds a res's tessella sequence into a state map (spec
// §4.2). It is a pure function of (tessella log, genus registry
// snapshot): the genus registry is not actually consulted by the fold
// itself (every tessella payload is already self-describing), matching
// §9's "pass the genus registry and the tessella iterator into the fold
// explicitly; never reach for shared mutable state" — here the fold
// needs no registry state at all, so none is threaded through.
func Materialize(ctx context.Context, st *store.Store, resID string, opts MaterializeOpts, log *slog.Logger) (*State, error) {
	if log == nil {
		log = slog.Default()
	}

	res, err := st.GetRes(ctx, resID)
	if err != nil {
		return nil, err
	}

	branchID := opts.BranchID
	if branchID == "" {
		branchID = res.BranchID
	}
	chain, err := st.BranchChain(ctx, branchID)
	if err != nil {
		return nil, err
	}

	tessellae, err := st.ScanTessellae(ctx, store.ScanFilter{
		ResID:     resID,
		BranchIDs: chain,
		UpToID:    opts.UpTo,
	})
	if err != nil {
		return nil, err
	}

	return Fold(resID, tessellae, log), nil
}

// Fold applies the deterministic fold rules of spec §4.2 to an ordered
// (by append/ingest id) tessella sequence. It is exported so the sync
// engine and tests can materialize an in-memory batch without a store.
func Fold(resID string, tessellae []*store.Tessella, log *slog.Logger) *State {
	if log == nil {
		log = slog.Default()
	}

	s := newState(resID)
	winners := map[string]attrWinner{}

	for _, t := range tessellae {
		switch t.Type {
		case store.TypeAttributeSet:
			var d AttributeSetData
			if err := json.Unmarshal(t.Data, &d); err != nil {
				log.Warn("kernel: failed to decode attribute_set payload", "tessella_id", t.ID, "err", err)
				continue
			}
			candidate := attrWinner{createdAt: t.CreatedAt, originReplica: t.OriginReplica, originLocalID: t.OriginLocalID}
			if cur, ok := winners[d.Key]; !ok || cur.less(candidate) {
				winners[d.Key] = candidate
				s.Attributes[d.Key] = d.Value
			}

		case store.TypeStatusTransition:
			var d StatusTransitionData
			if err := json.Unmarshal(t.Data, &d); err != nil {
				log.Warn("kernel: failed to decode status_transition payload", "tessella_id", t.ID, "err", err)
				continue
			}
			if d.From != "" && d.From != s.Status {
				s.Inconsistent = true
				log.Warn("kernel: state-machine drift detected", "res_id", resID, "tessella_id", t.ID, "expected_from", s.Status, "declared_from", d.From)
			}
			s.Status = d.To

		case store.TypeFeatureAdded:
			var d FeatureAddedData
			if err := json.Unmarshal(t.Data, &d); err != nil {
				log.Warn("kernel: failed to decode feature_added payload", "tessella_id", t.ID, "err", err)
				continue
			}
			if !containsStr(s.Features, d.FeatureResID) {
				s.Features = append(s.Features, d.FeatureResID)
			}

		case store.TypeRelationshipLinked:
			var d RelationshipLinkedData
			if err := json.Unmarshal(t.Data, &d); err != nil {
				log.Warn("kernel: failed to decode relationship_linked payload", "tessella_id", t.ID, "err", err)
				continue
			}
			if s.Roles == nil {
				s.Roles = map[string][]string{}
			}
			if !containsStr(s.Roles[d.Role], d.EntityResID) {
				s.Roles[d.Role] = append(s.Roles[d.Role], d.EntityResID)
			}

		case store.TypeActionApplied:
			var d ActionAppliedData
			if err := json.Unmarshal(t.Data, &d); err != nil {
				log.Warn("kernel: failed to decode action_applied payload", "tessella_id", t.ID, "err", err)
				continue
			}
			s.Actions = append(s.Actions, ActionRecord{
				TessellaID: t.ID, Action: d.Action, Params: d.Params, AppliedAt: t.CreatedAt,
			})

		case store.TypeTemporalAnchorSet:
			var d TemporalAnchorSetData
			if err := json.Unmarshal(t.Data, &d); err != nil {
				log.Warn("kernel: failed to decode temporal_anchor_set payload", "tessella_id", t.ID, "err", err)
				continue
			}
			s.Anchor = &TemporalAnchor{StartYear: d.StartYear, EndYear: d.EndYear}

		case store.TypeAssignWorkspace:
			var d AssignWorkspaceData
			if err := json.Unmarshal(t.Data, &d); err != nil {
				log.Warn("kernel: failed to decode assign_workspace payload", "tessella_id", t.ID, "err", err)
				continue
			}
			s.Workspace = d.Workspace

		case store.TypeDeprecated:
			s.Deprecated = true

		default:
			log.Warn("kernel: skipping unknown tessella type", "tessella_id", t.ID, "type", t.Type)
		}
	}

	return s
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
