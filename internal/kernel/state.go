package kernel

import "github.com/farant/smaragda-sub003/internal/genus"

// ActionRecord is one applied action retained in a materialized state.
type ActionRecord struct {
	TessellaID int64                   `json:"tessella_id"`
	Action     string                  `json:"action"`
	Params     map[string]genus.Value  `json:"params,omitempty"`
	AppliedAt  string                  `json:"applied_at"`
}

// TemporalAnchor is the last-written [start_year, end_year] range on a res.
type TemporalAnchor struct {
	StartYear int `json:"start_year"`
	EndYear   int `json:"end_year"`
}

// State is the materialized, deterministic fold of a res's tessella
// sequence (spec §4.2).
type State struct {
	ResID      string                 `json:"res_id"`
	Status     string                 `json:"status,omitempty"`
	Attributes map[string]genus.Value `json:"attributes"`
	Features   []string               `json:"features,omitempty"`
	Roles      map[string][]string    `json:"roles,omitempty"` // relationship res: role name -> bound entity res ids
	Actions    []ActionRecord         `json:"actions,omitempty"`
	Workspace  string                 `json:"workspace,omitempty"`
	Anchor     *TemporalAnchor        `json:"anchor,omitempty"`
	Deprecated bool                   `json:"deprecated"`

	// Inconsistent is set when a status_transition was accepted whose
	// declared `from` no longer matched the materialized status at the
	// point it was applied (spec §4.6: "accepted but marked
	// inconsistent" -> get_health reports "state-machine-drift").
	Inconsistent bool `json:"inconsistent"`
}

func newState(resID string) *State {
	return &State{
		ResID:      resID,
		Attributes: map[string]genus.Value{},
	}
}

// attrWinner tracks, per attribute key, the tiebreak key of the
// tessella that currently "wins" the last-write-wins race, so that the
// fold converges the same way regardless of local append order (spec
// §4.6 Conflict semantics, §5: "semantic tiebreak for last write").
type attrWinner struct {
	createdAt     string
	originReplica string
	originLocalID int64
}

func (a attrWinner) less(b attrWinner) bool {
	if a.createdAt != b.createdAt {
		return a.createdAt < b.createdAt
	}
	if a.originReplica != b.originReplica {
		return a.originReplica < b.originReplica
	}
	return a.originLocalID < b.originLocalID
}
