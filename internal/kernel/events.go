// Package kernel implements the materializer and mutation API (spec §4.2,
// §4.4): the deterministic fold over a res's tessella sequence, and the
// thin validated wrappers that append tessellae.
package kernel

import "github.com/farant/smaragda-sub003/internal/genus"

// AttributeSetData is the payload of an attribute_set tessella.
type AttributeSetData struct {
	Key   string      `json:"key"`
	Value genus.Value `json:"value"`
}

// StatusTransitionData is the payload of a status_transition tessella.
// From is recorded for diagnostics and drift detection (spec §4.6); the
// fold rule itself only needs To.
type StatusTransitionData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FeatureAddedData is the payload of a feature_added tessella.
type FeatureAddedData struct {
	FeatureResID string `json:"feature_res_id"`
}

// RelationshipLinkedData is the payload of a relationship_linked
// tessella, appended on a relationship res for each bound role.
type RelationshipLinkedData struct {
	Role       string `json:"role"`
	EntityResID string `json:"entity_res_id"`
}

// ActionAppliedData is the payload of an action_applied tessella.
type ActionAppliedData struct {
	Action string                 `json:"action"`
	Params map[string]genus.Value `json:"params,omitempty"`
}

// TemporalAnchorSetData is the payload of a temporal_anchor_set tessella
// (spec §4.7 query_timeline).
type TemporalAnchorSetData struct {
	StartYear int `json:"start_year"`
	EndYear   int `json:"end_year"`
}

// AssignWorkspaceData is the payload of an assign_workspace tessella
// (spec §3 Lifecycle: "optionally re-parented by assign_workspace").
type AssignWorkspaceData struct {
	Workspace string `json:"workspace"`
}
