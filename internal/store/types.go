package store

import "encoding/json"

// Res is an entity identity (spec §3). It carries no state of its own;
// state is reconstructed by folding its tessellae.
type Res struct {
	ID        string `json:"id"`
	GenusID   string `json:"genus_id"`
	BranchID  string `json:"branch_id"`
	Workspace string `json:"workspace,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TessellaType enumerates the known tessella event types (spec §3).
type TessellaType string

const (
	TypeAttributeSet       TessellaType = "attribute_set"
	TypeStatusTransition   TessellaType = "status_transition"
	TypeFeatureAdded       TessellaType = "feature_added"
	TypeRelationshipLinked TessellaType = "relationship_linked"
	TypeActionApplied      TessellaType = "action_applied"
	TypeDeprecated         TessellaType = "deprecated"
	TypeTemporalAnchorSet  TessellaType = "temporal_anchor_set"
	TypeAssignWorkspace    TessellaType = "assign_workspace"
)

// Tessella is an immutable event appended to the log (spec §3).
type Tessella struct {
	ID            int64           `json:"id"`
	ResID         string          `json:"res_id"`
	BranchID      string          `json:"branch_id"`
	Type          TessellaType    `json:"type"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     string          `json:"created_at"`
	Source        string          `json:"source"`
	OriginReplica string          `json:"origin_replica"`
	OriginLocalID int64           `json:"origin_local_id"`
}

// Branch is a named isolation scope for tessellae (spec §3).
type Branch struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ParentID      string `json:"parent_id,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	BranchPointID int64  `json:"branch_point_id"`
}

const (
	BranchStatusActive    = "active"
	BranchStatusMerged    = "merged"
	BranchStatusAbandoned = "abandoned"
)

// DefaultBranchName is the root branch every replica starts with.
const DefaultBranchName = "main"

// GenusRow is the persisted form of a genus definition (spec §4.3).
// Definition holds the JSON-encoded genus.Genus payload; the registry
// owns its shape, the store treats it as opaque per spec §6.
type GenusRow struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Taxonomy   string `json:"taxonomy"`
	Definition string `json:"definition"`
	Deprecated bool   `json:"deprecated"`
	CreatedAt  string `json:"created_at"`
}

// SyncState is the client-side bookkeeping row for one sync peer (spec §4.6).
type SyncState struct {
	Peer              string
	ServerHWM         int64
	LastPushedLocalID int64
}
