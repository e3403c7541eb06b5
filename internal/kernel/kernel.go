package kernel

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/store"
)

// Kernel is the mutation API (spec §4.4): thin validated wrappers that
// resolve a res and its genus, validate against the registry, and
// append one or more tessellae atomically under the caller's branch.
type Kernel struct {
	st  *store.Store
	reg *genus.Registry
	ids func() string
	log *slog.Logger
}

// New constructs a Kernel over a store, genus registry, and id generator.
func New(st *store.Store, reg *genus.Registry, ids func() string, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	return &Kernel{st: st, reg: reg, ids: ids, log: log}
}

func marshalValue(v genus.Value) ([]byte, error) {
	return json.Marshal(v)
}

func (k *Kernel) appendAttributeSet(ctx context.Context, resID, branchID, source, key string, v genus.Value) error {
	data := AttributeSetData{Key: key, Value: v}
	raw, err := json.Marshal(data)
	if err != nil {
		return kerrors.Wrap("kernel.appendAttributeSet", kerrors.ErrStorage, err.Error())
	}
	_, _, err = k.st.AppendTessella(ctx, store.AppendParams{
		ResID: resID, BranchID: branchID, Type: store.TypeAttributeSet, Data: raw, Source: source,
	})
	return err
}

func (k *Kernel) appendStatusTransition(ctx context.Context, resID, branchID, source, from, to string) error {
	data := StatusTransitionData{From: from, To: to}
	raw, err := json.Marshal(data)
	if err != nil {
		return kerrors.Wrap("kernel.appendStatusTransition", kerrors.ErrStorage, err.Error())
	}
	_, _, err = k.st.AppendTessella(ctx, store.AppendParams{
		ResID: resID, BranchID: branchID, Type: store.TypeStatusTransition, Data: raw, Source: source,
	})
	return err
}

// validateAttributeValue checks a value against its declared attribute,
// including the reference-genus check spec §4.3 assigns to the caller
// holding registry access.
func (k *Kernel) validateAttributeValue(ctx context.Context, g *genus.Genus, key string, v genus.Value) error {
	attr, ok := g.Attribute(key)
	if !ok {
		return kerrors.Wrapf("kernel.validateAttributeValue", kerrors.ErrValidation, "genus %s has no attribute %q", g.ID, key)
	}
	if err := v.Validate(attr); err != nil {
		return kerrors.Wrap("kernel.validateAttributeValue", kerrors.ErrValidation, err.Error())
	}
	if attr.Type == genus.AttrRef {
		refID, _ := v.Text()
		refRes, err := k.st.GetRes(ctx, refID)
		if err != nil {
			return kerrors.Wrapf("kernel.validateAttributeValue", kerrors.ErrValidation, "attribute %q references unknown res %s", key, refID)
		}
		if attr.RefGenusID != "" && refRes.GenusID != attr.RefGenusID {
			return kerrors.Wrapf("kernel.validateAttributeValue", kerrors.ErrGenusMismatch, "attribute %q expects genus %s, referenced res has genus %s", key, attr.RefGenusID, refRes.GenusID)
		}
	}
	return nil
}

// CreateEntity creates a new res of an entity genus, appends its
// implicit initial status_transition (spec §4.3: "createEntity appends
// an implicit status_transition to the initial state"), optionally
// auto-traverses to targetStatus (spec §4.4), and applies any initial
// attributes.
func (k *Kernel) CreateEntity(ctx context.Context, genusID, branchID, workspace string, attrs map[string]genus.Value, targetStatus, source string) (*State, error) {
	g, err := k.reg.Get(genusID)
	if err != nil {
		return nil, err
	}
	if g.Kind != genus.KindEntity {
		return nil, kerrors.Wrapf("kernel.CreateEntity", kerrors.ErrValidation, "genus %s is not an entity genus", genusID)
	}
	initial, ok := g.InitialState()
	if !ok {
		return nil, kerrors.Wrapf("kernel.CreateEntity", kerrors.ErrValidation, "genus %s declares no initial state", genusID)
	}

	resID := k.ids()
	if _, err := k.st.CreateRes(ctx, resID, genusID, branchID, workspace); err != nil {
		return nil, err
	}
	if err := k.appendStatusTransition(ctx, resID, branchID, source, "", initial); err != nil {
		return nil, err
	}

	for key, v := range attrs {
		if err := k.validateAttributeValue(ctx, g, key, v); err != nil {
			return nil, err
		}
		if err := k.appendAttributeSet(ctx, resID, branchID, source, key, v); err != nil {
			return nil, err
		}
	}

	if targetStatus != "" && targetStatus != initial {
		if err := k.traverseTo(ctx, g, resID, branchID, source, initial, targetStatus); err != nil {
			return nil, err
		}
	}

	return Materialize(ctx, k.st, resID, MaterializeOpts{BranchID: branchID}, k.log)
}

// traverseTo walks the shortest declared transition path from `from` to
// `to`, appending one status_transition tessella per hop (spec §4.4).
func (k *Kernel) traverseTo(ctx context.Context, g *genus.Genus, resID, branchID, source, from, to string) error {
	path, err := g.ShortestTransitionPath(from, to)
	if err != nil {
		return kerrors.Wrapf("kernel.traverseTo", kerrors.ErrUnreachableStatus, "%v", err)
	}
	cur := from
	for _, next := range path {
		if err := k.appendStatusTransition(ctx, resID, branchID, source, cur, next); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// SetAttribute validates and appends a single attribute_set tessella (spec §4.4).
func (k *Kernel) SetAttribute(ctx context.Context, resID, branchID, source, key string, v genus.Value) (*State, error) {
	res, err := k.st.GetRes(ctx, resID)
	if err != nil {
		return nil, err
	}
	g, err := k.reg.Get(res.GenusID)
	if err != nil {
		return nil, err
	}
	if err := k.validateAttributeValue(ctx, g, key, v); err != nil {
		return nil, err
	}
	if err := k.appendAttributeSet(ctx, resID, branchID, source, key, v); err != nil {
		return nil, err
	}
	return Materialize(ctx, k.st, resID, MaterializeOpts{BranchID: branchID}, k.log)
}

// TransitionStatus validates and appends a status_transition tessella,
// failing with InvalidTransition if the edge is undeclared or its
// preconditions are unmet (spec §4.3, §8 scenario 2).
func (k *Kernel) TransitionStatus(ctx context.Context, resID, branchID, source, to string) (*State, error) {
	res, err := k.st.GetRes(ctx, resID)
	if err != nil {
		return nil, err
	}
	g, err := k.reg.Get(res.GenusID)
	if err != nil {
		return nil, err
	}
	cur, err := Materialize(ctx, k.st, resID, MaterializeOpts{BranchID: branchID}, k.log)
	if err != nil {
		return nil, err
	}

	transition, ok := g.DeclaredTransition(cur.Status, to)
	if !ok {
		return nil, kerrors.Wrapf("kernel.TransitionStatus", kerrors.ErrInvalidTransition, "%s -> %s is not declared for genus %s", cur.Status, to, g.ID)
	}
	for _, req := range transition.RequiredAttrs {
		if _, ok := cur.Attributes[req]; !ok {
			return nil, kerrors.Wrapf("kernel.TransitionStatus", kerrors.ErrInvalidTransition, "precondition failed: required attribute %q not set", req)
		}
	}

	if err := k.appendStatusTransition(ctx, resID, branchID, source, cur.Status, to); err != nil {
		return nil, err
	}
	return Materialize(ctx, k.st, resID, MaterializeOpts{BranchID: branchID}, k.log)
}

// CreateFeature creates a feature res attached to a parent entity res
// (spec §3 Feature genera, §4.4 createFeature).
func (k *Kernel) CreateFeature(ctx context.Context, parentResID, featureGenusID, branchID, workspace string, attrs map[string]genus.Value, source string) (*State, error) {
	parent, err := k.st.GetRes(ctx, parentResID)
	if err != nil {
		return nil, err
	}
	fg, err := k.reg.Get(featureGenusID)
	if err != nil {
		return nil, err
	}
	if fg.Kind != genus.KindFeature {
		return nil, kerrors.Wrapf("kernel.CreateFeature", kerrors.ErrValidation, "genus %s is not a feature genus", featureGenusID)
	}
	if fg.ParentEntityGenusID != "" && fg.ParentEntityGenusID != parent.GenusID {
		return nil, kerrors.Wrapf("kernel.CreateFeature", kerrors.ErrGenusMismatch, "feature genus %s requires parent genus %s, got %s", featureGenusID, fg.ParentEntityGenusID, parent.GenusID)
	}
	if len(fg.ParentStateAllowlist) > 0 {
		parentState, err := Materialize(ctx, k.st, parentResID, MaterializeOpts{BranchID: branchID}, k.log)
		if err != nil {
			return nil, err
		}
		if !containsStr(fg.ParentStateAllowlist, parentState.Status) {
			return nil, kerrors.Wrapf("kernel.CreateFeature", kerrors.ErrValidation, "parent status %q does not permit feature %s", parentState.Status, featureGenusID)
		}
	}

	featureResID := k.ids()
	if _, err := k.st.CreateRes(ctx, featureResID, featureGenusID, branchID, workspace); err != nil {
		return nil, err
	}

	for key, v := range attrs {
		if err := k.validateAttributeValue(ctx, fg, key, v); err != nil {
			return nil, err
		}
		if err := k.appendAttributeSet(ctx, featureResID, branchID, source, key, v); err != nil {
			return nil, err
		}
	}

	faData := FeatureAddedData{FeatureResID: featureResID}
	raw, err := json.Marshal(faData)
	if err != nil {
		return nil, kerrors.Wrap("kernel.CreateFeature", kerrors.ErrStorage, err.Error())
	}
	if _, _, err := k.st.AppendTessella(ctx, store.AppendParams{
		ResID: parentResID, BranchID: branchID, Type: store.TypeFeatureAdded, Data: raw, Source: source,
	}); err != nil {
		return nil, err
	}

	return Materialize(ctx, k.st, featureResID, MaterializeOpts{BranchID: branchID}, k.log)
}

// CreateRelationship creates a relationship res binding entities to the
// genus's declared roles, enforcing per-role genus and cardinality
// constraints (spec §3, §4.4).
func (k *Kernel) CreateRelationship(ctx context.Context, relGenusID, branchID, workspace string, roleBindings map[string][]string, attrs map[string]genus.Value, source string) (*State, error) {
	rg, err := k.reg.Get(relGenusID)
	if err != nil {
		return nil, err
	}
	if rg.Kind != genus.KindRelationship {
		return nil, kerrors.Wrapf("kernel.CreateRelationship", kerrors.ErrValidation, "genus %s is not a relationship genus", relGenusID)
	}

	for _, role := range rg.Roles {
		bound := roleBindings[role.Name]
		if len(bound) < role.MinCard || (role.MaxCard > 0 && len(bound) > role.MaxCard) {
			return nil, kerrors.Wrapf("kernel.CreateRelationship", kerrors.ErrCardinalityViolation, "role %q requires %d..%d bindings, got %d", role.Name, role.MinCard, role.MaxCard, len(bound))
		}
		for _, entityID := range bound {
			er, err := k.st.GetRes(ctx, entityID)
			if err != nil {
				return nil, kerrors.Wrapf("kernel.CreateRelationship", kerrors.ErrNotFound, "role %q references unknown res %s", role.Name, entityID)
			}
			if role.GenusID != "" && er.GenusID != role.GenusID {
				return nil, kerrors.Wrapf("kernel.CreateRelationship", kerrors.ErrGenusMismatch, "role %q requires genus %s, res %s has genus %s", role.Name, role.GenusID, entityID, er.GenusID)
			}
		}
	}

	relResID := k.ids()
	if _, err := k.st.CreateRes(ctx, relResID, relGenusID, branchID, workspace); err != nil {
		return nil, err
	}

	for _, role := range rg.Roles {
		for _, entityID := range roleBindings[role.Name] {
			data := RelationshipLinkedData{Role: role.Name, EntityResID: entityID}
			raw, err := json.Marshal(data)
			if err != nil {
				return nil, kerrors.Wrap("kernel.CreateRelationship", kerrors.ErrStorage, err.Error())
			}
			if _, _, err := k.st.AppendTessella(ctx, store.AppendParams{
				ResID: relResID, BranchID: branchID, Type: store.TypeRelationshipLinked, Data: raw, Source: source,
			}); err != nil {
				return nil, err
			}
		}
	}

	for key, v := range attrs {
		if err := k.validateAttributeValue(ctx, rg, key, v); err != nil {
			return nil, err
		}
		if err := k.appendAttributeSet(ctx, relResID, branchID, source, key, v); err != nil {
			return nil, err
		}
	}

	return Materialize(ctx, k.st, relResID, MaterializeOpts{BranchID: branchID}, k.log)
}

// AssignWorkspace re-parents a res to a different workspace tag (spec
// §3 Lifecycle: "optionally re-parented by assign_workspace").
// Workspace is orthogonal to branches and carries no validation beyond
// res existence.
func (k *Kernel) AssignWorkspace(ctx context.Context, resID, branchID, source, workspace string) (*State, error) {
	if _, err := k.st.GetRes(ctx, resID); err != nil {
		return nil, err
	}
	data := AssignWorkspaceData{Workspace: workspace}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, kerrors.Wrap("kernel.AssignWorkspace", kerrors.ErrStorage, err.Error())
	}
	if _, _, err := k.st.AppendTessella(ctx, store.AppendParams{
		ResID: resID, BranchID: branchID, Type: store.TypeAssignWorkspace, Data: raw, Source: source,
	}); err != nil {
		return nil, err
	}
	return Materialize(ctx, k.st, resID, MaterializeOpts{BranchID: branchID}, k.log)
}

// DeprecateEntity appends a deprecated tessella (spec §3 Lifecycle).
func (k *Kernel) DeprecateEntity(ctx context.Context, resID, branchID, source string) (*State, error) {
	if _, _, err := k.st.AppendTessella(ctx, store.AppendParams{
		ResID: resID, BranchID: branchID, Type: store.TypeDeprecated, Data: []byte(`{}`), Source: source,
	}); err != nil {
		return nil, err
	}
	return Materialize(ctx, k.st, resID, MaterializeOpts{BranchID: branchID}, k.log)
}
