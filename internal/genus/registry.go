package genus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/store"
)

// Registry is the genus schema registry (spec §4.3). It persists genus
// definitions through the store and keeps an in-memory cache that is
// rebuilt on every mutation (spec §5: "an in-memory genus cache
// (rebuilt on registry mutation)").
type Registry struct {
	st      *store.Store
	newID   func() string
	mu      sync.RWMutex
	byID    map[string]*Genus
	byNameT map[string]*Genus // keyed by taxonomy + "\x00" + name, for uniqueness checks
}

// NewRegistry constructs a registry backed by st and loads its cache.
func NewRegistry(ctx context.Context, st *store.Store, newID func() string) (*Registry, error) {
	r := &Registry{st: st, newID: newID}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func nameKey(taxonomy, name string) string {
	return taxonomy + "\x00" + name
}

func (r *Registry) reload(ctx context.Context) error {
	rows, err := r.st.AllGenera(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*Genus, len(rows))
	byNameT := make(map[string]*Genus, len(rows))
	for _, row := range rows {
		var g Genus
		if err := json.Unmarshal([]byte(row.Definition), &g); err != nil {
			return fmt.Errorf("genus.Registry.reload: decode %s: %w", row.ID, err)
		}
		byID[g.ID] = &g
		byNameT[nameKey(g.Taxonomy, g.Name)] = &g
	}

	r.mu.Lock()
	r.byID = byID
	r.byNameT = byNameT
	r.mu.Unlock()
	return nil
}

// Get returns a cached genus by id.
func (r *Registry) Get(id string) (*Genus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id]
	if !ok {
		return nil, kerrors.Wrapf("genus.Registry.Get", kerrors.ErrNotFound, "genus %s", id)
	}
	return g, nil
}

// All returns every cached genus, in no particular order. Used by the
// query layer to resolve relationship role lookups without a dedicated
// by-kind index.
func (r *Registry) All() []*Genus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Genus, 0, len(r.byID))
	for _, g := range r.byID {
		out = append(out, g)
	}
	return out
}

// FindGenusByName finds a genus by (taxonomy, name).
func (r *Registry) FindGenusByName(taxonomy, name string) (*Genus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byNameT[nameKey(taxonomy, name)]
	if !ok {
		return nil, kerrors.Wrapf("genus.Registry.FindGenusByName", kerrors.ErrNotFound, "genus %s/%s", taxonomy, name)
	}
	return g, nil
}

func (r *Registry) persist(ctx context.Context, g *Genus) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("genus.Registry.persist: %w", err)
	}
	row := store.GenusRow{
		ID:         g.ID,
		Name:       g.Name,
		Kind:       string(g.Kind),
		Taxonomy:   g.Taxonomy,
		Definition: string(data),
		Deprecated: g.Deprecated,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.st.PutGenus(ctx, row); err != nil {
		return err
	}
	return r.reload(ctx)
}

func (r *Registry) checkNameUnique(taxonomy, name string) error {
	r.mu.RLock()
	_, exists := r.byNameT[nameKey(taxonomy, name)]
	r.mu.RUnlock()
	if exists {
		return kerrors.Wrapf("genus.Registry", kerrors.ErrValidation, "genus name %q already used in taxonomy %q", name, taxonomy)
	}
	return nil
}

func validateStates(states []StateDef) error {
	initials := 0
	seen := map[string]bool{}
	for _, s := range states {
		if seen[s.Name] {
			return kerrors.Wrapf("genus.Registry", kerrors.ErrValidation, "duplicate state %q", s.Name)
		}
		seen[s.Name] = true
		if s.Initial {
			initials++
		}
	}
	if initials != 1 {
		return kerrors.Wrapf("genus.Registry", kerrors.ErrValidation, "entity genus must declare exactly one initial state, got %d", initials)
	}
	return nil
}

// DefineEntityGenus creates a new entity genus (spec §4.3).
func (r *Registry) DefineEntityGenus(ctx context.Context, name, taxonomy string, attrs []AttributeDef, states []StateDef, transitions []TransitionDef) (*Genus, error) {
	if err := r.checkNameUnique(taxonomy, name); err != nil {
		return nil, err
	}
	if err := validateStates(states); err != nil {
		return nil, err
	}
	g := &Genus{
		ID: r.newID(), Name: name, Kind: KindEntity, Taxonomy: taxonomy,
		Attributes: attrs, States: states, Transitions: transitions,
	}
	if err := r.persist(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DefineFeatureGenus creates a new feature genus (spec §3: "Feature
// genera declare a parent entity genus and optional parent-state
// constraints").
func (r *Registry) DefineFeatureGenus(ctx context.Context, name, taxonomy, parentEntityGenusID string, parentStateAllowlist []string, attrs []AttributeDef) (*Genus, error) {
	if err := r.checkNameUnique(taxonomy, name); err != nil {
		return nil, err
	}
	if _, err := r.Get(parentEntityGenusID); err != nil {
		return nil, kerrors.Wrapf("genus.Registry.DefineFeatureGenus", kerrors.ErrNotFound, "parent entity genus %s", parentEntityGenusID)
	}
	g := &Genus{
		ID: r.newID(), Name: name, Kind: KindFeature, Taxonomy: taxonomy,
		ParentEntityGenusID: parentEntityGenusID, ParentStateAllowlist: parentStateAllowlist,
		Attributes: attrs,
	}
	if err := r.persist(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DefineRelationshipGenus creates a new relationship genus, requiring
// at least two roles (spec §3).
func (r *Registry) DefineRelationshipGenus(ctx context.Context, name, taxonomy string, roles []RoleDef, attrs []AttributeDef) (*Genus, error) {
	if err := r.checkNameUnique(taxonomy, name); err != nil {
		return nil, err
	}
	if len(roles) < 2 {
		return nil, kerrors.Wrapf("genus.Registry.DefineRelationshipGenus", kerrors.ErrValidation, "relationship genus requires >= 2 roles, got %d", len(roles))
	}
	g := &Genus{
		ID: r.newID(), Name: name, Kind: KindRelationship, Taxonomy: taxonomy,
		Roles: roles, Attributes: attrs,
	}
	if err := r.persist(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DefineActionGenus creates a new action genus.
func (r *Registry) DefineActionGenus(ctx context.Context, name, taxonomy string, attrs []AttributeDef) (*Genus, error) {
	if err := r.checkNameUnique(taxonomy, name); err != nil {
		return nil, err
	}
	g := &Genus{ID: r.newID(), Name: name, Kind: KindAction, Taxonomy: taxonomy, Attributes: attrs}
	if err := r.persist(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DefineProcessGenus creates a new process genus with lanes and ordered steps.
func (r *Registry) DefineProcessGenus(ctx context.Context, name, taxonomy string, lanes []string, steps []ProcessStep) (*Genus, error) {
	if err := r.checkNameUnique(taxonomy, name); err != nil {
		return nil, err
	}
	g := &Genus{ID: r.newID(), Name: name, Kind: KindProcess, Taxonomy: taxonomy, Lanes: lanes, Steps: steps}
	if err := r.persist(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// EvolveGenus applies an additive-only evolution: new attributes, states,
// transitions, and templates may be added; nothing may be removed or
// renamed (spec §4.3: "Evolution is monotone").
type Evolution struct {
	AddAttributes  []AttributeDef
	AddStates      []StateDef
	AddTransitions []TransitionDef
	AddTemplates   map[string]map[string]Value
}

func (r *Registry) EvolveGenus(ctx context.Context, id string, ev Evolution) (*Genus, error) {
	g, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	// Copy so partial failure before persist leaves the cache untouched.
	updated := *g

	existingAttrs := map[string]bool{}
	for _, a := range updated.Attributes {
		existingAttrs[a.Name] = true
	}
	for _, a := range ev.AddAttributes {
		if existingAttrs[a.Name] {
			return nil, kerrors.Wrapf("genus.Registry.EvolveGenus", kerrors.ErrValidation, "attribute %q already declared, evolution is additive-only", a.Name)
		}
		updated.Attributes = append(updated.Attributes, a)
	}

	existingStates := map[string]bool{}
	for _, s := range updated.States {
		existingStates[s.Name] = true
	}
	for _, s := range ev.AddStates {
		if existingStates[s.Name] {
			return nil, kerrors.Wrapf("genus.Registry.EvolveGenus", kerrors.ErrValidation, "state %q already declared", s.Name)
		}
		if s.Initial {
			return nil, kerrors.Wrapf("genus.Registry.EvolveGenus", kerrors.ErrValidation, "evolution may not add a second initial state")
		}
		updated.States = append(updated.States, s)
	}

	updated.Transitions = append(updated.Transitions, ev.AddTransitions...)

	if len(ev.AddTemplates) > 0 && updated.Templates == nil {
		updated.Templates = map[string]map[string]Value{}
	}
	for k, v := range ev.AddTemplates {
		updated.Templates[k] = v
	}

	if err := r.persist(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeprecateGenus marks a genus deprecated without removing it; past
// tessellae validated against it remain valid (spec §4.3).
func (r *Registry) DeprecateGenus(ctx context.Context, id string) error {
	g, err := r.Get(id)
	if err != nil {
		return err
	}
	updated := *g
	updated.Deprecated = true
	return r.persist(ctx, &updated)
}

// RestoreGenus clears a genus's deprecated flag.
func (r *Registry) RestoreGenus(ctx context.Context, id string) error {
	g, err := r.Get(id)
	if err != nil {
		return err
	}
	updated := *g
	updated.Deprecated = false
	return r.persist(ctx, &updated)
}

// MoveGenus changes a genus's taxonomy, the "display hint" grouping used
// for name-uniqueness scoping (spec §4.3, §9 open question (c): the
// semantics for already-referenced genera are left to the caller — this
// implementation simply re-scopes the name-uniqueness key and leaves
// every existing res's genus_id, which is unaffected by a taxonomy
// change, untouched).
func (r *Registry) MoveGenus(ctx context.Context, id, newTaxonomy string) error {
	g, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.checkNameUnique(newTaxonomy, g.Name); err != nil {
		return err
	}
	updated := *g
	updated.Taxonomy = newTaxonomy
	return r.persist(ctx, &updated)
}
