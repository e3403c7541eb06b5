package kernel

import "context"

// Health reports a res's health (spec §4.3: "a res's health is healthy
// only if every required attribute is set"; spec §4.6: a res whose
// replayed history contains a non-contiguous transition is reported as
// state-machine-drift).
type Health struct {
	ResID             string   `json:"res_id"`
	Healthy           bool     `json:"healthy"`
	MissingRequired   []string `json:"missing_required,omitempty"`
	StateMachineDrift bool     `json:"state_machine_drift"`
}

// GetHealth materializes resID and reports missing required attributes
// and state-machine drift.
func (k *Kernel) GetHealth(ctx context.Context, resID, branchID string) (*Health, error) {
	res, err := k.st.GetRes(ctx, resID)
	if err != nil {
		return nil, err
	}
	g, err := k.reg.Get(res.GenusID)
	if err != nil {
		return nil, err
	}
	st, err := Materialize(ctx, k.st, resID, MaterializeOpts{BranchID: branchID}, k.log)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range g.RequiredAttributeNames() {
		if _, ok := st.Attributes[name]; !ok {
			missing = append(missing, name)
		}
	}

	return &Health{
		ResID:             resID,
		Healthy:           len(missing) == 0 && !st.Inconsistent,
		MissingRequired:   missing,
		StateMachineDrift: st.Inconsistent,
	}, nil
}
