package main

import (
	"context"
	"time"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/identity"
	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/kernel"
	"github.com/farant/smaragda-sub003/internal/query"
	"github.com/farant/smaragda-sub003/internal/store"
	"github.com/farant/smaragda-sub003/internal/syncengine"
)

// app bundles the local store and the services every subcommand needs.
// Built once per invocation from the resolved persistent flags.
type app struct {
	st     *store.Store
	reg    *genus.Registry
	ids    *identity.Generator
	kernel *kernel.Kernel
	query  *query.Service
	main   *store.Branch
}

func openApp(ctx context.Context) (*app, func(), error) {
	ids := identity.NewGenerator()
	st, err := store.Open(ctx, flagDBPath, nil, ids.New)
	if err != nil {
		return nil, nil, err
	}
	reg, err := genus.NewRegistry(ctx, st, ids.New)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	main, err := st.GetBranchByName(ctx, store.DefaultBranchName)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	a := &app{
		st:     st,
		reg:    reg,
		ids:    ids,
		kernel: kernel.New(st, reg, ids.New, nil),
		query:  query.New(st, reg, nil),
		main:   main,
	}
	return a, func() { _ = st.Close() }, nil
}

// syncClient builds a sync client from the resolved flags, failing with
// ErrAuth if no bearer token is configured (spec §6 exit code 1).
func (a *app) syncClient() (*syncengine.Client, error) {
	if flagServerURL == "" {
		return nil, kerrors.Wrap("smaragda.syncClient", kerrors.ErrValidation, "no --server-url or SERVER_URL configured")
	}
	if flagToken == "" {
		return nil, kerrors.Wrap("smaragda.syncClient", kerrors.ErrAuth, "no --token or AUTH_TOKEN configured")
	}
	return syncengine.New(a.st, flagServerURL, flagToken, flagDeviceID, 30*time.Second, nil), nil
}
