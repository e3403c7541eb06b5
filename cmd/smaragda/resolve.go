package main

import (
	"strings"

	"github.com/farant/smaragda-sub003/internal/genus"
	"github.com/farant/smaragda-sub003/internal/identity"
)

// resolveGenus accepts either a bare genus id or a "taxonomy/name" pair,
// matching the loose addressing a reference CLI needs without a genus
// browser.
func resolveGenus(reg *genus.Registry, arg string) (*genus.Genus, error) {
	if identity.Valid(arg) {
		return reg.Get(arg)
	}
	taxonomy, name, ok := strings.Cut(arg, "/")
	if !ok {
		taxonomy, name = "default", arg
	}
	return reg.FindGenusByName(taxonomy, name)
}
