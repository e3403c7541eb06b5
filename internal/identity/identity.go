// Package identity generates globally unique, lexicographically
// time-sortable 26-character identifiers for every res, tessella,
// genus, branch, and workspace (spec §2.2).
package identity

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonic ULIDs. A single Generator must be shared
// by all callers within a process that need strictly increasing ids for
// the same millisecond, matching ULID's monotonic-entropy guarantee.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates an identity generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// New returns a new 26-character ULID string for the current instant.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// NewAt returns a new ULID string for a caller-supplied instant, used by
// tests that need deterministic, sortable fixtures.
func (g *Generator) NewAt(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// Valid reports whether s parses as a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
