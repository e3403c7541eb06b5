// Package session is the in-process session map (spec §5: "a session
// map keyed by _session_id holding (current_workspace, current_branch,
// palace_state)"; palace_state is out of scope per spec §1 Non-goals).
// Grounded on the mutex-protected-map idiom the teacher uses for small
// in-process registries (internal/identity's Generator guards its
// ulid.MonotonicEntropy the same way).
package session

import (
	"sync"

	"github.com/farant/smaragda-sub003/internal/kerrors"
)

// State is one session's current workspace and branch selection.
type State struct {
	Workspace string
	BranchID  string
}

// Manager tracks open sessions keyed by an opaque session id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewManager constructs an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: map[string]*State{}}
}

// Open registers a new session with its initial workspace and branch.
func (m *Manager) Open(sessionID, workspace, branchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &State{Workspace: workspace, BranchID: branchID}
}

// Get returns the current state for a session.
func (m *Manager) Get(sessionID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, kerrors.Wrapf("session.Get", kerrors.ErrNotFound, "session %s", sessionID)
	}
	copied := *st
	return &copied, nil
}

// SetBranch updates a session's active branch (spec §4.5: "every
// session has an active branch").
func (m *Manager) SetBranch(sessionID, branchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return kerrors.Wrapf("session.SetBranch", kerrors.ErrNotFound, "session %s", sessionID)
	}
	st.BranchID = branchID
	return nil
}

// SetWorkspace updates a session's active workspace.
func (m *Manager) SetWorkspace(sessionID, workspace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return kerrors.Wrapf("session.SetWorkspace", kerrors.ErrNotFound, "session %s", sessionID)
	}
	st.Workspace = workspace
	return nil
}

// Close removes a session.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
