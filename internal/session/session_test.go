package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub003/internal/kerrors"
)

func TestOpenGetSetClose(t *testing.T) {
	m := NewManager()
	m.Open("sess-1", "ws-a", "branch-main")

	st, err := m.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, "ws-a", st.Workspace)
	require.Equal(t, "branch-main", st.BranchID)

	require.NoError(t, m.SetBranch("sess-1", "branch-feature"))
	st, err = m.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, "branch-feature", st.BranchID)

	m.Close("sess-1")
	_, err = m.Get("sess-1")
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}

func TestSetBranch_UnknownSession(t *testing.T) {
	m := NewManager()
	err := m.SetBranch("nope", "branch-x")
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}
