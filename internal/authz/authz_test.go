package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserCanCreateServerButNotReserveAdminPort(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	require.NoError(t, a.AssignRole("alice@example.com", RoleUser))

	require.NoError(t, a.Can("alice@example.com", ActServerCreate, "*"))
	require.Error(t, a.Can("alice@example.com", ActPortReserveAdmin, "*"))
}

func TestAdminCanReserveAnyPort(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	require.NoError(t, a.AssignRole("root@example.com", RoleAdmin))

	require.NoError(t, a.Can("root@example.com", ActPortReserveAdmin, "*"))
}

func TestUnknownSubjectDenied(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	require.Error(t, a.Can("ghost@example.com", ActServerCreate, "*"))
}
