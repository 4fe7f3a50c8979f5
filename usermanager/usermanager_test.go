package usermanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterThenLogin(t *testing.T) {
	m := NewManager()
	require.Equal(t, Ok, m.Register("alice", "secret"))
	require.True(t, m.IsValidUser("alice"))

	uuid := CalcUUID("alice", "secret")
	require.Equal(t, Ok, m.Login("alice", "secret", uuid))
	require.True(t, m.IsLoggedIn(uuid))
	require.Equal(t, "alice", m.UsernameFromUUID(uuid))
}

func TestLoginUnknownUser(t *testing.T) {
	m := NewManager()
	require.Equal(t, UnknownUser, m.Login("nobody", "x", "u1"))
}

func TestLoginWrongPassword(t *testing.T) {
	m := NewManager()
	m.Register("alice", "secret")
	require.Equal(t, Error, m.Login("alice", "wrong", "u1"))
}

func TestLogout(t *testing.T) {
	m := NewManager()
	m.Register("alice", "secret")
	uuid := CalcUUID("alice", "secret")
	m.Login("alice", "secret", uuid)

	require.Equal(t, Ok, m.Logout(uuid))
	require.False(t, m.IsLoggedIn(uuid))
}

func TestLogoutUnknownUUIDIsNotAnError(t *testing.T) {
	m := NewManager()
	require.Equal(t, Ok, m.Logout("never-logged-in"))
}

func TestCalcUUIDIsDeterministic(t *testing.T) {
	require.Equal(t, CalcUUID("alice", "secret"), CalcUUID("alice", "secret"))
	require.NotEqual(t, CalcUUID("alice", "secret"), CalcUUID("alice", "other"))
}
