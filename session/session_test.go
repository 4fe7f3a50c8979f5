package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeepAliveCreatesSession(t *testing.T) {
	m := NewManager()
	m.KeepAlive("s1", "u1", time.Minute, nil)
	require.True(t, m.Exists("s1"))

	s, ok := m.Get("s1")
	require.True(t, ok)
	require.Equal(t, "u1", s.UUID)
}

func TestKeepAliveReplacesLockedKeys(t *testing.T) {
	m := NewManager()
	m.KeepAlive("s1", "u1", time.Minute, []string{"a", "b"})
	require.ElementsMatch(t, []string{"a", "b"}, m.LockedKeys("s1"))

	m.KeepAlive("s1", "u1", time.Minute, []string{"c"})
	require.Equal(t, []string{"c"}, m.LockedKeys("s1"))
}

func TestAddLock(t *testing.T) {
	m := NewManager()
	m.KeepAlive("s1", "u1", time.Minute, nil)
	m.AddLock("s1", "x")
	require.Contains(t, m.LockedKeys("s1"), "x")
}

func TestRemoveExpired(t *testing.T) {
	m := NewManager()
	m.KeepAlive("s1", "u1", -time.Second, []string{"x", "y"})
	m.KeepAlive("s2", "u2", time.Hour, nil)

	expired := m.RemoveExpired(time.Now())
	require.Len(t, expired, 1)
	require.Equal(t, "s1", expired[0].Session.SessionID)
	require.ElementsMatch(t, []string{"x", "y"}, expired[0].LockedKeys)

	require.False(t, m.Exists("s1"))
	require.True(t, m.Exists("s2"))
}

func TestRemoveExpiredIsEmptyWhenNothingExpired(t *testing.T) {
	m := NewManager()
	m.KeepAlive("s1", "u1", time.Hour, nil)
	require.Empty(t, m.RemoveExpired(time.Now()))
}
