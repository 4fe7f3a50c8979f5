package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFireDeliversAndRemoves(t *testing.T) {
	m := NewManager()
	var got Event
	m.Register("k", "s1", func(e Event) { got = e })

	n := m.Fire("k", "v1", false)
	require.Equal(t, 1, n)
	require.Equal(t, Event{WatchKey: "k", Key: "k", Value: "v1", Deleted: false}, got)

	// already consumed, a second fire delivers nothing
	require.Equal(t, 0, m.Fire("k", "v2", false))
}

func TestRegisterSameSessionKeyCancelsPrevious(t *testing.T) {
	m := NewManager()
	var calls int
	var mu sync.Mutex
	cb := func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	m.Register("k", "s1", cb)
	m.Register("k", "s1", cb)

	require.Equal(t, 1, m.Fire("k", "v", false))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestRemoveBySessionDoesNotFire(t *testing.T) {
	m := NewManager()
	fired := false
	m.Register("k", "s1", func(Event) { fired = true })
	m.RemoveBySession("s1")

	require.Equal(t, 0, m.Fire("k", "v", true))
	require.False(t, fired)
}

func TestFireWithParentFiresBothKeyAndParent(t *testing.T) {
	m := NewManager()
	var gotKey, gotParent bool
	m.Register("/a/b", "s1", func(Event) { gotKey = true })
	m.Register("/a", "s2", func(Event) { gotParent = true })

	m.FireWithParent("/a/b", "v", false)
	require.True(t, gotKey)
	require.True(t, gotParent)
}

func TestFireWithParentRetriesOnceAfterDelay(t *testing.T) {
	orig := parentRetryDelay
	parentRetryDelay = 20 * time.Millisecond
	defer func() { parentRetryDelay = orig }()

	m := NewManager()
	m.FireWithParent("/a/b", "v", false)

	fired := make(chan struct{}, 1)
	m.Register("/a", "s1", func(Event) { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("parent watch never fired on retry")
	}
}

func TestFireWithParentNoParent(t *testing.T) {
	m := NewManager()
	require.NotPanics(t, func() { m.FireWithParent("noslash", "v", false) })
}
