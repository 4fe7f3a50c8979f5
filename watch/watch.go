// Package watch implements the Watch Manager: per-key and per-session
// one-shot watch registrations, fired on Put/Del/Lock/Unlock apply and
// additionally on the parent key (spec.md §4.7). Grounded on the
// original's watch_events_ multi-index table and TriggerEventWithParent
// retry-once-after-2s behavior (ins_node_impl.cc:1749-1798).
package watch

import (
	"sync"
	"time"

	"github.com/nexuskv/nexus/pkg/xlog"
	"github.com/nexuskv/nexus/store"
)

var logger = xlog.NewLogger("watch", xlog.INFO)

// parentRetryDelay is how long TriggerEventWithParent waits before
// retrying a parent-key fire that found no registrations, to absorb the
// race between a Watch registration and the event that should satisfy
// it (spec.md §4.7).
var parentRetryDelay = 2 * time.Second

// Event is what a fired watch delivers to its caller.
type Event struct {
	WatchKey string
	Key      string
	Value    string
	Deleted  bool
}

// Registration is a parked, not-yet-fired watch.
type Registration struct {
	Key       string
	SessionID string
	notify    func(Event)
}

// Manager holds all live registrations, indexed by key and by session so
// either a key-fire or a session-expiry sweep can find the right set in
// O(registrations at that key/session).
type Manager struct {
	mu       sync.Mutex
	byKey    map[string][]*Registration
	bySession map[string][]*Registration
}

// NewManager returns an empty watch registry.
func NewManager() *Manager {
	return &Manager{
		byKey:     make(map[string][]*Registration),
		bySession: make(map[string][]*Registration),
	}
}

// Register parks a one-shot watch on (key, sessionID). Any existing
// registration for the same (sessionID, key) pair is cancelled first —
// "subsequent registration of the same (session, key) cancels the old
// one" (spec.md §4.7).
func (m *Manager) Register(key, sessionID string, notify func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeBySessionAndKeyLocked(sessionID, key)

	r := &Registration{Key: key, SessionID: sessionID, notify: notify}
	m.byKey[key] = append(m.byKey[key], r)
	m.bySession[sessionID] = append(m.bySession[sessionID], r)
}

// Fire delivers and removes every registration on key. It returns the
// number of registrations fired.
func (m *Manager) Fire(key, value string, deleted bool) int {
	m.mu.Lock()
	regs := m.byKey[key]
	delete(m.byKey, key)
	for _, r := range regs {
		m.removeFromSessionLocked(r)
	}
	m.mu.Unlock()

	for _, r := range regs {
		r.notify(Event{WatchKey: key, Key: key, Value: value, Deleted: deleted})
	}
	return len(regs)
}

// FireWithParent fires watches on key, then on key's parent (per
// store.ParentKey). If the parent fire finds nothing, it retries once
// after parentRetryDelay, matching TriggerEventWithParent exactly.
func (m *Manager) FireWithParent(key, value string, deleted bool) {
	m.Fire(key, value, deleted)

	parent, ok := store.ParentKey(key)
	if !ok {
		return
	}
	if n := m.Fire(parent, value, deleted); n == 0 {
		time.AfterFunc(parentRetryDelay, func() {
			if n := m.Fire(parent, value, deleted); n > 0 {
				logger.Infof("parent watch %s fired on retry", parent)
			}
		})
	}
}

// RemoveBySession cancels every registration held by sessionID, without
// firing them — used on session expiry (spec.md §4.7).
func (m *Manager) RemoveBySession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.bySession[sessionID] {
		m.removeFromKeyLocked(r)
	}
	delete(m.bySession, sessionID)
}

func (m *Manager) removeBySessionAndKeyLocked(sessionID, key string) {
	regs := m.bySession[sessionID]
	kept := regs[:0]
	for _, r := range regs {
		if r.Key == key {
			m.removeFromKeyLocked(r)
			continue
		}
		kept = append(kept, r)
	}
	m.bySession[sessionID] = kept
}

func (m *Manager) removeFromKeyLocked(r *Registration) {
	regs := m.byKey[r.Key]
	for i, o := range regs {
		if o == r {
			m.byKey[r.Key] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
}

func (m *Manager) removeFromSessionLocked(r *Registration) {
	regs := m.bySession[r.SessionID]
	for i, o := range regs {
		if o == r {
			m.bySession[r.SessionID] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
}
