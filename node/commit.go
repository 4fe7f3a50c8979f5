package node

import (
	"time"

	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/store"
)

// tryAdvanceCommit is the Commit Tracker (spec.md §4.4): given a
// candidate index a that a peer just matched, check whether a now has
// a strict majority of the membership effective at a, is ahead of
// commitIndex, and was logged in the current term. If so, advance
// commitIndex and wake the Apply Worker.
func (n *Node) tryAdvanceCommit(a int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if a <= n.commitIndex {
		return
	}
	e, ok := n.log.ReadSlot(a)
	if !ok || e.Term != n.currentTerm {
		return
	}

	members := n.effectiveMembershipLocked(a)
	count := 0
	for _, p := range members {
		if p == n.cfg.SelfID {
			continue
		}
		if st, ok := n.repl[p]; ok && st.matchIndex >= a {
			count++
		}
	}
	count++ // self
	if !isMajority(count, len(members)) {
		return
	}
	n.commitIndex = a
	n.applyCond.Broadcast()
}

// applyWorkerLoop is the Apply Worker (spec.md §4.5): a single
// consumer that waits for commitIndex to exceed lastApplied, then
// applies each newly committed entry in order, persisting lastApplied
// atomically with its effect and releasing any pending client ack.
func (n *Node) applyWorkerLoop() {
	defer n.wg.Done()
	n.mu.Lock()
	for {
		for !n.stopped && n.commitIndex <= n.lastApplied {
			n.applyCond.Wait()
		}
		if n.stopped {
			n.mu.Unlock()
			return
		}
		from := n.lastApplied + 1
		to := n.commitIndex
		n.mu.Unlock()

		for i := from; i <= to; i++ {
			n.applyOne(i)
		}

		n.mu.Lock()
	}
}

// applyOne applies the entry at index i, persists lastApplied, and
// wakes any waiting client RPC. Mutually exclusive with snapshot
// produce/install via snapshotMu (spec.md §9).
func (n *Node) applyOne(i int64) {
	n.snapshotMu.Lock()
	defer n.snapshotMu.Unlock()

	e, ok := n.log.ReadSlot(i)
	if !ok {
		logger.Errorf("fatal: apply worker could not read committed slot %d", i)
		return
	}

	var status store.Status = store.Ok
	var uuid string
	var nopCommittedThisTerm bool

	switch e.Op {
	case raftpb.Put:
		n.store.Put(e.User, e.Key, raftpb.Put, e.Value)
		n.watches.FireWithParent(watchKey(e.User, e.Key), e.Value, false)

	case raftpb.Del:
		n.store.Delete(e.User, e.Key)
		n.watches.FireWithParent(watchKey(e.User, e.Key), e.Value, true)

	case raftpb.Lock:
		n.store.Put(e.User, e.Key, raftpb.Lock, e.Value)
		n.sessions.AddLock(e.Value, e.Key)
		n.touchParentKey(e.User, e.Key, "lock", e.Value)
		n.watches.FireWithParent(watchKey(e.User, e.Key), e.Value, false)

	case raftpb.Unlock:
		n.applyUnlock(e)

	case raftpb.Login:
		status = n.users.Login(e.Key, e.Value, e.User)
		if status == store.Ok {
			uuid = e.User
			n.store.OpenDatabase(e.Key)
		}

	case raftpb.Logout:
		status = n.users.Logout(e.User)

	case raftpb.Register:
		status = n.users.Register(e.Key, e.Value)

	case raftpb.AddNode:
		n.mu.Lock()
		n.membership.Update(i, e.Key)
		if e.Key == n.cfg.SelfID && n.inQuietMode {
			n.inQuietMode = false
			n.mu.Unlock()
			n.wg.Add(1)
			go n.electionTimerLoop()
		} else {
			n.mu.Unlock()
		}

	case raftpb.Nop:
		n.mu.Lock()
		if e.Term == n.currentTerm {
			nopCommittedThisTerm = true
		}
		n.mu.Unlock()

	default:
		logger.Warningf("unfamiliar op %v at index %d", e.Op, i)
	}

	if err := n.store.SetLastApplied(i); err != nil {
		logger.Errorf("fatal: persist lastApplied=%d: %v", i, err)
		return
	}

	n.mu.Lock()
	n.lastApplied = i
	if n.status == raftpb.Leader && nopCommittedThisTerm {
		n.inSafeMode = false
		logger.Infof("leaving safe mode, term %d", n.currentTerm)
	}
	ack, hasAck := n.clientAcks[i]
	if hasAck {
		delete(n.clientAcks, i)
	}
	n.mu.Unlock()

	if hasAck {
		select {
		case ack.resultc <- applyOutcome{status: status, uuid: uuid}:
		default:
		}
	}
}

// applyUnlock implements the conditional delete-if for Unlock (spec.md
// §4.5's Unlock row): only deletes when the current record is a Lock
// held by the same session; otherwise it is a no-op, matching the
// original's idempotent kUnLock case.
func (n *Node) applyUnlock(e raftpb.Entry) {
	rec, status := n.store.Get(e.User, e.Key)
	if status != store.Ok {
		return
	}
	if rec.Tag != raftpb.Lock || rec.Payload != e.Value {
		return
	}
	n.store.Delete(e.User, e.Key)
	n.touchParentKey(e.User, e.Key, "unlock", e.Value)
	n.watches.FireWithParent(watchKey(e.User, e.Key), e.Value, true)
}

// touchParentKey writes a Put record at key's parent namespaced under
// user, with payload "<action>,<sessionID>", used purely to carry a
// notification through the normal Put watch-firing path (spec.md
// §4.5's "Touch parent key with ...").
func (n *Node) touchParentKey(user, key, action, sessionID string) {
	parent, ok := store.ParentKey(key)
	if !ok {
		return
	}
	n.store.Put(user, parent, raftpb.Put, action+","+sessionID)
}

// watchKey namespaces a key by user so watches across different users'
// namespaces never collide.
func watchKey(user, key string) string {
	return user + "\x00" + key
}

// sessionExpired reports whether sessionID's keep-alive has lapsed,
// used by Lock acceptance and Watch registration (spec.md §4.6, §4.7).
func (n *Node) sessionExpired(sessionID string) bool {
	s, ok := n.sessions.Get(sessionID)
	if !ok {
		return true
	}
	return time.Now().After(s.LastTimeoutTime)
}
