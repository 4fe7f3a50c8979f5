package node

import (
	"time"

	"github.com/nexuskv/nexus/raftpb"
)

// sessionSweepLoop is the Session-checker worker pool (spec.md §4.6):
// every SessionSweepInterval it removes timed-out sessions' watches
// everywhere, and — only on the leader — logs an Unlock per locked key
// and a Logout per uuid so every replica converges on the same effect.
func (n *Node) sessionSweepLoop() {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.SessionSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.sweepExpiredSessions()
		case <-n.stopc:
			return
		}
	}
}

func (n *Node) sweepExpiredSessions() {
	expired := n.sessions.RemoveExpired(time.Now())
	if len(expired) == 0 {
		return
	}

	n.mu.Lock()
	isLeader := n.status == raftpb.Leader
	n.mu.Unlock()

	for _, ex := range expired {
		n.watches.RemoveBySession(ex.Session.SessionID)
		if !isLeader {
			continue
		}
		user := n.users.UsernameFromUUID(ex.Session.UUID)
		for _, key := range ex.LockedKeys {
			n.appendFireAndForget(raftpb.Unlock, user, key, ex.Session.SessionID)
		}
		if ex.Session.UUID != "" {
			n.appendFireAndForget(raftpb.Logout, ex.Session.UUID, "", "")
		}
	}
}

// appendFireAndForget logs an entry the sweep wants applied but has no
// client waiting on, discarding the outcome once committed.
func (n *Node) appendFireAndForget(op raftpb.OpKind, user, key, value string) {
	idx, ack, err := n.appendClientEntry(op, user, key, value)
	if err != nil {
		logger.Errorf("session sweep: append %s: %v", op, err)
		return
	}
	go func() {
		select {
		case <-ack.resultc:
		case <-time.After(n.cfg.AddNewNodeTimeout):
			n.mu.Lock()
			delete(n.clientAcks, idx)
			n.mu.Unlock()
		case <-n.stopc:
		}
	}()
}
