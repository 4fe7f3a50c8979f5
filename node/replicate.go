package node

import (
	"context"
	"time"

	"github.com/nexuskv/nexus/raftpb"
)

// replicatorLoop is the Replicator task for one peer (spec.md §4.3):
// it waits for the log to grow past nextIndex[p], ships a batch, and
// adjusts nextIndex/matchIndex from the reply, falling back to
// snapshot install when a required slot has been GC'd.
func (n *Node) replicatorLoop(peer string, term uint64) {
	defer n.leaderWG.Done()
	n.mu.Lock()
	stopc := n.leaderStopc
	n.mu.Unlock()

	probe := false
	for {
		select {
		case <-stopc:
			return
		case <-n.stopc:
			return
		default:
		}

		n.mu.Lock()
		if n.status != raftpb.Leader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}
		st, ok := n.repl[peer]
		if !ok {
			n.mu.Unlock()
			return
		}
		logLen := n.log.Length()
		if logLen <= st.nextIndex {
			n.mu.Unlock()
			// bounded wait so leadership can be re-checked periodically
			select {
			case <-time.After(n.cfg.HeartbeatInterval):
			case <-stopc:
				return
			case <-n.stopc:
				return
			}
			continue
		}
		nextIndex := st.nextIndex
		n.mu.Unlock()

		prevIndex := nextIndex - 1
		var prevTerm int64 = -1
		if prevIndex >= 0 {
			e, ok := n.log.ReadSlot(prevIndex)
			if !ok {
				// required slot has been GC'd: abort replication and
				// fall back to a full snapshot install (spec.md §4.3.4).
				n.sendSnapshot(peer, term)
				continue
			}
			prevTerm = int64(e.Term)
		}

		batchMax := n.cfg.LogRepBatchMax
		if probe {
			batchMax = 1
		}
		var entries []raftpb.Entry
		missingSlot := false
		for i := int64(0); i < int64(batchMax) && nextIndex+i < logLen; i++ {
			e, ok := n.log.ReadSlot(nextIndex + i)
			if !ok {
				missingSlot = true
				break
			}
			entries = append(entries, e)
		}
		if missingSlot {
			n.sendSnapshot(peer, term)
			continue
		}

		n.mu.Lock()
		commitIndex := n.commitIndex
		n.mu.Unlock()

		req := raftpb.AppendEntriesRequest{
			Term:              term,
			LeaderID:          n.cfg.SelfID,
			PrevLogIndex:      prevIndex,
			PrevLogTerm:       prevTerm,
			LeaderCommitIndex: commitIndex,
			Entries:           entries,
		}

		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectTimeoutMin)
		var resp raftpb.AppendEntriesResponse
		err := n.tr.Call(ctx, peer, "AppendEntries", req, &resp)
		cancel()
		if err != nil {
			probe = false
			select {
			case <-time.After(n.cfg.ReplicationRetryTimespan):
			case <-stopc:
				return
			case <-n.stopc:
				return
			}
			continue
		}

		n.mu.Lock()
		if resp.CurrentTerm > n.currentTerm {
			n.becomeFollowerLocked(resp.CurrentTerm, "")
			n.mu.Unlock()
			return
		}
		if n.status != raftpb.Leader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}

		switch {
		case resp.Success:
			sent := int64(len(entries))
			st.nextIndex += sent
			st.matchIndex = st.nextIndex - 1
			st.latestOk = true
			probe = false
			matchIndex := st.matchIndex
			members := n.effectiveMembershipLocked(matchIndex)
			inMembership := containsString(members, peer)
			maxTermSent := term
			if len(entries) > 0 {
				maxTermSent = entries[len(entries)-1].Term
			}
			n.mu.Unlock()
			if inMembership && maxTermSent == term {
				n.tryAdvanceCommit(matchIndex)
			}
			n.maybeScheduleAddNode(peer, st)
		case resp.IsBusy:
			n.mu.Unlock()
			select {
			case <-time.After(n.cfg.ReplicationRetryTimespan):
			case <-stopc:
				return
			case <-n.stopc:
				return
			}
		default:
			st.latestOk = false
			probe = true
			newNext := st.nextIndex - 1
			if newNext < 0 {
				newNext = 0
			}
			if resp.LogLength < newNext {
				newNext = resp.LogLength
			}
			st.nextIndex = newNext
			n.mu.Unlock()
		}
	}
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// maybeScheduleAddNode appends the AddNode log entry once a
// not-yet-committed new peer has caught up within minLogGap of the
// tail (spec.md §4.3.5, §4.9.3).
func (n *Node) maybeScheduleAddNode(peer string, st *peerReplState) {
	n.mu.Lock()
	if n.change == nil || n.change.addr != peer {
		n.mu.Unlock()
		return
	}
	gap := n.log.Length() - st.matchIndex
	if gap > n.cfg.MinLogGap {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	change := n.change
	n.change = nil // only one outstanding change; clear so this fires once
	n.mu.Unlock()

	n.appendMu.Lock()
	idx := n.log.Length()
	entry := raftpb.Entry{Index: uint64(idx), Term: term, Op: raftpb.AddNode, Key: peer}
	err := n.log.Append(entry)
	n.appendMu.Unlock()
	if err != nil {
		logger.Errorf("append AddNode entry: %v", err)
		return
	}

	n.mu.Lock()
	ack := &pendingAck{resultc: make(chan applyOutcome, 1)}
	n.clientAcks[idx] = ack
	n.mu.Unlock()
	n.tryAdvanceCommit(idx)

	go func() {
		select {
		case <-ack.resultc:
			select {
			case change.donec <- true:
			default:
			}
		case <-time.After(n.cfg.AddNewNodeTimeout):
			select {
			case change.donec <- false:
			default:
			}
		}
	}()
}
