package node

import (
	"context"
	"time"

	"github.com/nexuskv/nexus/raftpb"
)

// HandleAppendEntries is the AppendEntries RPC receiver (spec.md §4.1),
// executed under followerMu so receipt is serialized per node.
func (n *Node) HandleAppendEntries(ctx context.Context, req raftpb.AppendEntriesRequest) (raftpb.AppendEntriesResponse, error) {
	n.followerMu.Lock()
	defer n.followerMu.Unlock()

	n.mu.Lock()
	if req.Term < n.currentTerm {
		resp := raftpb.AppendEntriesResponse{CurrentTerm: n.currentTerm, Success: false, LogLength: n.log.Length()}
		n.mu.Unlock()
		return resp, nil
	}

	n.becomeFollowerLocked(req.Term, req.LeaderID)
	n.lastHeartbeatRecv = time.Now()
	n.mu.Unlock()
	n.resetElectionTimer()

	if len(req.Entries) > 0 {
		logLen := n.log.Length()
		if req.PrevLogIndex >= logLen {
			return raftpb.AppendEntriesResponse{CurrentTerm: req.Term, Success: false, LogLength: logLen}, nil
		}
		if req.PrevLogIndex >= 0 {
			e, ok := n.log.ReadSlot(req.PrevLogIndex)
			if !ok || int64(e.Term) != req.PrevLogTerm {
				if req.PrevLogIndex-1 >= 0 {
					n.log.Truncate(req.PrevLogIndex - 1)
				} else {
					n.log.Truncate(-1)
				}
				return raftpb.AppendEntriesResponse{CurrentTerm: req.Term, Success: false, LogLength: n.log.Length()}, nil
			}
		}

		n.mu.Lock()
		pending := n.commitIndex - n.lastApplied
		busy := pending > n.cfg.MaxCommitPending
		n.mu.Unlock()
		if busy {
			return raftpb.AppendEntriesResponse{CurrentTerm: req.Term, Success: false, IsBusy: true, LogLength: n.log.Length()}, nil
		}

		if logLen > req.PrevLogIndex+1 {
			n.log.Truncate(req.PrevLogIndex)
		}
		if err := n.log.AppendBatch(req.Entries); err != nil {
			logger.Errorf("append batch: %v", err)
			return raftpb.AppendEntriesResponse{CurrentTerm: req.Term, Success: false, LogLength: n.log.Length()}, nil
		}
	}

	n.mu.Lock()
	newCommit := req.LeaderCommitIndex
	if lastIdx := n.log.Length() - 1; newCommit > lastIdx {
		newCommit = lastIdx
	}
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
		n.applyCond.Broadcast()
	}
	term := n.currentTerm
	n.mu.Unlock()

	return raftpb.AppendEntriesResponse{CurrentTerm: term, Success: true, LogLength: n.log.Length()}, nil
}
