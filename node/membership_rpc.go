package node

import (
	"context"
	"time"

	"github.com/nexuskv/nexus/raftpb"
)

// HandleAddNode is the AddNode RPC (spec.md §4.9): refuses a second
// concurrent change, otherwise starts replicating to addr outside
// membership and blocks until the catch-up + commit completes or
// addNewNodeTimeout elapses.
func (n *Node) HandleAddNode(ctx context.Context, req raftpb.AddNodeRequest) (raftpb.AddNodeResponse, error) {
	n.mu.Lock()
	if n.status != raftpb.Leader {
		n.mu.Unlock()
		return raftpb.AddNodeResponse{Success: false}, nil
	}
	if n.change != nil {
		n.mu.Unlock()
		return raftpb.AddNodeResponse{Success: false}, nil
	}
	if n.cfg.MaxClusterSize > 0 && len(n.membership.Current())+1 > n.cfg.MaxClusterSize {
		n.mu.Unlock()
		logger.Errorf("fatal: AddNode(%s) would exceed maxClusterSize=%d", req.NodeAddr, n.cfg.MaxClusterSize)
		return raftpb.AddNodeResponse{Success: false}, nil
	}
	term := n.currentTerm
	donec := make(chan bool, 1)
	n.change = &membershipChangeContext{addr: req.NodeAddr, deadline: time.Now().Add(n.cfg.AddNewNodeTimeout), donec: donec}
	n.repl[req.NodeAddr] = &peerReplState{nextIndex: 0, matchIndex: -1}
	n.mu.Unlock()

	n.leaderWG.Add(1)
	go n.replicatorLoop(req.NodeAddr, term)

	timer := time.NewTimer(n.cfg.AddNewNodeTimeout)
	defer timer.Stop()
	select {
	case ok := <-donec:
		return raftpb.AddNodeResponse{Success: ok}, nil
	case <-timer.C:
		n.mu.Lock()
		if n.change != nil && n.change.addr == req.NodeAddr {
			n.change = nil
			delete(n.repl, req.NodeAddr)
		}
		n.mu.Unlock()
		return raftpb.AddNodeResponse{Success: false}, nil
	case <-ctx.Done():
		return raftpb.AddNodeResponse{Success: false}, nil
	case <-n.stopc:
		return raftpb.AddNodeResponse{Success: false}, nil
	}
}

// HandleRemoveNode always fails: cluster shrinkage is an open question
// this core leaves unimplemented (spec.md's membership Non-goals).
func (n *Node) HandleRemoveNode(ctx context.Context, req raftpb.RemoveNodeRequest) (raftpb.RemoveNodeResponse, error) {
	logger.Warningf("RemoveNode(%s) rejected: cluster shrinkage is not implemented", req.NodeAddr)
	return raftpb.RemoveNodeResponse{Success: false}, nil
}

// HandleCleanBinlog is the leader-driven log-GC RPC (spec.md §4.8):
// refuses (fatally, logged) to drop entries this node hasn't applied
// yet, since that would make recovery impossible.
func (n *Node) HandleCleanBinlog(ctx context.Context, req raftpb.CleanBinlogRequest) (raftpb.CleanBinlogResponse, error) {
	n.mu.Lock()
	lastApplied := n.lastApplied
	n.mu.Unlock()

	if lastApplied < req.EndIndex {
		logger.Errorf("fatal: refusing CleanBinlog(%d): lastApplied=%d", req.EndIndex, lastApplied)
		return raftpb.CleanBinlogResponse{Success: false}, nil
	}
	if err := n.log.RemovePrefixBefore(req.EndIndex); err != nil {
		logger.Errorf("remove log prefix before %d: %v", req.EndIndex, err)
		return raftpb.CleanBinlogResponse{Success: false}, nil
	}
	return raftpb.CleanBinlogResponse{Success: true}, nil
}
