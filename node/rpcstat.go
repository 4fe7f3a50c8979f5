package node

import (
	"context"

	"github.com/nexuskv/nexus/raftpb"
)

// HandleShowStatus answers a status probe with the Role Controller's
// current view (spec.md §6).
func (n *Node) HandleShowStatus(ctx context.Context, req struct{}) (raftpb.ShowStatusResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIndex, lastTerm := n.log.LastIndexAndTerm()
	return raftpb.ShowStatusResponse{
		Status:       n.status,
		Term:         n.currentTerm,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
	}, nil
}

// HandleRpcStat reports per-op RPC call counts, all ops if req.Op
// is empty (spec.md §6).
func (n *Node) HandleRpcStat(ctx context.Context, req raftpb.RpcStatRequest) (raftpb.RpcStatResponse, error) {
	n.rpcStatsMu.Lock()
	defer n.rpcStatsMu.Unlock()

	var stats []raftpb.OpStat
	if len(req.Op) == 0 {
		for op, c := range n.rpcStats {
			stats = append(stats, raftpb.OpStat{Op: op, Count: c})
		}
		return raftpb.RpcStatResponse{Stats: stats}, nil
	}
	for _, op := range req.Op {
		stats = append(stats, raftpb.OpStat{Op: op, Count: n.rpcStats[op]})
	}
	return raftpb.RpcStatResponse{Stats: stats}, nil
}
