package node

import (
	"context"
	"time"

	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/snapshot"
)

// sendSnapshot is the leader-side Snapshot Send (spec.md §4.8),
// invoked by a replicator whose peer needs a slot already GC'd from
// the log. It streams the backend's current contents to peer in
// max-request-size batches, then repoints that peer's replication
// state at the captured boundary.
func (n *Node) sendSnapshot(peer string, term uint64) {
	n.snapshotMu.Lock()
	defer n.snapshotMu.Unlock()

	n.mu.Lock()
	if n.status != raftpb.Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	votedFor, _ := n.meta.VotedFor(n.currentTerm)
	meta := raftpb.SnapshotMeta{
		Term:        n.currentTerm,
		VotedFor:    votedFor,
		LastApplied: n.lastApplied,
		Membership:  n.membership.Current(),
	}
	n.mu.Unlock()

	timestamp := time.Now().UnixNano()
	snap := n.be.Snapshot()
	defer snap.Close()

	var batch []raftpb.SnapshotItem
	batchBytes := 0
	failed := false

	send := func(isLast bool) bool {
		req := raftpb.InstallSnapshotRequest{Timestamp: timestamp, Items: batch}
		if isLast {
			req.Meta = &meta
			req.IsLast = true
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectTimeoutMax)
		defer cancel()
		var resp raftpb.InstallSnapshotResponse
		err := n.tr.Call(ctx, peer, "InstallSnapshot", req, &resp)
		batch = nil
		batchBytes = 0
		if err != nil || !resp.Success {
			logger.Warningf("sendSnapshot to %s: %v (success=%v)", peer, err, resp.Success)
			return false
		}
		return true
	}

	err := snap.ForEachBucket(func(bucket string, k, v []byte) error {
		if failed || len(v) == 0 {
			return nil
		}
		item := raftpb.SnapshotItem{User: bucket, Key: string(k), Tag: raftpb.OpKind(v[0]), Payload: string(v[1:])}
		batch = append(batch, item)
		batchBytes += len(bucket) + len(item.Key) + len(item.Payload)
		if n.cfg.MaxSnapshotRequestSize > 0 && batchBytes >= n.cfg.MaxSnapshotRequestSize {
			if !send(false) {
				failed = true
			}
		}
		return nil
	})
	if err != nil {
		logger.Errorf("sendSnapshot to %s: scan backend: %v", peer, err)
		return
	}
	if failed {
		return
	}
	if !send(true) {
		return
	}

	n.mu.Lock()
	if st, ok := n.repl[peer]; ok {
		st.nextIndex = meta.LastApplied + 1
		st.matchIndex = meta.LastApplied
	}
	n.mu.Unlock()
	logger.Infof("sent snapshot to %s through lastApplied=%d", peer, meta.LastApplied)
}

// HandleInstallSnapshot is the InstallSnapshot RPC receiver (spec.md
// §4.8): accumulates data records for the in-progress attempt,
// rejecting any batch whose timestamp doesn't match once one is
// established, and installs on the final batch.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req raftpb.InstallSnapshotRequest) (raftpb.InstallSnapshotResponse, error) {
	n.snapshotMu.Lock()
	defer n.snapshotMu.Unlock()

	if n.installActive && req.Timestamp != n.installTimestamp {
		return raftpb.InstallSnapshotResponse{Success: false}, nil
	}
	if !n.installActive {
		n.installActive = true
		n.installTimestamp = req.Timestamp
		n.installItems = nil
	}
	n.installItems = append(n.installItems, req.Items...)

	if !req.IsLast {
		return raftpb.InstallSnapshotResponse{Success: true}, nil
	}

	n.installActive = false
	if req.Meta == nil {
		logger.Errorf("fatal: InstallSnapshot final batch from timestamp %d missing meta", req.Timestamp)
		return raftpb.InstallSnapshotResponse{Success: false}, nil
	}
	if err := n.installSnapshot(*req.Meta, n.installItems); err != nil {
		logger.Errorf("install snapshot: %v", err)
		n.installItems = nil
		return raftpb.InstallSnapshotResponse{Success: false}, nil
	}
	n.installItems = nil
	return raftpb.InstallSnapshotResponse{Success: true}, nil
}

// installSnapshot performs the I6 reset: wipe the KV store, replay the
// received records, persist meta, reset the log to start at
// lastApplied+1, and reload membership. Caller holds snapshotMu.
func (n *Node) installSnapshot(meta raftpb.SnapshotMeta, items []raftpb.SnapshotItem) error {
	n.store.Reset()
	for _, it := range items {
		n.store.Put(it.User, it.Key, it.Tag, it.Payload)
	}
	if err := n.store.SetLastApplied(meta.LastApplied); err != nil {
		return err
	}
	if err := n.meta.WriteCurrentTerm(meta.Term); err != nil {
		return err
	}
	if meta.VotedFor != "" {
		if err := n.meta.WriteVotedFor(meta.Term, meta.VotedFor); err != nil {
			return err
		}
	}
	if err := n.log.ResetForSnapshot(meta.LastApplied); err != nil {
		return err
	}

	n.mu.Lock()
	n.currentTerm = meta.Term
	n.lastApplied = meta.LastApplied
	n.commitIndex = meta.LastApplied
	n.membership.ResetAfterSnapshot(meta.LastApplied, meta.Membership)
	n.mu.Unlock()
	return nil
}

// snapshotProduceLoop is the leader's periodic Snapshot Produce task
// (spec.md §4.8).
func (n *Node) snapshotProduceLoop() {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.maybeProduceSnapshot()
		case <-n.stopc:
			return
		}
	}
}

func (n *Node) maybeProduceSnapshot() {
	n.mu.Lock()
	isLeader := n.status == raftpb.Leader
	votedFor, _ := n.meta.VotedFor(n.currentTerm)
	meta := snapshot.Meta{
		Term:        n.currentTerm,
		VotedFor:    votedFor,
		LastApplied: n.lastApplied,
		Membership:  n.membership.Current(),
	}
	n.mu.Unlock()
	if !isLeader {
		return
	}

	n.snapshotMu.Lock()
	defer n.snapshotMu.Unlock()
	if err := n.snap.Produce(meta, n.be); err != nil {
		logger.Errorf("produce snapshot: %v", err)
	}
}

// gcLoop is the leader's periodic log-GC task (spec.md §4.8's "Log
// GC"): it polls every peer's lastApplied and broadcasts CleanBinlog
// for the prefix every member has surpassed.
func (n *Node) gcLoop() {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.maybeGC()
		case <-n.stopc:
			return
		}
	}
}

func (n *Node) maybeGC() {
	n.mu.Lock()
	isLeader := n.status == raftpb.Leader
	peers := n.peersLocked()
	minApplied := n.lastApplied
	n.mu.Unlock()
	if !isLeader {
		return
	}

	for _, p := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectTimeoutMax)
		var resp raftpb.ShowStatusResponse
		err := n.tr.Call(ctx, p, "ShowStatus", struct{}{}, &resp)
		cancel()
		if err != nil {
			return
		}
		if resp.LastApplied < minApplied {
			minApplied = resp.LastApplied
		}
	}
	if minApplied <= 0 {
		return
	}
	endIndex := minApplied - 1

	req := raftpb.CleanBinlogRequest{EndIndex: endIndex}
	selfResp, err := n.HandleCleanBinlog(context.Background(), req)
	if err != nil || !selfResp.Success {
		return
	}
	for _, p := range peers {
		p := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectTimeoutMax)
			defer cancel()
			var resp raftpb.CleanBinlogResponse
			if err := n.tr.Call(ctx, p, "CleanBinlog", req, &resp); err != nil {
				logger.Warningf("CleanBinlog to %s: %v", p, err)
			}
		}()
	}
}
