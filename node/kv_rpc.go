package node

import (
	"context"
	"time"

	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/store"
	"github.com/nexuskv/nexus/watch"
)

// leaderPrecheck rejects the common non-leader, candidate, safe-mode,
// and stale-uuid cases shared by every client-facing KV RPC (spec.md
// §4.1's "Safe-mode exit", §4.5). On success it resolves uuid to its
// username (the empty string for an anonymous caller).
func (n *Node) leaderPrecheck(uuid string) (user string, resp raftpb.ClientResponse, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.status {
	case raftpb.Follower:
		return "", raftpb.ClientResponse{Success: false, LeaderID: n.currentLeader}, false
	case raftpb.Candidate:
		return "", raftpb.ClientResponse{Success: false}, false
	}
	if n.inSafeMode {
		return "", raftpb.ClientResponse{Success: false}, false
	}
	if uuid != "" && !n.users.IsLoggedIn(uuid) {
		return "", raftpb.ClientResponse{Success: false, UUIDExpired: true}, false
	}
	return n.users.UsernameFromUUID(uuid), raftpb.ClientResponse{Success: true}, true
}

// lockWindowElapsed reports whether sessionExpireTimeout has passed
// since this node last became leader, the additional safe-mode window
// spec.md §4.6 imposes on Lock and Scan specifically.
func (n *Node) lockWindowElapsed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Since(n.leaderSince) >= n.cfg.SessionExpireTimeout
}

// writePendingFull reports whether the deferred-ack table has grown
// past maxWritePending, the backpressure threshold of spec.md §6.
func (n *Node) writePendingFull() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clientAcks) > n.cfg.MaxWritePending
}

// appendClientEntry is the common write path for Put/Del/Lock/Unlock:
// claim the next log index under appendMu, append durably, register a
// pendingAck, and try to advance commit immediately (a no-op unless
// this is a single-node cluster, where no replicator will do it).
func (n *Node) appendClientEntry(op raftpb.OpKind, user, key, value string) (int64, *pendingAck, error) {
	n.mu.Lock()
	term := n.currentTerm
	n.mu.Unlock()

	n.appendMu.Lock()
	idx := n.log.Length()
	entry := raftpb.Entry{Index: uint64(idx), Term: term, Op: op, User: user, Key: key, Value: value}
	err := n.log.Append(entry)
	n.appendMu.Unlock()
	if err != nil {
		return 0, nil, err
	}

	ack := &pendingAck{resultc: make(chan applyOutcome, 1)}
	n.mu.Lock()
	n.clientAcks[idx] = ack
	n.mu.Unlock()

	n.tryAdvanceCommit(idx)
	return idx, ack, nil
}

// waitAck blocks for idx's apply outcome, giving up (and forgetting the
// ack) if ctx is cancelled or the node stops.
func (n *Node) waitAck(ctx context.Context, idx int64, ack *pendingAck) (applyOutcome, bool) {
	select {
	case out := <-ack.resultc:
		return out, true
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.clientAcks, idx)
		n.mu.Unlock()
		return applyOutcome{}, false
	case <-n.stopc:
		return applyOutcome{}, false
	}
}

// HandlePut is the Put RPC (spec.md §4.5).
func (n *Node) HandlePut(ctx context.Context, req raftpb.PutRequest) (raftpb.ClientResponse, error) {
	user, resp, ok := n.leaderPrecheck(req.UUID)
	if !ok {
		return resp, nil
	}
	if n.writePendingFull() {
		return raftpb.ClientResponse{Success: false}, nil
	}
	idx, ack, err := n.appendClientEntry(raftpb.Put, user, req.Key, req.Value)
	if err != nil {
		return raftpb.ClientResponse{Success: false}, nil
	}
	if _, ok := n.waitAck(ctx, idx, ack); !ok {
		return raftpb.ClientResponse{Success: false}, nil
	}
	return raftpb.ClientResponse{Success: true}, nil
}

// HandleDel is the Delete RPC (spec.md §4.5).
func (n *Node) HandleDel(ctx context.Context, req raftpb.DelRequest) (raftpb.ClientResponse, error) {
	user, resp, ok := n.leaderPrecheck(req.UUID)
	if !ok {
		return resp, nil
	}
	if n.writePendingFull() {
		return raftpb.ClientResponse{Success: false}, nil
	}
	idx, ack, err := n.appendClientEntry(raftpb.Del, user, req.Key, "")
	if err != nil {
		return raftpb.ClientResponse{Success: false}, nil
	}
	if _, ok := n.waitAck(ctx, idx, ack); !ok {
		return raftpb.ClientResponse{Success: false}, nil
	}
	return raftpb.ClientResponse{Success: true}, nil
}

// HandleLock is the Lock RPC (spec.md §4.6's "Lock acceptance"): the
// leader checks availability locally, optimistically writes the lock,
// then appends the entry so replicas converge on the same effect.
func (n *Node) HandleLock(ctx context.Context, req raftpb.LockRequest) (raftpb.ClientResponse, error) {
	user, resp, ok := n.leaderPrecheck(req.UUID)
	if !ok {
		return resp, nil
	}
	if !n.lockWindowElapsed() {
		return raftpb.ClientResponse{Success: false}, nil
	}
	if n.writePendingFull() {
		return raftpb.ClientResponse{Success: false}, nil
	}
	if !n.sessions.Exists(req.SessionID) {
		return raftpb.ClientResponse{Success: false}, nil
	}

	rec, status := n.store.Get(user, req.Key)
	available := false
	switch {
	case status != store.Ok:
		available = true
	case rec.Tag != raftpb.Lock:
		available = false
	case n.sessionExpired(rec.Payload):
		available = true
	case rec.Payload == req.SessionID:
		available = true
	}
	if !available {
		return raftpb.ClientResponse{Success: false}, nil
	}

	n.store.Put(user, req.Key, raftpb.Lock, req.SessionID)

	idx, ack, err := n.appendClientEntry(raftpb.Lock, user, req.Key, req.SessionID)
	if err != nil {
		return raftpb.ClientResponse{Success: false}, nil
	}
	if _, ok := n.waitAck(ctx, idx, ack); !ok {
		return raftpb.ClientResponse{Success: false}, nil
	}
	return raftpb.ClientResponse{Success: true}, nil
}

// HandleUnlock is the Unlock RPC. Its effect is the idempotent
// conditional delete-if applied in applyUnlock; the RPC layer only
// needs to log the attempt.
func (n *Node) HandleUnlock(ctx context.Context, req raftpb.UnLockRequest) (raftpb.ClientResponse, error) {
	user, resp, ok := n.leaderPrecheck(req.UUID)
	if !ok {
		return resp, nil
	}
	if n.writePendingFull() {
		return raftpb.ClientResponse{Success: false}, nil
	}
	idx, ack, err := n.appendClientEntry(raftpb.Unlock, user, req.Key, req.SessionID)
	if err != nil {
		return raftpb.ClientResponse{Success: false}, nil
	}
	if _, ok := n.waitAck(ctx, idx, ack); !ok {
		return raftpb.ClientResponse{Success: false}, nil
	}
	return raftpb.ClientResponse{Success: true}, nil
}

// HandleGet is the linearizable Get RPC (spec.md §4.10): confirms a
// fresh heartbeat quorum if the last confirmed round is stale, then
// reads locally, masking an expired lock's value as a miss.
func (n *Node) HandleGet(ctx context.Context, req raftpb.GetRequest) (raftpb.GetResponse, error) {
	user, resp, ok := n.leaderPrecheck(req.UUID)
	if !ok {
		return raftpb.GetResponse{ClientResponse: resp}, nil
	}

	n.mu.Lock()
	stale := time.Since(n.lastConfirmedHeartbeat) > n.cfg.ElectTimeoutMin
	hasPeers := len(n.peersLocked()) > 0
	n.mu.Unlock()

	if hasPeers && stale {
		if !n.confirmReadQuorum(ctx) {
			return raftpb.GetResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
		}
	}

	rec, status := n.store.Get(user, req.Key)
	if status != store.Ok {
		return raftpb.GetResponse{ClientResponse: raftpb.ClientResponse{Success: true}, Hit: false}, nil
	}
	if rec.Tag == raftpb.Lock && n.sessionExpired(rec.Payload) {
		return raftpb.GetResponse{ClientResponse: raftpb.ClientResponse{Success: true}, Hit: false}, nil
	}
	return raftpb.GetResponse{ClientResponse: raftpb.ClientResponse{Success: true}, Hit: true, Value: rec.Payload}, nil
}

// confirmReadQuorum broadcasts an empty-entries AppendEntries to every
// peer and waits for a strict majority (self included) to answer
// without a higher term, refreshing lastConfirmedHeartbeat on success.
func (n *Node) confirmReadQuorum(ctx context.Context) bool {
	n.mu.Lock()
	if n.status != raftpb.Leader {
		n.mu.Unlock()
		return false
	}
	term := n.currentTerm
	peers := n.peersLocked()
	commitIndex := n.commitIndex
	n.mu.Unlock()

	if len(peers) == 0 {
		n.mu.Lock()
		n.lastConfirmedHeartbeat = time.Now()
		n.mu.Unlock()
		return true
	}

	okc := make(chan bool, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			lastIndex, lastTerm := n.log.LastIndexAndTerm()
			req := raftpb.AppendEntriesRequest{
				Term:              term,
				LeaderID:          n.cfg.SelfID,
				PrevLogIndex:      lastIndex,
				PrevLogTerm:       int64(lastTerm),
				LeaderCommitIndex: commitIndex,
			}
			cctx, cancel := context.WithTimeout(ctx, n.cfg.ElectTimeoutMin)
			defer cancel()
			var resp raftpb.AppendEntriesResponse
			if err := n.tr.Call(cctx, p, "AppendEntries", req, &resp); err != nil {
				okc <- false
				return
			}
			n.mu.Lock()
			if resp.CurrentTerm > n.currentTerm {
				n.becomeFollowerLocked(resp.CurrentTerm, "")
			}
			stillLeader := n.status == raftpb.Leader && n.currentTerm == term
			n.mu.Unlock()
			okc <- stillLeader
		}()
	}

	succCount := 1
	needed := len(peers) + 1
	deadline := time.After(n.cfg.ElectTimeoutMin)
	for i := 0; i < len(peers); i++ {
		select {
		case hit := <-okc:
			if hit {
				succCount++
			}
			if isMajority(succCount, needed) {
				n.mu.Lock()
				n.lastConfirmedHeartbeat = time.Now()
				stillLeader := n.status == raftpb.Leader
				n.mu.Unlock()
				return stillLeader
			}
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// HandleScan is the bounded Scan RPC (spec.md §4.10), subject to the
// same additional Lock/Scan safe-mode window as HandleLock.
func (n *Node) HandleScan(ctx context.Context, req raftpb.ScanRequest) (raftpb.ScanResponse, error) {
	user, resp, ok := n.leaderPrecheck(req.UUID)
	if !ok {
		return raftpb.ScanResponse{ClientResponse: resp}, nil
	}
	if !n.lockWindowElapsed() {
		return raftpb.ScanResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}

	items, hasMore := n.store.Scan(user, req.Key, req.SizeLimit)
	out := make([]raftpb.ScanItem, 0, len(items))
	for _, it := range items {
		if it.Record.Tag == raftpb.Lock && n.sessionExpired(it.Record.Payload) {
			continue
		}
		out = append(out, raftpb.ScanItem{Key: it.Key, Value: it.Record.Payload})
	}
	return raftpb.ScanResponse{ClientResponse: raftpb.ClientResponse{Success: true}, Items: out, HasMore: hasMore}, nil
}

// HandleWatch is the Watch RPC (spec.md §4.7): fires immediately if the
// caller's predicate is already violated, otherwise parks a one-shot
// registration and blocks until it fires or the caller gives up.
func (n *Node) HandleWatch(ctx context.Context, req raftpb.WatchRequest) (raftpb.WatchResponse, error) {
	user, resp, ok := n.leaderPrecheck(req.UUID)
	if !ok {
		return raftpb.WatchResponse{ClientResponse: resp}, nil
	}
	if !n.sessions.Exists(req.SessionID) {
		return raftpb.WatchResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}

	rec, status := n.store.Get(user, req.Key)
	curExist := status == store.Ok
	curValue := ""
	lockExpired := false
	if curExist {
		curValue = rec.Payload
		if rec.Tag == raftpb.Lock {
			lockExpired = n.sessionExpired(rec.Payload)
		}
	}

	if curExist != req.KeyExist || curValue != req.OldValue || lockExpired {
		return raftpb.WatchResponse{
			ClientResponse: raftpb.ClientResponse{Success: true},
			WatchKey:       req.Key,
			Key:            req.Key,
			Value:          curValue,
			Deleted:        !curExist,
		}, nil
	}

	resultc := make(chan raftpb.WatchResponse, 1)
	n.watches.Register(watchKey(user, req.Key), req.SessionID, func(ev watch.Event) {
		resultc <- raftpb.WatchResponse{
			ClientResponse: raftpb.ClientResponse{Success: true},
			WatchKey:       req.Key,
			Key:            req.Key,
			Value:          ev.Value,
			Deleted:        ev.Deleted,
		}
	})

	select {
	case resp := <-resultc:
		return resp, nil
	case <-ctx.Done():
		return raftpb.WatchResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	case <-n.stopc:
		return raftpb.WatchResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}
}

// HandleKeepAlive is the KeepAlive RPC (spec.md §4.6): a non-forwarded
// request must land on the leader, which refreshes its own session
// table and best-effort forwards to every follower so session state
// converges everywhere.
func (n *Node) HandleKeepAlive(ctx context.Context, req raftpb.KeepAliveRequest) (raftpb.ClientResponse, error) {
	n.mu.Lock()
	isLeader := n.status == raftpb.Leader
	leaderID := n.currentLeader
	peers := n.peersLocked()
	n.mu.Unlock()

	if !req.Forwarded && !isLeader {
		return raftpb.ClientResponse{Success: false, LeaderID: leaderID}, nil
	}

	n.sessions.KeepAlive(req.SessionID, req.UUID, n.cfg.SessionExpireTimeout, req.LockedKeys)

	if isLeader && !req.Forwarded {
		fwd := req
		fwd.Forwarded = true
		for _, p := range peers {
			p := p
			go func() {
				cctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectTimeoutMin)
				defer cancel()
				var resp raftpb.ClientResponse
				if err := n.tr.Call(cctx, p, "KeepAlive", fwd, &resp); err != nil {
					logger.Warningf("forward keep-alive to %s: %v", p, err)
				}
			}()
		}
	}
	return raftpb.ClientResponse{Success: true}, nil
}
