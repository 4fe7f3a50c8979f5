package node

import (
	"context"
	"math/rand"
	"time"

	"github.com/nexuskv/nexus/raftpb"
)

// electionTimerLoop is the Role Controller's Follower/Candidate timer
// (spec.md §4.1): a fresh random [electTimeoutMin, electTimeoutMax]
// delay is armed on every iteration, reset whenever an acceptable
// AppendEntries or vote-grant resets resetElectionC, and otherwise
// fires a new election.
func (n *Node) electionTimerLoop() {
	defer n.wg.Done()
	for {
		d := randBetween(n.cfg.ElectTimeoutMin, n.cfg.ElectTimeoutMax)
		t := time.NewTimer(d)
		select {
		case <-t.C:
			n.mu.Lock()
			isLeader := n.status == raftpb.Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection()
			}
		case <-n.resetElectionC:
			t.Stop()
		case <-n.stopc:
			t.Stop()
			return
		}
	}
}

func randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// resetElectionTimer notifies electionTimerLoop that a legitimate
// leader heartbeat or granted vote was just observed.
func (n *Node) resetElectionTimer() {
	select {
	case n.resetElectionC <- struct{}{}:
	default:
	}
}

// startElection runs one Candidate round: increments the term, votes
// for self, persists both, and broadcasts VoteRequest to every peer in
// the current membership, becoming Leader on strict majority.
func (n *Node) startElection() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.currentTerm++
	term := n.currentTerm
	n.status = raftpb.Candidate
	n.currentLeader = ""
	members := n.membership.Current()
	lastIndex, lastTerm := n.log.LastIndexAndTerm()
	n.mu.Unlock()

	if err := n.meta.WriteCurrentTerm(term); err != nil {
		logger.Errorf("persist term %d: %v", term, err)
		return
	}
	if err := n.meta.WriteVotedFor(term, n.cfg.SelfID); err != nil {
		logger.Errorf("persist votedFor %d: %v", term, err)
		return
	}
	logger.Infof("starting election for term %d", term)

	votes := 1 // self
	needed := len(members)
	if isMajority(votes, needed) {
		// single-member membership: self alone is already a strict
		// majority, no votes to wait for.
		n.becomeLeader(term)
		return
	}

	votesc := make(chan raftpb.VoteResponse, len(members))

	for _, peer := range members {
		if peer == n.cfg.SelfID {
			continue
		}
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectTimeoutMin)
			defer cancel()
			req := raftpb.VoteRequest{
				Term:         term,
				CandidateID:  n.cfg.SelfID,
				LastLogIndex: lastIndex,
				LastLogTerm:  int64(lastTerm),
			}
			var resp raftpb.VoteResponse
			if err := n.tr.Call(ctx, peer, "Vote", req, &resp); err != nil {
				return
			}
			votesc <- resp
		}()
	}

	deadline := time.After(n.cfg.ElectTimeoutMin)
	for i := 0; i < len(members)-1; i++ {
		select {
		case resp := <-votesc:
			n.mu.Lock()
			if resp.Term > n.currentTerm {
				n.becomeFollowerLocked(resp.Term, "")
				n.mu.Unlock()
				return
			}
			stillCandidate := n.status == raftpb.Candidate && n.currentTerm == term
			n.mu.Unlock()
			if !stillCandidate {
				return
			}
			if resp.VoteGranted {
				votes++
			}
			if isMajority(votes, needed) {
				n.becomeLeader(term)
				return
			}
		case <-deadline:
			return
		case <-n.stopc:
			return
		}
	}
}

// HandleVote is the Vote RPC receiver (spec.md §4.1).
func (n *Node) HandleVote(ctx context.Context, req raftpb.VoteRequest) (raftpb.VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term, "")
	}
	if req.Term < n.currentTerm {
		return raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	lastIndex, lastTerm := n.log.LastIndexAndTerm()
	logOK := req.LastLogTerm > int64(lastTerm) ||
		(req.LastLogTerm == int64(lastTerm) && req.LastLogIndex >= lastIndex)

	votedFor, hasVoted := n.meta.VotedFor(req.Term)
	canVote := !hasVoted || votedFor == req.CandidateID

	if logOK && canVote {
		if err := n.meta.WriteVotedFor(req.Term, req.CandidateID); err != nil {
			logger.Errorf("persist votedFor: %v", err)
			return raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
		}
		n.resetElectionTimer()
		return raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
	}
	return raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
}

// becomeFollowerLocked adopts term and leaderID, stepping down from
// Candidate or Leader if necessary. Caller must hold n.mu.
func (n *Node) becomeFollowerLocked(term uint64, leaderID string) {
	wasLeader := n.status == raftpb.Leader
	if term > n.currentTerm {
		n.currentTerm = term
		if err := n.meta.WriteCurrentTerm(term); err != nil {
			logger.Errorf("persist term %d: %v", term, err)
		}
	}
	n.status = raftpb.Follower
	if leaderID != "" {
		n.currentLeader = leaderID
	}
	n.inSafeMode = false
	if wasLeader && n.leaderStopc != nil {
		close(n.leaderStopc)
		n.leaderStopc = nil
	}
}

// becomeLeader transitions into Leader for term, resetting replication
// state for every peer, arming safe mode, appending the term's Nop
// entry, and starting the heartbeat and replicator goroutines
// (spec.md §4.1's "Leader transition").
func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.stopped || n.status != raftpb.Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.status = raftpb.Leader
	n.currentLeader = n.cfg.SelfID
	n.inSafeMode = true
	n.lastConfirmedHeartbeat = time.Time{}
	n.leaderSince = time.Now()

	peers := n.peersLocked()
	n.leaderStopc = make(chan struct{})
	n.mu.Unlock()

	logger.Infof("node %s became leader for term %d", n.cfg.SelfID, term)

	n.appendMu.Lock()
	nextIdx := n.log.Length()
	nopEntry := raftpb.Entry{Index: uint64(nextIdx), Term: term, Op: raftpb.Nop}
	err := n.log.Append(nopEntry)
	n.appendMu.Unlock()
	if err != nil {
		logger.Errorf("append nop entry: %v", err)
	}

	n.mu.Lock()
	n.repl = make(map[string]*peerReplState)
	for _, p := range peers {
		n.repl[p] = &peerReplState{nextIndex: nextIdx, matchIndex: -1}
	}
	n.mu.Unlock()

	// With no peers there is no replicator to offer the Nop for commit.
	if err == nil {
		n.tryAdvanceCommit(nextIdx)
	}

	n.leaderWG.Add(1)
	go n.heartbeatLoop(term)
	for _, p := range peers {
		n.leaderWG.Add(1)
		go n.replicatorLoop(p, term)
	}
}

// heartbeatLoop broadcasts an empty AppendEntries to every peer every
// HeartbeatInterval while this node remains leader of term.
func (n *Node) heartbeatLoop(term uint64) {
	defer n.leaderWG.Done()
	n.mu.Lock()
	stopc := n.leaderStopc
	n.mu.Unlock()

	t := time.NewTicker(n.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.broadcastHeartbeat(term)
		case <-stopc:
			return
		case <-n.stopc:
			return
		}
	}
}

func (n *Node) broadcastHeartbeat(term uint64) {
	n.mu.Lock()
	if n.status != raftpb.Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	peers := n.peersLocked()
	commitIndex := n.commitIndex
	n.mu.Unlock()

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
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval)
			defer cancel()
			var resp raftpb.AppendEntriesResponse
			if err := n.tr.Call(ctx, p, "AppendEntries", req, &resp); err != nil {
				return
			}
			n.mu.Lock()
			if resp.CurrentTerm > n.currentTerm {
				n.becomeFollowerLocked(resp.CurrentTerm, "")
			}
			n.mu.Unlock()
		}()
	}
}
