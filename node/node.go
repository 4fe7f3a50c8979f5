package node

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nexuskv/nexus/binlog"
	"github.com/nexuskv/nexus/membership"
	"github.com/nexuskv/nexus/meta"
	"github.com/nexuskv/nexus/pkg/fileutil"
	"github.com/nexuskv/nexus/pkg/idutil"
	"github.com/nexuskv/nexus/pkg/xlog"
	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/session"
	"github.com/nexuskv/nexus/snapshot"
	"github.com/nexuskv/nexus/store"
	"github.com/nexuskv/nexus/store/backend"
	"github.com/nexuskv/nexus/transport"
	"github.com/nexuskv/nexus/usermanager"
	"github.com/nexuskv/nexus/watch"
)

var logger = xlog.NewLogger("node", xlog.INFO)

// peerReplState is the leader-only ReplicationState for one peer
// (spec.md §3).
type peerReplState struct {
	nextIndex   int64
	matchIndex  int64
	replicating bool
	latestOk    bool
}

// pendingAck is one deferred client RPC response waiting for its log
// index to commit and apply (spec.md's PendingClientAck).
type pendingAck struct {
	resultc chan applyOutcome
}

// applyOutcome is what the Apply Worker hands back to a waiting RPC
// handler once its entry has been applied.
type applyOutcome struct {
	status store.Status
	uuid   string // Login only
}

// membershipChangeContext tracks the single in-flight AddNode attempt
// (spec.md §4.9, I5).
type membershipChangeContext struct {
	addr     string
	deadline time.Time
	donec    chan bool // true on success
}

// Node is one running cluster member: the Role Controller plus every
// component it drives.
type Node struct {
	cfg Config

	meta  *meta.Meta
	log   *binlog.Log
	be    backend.Backend
	store *store.Store

	sessions *session.Manager
	watches  *watch.Manager
	users    *usermanager.Manager
	snap     *snapshot.Manager
	tr       transport.Transport

	idGen *idutil.Generator

	// mu protects Role Controller state: status, term, membership,
	// commit/apply bookkeeping, client-ack map, replication state.
	// Lock order: snapshotMu > mu > (sessionsMu, sessionLocksMu, watchMu)
	// per spec.md §5 — the latter three live inside session/watch and are
	// never taken while mu is held.
	mu sync.Mutex

	status        raftpb.NodeStatus
	currentTerm   uint64
	currentLeader string
	commitIndex   int64
	lastApplied   int64
	inSafeMode    bool
	inQuietMode   bool
	stopped       bool

	membership *membership.History
	repl       map[string]*peerReplState
	clientAcks map[int64]*pendingAck

	change *membershipChangeContext

	lastHeartbeatRecv      time.Time
	lastConfirmedHeartbeat time.Time

	applyCond *sync.Cond

	// snapshotMu excludes the Apply Worker from the snapshot
	// producer/installer, per the "Snapshot/apply exclusion" design
	// note in spec.md §9.
	snapshotMu sync.Mutex

	// installActive/installTimestamp/installItems track the in-progress
	// InstallSnapshot attempt on the receiver side, guarded by
	// snapshotMu (spec.md §4.8's "keyed by a per-attempt timestamp").
	installActive    bool
	installTimestamp int64
	installItems     []raftpb.SnapshotItem

	// followerMu serializes AppendEntries-receiver work per node
	// (spec.md §5's "Follower worker"), so a stale and a current leader's
	// deliveries never interleave their truncate-then-append sequence.
	followerMu sync.Mutex

	// appendMu serializes "compute next index, append" on the leader side
	// across concurrent client RPC handlers and the Nop/AddNode appends,
	// so two goroutines never race to claim the same log index. Held only
	// around the append itself, never across an RPC send.
	appendMu sync.Mutex

	// leaderSince records when this node last became Leader, for the
	// additional Lock/Scan safe-mode window of spec.md §4.6.
	leaderSince time.Time

	stopc         chan struct{}
	wg            sync.WaitGroup
	resetElectionC chan struct{}

	// leaderStopc is closed whenever this node steps down from (or never
	// reaches) Leader, signaling every leader-only goroutine (heartbeat,
	// replicators) to exit. leaderWG counts those goroutines; becomeLeader
	// does not wait on it before creating a new leaderStopc, so goroutines
	// of a previous leadership epoch may still be exiting when a new one
	// starts.
	leaderStopc chan struct{}
	leaderWG    sync.WaitGroup

	rpcStatsMu sync.Mutex
	rpcStats   map[string]int64
}

// New constructs a Node from cfg. Apart from the storage backend's own
// batch-commit loop it starts no goroutines; call Start for the node's
// workers.
func New(cfg Config, tr transport.Transport) (*Node, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(".", rewriteID(cfg.SelfID))
	}

	m, err := meta.Open(filepath.Join(dataDir, "meta"))
	if err != nil {
		return nil, fmt.Errorf("node: open meta: %w", err)
	}
	lg, err := binlog.Open(filepath.Join(dataDir, "binlog"))
	if err != nil {
		return nil, fmt.Errorf("node: open binlog: %w", err)
	}
	storeDir := filepath.Join(dataDir, "store")
	if err := fileutil.MkdirAll(storeDir); err != nil {
		return nil, fmt.Errorf("node: create store dir: %w", err)
	}
	be := backend.New(filepath.Join(storeDir, "store.db"))
	st := store.New(be)

	initialMembers := cfg.Peers
	if cfg.QuietMode {
		initialMembers = nil
		for _, p := range cfg.Peers {
			if p != cfg.SelfID {
				initialMembers = append(initialMembers, p)
			}
		}
	}

	snapDir := filepath.Join(dataDir, "snapshot")
	if err := fileutil.MkdirAll(snapDir); err != nil {
		return nil, fmt.Errorf("node: create snapshot dir: %w", err)
	}
	snap := snapshot.New(snapDir)

	// Seed membership from the most recent on-disk snapshot if one
	// exists, since any AddNode entries before its LastApplied boundary
	// may since have been GC'd from the binlog (spec.md §4.8's "Log GC").
	// A node that has never produced a snapshot falls back to cfg.Peers,
	// the ordinary cold-start case.
	var mh *membership.History
	baseIndex := int64(0)
	if snapMeta, _, err := snap.Load(); err == nil {
		mh = membership.NewHistory(snapMeta.Membership)
		mh.ResetAfterSnapshot(snapMeta.LastApplied, snapMeta.Membership)
		baseIndex = snapMeta.LastApplied
	} else {
		mh = membership.NewHistory(initialMembers)
	}

	n := &Node{
		cfg:            cfg,
		meta:           m,
		log:            lg,
		be:             be,
		store:          st,
		sessions:       session.NewManager(),
		watches:        watch.NewManager(),
		users:          usermanager.NewManager(),
		snap:           snap,
		tr:             tr,
		idGen:          idutil.NewGenerator(memberIDHash(cfg.SelfID), time.Now()),
		status:         raftpb.Follower,
		currentTerm:    m.CurrentTerm(),
		membership:     mh,
		repl:           make(map[string]*peerReplState),
		clientAcks:     make(map[int64]*pendingAck),
		inQuietMode:    cfg.QuietMode,
		stopc:          make(chan struct{}),
		resetElectionC: make(chan struct{}, 1),
		rpcStats:       make(map[string]int64),
	}
	n.applyCond = sync.NewCond(&n.mu)

	n.lastApplied = st.LastApplied()
	n.commitIndex = n.lastApplied

	// Replay any AddNode entries already applied locally but past the
	// snapshot baseline (or the whole log, on a node with no snapshot
	// yet), so membership history matches what applyOne would have
	// produced had this node never restarted.
	for i := baseIndex + 1; i <= n.lastApplied; i++ {
		e, ok := lg.ReadSlot(i)
		if !ok {
			continue
		}
		if e.Op == raftpb.AddNode {
			mh.Update(i, e.Key)
		}
	}

	n.registerHandlers()
	return n, nil
}

// rewriteID rewrites ':' to '_' in id, per spec.md §6's node-specific
// sub-directory naming rule.
func rewriteID(id string) string {
	return strings.ReplaceAll(id, ":", "_")
}

// memberIDHash turns an address into a small id for idutil.Generator,
// which only needs uniqueness among this process's own calls.
func memberIDHash(addr string) uint16 {
	var h uint16
	for i := 0; i < len(addr); i++ {
		h = h*31 + uint16(addr[i])
	}
	return h
}

// Start launches the Apply Worker, Session-checker, snapshot producer
// (if EnableSnapshot), GC loop and, unless the node is quiet, the
// election timer loop. The node begins as a Follower (or quiet,
// uncounted bystander); heartbeat and replicator goroutines are started
// by becomeLeader.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.applyWorkerLoop()

	n.wg.Add(1)
	go n.sessionSweepLoop()

	if n.cfg.EnableSnapshot {
		n.wg.Add(1)
		go n.snapshotProduceLoop()
	}

	n.wg.Add(1)
	go n.gcLoop()

	if !n.inQuietMode {
		n.wg.Add(1)
		go n.electionTimerLoop()
	}

	logger.Infof("node %s started, quiet=%v", n.cfg.SelfID, n.inQuietMode)
}

// Stop sets stopped under mu, broadcasts every condvar, and waits for
// every worker pool to drain (spec.md §5's Cancellation policy).
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.stopc)
	n.applyCond.Broadcast()
	n.wg.Wait()

	n.log.Close()
	n.store.Close()
	n.tr.Close()
}

// effectiveMembershipLocked returns the membership in force for quorum
// decisions about logIndex. Caller must hold n.mu.
func (n *Node) effectiveMembershipLocked(logIndex int64) []string {
	return n.membership.At(logIndex)
}

// isMajority reports whether count forms a strict majority of total
// members. It is a pure function and needs no lock.
func isMajority(count, total int) bool {
	return count*2 > total
}

// peersLocked returns the addresses of every replicator peer (everyone
// in the current membership except self). Caller must hold n.mu.
func (n *Node) peersLocked() []string {
	var peers []string
	for _, m := range n.membership.Current() {
		if m != n.cfg.SelfID {
			peers = append(peers, m)
		}
	}
	return peers
}

func (n *Node) incRPCStat(op string) {
	n.rpcStatsMu.Lock()
	n.rpcStats[op]++
	n.rpcStatsMu.Unlock()
}
