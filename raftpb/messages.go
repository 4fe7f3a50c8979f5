package raftpb

// NodeStatus mirrors the teacher's three-state role enum
// (raft/raft.go's StateType), restricted to the roles this spec needs.
type NodeStatus int8

const (
	Follower NodeStatus = iota
	Candidate
	Leader
)

func (s NodeStatus) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ShowStatusResponse answers a status probe.
type ShowStatusResponse struct {
	Status      NodeStatus
	Term        uint64
	LastLogIndex int64
	LastLogTerm  uint64
	CommitIndex  int64
	LastApplied  int64
}

// AppendEntriesRequest is sent by a leader to a follower.
type AppendEntriesRequest struct {
	Term              uint64
	LeaderID          string
	PrevLogIndex      int64
	PrevLogTerm       int64
	LeaderCommitIndex int64
	Entries           []Entry
}

// AppendEntriesResponse is a follower's reply.
type AppendEntriesResponse struct {
	CurrentTerm uint64
	Success     bool
	LogLength   int64
	IsBusy      bool
}

// VoteRequest is sent by a candidate.
type VoteRequest struct {
	Term          uint64
	CandidateID   string
	LastLogIndex  int64
	LastLogTerm   int64
}

// VoteResponse is a voter's reply.
type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// ClientResponse is the shape shared by most client-facing RPCs: a
// success flag plus a leader hint for redirection.
type ClientResponse struct {
	Success     bool
	LeaderID    string
	UUIDExpired bool
}

// PutRequest writes a plain value.
type PutRequest struct {
	UUID  string
	Key   string
	Value string
}

// DelRequest deletes a key.
type DelRequest struct {
	UUID string
	Key  string
}

// GetRequest reads a key through the leader's linearizable path.
type GetRequest struct {
	UUID string
	Key  string
}

// GetResponse carries the read result.
type GetResponse struct {
	ClientResponse
	Hit   bool
	Value string
}

// ScanRequest lists keys under a prefix.
type ScanRequest struct {
	UUID      string
	Key       string
	SizeLimit int
}

// ScanItem is one scan result row.
type ScanItem struct {
	Key   string
	Value string
}

// ScanResponse carries bounded scan results.
type ScanResponse struct {
	ClientResponse
	Items   []ScanItem
	HasMore bool
}

// LockRequest attempts to acquire a session-scoped lock.
type LockRequest struct {
	UUID      string
	Key       string
	SessionID string
}

// UnLockRequest releases a session-scoped lock.
type UnLockRequest struct {
	UUID      string
	Key       string
	SessionID string
}

// WatchRequest parks or immediately fires a one-shot watch.
type WatchRequest struct {
	UUID      string
	Key       string
	SessionID string
	OldValue  string
	KeyExist  bool
}

// WatchResponse is delivered once per registration.
type WatchResponse struct {
	ClientResponse
	WatchKey string
	Key      string
	Value    string
	Deleted  bool
}

// KeepAliveRequest refreshes or creates a session.
type KeepAliveRequest struct {
	SessionID  string
	UUID       string
	LockedKeys []string
	Forwarded  bool
}

// LoginRequest authenticates a user.
type LoginRequest struct {
	Username string
	Password string
}

// LoginResponse carries the issued uuid, if any.
type LoginResponse struct {
	ClientResponse
	Status string
	UUID   string
}

// LogoutRequest invalidates a uuid.
type LogoutRequest struct {
	UUID string
}

// LogoutResponse reports the result.
type LogoutResponse struct {
	ClientResponse
	Status string
}

// RegisterRequest creates a user account.
type RegisterRequest struct {
	Username string
	Password string
}

// RegisterResponse reports the result.
type RegisterResponse struct {
	ClientResponse
	Status string
}

// AddNodeRequest proposes a membership change.
type AddNodeRequest struct {
	NodeAddr string
}

// AddNodeResponse reports whether the node was committed into membership.
type AddNodeResponse struct {
	Success bool
}

// RemoveNodeRequest is accepted but unimplemented, per spec.md's Open
// Question — cluster shrinkage is out of scope for this core.
type RemoveNodeRequest struct {
	NodeAddr string
}

// RemoveNodeResponse always reports failure; see node/membership_rpc.go.
type RemoveNodeResponse struct {
	Success bool
}

// SnapshotItem is one namespaced KV data record of an InstallSnapshot
// stream.
type SnapshotItem struct {
	User    string
	Key     string
	Tag     OpKind
	Payload string
}

// SnapshotMeta carries the consensus state captured at a snapshot
// boundary; present only on the final InstallSnapshotRequest of an
// attempt.
type SnapshotMeta struct {
	Term        uint64
	VotedFor    string
	LastApplied int64
	Membership  []string
}

// InstallSnapshotRequest streams snapshot contents to a lagging
// follower, keyed by a per-attempt timestamp (spec.md §4.8).
type InstallSnapshotRequest struct {
	Timestamp int64
	Items     []SnapshotItem
	Meta      *SnapshotMeta
	IsLast    bool
}

// InstallSnapshotResponse acknowledges receipt of one batch.
type InstallSnapshotResponse struct {
	Success bool
}

// CleanBinlogRequest asks a follower to GC its log prefix.
type CleanBinlogRequest struct {
	EndIndex int64
}

// CleanBinlogResponse reports whether the GC happened.
type CleanBinlogResponse struct {
	Success bool
}

// RpcStatRequest asks for counters on the named ops (empty = all).
type RpcStatRequest struct {
	Op []string
}

// OpStat is one op's inbound call count.
type OpStat struct {
	Op    string
	Count int64
}

// RpcStatResponse carries the requested counters.
type RpcStatResponse struct {
	Stats []OpStat
}
