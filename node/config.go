// Package node wires the Role Controller, Replicated Log, Replicator,
// Commit Tracker, Apply Worker, KV State Machine, Session & Lock
// Manager, Watch Manager, and Snapshot Manager into one running
// cluster member. Grounded on the original's InsNodeImpl, translated
// from its Mutex/ThreadPool model to goroutines, channels, and
// sync.Cond, in the style the teacher's own raft-example/kvstore.go
// wires raft.Node + rafthttp.Transport + mvcc/backend together.
package node

import "time"

// Config holds every tunable named in spec.md §6.3. DefaultConfig
// returns one with every tunable set; zero-value fields of a Config
// built by hand are not filled in.
type Config struct {
	// SelfID is this node's own address, also its key in Membership.
	SelfID string
	// Peers is the initial membership (including SelfID unless QuietMode).
	Peers []string
	// DataDir is the node-specific directory meta/binlog/store/snapshot
	// live under. Per spec.md §6, callers should rewrite ':' to '_' in
	// SelfID before deriving a filesystem path from it.
	DataDir string

	ElectTimeoutMin time.Duration
	ElectTimeoutMax time.Duration

	HeartbeatInterval time.Duration

	LogRepBatchMax           int
	ReplicationRetryTimespan time.Duration

	SessionExpireTimeout time.Duration

	MaxWritePending  int
	MaxCommitPending int64

	MinLogGap         int64
	AddNewNodeTimeout time.Duration

	GCInterval       time.Duration
	SnapshotInterval time.Duration

	MaxSnapshotRequestSize int
	EnableSnapshot         bool

	QuietMode      bool
	MaxClusterSize int

	SessionSweepInterval time.Duration

	// TraceRatio is the fraction of inbound RPCs logged at debug level
	// by SampleAccessLog (0 disables tracing, 1 traces every call).
	TraceRatio float64
}

// DefaultConfig returns the tunables the original ships with, adapted
// to Go durations.
func DefaultConfig() Config {
	return Config{
		ElectTimeoutMin:          150 * time.Millisecond,
		ElectTimeoutMax:          300 * time.Millisecond,
		HeartbeatInterval:        50 * time.Millisecond,
		LogRepBatchMax:           100,
		ReplicationRetryTimespan: 200 * time.Millisecond,
		SessionExpireTimeout:     10 * time.Second,
		MaxWritePending:          10000,
		MaxCommitPending:         10000,
		MinLogGap:                10,
		AddNewNodeTimeout:        60 * time.Second,
		GCInterval:               60 * time.Second,
		SnapshotInterval:         600 * time.Second,
		MaxSnapshotRequestSize:   2 << 20,
		EnableSnapshot:           true,
		QuietMode:                false,
		MaxClusterSize:           100,
		SessionSweepInterval:     2 * time.Second,
		TraceRatio:               0,
	}
}
