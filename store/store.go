// Package store implements the KV State Machine: an ordered key→value
// store where each stored value is tagged with the operation that wrote
// it (plain Put vs Lock), namespaced per logged-in user. Grounded on the
// teacher's mvcc package (tagged values, tree-ordered keys) and on
// store/backend (the boltdb engine itself, adapted from mvcc/backend).
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nexuskv/nexus/pkg/xlog"
	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/store/backend"
)

var logger = xlog.NewLogger("store", xlog.INFO)

// ReservedLastAppliedKey is skipped during Scan and stores the
// lastApplied index atomically alongside the entry that produced it
// (I1: recovery resumes apply from the value recorded here).
const ReservedLastAppliedKey = "#TAG_LAST_APPLIED_INDEX#"

// systemUser holds node-wide bookkeeping keys that aren't part of any
// logged-in user's namespace.
const systemUser = "__system__"

// maxScanBytes bounds a single Scan response, per spec.md §4.10.
const maxScanBytes = 26 << 20

// Record is one stored value together with the op that produced it.
type Record struct {
	Tag     raftpb.OpKind // Put or Lock
	Payload string
}

// Store is the replicated KV state machine. All mutating methods are
// called only from the Apply Worker, except the leader's optimistic
// Lock write (documented idempotent with the apply-time write).
type Store struct {
	mu sync.Mutex // guards bucket-creation races; backend.BatchTx guards the data itself

	be    backend.Backend
	known map[string]bool // users whose bucket has been opened this run
}

// New wraps a backend as a KV state machine.
func New(be backend.Backend) *Store {
	return &Store{
		be:    be,
		known: make(map[string]bool),
	}
}

// OpenDatabase creates the per-user bucket if it doesn't exist yet —
// mirrors the original's lazy-OpenDatabase-on-kUnknownUser pattern.
func (s *Store) OpenDatabase(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[user] {
		return
	}
	tx := s.be.BatchTx()
	tx.Lock()
	tx.UnsafeCreateBucket([]byte(user))
	tx.Unlock()
	s.known[user] = true
}

func (s *Store) hasBucket(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[user]
}

// Put writes a tagged record. If the user's namespace doesn't exist yet
// it is opened first, matching the original's kUnknownUser retry.
func (s *Store) Put(user, key string, tag raftpb.OpKind, payload string) Status {
	if !s.hasBucket(user) {
		s.OpenDatabase(user)
	}
	tx := s.be.BatchTx()
	tx.Lock()
	defer tx.Unlock()
	tx.UnsafePut([]byte(user), []byte(key), encodeRecord(tag, payload))
	return Ok
}

// Get reads a key's tagged record.
func (s *Store) Get(user, key string) (Record, Status) {
	if !s.hasBucket(user) {
		return Record{}, UnknownUser
	}
	tx := s.be.BatchTx()
	tx.Lock()
	defer tx.Unlock()
	_, vals := tx.UnsafeRange([]byte(user), []byte(key), nil, 0)
	if len(vals) == 0 {
		return Record{}, NotFound
	}
	return decodeRecord(vals[0]), Ok
}

// Delete removes a key.
func (s *Store) Delete(user, key string) Status {
	if !s.hasBucket(user) {
		return UnknownUser
	}
	tx := s.be.BatchTx()
	tx.Lock()
	defer tx.Unlock()
	tx.UnsafeDelete([]byte(user), []byte(key))
	return Ok
}

// ScanItem is one row of a bounded scan.
type ScanItem struct {
	Key    string
	Record Record
}

// Scan lists keys with the given prefix in order, bounded by sizeLimit
// items and ~26MB of payload (spec.md §4.10). Expired-lock values are
// elided by the caller (node package), which knows session liveness;
// Store itself has no session awareness. The reserved last-applied key
// is always skipped.
func (s *Store) Scan(user, prefix string, sizeLimit int) (items []ScanItem, hasMore bool) {
	if !s.hasBucket(user) {
		return nil, false
	}
	tx := s.be.BatchTx()
	tx.Lock()
	var keys [][]byte
	var vals [][]byte
	tx.UnsafeForEach([]byte(user), func(k, v []byte) error {
		if strings.HasPrefix(string(k), prefix) && string(k) != ReservedLastAppliedKey {
			keys = append(keys, append([]byte(nil), k...))
			vals = append(vals, append([]byte(nil), v...))
		}
		return nil
	})
	tx.Unlock()

	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })

	bytesUsed := 0
	for i, k := range keys {
		if sizeLimit > 0 && len(items) >= sizeLimit {
			hasMore = true
			break
		}
		rec := decodeRecord(vals[i])
		bytesUsed += len(k) + len(rec.Payload)
		if bytesUsed > maxScanBytes {
			hasMore = true
			break
		}
		items = append(items, ScanItem{Key: string(k), Record: rec})
	}
	return items, hasMore
}

// SetLastApplied persists lastApplied under the reserved system key and
// forces a commit so the value in I1 is durable before this call
// returns — failure here is fatal per spec.md §7 (corruption risk).
func (s *Store) SetLastApplied(index int64) error {
	if !s.hasBucket(systemUser) {
		s.OpenDatabase(systemUser)
	}
	tx := s.be.BatchTx()
	tx.Lock()
	tx.UnsafePut([]byte(systemUser), []byte(ReservedLastAppliedKey), []byte(fmt.Sprintf("%d", index)))
	tx.Unlock()
	s.be.ForceCommit()
	return nil
}

// LastApplied reads back the persisted lastApplied index, or -1 if none
// has ever been written (fresh node).
func (s *Store) LastApplied() int64 {
	if !s.hasBucket(systemUser) {
		return -1
	}
	tx := s.be.BatchTx()
	tx.Lock()
	defer tx.Unlock()
	_, vals := tx.UnsafeRange([]byte(systemUser), []byte(ReservedLastAppliedKey), nil, 0)
	if len(vals) == 0 {
		return -1
	}
	var idx int64
	fmt.Sscanf(string(vals[0]), "%d", &idx)
	return idx
}

// Close shuts down the underlying backend.
func (s *Store) Close() error {
	return s.be.Close()
}

// Reset wipes every known user namespace, for InstallSnapshot's "reset
// the KV store" step (spec.md §4.8) before replaying a snapshot's data
// records. Keys are collected before deleting since boltdb forbids
// mutating a bucket mid-ForEach.
func (s *Store) Reset() {
	s.mu.Lock()
	known := make([]string, 0, len(s.known))
	for u := range s.known {
		known = append(known, u)
	}
	s.mu.Unlock()

	for _, u := range known {
		tx := s.be.BatchTx()
		tx.Lock()
		var keys [][]byte
		tx.UnsafeForEach([]byte(u), func(k, v []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		for _, k := range keys {
			tx.UnsafeDelete([]byte(u), k)
		}
		tx.Unlock()
	}
	s.be.ForceCommit()

	s.mu.Lock()
	s.known = make(map[string]bool)
	s.mu.Unlock()
}

// ParentKey returns the key with everything after its final "/" trimmed,
// and whether a parent exists at all — grounded on the original's
// GetParentKey (ins_node_impl.cc:1724), used to fan Put/Del/Lock/Unlock
// notifications out to a directory-style parent watch.
func ParentKey(key string) (string, bool) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return "", false
	}
	return key[:i], true
}

func encodeRecord(tag raftpb.OpKind, payload string) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(tag)
	copy(out[1:], payload)
	return out
}

func decodeRecord(b []byte) Record {
	if len(b) == 0 {
		return Record{}
	}
	return Record{Tag: raftpb.OpKind(b[0]), Payload: string(b[1:])}
}
