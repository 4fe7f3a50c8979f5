// Package binlog implements the Replicated Log component: a durable,
// append-only, densely indexed sequence of raftpb.Entry records.
// Grounded on the teacher's raftwal package (length+crc framing,
// rename-on-create segment file, fsync before ack) but simplified to a
// single growing segment file, since this spec has no multi-segment
// rotation or WAL-snapshot interleaving to model — snapshotting here
// truncates the log directly (resetForSnapshot) rather than rolling a
// new WAL segment.
package binlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nexuskv/nexus/pkg/fileutil"
	"github.com/nexuskv/nexus/pkg/xlog"
	"github.com/nexuskv/nexus/raftpb"
)

var logger = xlog.NewLogger("binlog", xlog.INFO)

const fileName = "binlog.log"

// Log is the append-only, durable, ordered entry sequence a Raft node
// keeps locally. Index 0 is the first possible slot; resetForSnapshot
// can move the base index forward after a snapshot is installed.
type Log struct {
	mu sync.RWMutex

	dir  string
	path string
	file *os.File

	// entries[i] holds the entry at index baseIndex+i.
	entries   []raftpb.Entry
	baseIndex int64 // index of entries[0]; 0 for a fresh log, moved forward by ResetForSnapshot/RemovePrefixBefore
}

// Open loads or creates a log under dir.
func Open(dir string) (*Log, error) {
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, err
	}
	l := &Log{
		dir:       dir,
		path:      filepath.Join(dir, fileName),
		baseIndex: 0,
	}
	f, err := fileutil.OpenToAppend(l.path)
	if err != nil {
		return nil, err
	}
	l.file = f
	if err := l.replay(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	off := 0
	for off < len(data) {
		e, n, err := raftpb.DecodeEntry(data[off:])
		if err != nil {
			logger.Warningf("stopping replay at offset %d: %v", off, err)
			break
		}
		if len(l.entries) == 0 {
			l.baseIndex = int64(e.Index)
		}
		l.entries = append(l.entries, e)
		off += n
	}
	logger.Infof("replayed %d entries from %s", len(l.entries), l.path)
	return nil
}

// Length returns the number of entries currently in the log
// (the next usable index).
func (l *Log) Length() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseIndex + int64(len(l.entries))
}

// Append adds one entry, flushing to disk before returning — the leader
// counts an entry as locally matched, and a follower acknowledges
// success, only after this returns nil.
func (l *Log) Append(e raftpb.Entry) error {
	return l.AppendBatch([]raftpb.Entry{e})
}

// AppendBatch adds entries atomically and durably.
func (l *Log) AppendBatch(es []raftpb.Entry) error {
	if len(es) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range es {
		if _, err := l.file.Write(raftpb.EncodeEntry(e)); err != nil {
			return fmt.Errorf("binlog: append failed: %w", err)
		}
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("binlog: fsync failed: %w", err)
	}
	l.entries = append(l.entries, es...)
	return nil
}

// ReadSlot returns the entry at index, or ok=false if it has been
// garbage-collected or never existed — the Replicator treats a miss here
// as "send a snapshot instead" (spec.md §4.3 step 4).
func (l *Log) ReadSlot(index int64) (raftpb.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := index - l.baseIndex
	if i < 0 || i >= int64(len(l.entries)) {
		return raftpb.Entry{}, false
	}
	return l.entries[i], true
}

// LastIndexAndTerm returns (baseIndex-1, 0) for an empty log, which is
// (-1, 0) for a fresh one.
func (l *Log) LastIndexAndTerm() (int64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return l.baseIndex - 1, 0
	}
	last := l.entries[len(l.entries)-1]
	return int64(last.Index), last.Term
}

// Truncate keeps entries [0..prefixEnd] and rewrites the file, matching
// the teacher's truncate-then-rewrite approach rather than in-place
// editing (AppendEntries receivers truncate on every term mismatch, so
// this must be cheap and crash-safe).
func (l *Log) Truncate(prefixEnd int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	keepN := prefixEnd - l.baseIndex + 1
	if keepN < 0 {
		keepN = 0
	}
	if keepN >= int64(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:keepN]
	return l.rewriteLocked()
}

// RemovePrefixBefore drops entries with index < index, used by log GC
// after a quorum of peers have applied past that point.
func (l *Log) RemovePrefixBefore(index int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropN := index - l.baseIndex
	if dropN <= 0 {
		return nil
	}
	if dropN > int64(len(l.entries)) {
		dropN = int64(len(l.entries))
	}
	l.entries = l.entries[dropN:]
	l.baseIndex += dropN
	return l.rewriteLocked()
}

// ResetForSnapshot discards all entries and sets the log up so the next
// appended entry lands at lastApplied+1, per I6.
func (l *Log) ResetForSnapshot(lastApplied int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.baseIndex = lastApplied + 1
	return l.rewriteLocked()
}

// rewriteLocked persists the current in-memory entries to a fresh file
// via temp-file rename, grounded on raftsnap's rename-on-publish.
func (l *Log) rewriteLocked() error {
	tmp := l.path + ".tmp"
	f, err := fileutil.OpenToOverwriteOnly(tmp)
	if err != nil {
		return err
	}
	for _, e := range l.entries {
		if _, err := f.Write(raftpb.EncodeEntry(e)); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	nf, err := fileutil.OpenToAppend(l.path)
	if err != nil {
		return err
	}
	l.file = nf
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
