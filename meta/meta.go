// Package meta persists the small amount of state that must survive a
// restart before the node can safely vote or replicate again:
// currentTerm and votedFor (keyed by term, per spec.md's I4 — votedFor
// never changes within a term once set). Grounded on the teacher's
// raft/storage_stable*.go persistence pattern, simplified to a flat
// file since this node has no multi-group storage to shard across.
package meta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nexuskv/nexus/pkg/fileutil"
	"github.com/nexuskv/nexus/pkg/xlog"
)

var logger = xlog.NewLogger("meta", xlog.INFO)

const fileName = "meta"

// Meta is the persisted {currentTerm, votedFor} pair, kept in memory and
// flushed to disk synchronously before any RPC reply depends on it.
type Meta struct {
	mu sync.Mutex

	dir  string
	path string

	currentTerm uint64
	votedFor    map[uint64]string // term -> candidateID
}

// Open loads meta from dir, creating an empty store if none exists.
func Open(dir string) (*Meta, error) {
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, err
	}
	m := &Meta{
		dir:      dir,
		path:     filepath.Join(dir, fileName),
		votedFor: make(map[uint64]string),
	}
	if fileutil.ExistFileOrDir(m.path) {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CurrentTerm returns the persisted term.
func (m *Meta) CurrentTerm() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTerm
}

// VotedFor returns the candidate this node voted for in term, if any.
func (m *Meta) VotedFor(term uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votedFor[term]
	return v, ok
}

// WriteCurrentTerm persists a new term, flushing before returning.
func (m *Meta) WriteCurrentTerm(term uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTerm = term
	return m.persist()
}

// WriteVotedFor persists the vote for term. Per I4, callers must only
// call this once per term; Meta does not itself guard against
// overwriting an existing vote — that invariant lives in the Role
// Controller, which consults VotedFor before calling this.
func (m *Meta) WriteVotedFor(term uint64, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor[term] = candidateID
	return m.persist()
}

// persist flushes currentTerm and votedFor atomically via a temp-file
// rename, grounded on the teacher's rename-on-publish pattern
// (raftsnap/snapshotter_save.go).
func (m *Meta) persist() error {
	tmp := m.path + ".tmp"
	f, err := fileutil.OpenToOverwriteOnly(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], m.currentTerm)
	if _, err := w.Write(hdr[:]); err != nil {
		f.Close()
		return err
	}
	binary.BigEndian.PutUint64(hdr[:], uint64(len(m.votedFor)))
	if _, err := w.Write(hdr[:]); err != nil {
		f.Close()
		return err
	}
	for term, cand := range m.votedFor {
		binary.BigEndian.PutUint64(hdr[:], term)
		if _, err := w.Write(hdr[:]); err != nil {
			f.Close()
			return err
		}
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(cand)))
		if _, err := w.Write(lb[:]); err != nil {
			f.Close()
			return err
		}
		if _, err := w.WriteString(cand); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *Meta) load() error {
	f, err := fileutil.OpenToRead(m.path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var hdr [8]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return err
	}
	m.currentTerm = binary.BigEndian.Uint64(hdr[:])

	if _, err := readFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint64(hdr[:])

	for i := uint64(0); i < n; i++ {
		if _, err := readFull(r, hdr[:]); err != nil {
			return err
		}
		term := binary.BigEndian.Uint64(hdr[:])

		var lb [4]byte
		if _, err := readFull(r, lb[:]); err != nil {
			return err
		}
		ln := binary.BigEndian.Uint32(lb[:])
		buf := make([]byte, ln)
		if _, err := readFull(r, buf); err != nil {
			return err
		}
		m.votedFor[term] = string(buf)
	}
	logger.Infof("loaded meta: term=%d votedFor entries=%d", m.currentTerm, len(m.votedFor))
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, fmt.Errorf("meta: short read: %w", err)
		}
	}
	return n, nil
}
