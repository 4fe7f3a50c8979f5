// Package snapshot implements the Snapshot Manager: producing a full
// point-in-time capture of {term, votedFor, lastApplied, membership,
// all KV records} and installing one received over InstallSnapshot
// RPCs (spec.md §4.8). Framing and atomic tmp-then-rename publishing
// are grounded on raftsnap's Snapshotter (save/load, crc32-checksummed
// records, "*.snap" naming); unlike raftsnap (which snapshots a single
// protobuf-encoded raft state), this package streams per-record KV
// items so the node package can both produce a snapshot lazily off
// store/backend.Backend's Snapshot() and install one incrementally as
// InstallSnapshot RPCs arrive.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/nexuskv/nexus/pkg/fileutil"
	"github.com/nexuskv/nexus/pkg/xlog"
	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/store/backend"
)

var logger = xlog.NewLogger("snapshot", xlog.INFO)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrNoSnapshot is returned by Load when dir contains no snapshot file
// yet, the expected case for a node that has never produced one.
var ErrNoSnapshot = errors.New("snapshot: no snapshot file found")

// ErrCRCMismatch is returned by Load when a snapshot record's checksum
// doesn't match its payload, treated the same as a missing file: Load
// falls back to the next most recent snapshot.
var ErrCRCMismatch = errors.New("snapshot: crc mismatch")

// ErrEmptySnapshot is returned when a snapshot file ends without ever
// writing its terminal meta record, meaning Finish never completed.
var ErrEmptySnapshot = errors.New("snapshot: truncated, no meta record")

const snapFileSuffix = ".snap"

// Meta is the consensus state captured at a snapshot boundary.
type Meta struct {
	Term        uint64
	VotedFor    string
	LastApplied int64
	Membership  []string
}

// Record is one stored KV item, namespaced by user.
type Record struct {
	User    string
	Key     string
	Tag     raftpb.OpKind
	Payload string
}

// Manager produces and loads snapshot files under dir.
type Manager struct {
	dir string
}

// New returns a Manager rooted at dir, which must already exist.
func New(dir string) *Manager {
	return &Manager{dir: dir}
}

// Produce captures the backend's current contents plus meta into a new
// snapshot file, atomically replacing any previous one — the leader's
// periodic task (spec.md §4.8's "Produce").
func (m *Manager) Produce(meta Meta, be backend.Backend) error {
	w, err := m.Begin(meta.LastApplied)
	if err != nil {
		return err
	}
	snap := be.Snapshot()
	defer snap.Close()

	err = snap.ForEachBucket(func(bucket string, k, v []byte) error {
		if len(v) == 0 {
			return nil
		}
		return w.PutRecord(Record{User: bucket, Key: string(k), Tag: raftpb.OpKind(v[0]), Payload: string(v[1:])})
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := w.Finish(meta); err != nil {
		return err
	}
	logger.Infof("produced snapshot at lastApplied=%d", meta.LastApplied)
	return nil
}

// Writer incrementally builds one snapshot attempt, record by record;
// Produce drives it. The node package's InstallSnapshot receiver does
// not use it: that receiver buffers received items in memory.
type Writer struct {
	dir       string
	timestamp int64
	f         *os.File
	finished  bool
}

// Begin starts a new snapshot attempt keyed by timestamp (spec.md's
// per-attempt InstallSnapshot key). Only one attempt may be in flight
// per Manager; the node package enforces that serialization under its
// own snapshotMu.
func (m *Manager) Begin(timestamp int64) (*Writer, error) {
	f, err := os.OpenFile(m.tmpPath(timestamp), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileutil.PrivateFileMode)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: m.dir, timestamp: timestamp, f: f}, nil
}

// PutRecord appends one checksummed data record to the in-progress
// attempt.
func (w *Writer) PutRecord(r Record) error {
	var buf bytes.Buffer
	buf.WriteByte(recordKindData)
	writeString(&buf, r.User)
	writeString(&buf, r.Key)
	buf.WriteByte(byte(r.Tag))
	writeString(&buf, r.Payload)
	return w.writeFrame(buf.Bytes())
}

// Finish appends the final meta record and atomically publishes the
// attempt as the new snapshot, replacing any previous one.
func (w *Writer) Finish(meta Meta) error {
	var buf bytes.Buffer
	buf.WriteByte(recordKindMeta)
	binary.Write(&buf, binary.BigEndian, meta.Term)
	writeString(&buf, meta.VotedFor)
	binary.Write(&buf, binary.BigEndian, meta.LastApplied)
	binary.Write(&buf, binary.BigEndian, uint32(len(meta.Membership)))
	for _, addr := range meta.Membership {
		writeString(&buf, addr)
	}
	if err := w.writeFrame(buf.Bytes()); err != nil {
		return err
	}
	if err := fileutil.Fsync(w.f); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	w.finished = true

	final := filepath.Join(w.dir, fmt.Sprintf("%016x%s", w.timestamp, snapFileSuffix))
	if err := os.Rename(w.tmpPathFull(), final); err != nil {
		return err
	}
	removeOlderThan(w.dir, final)
	return nil
}

// Abort discards an in-progress attempt without publishing it.
func (w *Writer) Abort() {
	if w.finished {
		return
	}
	w.f.Close()
	os.Remove(w.tmpPathFull())
}

func (w *Writer) writeFrame(payload []byte) error {
	crc := crc32.Checksum(payload, crcTable)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc)
	if _, err := w.f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.f.Write(payload)
	return err
}

func (m *Manager) tmpPath(timestamp int64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%016x.tmp", timestamp))
}

func (w *Writer) tmpPathFull() string {
	return filepath.Join(w.dir, fmt.Sprintf("%016x.tmp", w.timestamp))
}

// removeOlderThan deletes every other *.snap file in dir once keep has
// been published successfully, matching "replaces the previous
// snapshot atomically" (spec.md §4.8).
func removeOlderThan(dir, keep string) {
	names, err := fileutil.ReadDir(dir)
	if err != nil {
		return
	}
	for _, n := range names {
		full := filepath.Join(dir, n)
		if full == keep || filepath.Ext(n) != snapFileSuffix {
			continue
		}
		if err := os.Remove(full); err != nil {
			logger.Warningf("failed to remove stale snapshot %s: %v", full, err)
		}
	}
}

// Load reads the most recent complete snapshot file, returning its meta
// and all data records in the order they were written.
func (m *Manager) Load() (Meta, []Record, error) {
	names, err := fileutil.ReadDir(m.dir)
	if err != nil {
		return Meta{}, nil, err
	}
	var snaps []string
	for _, n := range names {
		if filepath.Ext(n) == snapFileSuffix {
			snaps = append(snaps, n)
		}
	}
	if len(snaps) == 0 {
		return Meta{}, nil, ErrNoSnapshot
	}
	sort.Sort(sort.Reverse(sort.StringSlice(snaps)))

	var lastErr error
	for _, n := range snaps {
		meta, recs, err := readSnapFile(filepath.Join(m.dir, n))
		if err == nil {
			return meta, recs, nil
		}
		lastErr = err
		logger.Errorf("corrupted snapshot file %s: %v", n, err)
	}
	return Meta{}, nil, lastErr
}

func readSnapFile(path string) (Meta, []Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, nil, err
	}
	defer f.Close()

	var meta Meta
	var metaSeen bool
	var recs []Record
	for {
		var hdr [8]byte
		_, err := io.ReadFull(f, hdr[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return Meta{}, nil, err
		}
		size := binary.BigEndian.Uint32(hdr[0:4])
		wantCRC := binary.BigEndian.Uint32(hdr[4:8])

		payload := make([]byte, size)
		if _, err := io.ReadFull(f, payload); err != nil {
			return Meta{}, nil, err
		}
		if crc32.Checksum(payload, crcTable) != wantCRC {
			return Meta{}, nil, ErrCRCMismatch
		}

		r := bytes.NewReader(payload)
		kind, _ := r.ReadByte()
		switch kind {
		case recordKindData:
			user, err := readString(r)
			if err != nil {
				return Meta{}, nil, err
			}
			key, err := readString(r)
			if err != nil {
				return Meta{}, nil, err
			}
			tag, err := r.ReadByte()
			if err != nil {
				return Meta{}, nil, err
			}
			payloadStr, err := readString(r)
			if err != nil {
				return Meta{}, nil, err
			}
			recs = append(recs, Record{User: user, Key: key, Tag: raftpb.OpKind(tag), Payload: payloadStr})
		case recordKindMeta:
			if err := binary.Read(r, binary.BigEndian, &meta.Term); err != nil {
				return Meta{}, nil, err
			}
			votedFor, err := readString(r)
			if err != nil {
				return Meta{}, nil, err
			}
			meta.VotedFor = votedFor
			if err := binary.Read(r, binary.BigEndian, &meta.LastApplied); err != nil {
				return Meta{}, nil, err
			}
			var n uint32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return Meta{}, nil, err
			}
			meta.Membership = make([]string, n)
			for i := range meta.Membership {
				addr, err := readString(r)
				if err != nil {
					return Meta{}, nil, err
				}
				meta.Membership[i] = addr
			}
			metaSeen = true
		default:
			return Meta{}, nil, fmt.Errorf("snapshot: unknown record kind %d", kind)
		}
	}
	if !metaSeen {
		return Meta{}, nil, ErrEmptySnapshot
	}
	return meta, recs, nil
}

const (
	recordKindData byte = 1
	recordKindMeta byte = 2
)

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
