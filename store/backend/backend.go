// Package backend wraps a boltdb file as a batched, bucket-oriented KV
// engine. It is the durable substrate the store package builds the
// replicated KV state machine on top of — spec.md §1 notes "any ordered
// KV engine suffices for the state-machine table", and this is a direct
// adaptation of the teacher's mvcc/backend package (itself etcd's
// storage backend), trimmed to the operations the state machine
// actually needs: per-user buckets, batched commits, and a consistent
// read-only snapshot for streaming to a lagging follower.
package backend

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"
)

var (
	defaultBatchLimit    = 10000
	defaultBatchInterval = 100 * time.Millisecond

	boltOpenOptions = &bolt.Options{}
)

// Backend is a boltdb-backed store batching writes and exposing
// consistent read-only snapshots for the Snapshot Manager.
type Backend interface {
	BatchTx() BatchTx
	Snapshot() Snapshot
	Size() int64
	ForceCommit()
	Close() error
}

// Snapshot is a consistent point-in-time read-only view, used by the
// Snapshot Manager to stream KV records to an installing peer without
// blocking concurrent Apply Worker writes.
type Snapshot interface {
	// ForEachBucket walks every bucket and every key/value pair in it.
	ForEachBucket(visit func(bucket string, k, v []byte) error) error
	Close() error
}

// (etcd mvcc/backend.backend)
type backend struct {
	size    int64
	commits int64

	mu sync.RWMutex
	db *bolt.DB

	batchInterval time.Duration
	batchLimit    int
	batchTx       *batchTx

	stopc chan struct{}
	donec chan struct{}
}

type snapshot struct {
	*bolt.Tx
}

func (s *snapshot) ForEachBucket(visit func(bucket string, k, v []byte) error) error {
	return s.Tx.ForEach(func(name []byte, b *bolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			return visit(string(name), k, v)
		})
	})
}

func (s *snapshot) Close() error { return s.Tx.Rollback() }

func (b *backend) Close() error {
	close(b.stopc)
	<-b.donec
	return b.db.Close()
}

func (b *backend) run() {
	defer close(b.donec)
	tm := time.NewTimer(b.batchInterval)
	defer tm.Stop()

	for {
		select {
		case <-tm.C:
		case <-b.stopc:
			b.batchTx.CommitAndStop()
			return
		}
		b.batchTx.Commit()
		tm.Reset(b.batchInterval)
	}
}

func newBackend(path string, d time.Duration, limit int) *backend {
	db, err := bolt.Open(path, 0600, boltOpenOptions)
	if err != nil {
		panic(fmt.Errorf("store/backend: cannot open database at %s (%v)", path, err))
	}

	b := &backend{
		db:            db,
		batchInterval: d,
		batchLimit:    limit,
		stopc:         make(chan struct{}),
		donec:         make(chan struct{}),
	}
	b.batchTx = newBatchTx(b)
	go b.run()
	return b
}

// New returns a new Backend at path.
func New(path string) Backend {
	return newBackend(path, defaultBatchInterval, defaultBatchLimit)
}

// NewTmpBackend returns a backend rooted in a freshly created temp
// directory, used by package tests.
func NewTmpBackend() (Backend, string) {
	dir, err := os.MkdirTemp(os.TempDir(), "nexus_backend_test")
	if err != nil {
		panic(err)
	}
	p := filepath.Join(dir, "store.db")
	return newBackend(p, defaultBatchInterval, defaultBatchLimit), p
}

func (b *backend) BatchTx() BatchTx { return b.batchTx }

func (b *backend) Snapshot() Snapshot {
	b.batchTx.Commit()

	b.mu.RLock()
	defer b.mu.RUnlock()
	tx, err := b.db.Begin(false)
	if err != nil {
		panic(fmt.Errorf("store/backend: cannot begin tx (%s)", err))
	}
	return &snapshot{tx}
}

func (b *backend) Size() int64 { return atomic.LoadInt64(&b.size) }

func (b *backend) ForceCommit() { b.batchTx.Commit() }

// Hash returns a crc32 over every bucket/key/value pair, so two
// backends' contents can be compared; nothing in this module calls it.
func (b *backend) Hash() (uint32, error) {
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))

	b.mu.RLock()
	defer b.mu.RUnlock()
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Cursor()
		for next, _ := c.First(); next != nil; next, _ = c.Next() {
			bucket := tx.Bucket(next)
			if bucket == nil {
				return fmt.Errorf("store/backend: cannot hash bucket %s", string(next))
			}
			h.Write(next)
			bucket.ForEach(func(k, v []byte) error {
				h.Write(k)
				h.Write(v)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
