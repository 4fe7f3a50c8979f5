package backend

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/boltdb/bolt"
)

// BatchTx groups writes so the Apply Worker doesn't fsync once per
// entry; Commit() (or the batchLimit threshold) flushes to disk.
type BatchTx interface {
	Lock()
	Unlock()
	UnsafeCreateBucket(name []byte)
	UnsafePut(bucketName []byte, key []byte, value []byte)
	UnsafeRange(bucketName []byte, key, endKey []byte, limit int64) (keys [][]byte, vals [][]byte)
	UnsafeDelete(bucketName []byte, key []byte)
	UnsafeForEach(bucketName []byte, visitor func(k, v []byte) error) error
	Commit()
	CommitAndStop()
}

type batchTx struct {
	mu      sync.Mutex
	tx      *bolt.Tx
	backend *backend
	pending int
}

func (bt *batchTx) commit(stop bool) {
	var err error
	if bt.tx != nil {
		if bt.pending == 0 && !stop {
			bt.backend.mu.RLock()
			defer bt.backend.mu.RUnlock()
			if bt.tx.DB() != nil {
				atomic.StoreInt64(&bt.backend.size, bt.tx.Size())
			}
			return
		}
		if err = bt.tx.Commit(); err != nil {
			panic(fmt.Errorf("store/backend: cannot commit tx %v", err))
		}
		atomic.AddInt64(&bt.backend.commits, 1)
		bt.pending = 0
	}

	if stop {
		return
	}

	bt.backend.mu.RLock()
	defer bt.backend.mu.RUnlock()
	bt.tx, err = bt.backend.db.Begin(true)
	if err != nil {
		panic(fmt.Errorf("store/backend: cannot begin tx %v", err))
	}
	atomic.StoreInt64(&bt.backend.size, bt.tx.Size())
}

func (bt *batchTx) Lock() { bt.mu.Lock() }

func (bt *batchTx) Unlock() {
	if bt.pending >= bt.backend.batchLimit {
		bt.commit(false)
		bt.pending = 0
	}
	bt.mu.Unlock()
}

func (bt *batchTx) Commit() {
	bt.Lock()
	bt.commit(false)
	bt.Unlock()
}

func (bt *batchTx) CommitAndStop() {
	bt.Lock()
	bt.commit(true)
	bt.Unlock()
}

func newBatchTx(be *backend) *batchTx {
	tx := &batchTx{backend: be}
	tx.Commit()
	return tx
}

func (bt *batchTx) UnsafeCreateBucket(name []byte) {
	if _, err := bt.tx.CreateBucket(name); err != nil && err != bolt.ErrBucketExists {
		panic(fmt.Errorf("store/backend: cannot create bucket %q (%v)", name, err))
	}
	bt.pending++
}

func (bt *batchTx) UnsafePut(bucketName []byte, key []byte, value []byte) {
	bucket := bt.tx.Bucket(bucketName)
	if bucket == nil {
		panic(fmt.Errorf("store/backend: bucket %s does not exist", bucketName))
	}
	if err := bucket.Put(key, value); err != nil {
		panic(fmt.Errorf("store/backend: cannot put key into bucket (%v)", err))
	}
	bt.pending++
}

func (bt *batchTx) UnsafeRange(bucketName []byte, key, endKey []byte, limit int64) (keys [][]byte, vals [][]byte) {
	bucket := bt.tx.Bucket(bucketName)
	if bucket == nil {
		return nil, nil
	}

	if len(endKey) == 0 {
		val := bucket.Get(key)
		if val == nil {
			return
		}
		return append(keys, key), append(vals, val)
	}

	c := bucket.Cursor()
	for ck, cv := c.Seek(key); ck != nil && bytes.Compare(ck, endKey) < 0; ck, cv = c.Next() {
		keys, vals = append(keys, ck), append(vals, cv)
		if limit > 0 && limit == int64(len(keys)) {
			break
		}
	}
	return
}

func (bt *batchTx) UnsafeDelete(bucketName []byte, key []byte) {
	bucket := bt.tx.Bucket(bucketName)
	if bucket == nil {
		return
	}
	if err := bucket.Delete(key); err != nil {
		panic(fmt.Errorf("store/backend: cannot delete key from bucket (%v)", err))
	}
	bt.pending++
}

func (bt *batchTx) UnsafeForEach(bucketName []byte, visitor func(k, v []byte) error) error {
	b := bt.tx.Bucket(bucketName)
	if b == nil {
		return nil
	}
	return b.ForEach(visitor)
}
