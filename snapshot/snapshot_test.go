package snapshot

import (
	"os"
	"reflect"
	"testing"

	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/store/backend"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "nexus_snapshot_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestProduceAndLoadRoundTrip(t *testing.T) {
	be, _ := backend.NewTmpBackend()
	defer be.Close()

	tx := be.BatchTx()
	tx.Lock()
	tx.UnsafeCreateBucket([]byte("alice"))
	tx.UnsafePut([]byte("alice"), []byte("x"), append([]byte{byte(raftpb.Put)}, []byte("1")...))
	tx.Unlock()
	be.ForceCommit()

	dir := tempDir(t)
	m := New(dir)
	meta := Meta{Term: 3, VotedFor: "n1", LastApplied: 10, Membership: []string{"n1", "n2"}}
	if err := m.Produce(meta, be); err != nil {
		t.Fatal(err)
	}

	gotMeta, recs, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotMeta, meta) {
		t.Fatalf("meta = %+v, want %+v", gotMeta, meta)
	}
	if len(recs) != 1 || recs[0].User != "alice" || recs[0].Key != "x" || recs[0].Payload != "1" {
		t.Fatalf("recs = %+v", recs)
	}
}

func TestLoadNoSnapshot(t *testing.T) {
	dir := tempDir(t)
	m := New(dir)
	if _, _, err := m.Load(); err != ErrNoSnapshot {
		t.Fatalf("err = %v, want ErrNoSnapshot", err)
	}
}

func TestProduceReplacesPrevious(t *testing.T) {
	be, _ := backend.NewTmpBackend()
	defer be.Close()

	dir := tempDir(t)
	m := New(dir)
	if err := m.Produce(Meta{LastApplied: 1}, be); err != nil {
		t.Fatal(err)
	}
	if err := m.Produce(Meta{LastApplied: 2}, be); err != nil {
		t.Fatal(err)
	}

	names, _ := os.ReadDir(dir)
	count := 0
	for _, n := range names {
		if !n.IsDir() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("found %d snapshot files on disk, want 1", count)
	}

	gotMeta, _, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if gotMeta.LastApplied != 2 {
		t.Fatalf("LastApplied = %d, want 2", gotMeta.LastApplied)
	}
}

func TestIncrementalWriterBeginPutFinish(t *testing.T) {
	dir := tempDir(t)
	m := New(dir)

	w, err := m.Begin(99)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.PutRecord(Record{User: "bob", Key: "k1", Tag: raftpb.Put, Payload: "v1"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(Meta{Term: 1, LastApplied: 0}); err != nil {
		t.Fatal(err)
	}

	_, recs, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Key != "k1" {
		t.Fatalf("recs = %+v", recs)
	}
}
