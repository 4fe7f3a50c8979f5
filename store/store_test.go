package store

import (
	"testing"

	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/store/backend"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	be, _ := backend.NewTmpBackend()
	t.Cleanup(func() { be.Close() })
	return New(be)
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	s.OpenDatabase("alice")
	if st := s.Put("alice", "x", raftpb.Put, "1"); st != Ok {
		t.Fatalf("Put status = %v", st)
	}
	rec, st := s.Get("alice", "x")
	if st != Ok || rec.Payload != "1" || rec.Tag != raftpb.Put {
		t.Fatalf("Get = %+v, %v", rec, st)
	}
}

func TestGetUnknownUser(t *testing.T) {
	s := newTestStore(t)
	if _, st := s.Get("nobody", "x"); st != UnknownUser {
		t.Fatalf("Get status = %v, want UnknownUser", st)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	s.OpenDatabase("alice")
	s.Put("alice", "x", raftpb.Put, "1")
	s.Delete("alice", "x")
	if _, st := s.Get("alice", "x"); st != NotFound {
		t.Fatalf("Get after delete = %v, want NotFound", st)
	}
}

func TestScanOrderAndReservedKeySkipped(t *testing.T) {
	s := newTestStore(t)
	s.OpenDatabase("alice")
	s.Put("alice", "/a/1", raftpb.Put, "v1")
	s.Put("alice", "/a/2", raftpb.Put, "v2")
	s.Put("alice", "/b/1", raftpb.Put, "v3")
	s.Put("alice", ReservedLastAppliedKey, raftpb.Put, "9999")

	items, hasMore := s.Scan("alice", "/a/", 0)
	if hasMore {
		t.Fatalf("hasMore = true, want false")
	}
	if len(items) != 2 || items[0].Key != "/a/1" || items[1].Key != "/a/2" {
		t.Fatalf("items = %+v", items)
	}
}

func TestScanSizeLimit(t *testing.T) {
	s := newTestStore(t)
	s.OpenDatabase("alice")
	for i := 0; i < 5; i++ {
		s.Put("alice", string(rune('a'+i)), raftpb.Put, "v")
	}
	items, hasMore := s.Scan("alice", "", 3)
	if len(items) != 3 || !hasMore {
		t.Fatalf("items = %d hasMore = %v, want 3/true", len(items), hasMore)
	}
}

func TestLastAppliedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if got := s.LastApplied(); got != -1 {
		t.Fatalf("LastApplied() on fresh store = %d, want -1", got)
	}
	if err := s.SetLastApplied(42); err != nil {
		t.Fatal(err)
	}
	if got := s.LastApplied(); got != 42 {
		t.Fatalf("LastApplied() = %d, want 42", got)
	}
}

func TestParentKey(t *testing.T) {
	if p, ok := ParentKey("/a/b"); !ok || p != "/a" {
		t.Fatalf("ParentKey(/a/b) = %q, %v", p, ok)
	}
	if _, ok := ParentKey("noslash"); ok {
		t.Fatalf("ParentKey(noslash) should have no parent")
	}
}
