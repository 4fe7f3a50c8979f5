package binlog

import (
	"os"
	"testing"

	"github.com/nexuskv/nexus/raftpb"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "binlog-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestAppendAndReadSlot(t *testing.T) {
	l, err := Open(tempDir(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 3; i++ {
		e := raftpb.Entry{Index: uint64(i), Term: 1, Op: raftpb.Put, Key: "k", Value: "v"}
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if got := l.Length(); got != 3 {
		t.Fatalf("Length() = %d, want 3", got)
	}
	e, ok := l.ReadSlot(1)
	if !ok || e.Index != 1 {
		t.Fatalf("ReadSlot(1) = %+v, %v", e, ok)
	}
	if _, ok := l.ReadSlot(5); ok {
		t.Fatalf("ReadSlot(5) should miss")
	}
}

func TestTruncate(t *testing.T) {
	l, err := Open(tempDir(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Append(raftpb.Entry{Index: uint64(i), Term: 1})
	}
	if err := l.Truncate(2); err != nil {
		t.Fatal(err)
	}
	if got := l.Length(); got != 3 {
		t.Fatalf("Length() after truncate = %d, want 3", got)
	}
	if _, ok := l.ReadSlot(3); ok {
		t.Fatalf("ReadSlot(3) should miss after truncate")
	}
}

func TestResetForSnapshot(t *testing.T) {
	l, err := Open(tempDir(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Append(raftpb.Entry{Index: uint64(i), Term: 1})
	}
	if err := l.ResetForSnapshot(4); err != nil {
		t.Fatal(err)
	}
	if got := l.Length(); got != 5 {
		t.Fatalf("Length() = %d, want 5", got)
	}
	next := raftpb.Entry{Index: 5, Term: 2}
	if err := l.Append(next); err != nil {
		t.Fatal(err)
	}
	got, ok := l.ReadSlot(5)
	if !ok || got.Term != 2 {
		t.Fatalf("ReadSlot(5) = %+v, %v", got, ok)
	}
}

func TestReplayAfterReopen(t *testing.T) {
	dir := tempDir(t)
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		l.Append(raftpb.Entry{Index: uint64(i), Term: 2, Key: "k"})
	}
	l.Close()

	l2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	if got := l2.Length(); got != 4 {
		t.Fatalf("Length() after reopen = %d, want 4", got)
	}
}
