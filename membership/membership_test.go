package membership

import (
	"reflect"
	"testing"
)

func TestAtReturnsCheckpointInEffect(t *testing.T) {
	h := NewHistory([]string{"n1", "n2", "n3"})
	h.Update(5, "n4")

	if got := h.At(0); !reflect.DeepEqual(got, []string{"n1", "n2", "n3"}) {
		t.Fatalf("At(0) = %v", got)
	}
	if got := h.At(4); !reflect.DeepEqual(got, []string{"n1", "n2", "n3"}) {
		t.Fatalf("At(4) = %v", got)
	}
	want := []string{"n1", "n2", "n3", "n4"}
	if got := h.At(5); !reflect.DeepEqual(got, want) {
		t.Fatalf("At(5) = %v, want %v", got, want)
	}
	if got := h.At(100); !reflect.DeepEqual(got, want) {
		t.Fatalf("At(100) = %v, want %v", got, want)
	}
}

func TestUpdateIsIdempotentForSameAddr(t *testing.T) {
	h := NewHistory([]string{"n1"})
	h.Update(3, "n2")
	h.Update(10, "n2")

	want := []string{"n1", "n2"}
	if got := h.Current(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Current() = %v, want %v", got, want)
	}
}

func TestResetAfterSnapshot(t *testing.T) {
	h := NewHistory([]string{"n1", "n2"})
	h.Update(5, "n3")
	h.ResetAfterSnapshot(5, []string{"n1", "n2", "n3"})

	want := []string{"n1", "n2", "n3"}
	if got := h.At(0); !reflect.DeepEqual(got, want) {
		t.Fatalf("At(0) after reset = %v, want %v", got, want)
	}
	if got := h.Current(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Current() = %v, want %v", got, want)
	}
}
