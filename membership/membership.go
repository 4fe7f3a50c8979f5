// Package membership implements MembershipHistory: an ordered mapping
// from log index to the member list in effect once that index commits
// (spec.md §3, §4.9). Grounded on the original's membership_ map
// (ins_node_impl.cc's UpdateMembership/GetMembership) and kept as an
// in-memory-only structure per spec.md's Open Question: after restart
// it is rebuilt by the node package scanning the log since the last
// snapshot.
package membership

import "sort"

// History is a sorted list of (index, members) checkpoints. Lookup for
// an index returns the members in effect at the latest checkpoint at or
// before that index.
type History struct {
	indices []int64
	members [][]string
}

// NewHistory seeds a history with the initial membership effective from
// index 0 (the cluster's starting peer set).
func NewHistory(initial []string) *History {
	h := &History{}
	h.indices = append(h.indices, 0)
	h.members = append(h.members, append([]string(nil), initial...))
	return h
}

// Update extends the history with a new checkpoint: once logIndex
// commits, the effective membership becomes the prior membership plus
// newAddr (spec.md's "Extend membership history with (i, M ∪
// {newAddr})"). Adding an address already present is a no-op append of
// the unchanged set, keeping Update idempotent under log replay.
func (h *History) Update(logIndex int64, newAddr string) {
	prev := h.members[len(h.members)-1]
	next := append([]string(nil), prev...)
	found := false
	for _, m := range next {
		if m == newAddr {
			found = true
			break
		}
	}
	if !found {
		next = append(next, newAddr)
		sort.Strings(next)
	}

	if len(h.indices) > 0 && h.indices[len(h.indices)-1] == logIndex {
		h.members[len(h.members)-1] = next
		return
	}
	h.indices = append(h.indices, logIndex)
	h.members = append(h.members, next)
}

// At returns the effective membership for quorum decisions about
// logIndex: the checkpoint whose index is the largest one ≤ logIndex.
func (h *History) At(logIndex int64) []string {
	i := sort.Search(len(h.indices), func(i int) bool { return h.indices[i] > logIndex })
	if i == 0 {
		return append([]string(nil), h.members[0]...)
	}
	return append([]string(nil), h.members[i-1]...)
}

// Current returns the most recent effective membership.
func (h *History) Current() []string {
	return append([]string(nil), h.members[len(h.members)-1]...)
}

// ResetAfterSnapshot discards all checkpoints and reseeds the history
// with the membership recorded in a snapshot's meta record, effective
// from lastApplied — used when installing a snapshot (spec.md §4.8).
func (h *History) ResetAfterSnapshot(lastApplied int64, members []string) {
	h.indices = []int64{lastApplied}
	h.members = [][]string{append([]string(nil), members...)}
}
