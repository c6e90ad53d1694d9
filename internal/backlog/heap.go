package backlog

import (
	"container/heap"
	"sort"
)

// entry is one pending wire payload keyed by its event timestamp. The
// priority tree holds these ordered ascending by Timestamp (oldest first),
// per §5's "strictly by ascending event timestamp" ordering guarantee.
type entry struct {
	Timestamp int64
	Payload   []byte
}

// entryHeap is a container/heap min-heap over entry.Timestamp. No
// third-party ordered-map/priority-queue library appears anywhere in the
// retrieved pack, so the standard library's container/heap is the grounded
// choice here (see DESIGN.md).
type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Timestamp < h[j].Timestamp }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// priorityTree is the mutex-free core heap operations; BacklogStore wraps
// this with its own mutex so the tree and the spill bookkeeping stay
// consistent under one lock.
type priorityTree struct {
	h entryHeap
}

func newPriorityTree() *priorityTree {
	t := &priorityTree{}
	heap.Init(&t.h)
	return t
}

func (t *priorityTree) Len() int { return t.h.Len() }

func (t *priorityTree) Push(ts int64, payload []byte) {
	heap.Push(&t.h, entry{Timestamp: ts, Payload: payload})
}

func (t *priorityTree) Peek() (entry, bool) {
	if len(t.h) == 0 {
		return entry{}, false
	}
	return t.h[0], true
}

func (t *priorityTree) Pop() (entry, bool) {
	if len(t.h) == 0 {
		return entry{}, false
	}
	return heap.Pop(&t.h).(entry), true
}

// Remove deletes the first entry with the given timestamp, if present. Used
// when the server echoes an acknowledgement for ts, per §5/§8.
func (t *priorityTree) Remove(ts int64) bool {
	for i, e := range t.h {
		if e.Timestamp == ts {
			heap.Remove(&t.h, i)
			return true
		}
	}
	return false
}

// Drain pops up to n oldest entries (ascending timestamp order).
func (t *priorityTree) Drain(n int) []entry {
	out := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		e, ok := t.Pop()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// PeekAllDue returns every entry with Timestamp <= cutoff, ascending by
// Timestamp, without removing them from the heap.
func (t *priorityTree) PeekAllDue(cutoff int64) []entry {
	out := make([]entry, 0, len(t.h))
	for _, e := range t.h {
		if e.Timestamp <= cutoff {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
