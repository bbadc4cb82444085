package sched

import "container/heap"

// readyEntry is one heap slot.
// index is required for heap.Fix + O(log n) removals.
type readyEntry struct {
	t     *Thread
	seq   uint64 // FIFO tie-break among equal priorities
	index int
}

// readyHeap is the ready queue: a max-heap over thread priority. Among
// equal priorities the idle thread always ranks last, then the entry
// stamped earliest wins. Entries are
// non-owning references into the thread table.
type readyHeap struct {
	h       entryHeap
	entries map[ThreadID]*readyEntry
	seq     uint64
}

func newReadyHeap() *readyHeap {
	h := entryHeap{}
	heap.Init(&h)
	return &readyHeap{
		h:       h,
		entries: make(map[ThreadID]*readyEntry),
	}
}

func (r *readyHeap) stamp() uint64 {
	r.seq++
	return r.seq
}

// push inserts t. Pushing a thread that is already resident is an
// invariant violation.
func (r *readyHeap) push(t *Thread) {
	if _, ok := r.entries[t.id]; ok {
		panic("readyHeap: thread already resident")
	}
	e := &readyEntry{t: t, seq: r.stamp()}
	r.entries[t.id] = e
	heap.Push(&r.h, e)
}

// peek returns the root without removing it, nil if empty.
func (r *readyHeap) peek() *Thread {
	if len(r.h) == 0 {
		return nil
	}
	return r.h[0].t
}

// find returns the heap position of id, or -1.
func (r *readyHeap) find(id ThreadID) int {
	e, ok := r.entries[id]
	if !ok {
		return -1
	}
	return e.index
}

// fix restores heap order after the priority of the thread at position i
// changed, in either direction. The entry is restamped, so a thread moved
// into a tier queues behind the threads already there.
func (r *readyHeap) fix(i int) {
	if i < 0 || i >= len(r.h) {
		return
	}
	r.h[i].seq = r.stamp()
	heap.Fix(&r.h, i)
}

// popMax removes the root unconditionally.
func (r *readyHeap) popMax() *Thread {
	if len(r.h) == 0 {
		return nil
	}
	e := heap.Pop(&r.h).(*readyEntry)
	delete(r.entries, e.t.id)
	return e.t
}

// remove deletes the entry at position i.
func (r *readyHeap) remove(i int) *Thread {
	if i < 0 || i >= len(r.h) {
		return nil
	}
	e := heap.Remove(&r.h, i).(*readyEntry)
	delete(r.entries, e.t.id)
	return e.t
}

func (r *readyHeap) len() int { return len(r.h) }

// --- heap internals ----------------------------------------------------------

type entryHeap []*readyEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].t.priority != h[j].t.priority {
		return h[i].t.priority > h[j].t.priority
	}
	if (h[i].t.id == IdleThread) != (h[j].t.id == IdleThread) {
		return h[j].t.id == IdleThread // idle loses every tie
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*readyEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1 // mark as removed
	*h = old[:n-1]
	return e
}
