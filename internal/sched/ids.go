package sched

import (
	"fmt"
	"sync"
)

// idAllocator manages the reusable thread id space [1, max).
// Id 0 belongs to the idle thread and never passes through here.
// Released ids queue up behind the ones already free (FIFO reuse).
type idAllocator struct {
	mu    sync.Mutex
	free  []ThreadID // FIFO of free ids
	inUse map[ThreadID]struct{}
	max   int
}

// newIDAllocator returns an allocator for a table of max slots, holding
// ids 1..max-1.
func newIDAllocator(max int) *idAllocator {
	a := &idAllocator{
		max:   max,
		inUse: make(map[ThreadID]struct{}),
	}
	for id := 1; id < max; id++ {
		a.free = append(a.free, ThreadID(id))
	}
	return a
}

// acquire pops the oldest free id.
func (a *idAllocator) acquire() (ThreadID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return NoThread, fmt.Errorf("all %d thread ids in use: %w", a.max-1, ErrExhausted)
	}

	id := a.free[0]
	a.free = a.free[1:]
	a.inUse[id] = struct{}{}
	return id, nil
}

// release returns id to the back of the free queue.
// No-op on ids that are out of range or not currently handed out, so a
// double release can never put an id in the queue twice.
func (a *idAllocator) release(id ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, used := a.inUse[id]; !used {
		return
	}
	delete(a.inUse, id)
	a.free = append(a.free, id)
}

// available returns how many ids can still be acquired.
func (a *idAllocator) available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
