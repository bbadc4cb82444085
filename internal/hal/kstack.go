package hal

import (
	"fmt"
	"sync"
)

// kstackPool hands out kernel stack slots with explicit ownership.
// A thread id holds at most one slot. Fresh slots go out lowest-first;
// freed slots are reused most recent first.
type kstackPool struct {
	mu         sync.Mutex
	maxCap     int
	free       []int       // free slot numbers
	acquiredBy map[int]int // owner thread id → slot
}

func newKStackPool(max int) *kstackPool {
	if max < 0 {
		max = 0
	}
	p := &kstackPool{
		maxCap:     max,
		free:       make([]int, 0, max),
		acquiredBy: make(map[int]int),
	}
	for i := max - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// tryAcquire takes a slot for owner without blocking.
// Acquiring twice for the same owner is a protocol violation.
func (p *kstackPool) tryAcquire(owner int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, holds := p.acquiredBy[owner]; holds {
		panic(fmt.Sprintf("kstackPool: thread %d already holds a kernel stack", owner))
	}

	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	slot := p.free[n-1]
	p.free = p.free[:n-1]
	p.acquiredBy[owner] = slot
	return slot, true
}

// release frees the slot held by owner. No-op when owner holds nothing,
// so a context released twice does not corrupt the pool.
func (p *kstackPool) release(owner int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, holds := p.acquiredBy[owner]
	if !holds {
		return
	}
	delete(p.acquiredBy, owner)
	p.free = append(p.free, slot)
}

func (p *kstackPool) capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxCap
}

func (p *kstackPool) current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acquiredBy)
}
