package proc

import (
	"errors"
	"sync"
)

// ErrNoPID is returned when every pid in the range is in use.
var ErrNoPID = errors.New("pid space exhausted")

// pidAllocator hands out pids from a monotonic, wrap-around space:
// increment, wrap, skip in-use. Pid 0 is the kernel and is never issued.
type pidAllocator struct {
	mu     sync.Mutex
	next   int64
	inUse  map[int64]struct{}
	pidMax int64
}

func newPIDAllocator(pidMax int64) *pidAllocator {
	return &pidAllocator{
		next:   1,
		pidMax: pidMax,
		inUse:  make(map[int64]struct{}),
	}
}

// alloc returns the next free pid at or after the cursor.
func (a *pidAllocator) alloc() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for range a.pidMax {
		p := a.next
		a.next++
		if a.next > a.pidMax {
			a.next = 1
		}
		if _, used := a.inUse[p]; !used {
			a.inUse[p] = struct{}{}
			return p, nil
		}
	}
	return 0, ErrNoPID
}

// release returns pid to the pool. No-op on unknown pids.
func (a *pidAllocator) release(pid int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, pid)
}
