package sched

import (
	"strings"
	"sync/atomic"

	"github.com/edirooss/tinysched/internal/hal"
	"github.com/edirooss/tinysched/internal/timers"
)

// ThreadID indexes the thread table. Id 0 is the idle thread.
type ThreadID int

// NoThread is the null link of the parent/child forest.
const NoThread ThreadID = -1

// IdleThread is created with the scheduler and never removed.
const IdleThread ThreadID = 0

// Flags is the state bitset of a thread control block.
type Flags uint32

const (
	FlagInUse    Flags = 1 << iota // block is allocated
	FlagExec                       // ready; resident in the heap
	FlagWait                       // sleeping
	FlagZombie                     // terminated, not yet reclaimed
	FlagDetached                   // nobody will join
	FlagKWorker                    // kernel worker, not terminable
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagInUse, "in_use"},
	{FlagExec, "exec"},
	{FlagWait, "wait"},
	{FlagZombie, "zombie"},
	{FlagDetached, "detached"},
	{FlagKWorker, "kworker"},
}

func (f Flags) Has(m Flags) bool { return f&m == m }

func (f Flags) String() string {
	if f == 0 {
		return "unused"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// runnable: may be picked by the selector.
func (f Flags) runnable() bool { return f.Has(FlagInUse | FlagExec) }

// wakeable: may be admitted to the ready heap.
func (f Flags) wakeable() bool {
	return f.Has(FlagInUse) && f&(FlagExec|FlagZombie) == 0
}

func (f Flags) detachedZombie() bool { return f.Has(FlagDetached | FlagZombie) }

// Thread is a thread control block. All fields are guarded by the
// scheduler lock except waitCount.
type Thread struct {
	id    ThreadID
	gen   uint64
	flags Flags

	priority     Priority
	basePriority Priority
	timeSlice    int

	owner int64 // owning process, 0 for kernel threads

	parent      ThreadID
	firstChild  ThreadID
	nextSibling ThreadID

	waitCount atomic.Int32 // -1: permanent sleep
	waitTimer timers.Handle

	ctx    *hal.Context
	retval uintptr
}

// reset clears the block back to unused.
func (t *Thread) reset() {
	gen := t.gen
	*t = Thread{id: t.id, gen: gen}
	t.parent, t.firstChild, t.nextSibling = NoThread, NoThread, NoThread
	t.waitTimer = timers.NoHandle
}

// ThreadInfo is a read-only copy of a control block.
type ThreadInfo struct {
	ID           ThreadID   `json:"id"`
	State        string     `json:"state"`
	Flags        string     `json:"flags"`
	Priority     Priority   `json:"priority"`
	BasePriority Priority   `json:"base_priority"`
	TimeSlice    int        `json:"time_slice"`
	Owner        int64      `json:"owner"`
	Parent       ThreadID   `json:"parent"`
	Children     []ThreadID `json:"children"`
	WaitCount    int32      `json:"wait_count"`
	Retval       uintptr    `json:"retval"`
	Running      bool       `json:"running"`

	PC     uintptr `json:"pc"`
	SP     uintptr `json:"sp"`
	KStack int     `json:"kstack"`
}

// State names the lifecycle state encoded in f.
func (f Flags) State() string {
	switch {
	case f&FlagInUse == 0:
		return "unused"
	case f&FlagZombie != 0:
		return "zombie"
	case f&FlagWait != 0:
		return "waiting"
	case f&FlagExec != 0:
		return "ready"
	default:
		return "new"
	}
}
