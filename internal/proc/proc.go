// Package proc is the minimal process layer on top of the scheduler: it
// groups threads under a pid and implements fork.
package proc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/edirooss/tinysched/internal/sched"
	"go.uber.org/zap"
)

// ErrNoProcess is returned for unknown pids.
var ErrNoProcess = errors.New("no such process")

// ErrNotOwner is returned when a thread does not belong to the process
// named in the call.
var ErrNotOwner = errors.New("thread not owned by process")

// State of a process.
type State string

const (
	StateRunning State = "running"
	StateZombie  State = "zombie" // main thread gone, other threads remain
)

// Process is a read-only copy of a process entry.
type Process struct {
	PID     int64            `json:"pid"`
	PPID    int64            `json:"ppid"`
	Main    sched.ThreadID   `json:"main"`
	Threads []sched.ThreadID `json:"threads"`
	State   State            `json:"state"`
}

// Scheduler is the part of the scheduler the process layer drives.
type Scheduler interface {
	Create(attr sched.Attr) (sched.ThreadID, error)
	Duplicate(src sched.ThreadID) (sched.ThreadID, error)
	SetExec(id sched.ThreadID) error
	SetOwner(id sched.ThreadID, pid int64) error
	Owner(id sched.ThreadID) (int64, error)
	Terminate(id sched.ThreadID) error
	Reclaim(id sched.ThreadID) error
}

type process struct {
	pid     int64
	ppid    int64
	main    sched.ThreadID
	threads map[sched.ThreadID]struct{}
	state   State
}

func (p *process) view() Process {
	return Process{
		PID:     p.pid,
		PPID:    p.ppid,
		Main:    p.main,
		Threads: slices.Sorted(maps.Keys(p.threads)),
		State:   p.state,
	}
}

// Table is the process table.
//
// The scheduler reports removals through ThreadRemoved while holding its
// own lock, so Table never calls into the scheduler with t.mu held.
type Table struct {
	log   *zap.Logger
	sched Scheduler
	pids  *pidAllocator

	mu    sync.Mutex
	procs map[int64]*process
}

// NewTable returns an empty table. Bind must be called before use.
func NewTable(log *zap.Logger, pidMax int64) *Table {
	if pidMax <= 0 {
		pidMax = 32768
	}
	return &Table{
		log:   log.Named("proc"),
		pids:  newPIDAllocator(pidMax),
		procs: make(map[int64]*process),
	}
}

// Bind sets the scheduler. The two are built in a cycle: the scheduler
// takes the table as its ProcessNotifier.
func (t *Table) Bind(s Scheduler) { t.sched = s }

// Spawn starts a new process whose main thread is a root thread built
// from attr.
func (t *Table) Spawn(attr sched.Attr) (Process, error) {
	pid, err := t.pids.alloc()
	if err != nil {
		return Process{}, fmt.Errorf("spawn: %w", err)
	}

	attr.Parent = sched.NoThread
	tid, err := t.sched.Create(attr)
	if err != nil {
		t.pids.release(pid)
		return Process{}, fmt.Errorf("spawn: %w", err)
	}

	p := t.register(pid, 0, tid)
	if err := t.sched.SetOwner(tid, pid); err != nil {
		// Main thread already gone; ThreadRemoved saw owner 0.
		t.drop(pid)
		return Process{}, fmt.Errorf("spawn: %w", err)
	}

	t.log.Info("process spawned", zap.Int64("pid", pid), zap.Int("tid", int(tid)))
	return p, nil
}

// Fork duplicates thread tid of process pid into a new process. The copy
// is only made runnable once its ownership has been recorded.
func (t *Table) Fork(ctx context.Context, pid int64, tid sched.ThreadID) (Process, error) {
	if err := ctx.Err(); err != nil {
		return Process{}, err
	}
	if err := t.checkOwner(pid, tid); err != nil {
		return Process{}, fmt.Errorf("fork: %w", err)
	}

	newPID, err := t.pids.alloc()
	if err != nil {
		return Process{}, fmt.Errorf("fork: %w", err)
	}
	child, err := t.sched.Duplicate(tid)
	if err != nil {
		t.pids.release(newPID)
		return Process{}, fmt.Errorf("fork: %w", err)
	}
	p := t.register(newPID, pid, child)

	if err := t.sched.SetOwner(child, newPID); err != nil {
		t.drop(newPID)
		return Process{}, fmt.Errorf("fork: %w", err)
	}
	if err := t.sched.SetExec(child); err != nil {
		return Process{}, fmt.Errorf("fork: %w", err)
	}

	t.log.Info("process forked",
		zap.Int64("pid", newPID), zap.Int64("ppid", pid), zap.Int("tid", int(child)))
	return p, nil
}

// Track records that tid, a thread created under an owned parent, belongs
// to pid.
func (t *Table) Track(pid int64, tid sched.ThreadID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}
	p.threads[tid] = struct{}{}
	return nil
}

// Kill terminates the main thread of pid and with it every thread
// descending from it. The main thread is detached first: a forked main
// thread still hangs off its source thread, which will never join it.
func (t *Table) Kill(pid int64) error {
	t.mu.Lock()
	p, ok := t.procs[pid]
	var main sched.ThreadID
	if ok {
		main = p.main
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("kill: pid %d: %w", pid, ErrNoProcess)
	}
	if err := t.sched.Reclaim(main); err != nil {
		return fmt.Errorf("kill: pid %d: %w", pid, err)
	}
	return nil
}

// ThreadRemoved implements sched.ProcessNotifier. It is called with the
// scheduler lock held.
func (t *Table) ThreadRemoved(pid int64, id sched.ThreadID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return
	}
	delete(p.threads, id)
	if id == p.main {
		p.state = StateZombie
	}
	if len(p.threads) == 0 {
		delete(t.procs, pid)
		t.pids.release(pid)
		t.log.Info("process exited", zap.Int64("pid", pid))
	}
}

// Get returns process pid.
func (t *Table) Get(pid int64) (Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return Process{}, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}
	return p.view(), nil
}

// List returns every process, by pid.
func (t *Table) List() []Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Process, 0, len(t.procs))
	for _, pid := range slices.Sorted(maps.Keys(t.procs)) {
		out = append(out, t.procs[pid].view())
	}
	return out
}

func (t *Table) register(pid, ppid int64, main sched.ThreadID) Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &process{
		pid:     pid,
		ppid:    ppid,
		main:    main,
		threads: map[sched.ThreadID]struct{}{main: {}},
		state:   StateRunning,
	}
	t.procs[pid] = p
	return p.view()
}

func (t *Table) drop(pid int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
	t.pids.release(pid)
}

func (t *Table) checkOwner(pid int64, tid sched.ThreadID) error {
	t.mu.Lock()
	_, ok := t.procs[pid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}

	owner, err := t.sched.Owner(tid)
	if err != nil {
		return err
	}
	if owner != pid {
		return fmt.Errorf("thread %d of pid %d: %w", tid, owner, ErrNotOwner)
	}
	return nil
}
