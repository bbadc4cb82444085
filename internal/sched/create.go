package sched

import (
	"errors"
	"fmt"

	"github.com/edirooss/tinysched/internal/hal"
	"go.uber.org/zap"
)

// ErrBadPriority is returned for priorities outside the requestable tiers.
var ErrBadPriority = errors.New("invalid priority")

// Attr describes a thread to create.
type Attr struct {
	Entry    uintptr   // first instruction
	Arg      uintptr   // passed in r0
	Stack    hal.Stack // user stack
	Priority Priority  // base priority
	Parent   ThreadID  // NoThread for a root thread
	KWorker  bool      // kernel worker: privileged, not terminable
}

// Create allocates a new thread, links it under attr.Parent and makes it
// ready. Every call creates a distinct thread.
func (s *Scheduler) Create(attr Attr) (ThreadID, error) {
	if !attr.Priority.Valid() {
		return NoThread, fmt.Errorf("create: %s: %w", attr.Priority, ErrBadPriority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if attr.Parent != NoThread {
		if _, err := s.lookupLocked(attr.Parent); err != nil {
			return NoThread, fmt.Errorf("create: parent: %w", err)
		}
	}

	id, err := s.ids.acquire()
	if err != nil {
		return NoThread, fmt.Errorf("create: %w", err)
	}
	if err := s.initThreadLocked(id, attr); err != nil {
		s.ids.release(id)
		return NoThread, fmt.Errorf("create: %w", err)
	}
	s.trace.append(EventCreate, id, attr.Priority)
	return id, nil
}

// initThreadLocked fills the unused block id and admits it.
func (s *Scheduler) initThreadLocked(id ThreadID, attr Attr) error {
	t := &s.table[id]
	if t.flags&FlagInUse != 0 {
		panic(fmt.Sprintf("sched: init of in-use thread %d", id))
	}

	ctx, err := s.hal.InitContext(int(id), attr.Entry, attr.Arg, attr.Stack, attr.KWorker)
	if err != nil {
		return fmt.Errorf("thread %d context: %v: %w", id, err, ErrExhausted)
	}

	t.gen++
	t.reset()
	t.ctx = ctx
	t.flags = FlagInUse
	if attr.KWorker {
		t.flags |= FlagKWorker
	}
	t.basePriority = attr.Priority
	t.priority = attr.Priority

	s.linkChildLocked(t, attr.Parent)
	s.nrThreads++

	s.log.Debug("thread created",
		zap.Int("tid", int(id)),
		zap.Int("parent", int(attr.Parent)),
		zap.Stringer("priority", attr.Priority),
		zap.Bool("kworker", attr.KWorker))

	s.setExecLocked(t)
	return nil
}

// Duplicate forks src into a new thread: a copy of the control block with
// a fresh id, a forked execution context and no children, appended to
// src's children. The copy is not executable until SetExec.
func (s *Scheduler) Duplicate(src ThreadID) (ThreadID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.lookupLocked(src)
	if err != nil {
		return NoThread, fmt.Errorf("duplicate: %w", err)
	}
	if old.flags&FlagZombie != 0 {
		return NoThread, fmt.Errorf("duplicate: thread %d is a zombie: %w", src, ErrInvalidState)
	}

	id, err := s.ids.acquire()
	if err != nil {
		return NoThread, fmt.Errorf("duplicate: %w", err)
	}

	ctx, err := s.hal.ForkContext(int(id), old.ctx)
	if err != nil {
		s.ids.release(id)
		return NoThread, fmt.Errorf("duplicate: thread %d context: %v: %w", id, err, ErrExhausted)
	}

	t := &s.table[id]
	t.gen++
	t.reset()
	t.flags = old.flags &^ (FlagExec | FlagWait)
	t.priority = old.priority
	t.basePriority = old.basePriority
	t.timeSlice = old.timeSlice
	t.owner = old.owner
	t.ctx = ctx
	s.linkChildLocked(t, src)
	s.nrThreads++

	s.trace.append(EventFork, id, t.basePriority)
	s.log.Debug("thread duplicated", zap.Int("tid", int(id)), zap.Int("from", int(src)))
	return id, nil
}

// linkChildLocked appends t to the end of parent's child chain. A root
// thread belongs to the kernel (owner 0); a child inherits its parent's
// owner.
func (s *Scheduler) linkChildLocked(t *Thread, parent ThreadID) {
	t.parent = parent
	t.firstChild = NoThread
	t.nextSibling = NoThread

	if parent == NoThread {
		t.owner = 0
		return
	}
	p := &s.table[parent]
	if t.owner == 0 {
		t.owner = p.owner
	}

	if p.firstChild == NoThread {
		p.firstChild = t.id
		return
	}
	last := p.firstChild
	for steps := 0; s.table[last].nextSibling != NoThread; steps++ {
		if steps > len(s.table) {
			panic(fmt.Sprintf("sched: child chain of thread %d has a cycle", parent))
		}
		last = s.table[last].nextSibling
	}
	s.table[last].nextSibling = t.id
}

// unlinkChildLocked removes t from its parent's chain and clears t.parent.
func (s *Scheduler) unlinkChildLocked(t *Thread) {
	if t.parent == NoThread {
		return
	}
	p := &s.table[t.parent]
	if p.firstChild == t.id {
		p.firstChild = t.nextSibling
	} else {
		for c := p.firstChild; c != NoThread; c = s.table[c].nextSibling {
			if s.table[c].nextSibling == t.id {
				s.table[c].nextSibling = t.nextSibling
				break
			}
		}
	}
	t.parent = NoThread
	t.nextSibling = NoThread
}

// childrenLocked returns the child chain of t in order.
func (s *Scheduler) childrenLocked(t *Thread) []ThreadID {
	var out []ThreadID
	for c := t.firstChild; c != NoThread; c = s.table[c].nextSibling {
		if len(out) > len(s.table) {
			panic(fmt.Sprintf("sched: child chain of thread %d has a cycle", t.id))
		}
		out = append(out, c)
	}
	return out
}
