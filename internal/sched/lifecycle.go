package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edirooss/tinysched/internal/timers"
	"go.uber.org/zap"
)

// ErrNoTimers is returned by SleepFor when no wake timer service is set.
var ErrNoTimers = errors.New("no wake timer service")

// SetExec admits id to the ready heap under its base priority with a
// fresh time slice. Threads that are already ready, zombies and threads
// in permanent sleep are left alone.
func (s *Scheduler) SetExec(id ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("set exec: %w", err)
	}
	s.setExecLocked(t)
	return nil
}

func (s *Scheduler) setExecLocked(t *Thread) bool {
	if !t.flags.wakeable() || t.waitCount.Load() < 0 {
		return false
	}
	s.releaseTimerLocked(t)

	t.flags |= FlagExec
	t.flags &^= FlagWait
	t.waitCount.Store(0)
	t.priority = t.basePriority
	t.timeSlice = t.priority.timeSlice()
	s.ready.push(t)

	s.trace.append(EventExec, t.id, t.priority)
	s.cond.Broadcast()
	return true
}

// sleepLocked takes t out of the ready heap and marks it waiting.
func (s *Scheduler) sleepLocked(t *Thread, permanent bool) {
	t.flags &^= FlagExec
	t.flags |= FlagWait
	if permanent {
		t.waitCount.Store(-1)
	} else if t.waitCount.Load() >= 0 {
		t.waitCount.Add(1)
	}

	t.priority = PriorityError
	if i := s.ready.find(t.id); i >= 0 {
		s.ready.remove(i)
	}
	s.trace.append(EventSleep, t.id, t.basePriority)
}

// Sleep takes id off the ready heap and blocks until it is admitted
// again. A permanent sleep can never be woken. Returns ctx.Err() if ctx
// ends first (the thread stays asleep) and ErrInvalidState if the thread
// is terminated while asleep.
func (s *Scheduler) Sleep(ctx context.Context, id ThreadID, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	if t.flags&FlagZombie != 0 || id == IdleThread {
		return fmt.Errorf("sleep: thread %d: %w", id, ErrInvalidState)
	}
	s.sleepLocked(t, permanent)
	return s.awaitWakeLocked(ctx, t)
}

// SleepFor sleeps id for about d. The wake is driven by the timer service.
func (s *Scheduler) SleepFor(ctx context.Context, id ThreadID, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timers == nil {
		return fmt.Errorf("sleep %s: %w", d, ErrNoTimers)
	}
	t, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	if t.flags&FlagZombie != 0 || id == IdleThread {
		return fmt.Errorf("sleep: thread %d: %w", id, ErrInvalidState)
	}

	s.releaseTimerLocked(t)
	gen := t.gen
	var h timers.Handle
	// The callback reads h only after taking s.mu, which is held here
	// until h has been stored.
	h, err = s.timers.ArmWake(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timerWakeLocked(id, gen, h)
	})
	if err != nil {
		return fmt.Errorf("sleep %s: %v: %w", d, err, ErrExhausted)
	}
	t.waitTimer = h

	s.sleepLocked(t, false)
	return s.awaitWakeLocked(ctx, t)
}

func (s *Scheduler) timerWakeLocked(id ThreadID, gen uint64, h timers.Handle) {
	t := &s.table[id]
	if t.gen != gen || t.waitTimer != h {
		return // reclaimed, or woken and put to sleep again
	}
	t.waitTimer = timers.NoHandle
	if s.setExecLocked(t) {
		s.log.Debug("woken by timer", zap.Int("tid", int(id)))
	}
}

func (s *Scheduler) releaseTimerLocked(t *Thread) {
	if t.waitTimer == timers.NoHandle {
		return
	}
	if s.timers != nil {
		s.timers.Release(t.waitTimer)
	}
	t.waitTimer = timers.NoHandle
}

// awaitWakeLocked parks until t leaves the waiting state.
func (s *Scheduler) awaitWakeLocked(ctx context.Context, t *Thread) error {
	gen := t.gen
	err := s.parkLocked(ctx, s.cond, func() bool {
		return t.gen != gen || t.flags&(FlagWait|FlagZombie) != FlagWait
	})
	if err != nil {
		return err
	}
	if t.gen != gen || t.flags&FlagZombie != 0 {
		return fmt.Errorf("thread %d terminated while asleep: %w", t.id, ErrInvalidState)
	}
	return nil
}

// parkLocked blocks on c until done reports true or ctx ends. s.mu must
// be held; it is released while parked.
func (s *Scheduler) parkLocked(ctx context.Context, c *sync.Cond, done func() bool) error {
	if done() {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		c.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Wait()
	}
	return nil
}

// Yield gives up the heap root if id holds it by dropping it to the idle
// tier; it keeps that priority until its next admission. With wait, the
// caller also blocks until the next selection has run. Yield never
// forces an immediate switch.
func (s *Scheduler) Yield(ctx context.Context, id ThreadID, wait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupLocked(id); err != nil {
		return fmt.Errorf("yield: %w", err)
	}
	if root := s.ready.peek(); root != nil && root.id == id {
		root.priority = PriorityIdle
		s.ready.fix(0)
		s.trace.append(EventYield, id, root.priority)
	}
	if !wait {
		return nil
	}
	n := s.switches
	return s.parkLocked(ctx, s.switched, func() bool { return s.switches != n })
}

// Terminate ends id and, first, all of its descendants. A child that
// cannot be terminated is orphaned instead. The terminated thread is
// reclaimed at once if it is detached, has no parent, or its parent is a
// detached zombie; otherwise it stays a zombie until joined, detached or
// orphaned.
func (s *Scheduler) Terminate(id ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.terminateLocked(id); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	return nil
}

func (s *Scheduler) terminateLocked(id ThreadID) error {
	if id < 0 || int(id) >= len(s.table) {
		return fmt.Errorf("thread %d: %w", id, ErrInvalidState)
	}
	t := &s.table[id]
	switch {
	case t.flags&FlagInUse == 0:
		return fmt.Errorf("thread %d not in use: %w", id, ErrInvalidState)
	case t.flags&FlagZombie != 0:
		return fmt.Errorf("thread %d already terminated: %w", id, ErrInvalidState)
	case t.flags&FlagKWorker != 0 || id == IdleThread:
		return fmt.Errorf("thread %d is a kernel worker: %w", id, ErrInvalidState)
	}

	for _, c := range s.childrenLocked(t) {
		if err := s.terminateLocked(c); err != nil {
			ct := &s.table[c]
			if ct.flags&FlagInUse == 0 {
				continue
			}
			s.unlinkChildLocked(ct)
			s.log.Debug("child orphaned", zap.Int("tid", int(c)), zap.Int("parent", int(id)), zap.Error(err))
			if ct.flags&FlagZombie != 0 {
				s.removeLocked(ct) // nobody left to join it
			}
		}
	}

	t.flags |= FlagZombie
	t.flags &^= FlagExec
	if i := s.ready.find(id); i >= 0 {
		s.ready.remove(i)
	}
	s.trace.append(EventTerminate, id, t.basePriority)
	s.log.Debug("thread terminated", zap.Int("tid", int(id)))

	if s.reapableLocked(t) {
		s.removeLocked(t)
	}
	s.cond.Broadcast()
	return nil
}

// Reclaim detaches id and terminates it, so its control block is freed
// regardless of whether its parent is still alive. A thread that is
// already a zombie is queued for the next selection.
func (s *Scheduler) Reclaim(id ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	if t.flags&FlagKWorker != 0 || id == IdleThread {
		return fmt.Errorf("reclaim: thread %d is a kernel worker: %w", id, ErrInvalidState)
	}
	t.flags |= FlagDetached
	if t.flags&FlagZombie != 0 {
		s.reap[id] = struct{}{}
		s.cond.Broadcast()
		return nil
	}
	if err := s.terminateLocked(id); err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	return nil
}

// reapableLocked: a zombie nobody can observe any more.
func (s *Scheduler) reapableLocked(t *Thread) bool {
	return t.flags&FlagDetached != 0 ||
		t.parent == NoThread ||
		s.table[t.parent].flags.detachedZombie()
}

// Detach marks id as never to be joined. A detached zombie is reclaimed
// by the next selection.
func (s *Scheduler) Detach(id ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	t.flags |= FlagDetached
	if t.flags&FlagZombie != 0 {
		s.reap[id] = struct{}{}
	}
	s.trace.append(EventDetach, id, t.basePriority)
	s.cond.Broadcast()
	return nil
}

// Exit records retval and turns id into a zombie in permanent sleep
// without waiting for it to be reclaimed. A detached or orphaned thread is
// queued for the next selection; otherwise it waits to be joined.
func (s *Scheduler) Exit(id ThreadID, retval uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.exitLocked(id, retval); err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	return nil
}

// Die is Exit followed by blocking until the control block has been
// reclaimed (or ctx ends).
func (s *Scheduler) Die(ctx context.Context, id ThreadID, retval uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.exitLocked(id, retval)
	if err != nil {
		return fmt.Errorf("die: %w", err)
	}
	gen := t.gen
	return s.parkLocked(ctx, s.cond, func() bool { return t.gen != gen })
}

func (s *Scheduler) exitLocked(id ThreadID, retval uintptr) (*Thread, error) {
	t, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if t.flags&FlagZombie != 0 || id == IdleThread {
		return nil, fmt.Errorf("thread %d: %w", id, ErrInvalidState)
	}

	t.retval = retval
	t.flags |= FlagZombie
	s.sleepLocked(t, true)
	s.trace.append(EventTerminate, id, t.basePriority)
	if s.reapableLocked(t) {
		s.reap[id] = struct{}{}
	}
	s.cond.Broadcast()
	return t, nil
}

// Join waits for child id of caller to terminate, reclaims it and returns
// its exit value.
func (s *Scheduler) Join(ctx context.Context, caller, id ThreadID) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupLocked(caller); err != nil {
		return 0, fmt.Errorf("join: caller: %w", err)
	}
	t, err := s.lookupLocked(id)
	if err != nil {
		return 0, fmt.Errorf("join: %w", err)
	}
	if t.parent != caller {
		return 0, fmt.Errorf("join: thread %d is not a child of %d: %w", id, caller, ErrInvalidState)
	}

	gen := t.gen
	err = s.parkLocked(ctx, s.cond, func() bool {
		return t.gen != gen || t.flags&(FlagZombie|FlagDetached) != 0
	})
	switch {
	case err != nil:
		return 0, err
	case t.gen != gen:
		return 0, fmt.Errorf("join: thread %d: %w", id, ErrNotFound)
	case t.flags&FlagDetached != 0:
		return 0, fmt.Errorf("join: thread %d is detached: %w", id, ErrInvalidState)
	}

	rv := t.retval
	s.removeLocked(t)
	return rv, nil
}

// removeLocked is the only destructor of a control block. It is safe on
// blocks that are in the ready heap and on blocks that are not.
func (s *Scheduler) removeLocked(t *Thread) {
	if t.flags&FlagInUse == 0 {
		return
	}
	id := t.id

	if t.owner != 0 {
		s.procs.ThreadRemoved(t.owner, id)
	}
	s.releaseTimerLocked(t)
	s.hal.ReleaseContext(t.ctx)
	t.ctx = nil

	s.unlinkChildLocked(t)
	var orphans []*Thread
	for _, c := range s.childrenLocked(t) {
		ct := &s.table[c]
		ct.parent = NoThread
		ct.nextSibling = NoThread
		if ct.flags&FlagZombie != 0 {
			orphans = append(orphans, ct)
		}
	}
	t.firstChild = NoThread

	if i := s.ready.find(id); i >= 0 {
		s.ready.remove(i)
	}
	delete(s.reap, id)
	if s.current == id {
		s.current = NoThread
	}

	t.gen++ // wakes waiters keyed on the old generation
	t.reset()
	s.ids.release(id)
	s.nrThreads--
	s.reaped++
	s.trace.append(EventRemove, id, PriorityError)
	s.log.Debug("thread removed", zap.Int("tid", int(id)))

	for _, o := range orphans {
		s.removeLocked(o)
	}
	s.cond.Broadcast()
}

// SetPriority changes the base priority of id. The running priority
// follows at the thread's next admission.
func (s *Scheduler) SetPriority(id ThreadID, p Priority) error {
	if !p.Valid() {
		return fmt.Errorf("set priority: %s: %w", p, ErrBadPriority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	t.basePriority = p
	return nil
}

// GetPriority returns the base priority of id.
func (s *Scheduler) GetPriority(id ThreadID) (Priority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return PriorityError, fmt.Errorf("get priority: %w", err)
	}
	return t.basePriority, nil
}
