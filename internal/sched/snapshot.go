package sched

import "fmt"

// Threads returns a copy of every in-use control block, by id.
func (s *Scheduler) Threads() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ThreadInfo, 0, s.nrThreads)
	for i := range s.table {
		if t := &s.table[i]; t.flags&FlagInUse != 0 {
			out = append(out, s.infoLocked(t))
		}
	}
	return out
}

// Thread returns a copy of the control block of id.
func (s *Scheduler) Thread(id ThreadID) (ThreadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return ThreadInfo{}, err
	}
	return s.infoLocked(t), nil
}

func (s *Scheduler) infoLocked(t *Thread) ThreadInfo {
	info := ThreadInfo{
		ID:           t.id,
		State:        t.flags.State(),
		Flags:        t.flags.String(),
		Priority:     t.priority,
		BasePriority: t.basePriority,
		TimeSlice:    t.timeSlice,
		Owner:        t.owner,
		Parent:       t.parent,
		Children:     s.childrenLocked(t),
		WaitCount:    t.waitCount.Load(),
		Retval:       t.retval,
		Running:      s.current == t.id,
		KStack:       -1,
	}
	if t.ctx != nil {
		info.PC = t.ctx.Frame.PC
		info.SP = t.ctx.Frame.SP
		info.KStack = t.ctx.KStack
	}
	return info
}

// SetOwner hands id to process pid. Children created afterwards inherit it.
func (s *Scheduler) SetOwner(id ThreadID, pid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("set owner: %w", err)
	}
	t.owner = pid
	return nil
}

// Owner returns the process owning id, 0 for kernel threads.
func (s *Scheduler) Owner(id ThreadID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(id)
	if err != nil {
		return 0, fmt.Errorf("owner: %w", err)
	}
	return t.owner, nil
}
