package sched

import "go.uber.org/zap"

// Switch picks the thread to run next and charges it one tick of its time
// slice. Detached zombies queued for reaping are reclaimed first. A thread
// in an aging tier whose slice has run out is demoted to PriorityLow and
// the pick is retried.
//
// The idle thread is always ready, so an empty heap means the scheduler
// state is corrupt; Switch panics.
func (s *Scheduler) Switch() ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchLocked()
}

func (s *Scheduler) switchLocked() ThreadID {
	for id := range s.reap {
		s.removeLocked(&s.table[id])
	}

	for {
		t := s.ready.peek()
		if t == nil {
			panic("sched: ready heap is empty")
		}

		if !t.flags.runnable() {
			s.ready.popMax()
			if t.flags.detachedZombie() {
				s.removeLocked(t)
			}
			continue
		}

		if t.timeSlice <= 0 && t.priority.Ages() {
			t.priority = PriorityLow
			s.ready.fix(0)
			s.penalties++
			s.trace.append(EventPenalty, t.id, t.priority)
			s.log.Debug("time slice expired", zap.Int("tid", int(t.id)))
			continue
		}

		t.timeSlice--
		if s.current != t.id {
			s.trace.append(EventSwitch, t.id, t.priority)
		}
		s.current = t.id
		s.switches++
		s.switched.Broadcast()
		return t.id
	}
}

// Tick is one scheduler clock interrupt: it feeds the ready-queue length
// to the load average and runs a selection.
func (s *Scheduler) Tick() ThreadID {
	s.mu.Lock()
	ready := s.ready.len()
	s.mu.Unlock()

	s.loadavg.Tick(ready)
	return s.Switch()
}

// Current returns the thread picked by the last selection, NoThread if
// it has since been reclaimed.
func (s *Scheduler) Current() ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stats is a point-in-time summary of the scheduler.
type Stats struct {
	MaxThreads  int       `json:"max_threads"`
	NrThreads   int       `json:"nr_threads"`
	Ready       int       `json:"ready"`
	PendingReap int       `json:"pending_reap"`
	FreeIDs     int       `json:"free_ids"`
	Current     ThreadID  `json:"current"`
	Switches    uint64    `json:"switches"`
	Penalties   uint64    `json:"penalties"`
	Reaped      uint64    `json:"reaped"`
	LoadAvg     [3]uint32 `json:"loadavg"`
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		MaxThreads:  s.cfg.MaxThreads,
		NrThreads:   s.nrThreads,
		Ready:       s.ready.len(),
		PendingReap: len(s.reap),
		FreeIDs:     s.ids.available(),
		Current:     s.current,
		Switches:    s.switches,
		Penalties:   s.penalties,
		Reaped:      s.reaped,
	}
	s.mu.Unlock()

	st.LoadAvg = s.loadavg.Get()
	return st
}
