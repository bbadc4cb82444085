package sched

import (
	"testing"

	"github.com/edirooss/tinysched/internal/hal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T, maxThreads int, opts ...Option) *Scheduler {
	t.Helper()
	log := zaptest.NewLogger(t)
	s, err := New(log, Config{MaxThreads: maxThreads, HZ: 100}, hal.NewSoft(log, maxThreads), opts...)
	require.NoError(t, err)
	return s
}

func mustCreate(t *testing.T, s *Scheduler, p Priority, parent ThreadID) ThreadID {
	t.Helper()
	id, err := s.Create(Attr{
		Entry:    0x8000,
		Stack:    hal.Stack{Addr: 0x10000, Size: 0x1000},
		Priority: p,
		Parent:   parent,
	})
	require.NoError(t, err)
	return id
}

// requireConsistent checks the table against the ready heap.
func requireConsistent(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	resident := 0
	for i := range s.table {
		th := &s.table[i]
		inHeap := s.ready.find(th.id) >= 0
		require.Equal(t, th.flags.Has(FlagExec), inHeap, "thread %d exec=%v resident=%v", th.id, th.flags.Has(FlagExec), inHeap)
		if th.flags.Has(FlagZombie) {
			require.False(t, th.flags.Has(FlagExec), "zombie %d is executable", th.id)
		}
		if th.flags&FlagInUse == 0 {
			require.Equal(t, Flags(0), th.flags)
			continue
		}
		if inHeap {
			resident++
		}
		for _, c := range s.childrenLocked(th) {
			require.Equal(t, th.id, s.table[c].parent)
		}
	}
	require.Equal(t, resident, s.ready.len())
}

type recordingNotifier struct {
	removed []ThreadID
	pids    []int64
}

func (r *recordingNotifier) ThreadRemoved(pid int64, id ThreadID) {
	r.pids = append(r.pids, pid)
	r.removed = append(r.removed, id)
}
