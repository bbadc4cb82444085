// Package timers provides the one-shot wake timers used by timed sleeps.
package timers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle names one arming of a timer slot. The low 16 bits are the slot,
// the rest is the arming generation, so a stale handle never matches a
// slot that has been re-armed.
type Handle int64

// NoHandle means "no timer".
const NoHandle Handle = -1

const slotBits = 16

func makeHandle(i int, gen uint64) Handle {
	return Handle(gen<<slotBits | uint64(i))
}

func (h Handle) slot() int {
	return int(h & (1<<slotBits - 1))
}

func (h Handle) gen() uint64 {
	return uint64(h) >> slotBits
}

// ErrNoTimers is returned when every timer slot is armed.
var ErrNoTimers = errors.New("no free wake timers")

type slot struct {
	t   *time.Timer // nil = free
	gen uint64
}

// Service is a fixed pool of one-shot timers. It is safe for concurrent use.
type Service struct {
	log *zap.Logger

	mu    sync.Mutex
	slots []slot
	free  []int
	gen   uint64
}

// New returns a service with n timer slots (at most 1<<16).
func New(log *zap.Logger, n int) *Service {
	if n < 0 {
		n = 0
	}
	if n > 1<<slotBits {
		n = 1 << slotBits
	}
	s := &Service{
		log:   log.Named("timers"),
		slots: make([]slot, n),
		free:  make([]int, 0, n),
	}
	for i := n - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}
	return s
}

// ArmWake runs wake once after d on its own goroutine. The slot is freed
// before wake is called, so wake may arm a new timer.
func (s *Service) ArmWake(d time.Duration, wake func()) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.free)
	if n == 0 {
		return NoHandle, fmt.Errorf("arm %s: %w", d, ErrNoTimers)
	}
	i := s.free[n-1]
	s.free = s.free[:n-1]

	s.gen++
	h := makeHandle(i, s.gen)
	s.slots[i] = slot{
		gen: s.gen,
		t: time.AfterFunc(d, func() {
			if !s.fired(h) {
				return // released before firing
			}
			wake()
		}),
	}

	s.log.Debug("timer armed", zap.Int64("handle", int64(h)), zap.Duration("after", d))
	return h, nil
}

// fired frees h if it is still armed.
func (s *Service) fired(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armedLocked(h) {
		return false
	}
	s.slots[h.slot()] = slot{}
	s.free = append(s.free, h.slot())
	return true
}

func (s *Service) armedLocked(h Handle) bool {
	if h < 0 || h.slot() >= len(s.slots) {
		return false
	}
	sl := s.slots[h.slot()]
	return sl.t != nil && sl.gen == h.gen()
}

// Release stops h and frees its slot. Releasing a fired, released or
// unknown handle is a no-op.
func (s *Service) Release(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armedLocked(h) {
		return
	}
	s.slots[h.slot()].t.Stop()
	s.slots[h.slot()] = slot{}
	s.free = append(s.free, h.slot())
	s.log.Debug("timer released", zap.Int64("handle", int64(h)))
}

// Armed returns the number of timers currently armed.
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) - len(s.free)
}
