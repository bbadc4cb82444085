package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/edirooss/tinysched/internal/hal"
	"github.com/edirooss/tinysched/internal/timers"
	"go.uber.org/zap"
)

// ProcessNotifier is told when a thread owned by a process is reclaimed.
type ProcessNotifier interface {
	ThreadRemoved(pid int64, id ThreadID)
}

// WakeTimers arms the one-shot timers behind timed sleeps.
type WakeTimers interface {
	ArmWake(d time.Duration, wake func()) (timers.Handle, error)
	Release(h timers.Handle)
}

// HAL builds and tears down execution contexts.
type HAL interface {
	InitContext(owner int, entry, arg uintptr, stack hal.Stack, kworker bool) (*hal.Context, error)
	ForkContext(owner int, src *hal.Context) (*hal.Context, error)
	ReleaseContext(c *hal.Context)
}

// Config sizes the scheduler.
type Config struct {
	MaxThreads    int           // thread table size, idle thread included
	HZ            int           // scheduler ticks per second
	LoadAvgPeriod time.Duration // 5s or 11s
	TraceSize     int           // trace ring capacity
}

func (c *Config) setDefaults() {
	if c.MaxThreads <= 0 {
		c.MaxThreads = 16
	}
	if c.HZ <= 0 {
		c.HZ = 100
	}
	if c.LoadAvgPeriod <= 0 {
		c.LoadAvgPeriod = 5 * time.Second
	}
	if c.TraceSize <= 0 {
		c.TraceSize = 256
	}
}

// IdleEntry is the entry address installed for the idle thread.
const IdleEntry uintptr = 0x1000

// idleStack is sized for one software plus one hardware frame.
var idleStack = hal.Stack{Addr: 0x2000, Size: 0x100}

// Scheduler owns the thread table and everything derived from it.
//
// Concurrency model
//   - mu guards the table, the ready heap, the pending-reap set and the
//     current thread as a single critical region.
//   - Sleepers park on cond (bound to mu) until their wait flag clears.
//   - Yielders that asked to wait park on switched, broadcast by every
//     selection.
//   - The load average has its own reader/writer lock.
//   - Collaborators (HAL, timers, process table) are called with mu held
//     and must not call back into the scheduler synchronously.
type Scheduler struct {
	log *zap.Logger
	cfg Config

	hal    HAL
	timers WakeTimers
	procs  ProcessNotifier

	mu       sync.Mutex
	cond     *sync.Cond
	switched *sync.Cond
	table    []Thread
	ready    *readyHeap
	ids      *idAllocator
	reap     map[ThreadID]struct{} // detached zombies awaiting collection
	current  ThreadID

	nrThreads int
	switches  uint64
	penalties uint64
	reaped    uint64

	loadavg *LoadAvg
	trace   *traceRing
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithProcessNotifier sets the receiver of thread removal notifications.
func WithProcessNotifier(p ProcessNotifier) Option {
	return func(s *Scheduler) { s.procs = p }
}

// WithWakeTimers sets the timer service used by SleepFor.
func WithWakeTimers(t WakeTimers) Option {
	return func(s *Scheduler) { s.timers = t }
}

// New builds the scheduler and installs the idle thread as thread 0.
func New(log *zap.Logger, cfg Config, h HAL, opts ...Option) (*Scheduler, error) {
	cfg.setDefaults()
	if cfg.MaxThreads < 2 {
		return nil, fmt.Errorf("max threads %d: need room for the idle thread and one more", cfg.MaxThreads)
	}
	if h == nil {
		return nil, fmt.Errorf("nil HAL")
	}

	la, err := NewLoadAvg(cfg.LoadAvgPeriod, cfg.HZ)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		log:     log.Named("sched"),
		cfg:     cfg,
		hal:     h,
		procs:   nopNotifier{},
		table:   make([]Thread, cfg.MaxThreads),
		ready:   newReadyHeap(),
		ids:     newIDAllocator(cfg.MaxThreads),
		reap:    make(map[ThreadID]struct{}),
		current: IdleThread,
		loadavg: la,
		trace:   newTraceRing(cfg.TraceSize),
	}
	s.cond = sync.NewCond(&s.mu)
	s.switched = sync.NewCond(&s.mu)
	for i := range s.table {
		s.table[i].id = ThreadID(i)
		s.table[i].reset()
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initThreadLocked(IdleThread, Attr{
		Entry:    IdleEntry,
		Stack:    idleStack,
		Priority: PriorityIdle,
		Parent:   NoThread,
		KWorker:  true,
	}); err != nil {
		return nil, fmt.Errorf("idle thread: %w", err)
	}

	s.log.Info("scheduler initialized",
		zap.Int("max_threads", cfg.MaxThreads),
		zap.Int("hz", cfg.HZ),
		zap.Duration("loadavg_period", cfg.LoadAvgPeriod))
	return s, nil
}

// lookupLocked returns the in-use block for id.
func (s *Scheduler) lookupLocked(id ThreadID) (*Thread, error) {
	if id < 0 || int(id) >= len(s.table) {
		return nil, fmt.Errorf("thread %d: %w", id, ErrNotFound)
	}
	t := &s.table[id]
	if t.flags&FlagInUse == 0 {
		return nil, fmt.Errorf("thread %d: %w", id, ErrNotFound)
	}
	return t, nil
}

// MaxThreads returns the thread table size.
func (s *Scheduler) MaxThreads() int { return s.cfg.MaxThreads }

// HZ returns the configured tick rate.
func (s *Scheduler) HZ() int { return s.cfg.HZ }

// LoadAvg returns the 1/5/15 minute load averages scaled by 100.
func (s *Scheduler) LoadAvg() [3]uint32 { return s.loadavg.Get() }

type nopNotifier struct{}

func (nopNotifier) ThreadRemoved(int64, ThreadID) {}
