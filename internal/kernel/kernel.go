// Package kernel wires the scheduler to its collaborators and drives it
// from a periodic tick.
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/edirooss/tinysched/internal/hal"
	"github.com/edirooss/tinysched/internal/proc"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/edirooss/tinysched/internal/sysent"
	"github.com/edirooss/tinysched/internal/timers"
	"go.uber.org/zap"
)

// Config sizes the kernel.
type Config struct {
	Sched      sched.Config
	WakeTimers int // wake timer slots
	KStacks    int // kernel stack slots, idle thread included
}

// Kernel owns one scheduler and everything it talks to.
type Kernel struct {
	log *zap.Logger

	Sched  *sched.Scheduler
	Timers *timers.Service
	HAL    *hal.Soft
	Procs  *proc.Table
	Sys    *sysent.Dispatcher

	sig   chan struct{}
	ticks atomic.Uint64
}

// New builds the kernel. Nothing runs until Run.
func New(log *zap.Logger, cfg Config) (*Kernel, error) {
	if cfg.KStacks <= 0 {
		cfg.KStacks = cfg.Sched.MaxThreads
	}

	k := &Kernel{
		log:    log.Named("kernel"),
		Timers: timers.New(log, cfg.WakeTimers),
		HAL:    hal.NewSoft(log, cfg.KStacks),
		Procs:  proc.NewTable(log, 0),
		sig:    make(chan struct{}, 1), // coalescing wake-up
	}

	s, err := sched.New(log, cfg.Sched, k.HAL,
		sched.WithWakeTimers(k.Timers),
		sched.WithProcessNotifier(k.Procs))
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	k.Sched = s
	k.Procs.Bind(s)
	k.Sys = sysent.NewDispatcher(log, s)
	return k, nil
}

// Run ticks the scheduler at its configured rate until ctx ends.
func (k *Kernel) Run(ctx context.Context) error {
	period := time.Second / time.Duration(k.Sched.HZ())
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	k.log.Info("tick loop started", zap.Duration("period", period))
	for {
		select {
		case <-ctx.Done():
			k.log.Info("tick loop stopped", zap.Uint64("ticks", k.ticks.Load()))
			return nil
		case <-ticker.C:
			k.Sched.Tick()
			k.ticks.Add(1)
		case <-k.sig:
			k.Sched.Switch()
		}
	}
}

// Kick asks the tick loop for an extra selection. Kicks coalesce.
func (k *Kernel) Kick() {
	select {
	case k.sig <- struct{}{}:
	default:
	}
}

// Ticks returns the number of clock ticks run so far.
func (k *Kernel) Ticks() uint64 { return k.ticks.Load() }

// CreateThread creates a thread and, when its parent belongs to a
// process, records it in that process.
func (k *Kernel) CreateThread(attr sched.Attr) (sched.ThreadID, error) {
	id, err := k.Sched.Create(attr)
	if err != nil {
		return sched.NoThread, err
	}
	if owner, err := k.Sched.Owner(id); err == nil && owner != 0 {
		if err := k.Procs.Track(owner, id); err != nil {
			k.log.Warn("untracked thread", zap.Int("tid", int(id)), zap.Int64("pid", owner), zap.Error(err))
		}
	}
	k.Kick()
	return id, nil
}

// Fork duplicates id into a new process owned by a child of id's owner.
func (k *Kernel) Fork(ctx context.Context, id sched.ThreadID) (proc.Process, error) {
	owner, err := k.Sched.Owner(id)
	if err != nil {
		return proc.Process{}, fmt.Errorf("fork: %w", err)
	}
	p, err := k.Procs.Fork(ctx, owner, id)
	if err != nil {
		return proc.Process{}, err
	}
	k.Kick()
	return p, nil
}
