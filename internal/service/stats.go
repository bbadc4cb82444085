package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edirooss/tinysched/internal/proc"
	"github.com/edirooss/tinysched/internal/repo"
	"github.com/edirooss/tinysched/internal/sched"
	"go.uber.org/zap"
)

// ErrNoStore is returned by History when no Redis store is configured.
var ErrNoStore = errors.New("no snapshot store configured")

// SchedSource is the scheduler state a snapshot is taken from.
type SchedSource interface {
	Threads() []sched.ThreadInfo
	Stats() sched.Stats
}

// ProcessSource lists processes.
type ProcessSource interface {
	List() []proc.Process
}

// SnapshotStore persists published snapshots.
type SnapshotStore interface {
	PushLoadAvg(ctx context.Context, s repo.LoadAvgSample) error
	LoadAvgHistory(ctx context.Context, n int) ([]repo.LoadAvgSample, error)
	SaveSnapshot(ctx context.Context, s repo.Snapshot) error
}

type StatsOptions struct {
	// TTL controls how long the in-memory snapshot is served; default 250ms.
	TTL time.Duration
	// PublishTimeout bounds Redis work for a single publish; default 2s.
	PublishTimeout time.Duration
}

func (o *StatsOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
}

// SnapshotResult lets the handler set headers.
type SnapshotResult struct {
	Data        repo.Snapshot
	CacheHit    bool
	GeneratedAt time.Time
}

// StatsService serves thread table snapshots to pollers and publishes them
// to Redis.
type StatsService struct {
	log   *zap.Logger
	sched SchedSource
	procs ProcessSource
	store SnapshotStore // nil: publishing disabled

	mu      sync.RWMutex
	cache   *repo.Snapshot
	expires time.Time

	opts StatsOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewStatsService builds the service. store may be nil.
func NewStatsService(log *zap.Logger, s SchedSource, p ProcessSource, store SnapshotStore, opts StatsOptions) *StatsService {
	opts.setDefaults()
	return &StatsService{
		log:   log.Named("stats_service"),
		sched: s,
		procs: p,
		store: store,
		opts:  opts,
		now:   time.Now,
	}
}

// Get returns the cached snapshot or takes a new one when expired.
// Concurrent refreshes are coalesced.
func (s *StatsService) Get(ctx context.Context) (SnapshotResult, error) {
	if res, ok := s.cached(); ok {
		return res, nil
	}

	v, err, _ := s.sg.Do("snapshot-refresh", func() (any, error) {
		// Double-check freshness after we won the flight
		if res, ok := s.cached(); ok {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap := s.take()
		s.mu.Lock()
		s.cache = &snap
		s.expires = s.now().Add(s.opts.TTL)
		s.mu.Unlock()

		return SnapshotResult{Data: cloneSnapshot(snap), GeneratedAt: snap.At}, nil
	})
	if err != nil {
		return SnapshotResult{}, err
	}
	return v.(SnapshotResult), nil
}

func (s *StatsService) cached() (SnapshotResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache == nil || !s.now().Before(s.expires) {
		return SnapshotResult{}, false
	}
	return SnapshotResult{Data: cloneSnapshot(*s.cache), CacheHit: true, GeneratedAt: s.cache.At}, true
}

func (s *StatsService) take() repo.Snapshot {
	snap := repo.Snapshot{
		At:      s.now(),
		Stats:   s.sched.Stats(),
		Threads: s.sched.Threads(),
	}
	if s.procs != nil {
		snap.Processes = s.procs.List()
	}
	return snap
}

// Invalidate drops the cached snapshot.
func (s *StatsService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.mu.Unlock()
}

// Publish takes a fresh snapshot and stores it together with a load
// average sample.
func (s *StatsService) Publish(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	s.Invalidate()
	res, err := s.Get(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	sample := repo.LoadAvgSample{At: res.GeneratedAt, Load: res.Data.Stats.LoadAvg}
	if err := s.store.PushLoadAvg(ctx, sample); err != nil {
		return fmt.Errorf("push load average: %w", err)
	}
	if err := s.store.SaveSnapshot(ctx, res.Data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Run publishes every interval until ctx ends. Failures are logged and
// retried on the next interval.
func (s *StatsService) Run(ctx context.Context, interval time.Duration) error {
	if s.store == nil || interval <= 0 {
		s.log.Info("publishing disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Publish(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("publish failed", zap.Error(err))
			}
		}
	}
}

// History returns up to n stored load average samples, newest first.
func (s *StatsService) History(ctx context.Context, n int) ([]repo.LoadAvgSample, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.LoadAvgHistory(ctx, n)
}

func cloneSnapshot(in repo.Snapshot) repo.Snapshot {
	out := in
	out.Threads = slices.Clone(in.Threads)
	out.Processes = slices.Clone(in.Processes)
	return out
}
