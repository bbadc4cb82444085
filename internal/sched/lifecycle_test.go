package sched

import (
	"context"
	"testing"
	"time"

	"github.com/edirooss/tinysched/internal/timers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func requireState(t *testing.T, s *Scheduler, id ThreadID, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := s.Thread(id)
		return err == nil && info.State == state
	}, 2*time.Second, time.Millisecond, "thread %d never reached %s", id, state)
}

func requireGone(t *testing.T, s *Scheduler, id ThreadID) {
	t.Helper()
	_, err := s.Thread(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSleep_SetExecWakes(t *testing.T) {
	s := newTestScheduler(t, 4)
	id := mustCreate(t, s, PriorityNormal, NoThread)

	done := make(chan error, 1)
	go func() { done <- s.Sleep(context.Background(), id, false) }()

	requireState(t, s, id, "waiting")
	requireConsistent(t, s)
	info, _ := s.Thread(id)
	assert.Equal(t, PriorityError, info.Priority)
	assert.Equal(t, int32(1), info.WaitCount)

	require.NoError(t, s.SetExec(id))
	require.NoError(t, <-done)

	info, _ = s.Thread(id)
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, PriorityNormal, info.Priority)
	assert.Equal(t, int32(0), info.WaitCount)
	requireConsistent(t, s)
}

func TestSleep_PermanentIgnoresSetExec(t *testing.T) {
	s := newTestScheduler(t, 4)
	id := mustCreate(t, s, PriorityNormal, NoThread)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Sleep(ctx, id, true) }()
	requireState(t, s, id, "waiting")

	require.NoError(t, s.SetExec(id))
	info, _ := s.Thread(id)
	assert.Equal(t, "waiting", info.State)
	assert.Equal(t, int32(-1), info.WaitCount)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	info, _ = s.Thread(id)
	assert.Equal(t, "waiting", info.State, "cancelled sleeper stays asleep")
	requireConsistent(t, s)
}

func TestSleep_TerminatedWhileAsleep(t *testing.T) {
	s := newTestScheduler(t, 4)
	id := mustCreate(t, s, PriorityNormal, NoThread)

	done := make(chan error, 1)
	go func() { done <- s.Sleep(context.Background(), id, false) }()
	requireState(t, s, id, "waiting")

	require.NoError(t, s.Terminate(id))
	require.ErrorIs(t, <-done, ErrInvalidState)
	requireGone(t, s, id)
}

func TestSleep_Rejects(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()
	require.ErrorIs(t, s.Sleep(ctx, 3, false), ErrNotFound)
	require.ErrorIs(t, s.Sleep(ctx, IdleThread, false), ErrInvalidState)
}

func TestSetExec(t *testing.T) {
	s := newTestScheduler(t, 4)
	require.ErrorIs(t, s.SetExec(2), ErrNotFound)

	id := mustCreate(t, s, PriorityNormal, NoThread)
	require.NoError(t, s.SetExec(id), "already ready is a no-op")
	requireConsistent(t, s)
}

func TestSleepFor_TimerWakes(t *testing.T) {
	ts := timers.New(zaptest.NewLogger(t), 2)
	s := newTestScheduler(t, 4, WithWakeTimers(ts))
	id := mustCreate(t, s, PriorityNormal, NoThread)

	start := time.Now()
	require.NoError(t, s.SleepFor(context.Background(), id, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	info, _ := s.Thread(id)
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, 0, ts.Armed())
	requireConsistent(t, s)
}

func TestSleepFor_RemovalReleasesTimer(t *testing.T) {
	ts := timers.New(zaptest.NewLogger(t), 2)
	s := newTestScheduler(t, 4, WithWakeTimers(ts))
	id := mustCreate(t, s, PriorityNormal, NoThread)

	done := make(chan error, 1)
	go func() { done <- s.SleepFor(context.Background(), id, time.Hour) }()
	requireState(t, s, id, "waiting")
	assert.Equal(t, 1, ts.Armed())

	require.NoError(t, s.Terminate(id))
	require.ErrorIs(t, <-done, ErrInvalidState)
	assert.Equal(t, 0, ts.Armed())
}

func TestSleepFor_EarlyWakeReleasesTimer(t *testing.T) {
	ts := timers.New(zaptest.NewLogger(t), 1)
	s := newTestScheduler(t, 4, WithWakeTimers(ts))
	id := mustCreate(t, s, PriorityNormal, NoThread)

	done := make(chan error, 1)
	go func() { done <- s.SleepFor(context.Background(), id, time.Hour) }()
	requireState(t, s, id, "waiting")

	require.NoError(t, s.SetExec(id))
	require.NoError(t, <-done)
	assert.Equal(t, 0, ts.Armed())
}

func TestSleepFor_NoTimers(t *testing.T) {
	s := newTestScheduler(t, 4)
	id := mustCreate(t, s, PriorityNormal, NoThread)
	require.ErrorIs(t, s.SleepFor(context.Background(), id, time.Millisecond), ErrNoTimers)

	ts := timers.New(zaptest.NewLogger(t), 0)
	s = newTestScheduler(t, 4, WithWakeTimers(ts))
	id = mustCreate(t, s, PriorityNormal, NoThread)
	require.ErrorIs(t, s.SleepFor(context.Background(), id, time.Millisecond), ErrExhausted)
	requireConsistent(t, s)
}

func TestTerminate_TwiceNoDoubleRelease(t *testing.T) {
	s := newTestScheduler(t, 4)
	root := mustCreate(t, s, PriorityNormal, NoThread)

	require.NoError(t, s.Terminate(root))
	free := s.ids.available()
	require.ErrorIs(t, s.Terminate(root), ErrInvalidState)
	assert.Equal(t, free, s.ids.available())

	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)
	require.NoError(t, s.Terminate(c))
	info, err := s.Thread(c)
	require.NoError(t, err)
	assert.Equal(t, "zombie", info.State, "joinable child stays until reclaimed")
	require.ErrorIs(t, s.Terminate(c), ErrInvalidState)
	requireConsistent(t, s)
}

func TestTerminate_Protected(t *testing.T) {
	s := newTestScheduler(t, 4)
	require.ErrorIs(t, s.Terminate(IdleThread), ErrInvalidState)
	require.ErrorIs(t, s.Terminate(3), ErrInvalidState)
	require.ErrorIs(t, s.Terminate(99), ErrInvalidState)

	kw, err := s.Create(Attr{Priority: PriorityHigh, Parent: NoThread, KWorker: true})
	require.NoError(t, err)
	require.ErrorIs(t, s.Terminate(kw), ErrInvalidState)
}

func TestTerminate_Recursive(t *testing.T) {
	s := newTestScheduler(t, 8)
	root := mustCreate(t, s, PriorityNormal, NoThread)
	a := mustCreate(t, s, PriorityNormal, root)
	b := mustCreate(t, s, PriorityNormal, root)
	aa := mustCreate(t, s, PriorityNormal, a)
	kw, err := s.Create(Attr{Priority: PriorityNormal, Parent: b, KWorker: true})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(root))

	for _, id := range []ThreadID{root, a, b, aa} {
		requireGone(t, s, id)
	}
	info, err := s.Thread(kw)
	require.NoError(t, err)
	assert.Equal(t, NoThread, info.Parent, "worker is orphaned, not killed")
	assert.Equal(t, "ready", info.State)
	requireConsistent(t, s)
}

func TestTerminate_ZombieChildReclaimedWithParent(t *testing.T) {
	s := newTestScheduler(t, 8)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)
	require.NoError(t, s.Terminate(c))

	require.NoError(t, s.Terminate(p))
	requireGone(t, s, p)
	requireGone(t, s, c)
	assert.Equal(t, 7, s.ids.available())
	requireConsistent(t, s)
}

func TestTerminate_NotifiesProcess(t *testing.T) {
	rec := &recordingNotifier{}
	s := newTestScheduler(t, 4, WithProcessNotifier(rec))
	kernel := mustCreate(t, s, PriorityNormal, NoThread)
	user := mustCreate(t, s, PriorityNormal, NoThread)
	require.NoError(t, s.SetOwner(user, 9))

	require.NoError(t, s.Terminate(kernel))
	require.NoError(t, s.Terminate(user))
	assert.Equal(t, []ThreadID{user}, rec.removed)
	assert.Equal(t, []int64{9}, rec.pids)
}

func TestDetach_ZombieReapedBySwitch(t *testing.T) {
	s := newTestScheduler(t, 4)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)
	require.NoError(t, s.Terminate(c))

	require.NoError(t, s.Detach(c))
	assert.Equal(t, 1, s.Stats().PendingReap)

	s.Switch()
	requireGone(t, s, c)
	assert.Equal(t, 0, s.Stats().PendingReap)
	info, _ := s.Thread(p)
	assert.Empty(t, info.Children)

	require.ErrorIs(t, s.Detach(c), ErrNotFound)
}

func TestDetach_ThenTerminateReclaimsAtOnce(t *testing.T) {
	s := newTestScheduler(t, 4)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)
	require.NoError(t, s.Detach(c))
	require.NoError(t, s.Terminate(c))
	requireGone(t, s, c)
}

func TestDieJoin(t *testing.T) {
	s := newTestScheduler(t, 4)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)

	died := make(chan error, 1)
	go func() { died <- s.Die(context.Background(), c, 0xbeef) }()

	rv, err := s.Join(context.Background(), p, c)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0xbeef), rv)
	require.NoError(t, <-died)
	requireGone(t, s, c)
	requireConsistent(t, s)
}

func TestJoin_Rejects(t *testing.T) {
	s := newTestScheduler(t, 8)
	ctx := context.Background()
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)
	other := mustCreate(t, s, PriorityNormal, NoThread)

	_, err := s.Join(ctx, other, c)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = s.Join(ctx, p, 7)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Join(ctx, NoThread, other)
	require.ErrorIs(t, err, ErrNotFound, "root threads have no joiner")
	_, err = s.Join(ctx, 6, c)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Detach(c))
	_, err = s.Join(ctx, p, c)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestJoin_DetachWhileWaiting(t *testing.T) {
	s := newTestScheduler(t, 4)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)

	joined := make(chan error, 1)
	go func() {
		_, err := s.Join(context.Background(), p, c)
		joined <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Detach(c))
	require.ErrorIs(t, <-joined, ErrInvalidState)
}

func TestJoin_ContextCancelled(t *testing.T) {
	s := newTestScheduler(t, 4)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Join(ctx, p, c)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDie_DetachedReapedBySwitch(t *testing.T) {
	s := newTestScheduler(t, 4)
	id := mustCreate(t, s, PriorityNormal, NoThread)

	died := make(chan error, 1)
	go func() { died <- s.Die(context.Background(), id, 1) }()
	requireState(t, s, id, "zombie")
	requireConsistent(t, s)

	s.Switch()
	require.NoError(t, <-died)
	requireGone(t, s, id)
}

func TestDie_Rejects(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()
	require.ErrorIs(t, s.Die(ctx, IdleThread, 0), ErrInvalidState)
	require.ErrorIs(t, s.Die(ctx, 2, 0), ErrNotFound)
}

func TestExit_DoesNotBlock(t *testing.T) {
	s := newTestScheduler(t, 4)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)

	require.NoError(t, s.Exit(c, 5))
	requireState(t, s, c, "zombie")
	require.ErrorIs(t, s.Exit(c, 6), ErrInvalidState)
	require.ErrorIs(t, s.Exit(7, 0), ErrNotFound)

	s.Switch() // a joinable zombie is not reaped by selection
	requireState(t, s, c, "zombie")

	rv, err := s.Join(context.Background(), p, c)
	require.NoError(t, err)
	assert.Equal(t, uintptr(5), rv)
	requireGone(t, s, c)
	requireConsistent(t, s)
}

func TestReclaim(t *testing.T) {
	s := newTestScheduler(t, 8)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)
	gc := mustCreate(t, s, PriorityNormal, c)

	require.NoError(t, s.Reclaim(c))
	requireGone(t, s, c)
	requireGone(t, s, gc)
	requireState(t, s, p, "ready")

	z := mustCreate(t, s, PriorityNormal, p)
	require.NoError(t, s.Exit(z, 0))
	require.NoError(t, s.Reclaim(z))
	s.Switch()
	requireGone(t, s, z)

	require.ErrorIs(t, s.Reclaim(IdleThread), ErrInvalidState)
	require.ErrorIs(t, s.Reclaim(7), ErrNotFound)
	requireConsistent(t, s)
}

func TestYield_DemotesRoot(t *testing.T) {
	s := newTestScheduler(t, 4)
	a := mustCreate(t, s, PriorityNormal, NoThread)
	b := mustCreate(t, s, PriorityLow, NoThread)

	require.Equal(t, a, s.Switch())
	require.NoError(t, s.Yield(context.Background(), a, false))

	info, _ := s.Thread(a)
	assert.Equal(t, PriorityIdle, info.Priority)
	assert.Equal(t, PriorityNormal, info.BasePriority)
	assert.Equal(t, b, s.Switch())

	// Not the root: nothing changes.
	require.NoError(t, s.Yield(context.Background(), a, false))
	info, _ = s.Thread(a)
	assert.Equal(t, PriorityIdle, info.Priority)
	requireConsistent(t, s)
}

func TestYield_AloneStillSelectedOverIdle(t *testing.T) {
	s := newTestScheduler(t, 4)
	a := mustCreate(t, s, PriorityNormal, NoThread)

	require.Equal(t, a, s.Switch())
	require.NoError(t, s.Yield(context.Background(), a, false))
	for i := 0; i < 50; i++ {
		require.Equal(t, a, s.Switch(), "pick %d", i)
	}
	requireConsistent(t, s)
}

func TestYield_WaitsForSelection(t *testing.T) {
	s := newTestScheduler(t, 4)
	a := mustCreate(t, s, PriorityNormal, NoThread)

	done := make(chan error, 1)
	go func() { done <- s.Yield(context.Background(), a, true) }()

	select {
	case <-done:
		t.Fatal("yield returned before any selection")
	case <-time.After(10 * time.Millisecond):
	}
	s.Switch()
	require.NoError(t, <-done)
}

func TestPriority_AppliedOnAdmission(t *testing.T) {
	s := newTestScheduler(t, 4)
	id := mustCreate(t, s, PriorityNormal, NoThread)

	require.NoError(t, s.SetPriority(id, PriorityHigh))
	p, err := s.GetPriority(id)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	info, _ := s.Thread(id)
	assert.Equal(t, PriorityNormal, info.Priority)

	done := make(chan error, 1)
	go func() { done <- s.Sleep(context.Background(), id, false) }()
	requireState(t, s, id, "waiting")
	require.NoError(t, s.SetExec(id))
	require.NoError(t, <-done)

	info, _ = s.Thread(id)
	assert.Equal(t, PriorityHigh, info.Priority)
	assert.Equal(t, 4+int(PriorityHigh), info.TimeSlice)

	require.ErrorIs(t, s.SetPriority(id, PriorityError), ErrBadPriority)
	require.ErrorIs(t, s.SetPriority(3, PriorityLow), ErrNotFound)
	_, err = s.GetPriority(3)
	require.ErrorIs(t, err, ErrNotFound)
}
