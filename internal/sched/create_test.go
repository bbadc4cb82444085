package sched

import (
	"testing"

	"github.com/edirooss/tinysched/internal/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNew_InstallsIdleThread(t *testing.T) {
	s := newTestScheduler(t, 4)

	idle, err := s.Thread(IdleThread)
	require.NoError(t, err)
	assert.Equal(t, "ready", idle.State)
	assert.Equal(t, PriorityIdle, idle.BasePriority)
	assert.Equal(t, NoThread, idle.Parent)
	assert.Contains(t, idle.Flags, "kworker")
	assert.Equal(t, IdleEntry, idle.PC)

	assert.Equal(t, IdleThread, s.Switch())
	requireConsistent(t, s)
}

func TestNew_Rejects(t *testing.T) {
	log := zaptest.NewLogger(t)
	_, err := New(log, Config{MaxThreads: 1}, hal.NewSoft(log, 1))
	require.Error(t, err)
	_, err = New(log, Config{MaxThreads: 4}, nil)
	require.Error(t, err)
}

func TestCreate_CapacityThenExhausted(t *testing.T) {
	s := newTestScheduler(t, 4)

	var ids []ThreadID
	for range 3 {
		ids = append(ids, mustCreate(t, s, PriorityNormal, NoThread))
	}
	_, err := s.Create(Attr{Priority: PriorityNormal, Parent: NoThread})
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, s.Terminate(ids[1]))
	id := mustCreate(t, s, PriorityNormal, NoThread)
	assert.Equal(t, ids[1], id)
	requireConsistent(t, s)
}

func TestCreate_ContextExhaustionReleasesID(t *testing.T) {
	log := zaptest.NewLogger(t)
	// Two kernel stacks: one for idle, one for the first thread.
	s, err := New(log, Config{MaxThreads: 8}, hal.NewSoft(log, 2))
	require.NoError(t, err)

	mustCreate(t, s, PriorityNormal, NoThread)
	free := s.ids.available()

	_, err = s.Create(Attr{Priority: PriorityNormal, Parent: NoThread})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, free, s.ids.available())
}

func TestCreate_Validation(t *testing.T) {
	s := newTestScheduler(t, 4)

	_, err := s.Create(Attr{Priority: PriorityError, Parent: NoThread})
	require.ErrorIs(t, err, ErrBadPriority)
	_, err = s.Create(Attr{Priority: Priority(7), Parent: NoThread})
	require.ErrorIs(t, err, ErrBadPriority)
	_, err = s.Create(Attr{Priority: PriorityNormal, Parent: 3})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_InitialState(t *testing.T) {
	s := newTestScheduler(t, 4)
	id, err := s.Create(Attr{
		Entry:    0x8000,
		Arg:      42,
		Stack:    hal.Stack{Addr: 0x10000, Size: 0x1000},
		Priority: PriorityHigh,
		Parent:   NoThread,
	})
	require.NoError(t, err)

	info, err := s.Thread(id)
	require.NoError(t, err)
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, PriorityHigh, info.Priority)
	assert.Equal(t, 4+int(PriorityHigh), info.TimeSlice)
	assert.Equal(t, uintptr(0x8000), info.PC)
	assert.Equal(t, uintptr(0x11000), info.SP)
	assert.Equal(t, int64(0), info.Owner)

	s.mu.Lock()
	assert.Equal(t, uintptr(42), s.table[id].ctx.ReturnValue())
	s.mu.Unlock()
}

func TestCreate_ChildChainOrder(t *testing.T) {
	s := newTestScheduler(t, 8)
	p := mustCreate(t, s, PriorityNormal, NoThread)
	require.NoError(t, s.SetOwner(p, 7))

	a := mustCreate(t, s, PriorityNormal, p)
	b := mustCreate(t, s, PriorityLow, p)
	c := mustCreate(t, s, PriorityHigh, p)

	info, err := s.Thread(p)
	require.NoError(t, err)
	assert.Equal(t, []ThreadID{a, b, c}, info.Children)

	owner, err := s.Owner(b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), owner)
	requireConsistent(t, s)
}

func TestDuplicate(t *testing.T) {
	s := newTestScheduler(t, 8)
	src := mustCreate(t, s, PriorityAboveNormal, NoThread)
	require.NoError(t, s.SetOwner(src, 3))
	older := mustCreate(t, s, PriorityNormal, src)

	s.mu.Lock()
	s.table[src].ctx.Frame.PC = 0x9000
	s.table[src].ctx.Frame.R[0] = 0x77
	s.mu.Unlock()

	dup, err := s.Duplicate(src)
	require.NoError(t, err)
	assert.NotEqual(t, src, dup)

	info, err := s.Thread(dup)
	require.NoError(t, err)
	assert.Equal(t, "new", info.State, "duplicate must not be ready before SetExec")
	assert.Equal(t, PriorityAboveNormal, info.BasePriority)
	assert.Equal(t, int64(3), info.Owner)
	assert.Equal(t, src, info.Parent)
	assert.Empty(t, info.Children)
	assert.Equal(t, uintptr(0x9004), info.PC)

	s.mu.Lock()
	assert.Equal(t, uintptr(0), s.table[dup].ctx.ReturnValue())
	assert.Equal(t, -1, s.ready.find(dup))
	s.mu.Unlock()

	parent, err := s.Thread(src)
	require.NoError(t, err)
	assert.Equal(t, []ThreadID{older, dup}, parent.Children)
	requireConsistent(t, s)

	require.NoError(t, s.SetExec(dup))
	info, err = s.Thread(dup)
	require.NoError(t, err)
	assert.Equal(t, "ready", info.State)
	requireConsistent(t, s)
}

func TestDuplicate_Rejects(t *testing.T) {
	s := newTestScheduler(t, 4)
	_, err := s.Duplicate(2)
	require.ErrorIs(t, err, ErrNotFound)

	p := mustCreate(t, s, PriorityNormal, NoThread)
	c := mustCreate(t, s, PriorityNormal, p)
	require.NoError(t, s.Terminate(c))
	_, err = s.Duplicate(c)
	require.ErrorIs(t, err, ErrInvalidState)
}
