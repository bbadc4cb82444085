// Package sysent is the syscall table of the scheduler: it decodes the
// fixed-size little-endian argument structs, calls into the scheduler and
// encodes the results.
package sysent

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/edirooss/tinysched/internal/hal"
	"github.com/edirooss/tinysched/internal/sched"
	"go.uber.org/zap"
)

// Scheduler is the part of the scheduler reachable from syscalls.
type Scheduler interface {
	Create(attr sched.Attr) (sched.ThreadID, error)
	Die(ctx context.Context, id sched.ThreadID, retval uintptr) error
	Detach(id sched.ThreadID) error
	Join(ctx context.Context, caller, id sched.ThreadID) (uintptr, error)
	SleepFor(ctx context.Context, id sched.ThreadID, d time.Duration) error
	SetPriority(id sched.ThreadID, p sched.Priority) error
	GetPriority(id sched.ThreadID) (sched.Priority, error)
	LoadAvg() [3]uint32
}

// CreateArgs is the THREAD_CREATE argument struct.
type CreateArgs struct {
	Entry     uint32
	Arg       uint32
	StackAddr uint32
	StackSize uint32
	Priority  int32
}

// SetPriorityArgs is the THREAD_SETPRIORITY argument struct.
type SetPriorityArgs struct {
	ThreadID int32
	Priority int32
}

const (
	ThreadIDSize = 4  // i32
	LoadavgSize  = 12 // 3 x u32
)

// Encode lays out v (a fixed-size value or struct) as a payload.
func Encode(v any) []byte {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Sprintf("sysent: encode %T: %v", v, err))
	}
	return b
}

func decode(in []byte, v any) error {
	if _, err := binary.Decode(in, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrFault)
	}
	return nil
}

type handler func(ctx context.Context, caller sched.ThreadID, in []byte) (int32, []byte, error)

// Dispatcher routes syscall codes to handlers.
type Dispatcher struct {
	log      *zap.Logger
	s        Scheduler
	sysfnmap map[Code]handler
}

// NewDispatcher returns the syscall table for s.
func NewDispatcher(log *zap.Logger, s Scheduler) *Dispatcher {
	d := &Dispatcher{log: log.Named("sysent"), s: s}
	d.sysfnmap = map[Code]handler{
		SchedGetLoadavg:   d.getLoadavg,
		ThreadCreate:      d.create,
		ThreadDie:         d.die,
		ThreadDetach:      d.detach,
		ThreadJoin:        d.join,
		ThreadSleepMS:     d.sleepMS,
		ThreadSetPriority: d.setPriority,
		ThreadGetPriority: d.getPriority,
	}
	return d
}

// Call runs syscall code on behalf of thread caller. It returns the call's
// result (negative errno on failure) and its output payload, if any.
func (d *Dispatcher) Call(ctx context.Context, caller sched.ThreadID, code Code, payload []byte) (int32, []byte) {
	h, ok := d.sysfnmap[code]
	if !ok {
		d.log.Debug("unknown syscall", zap.Stringer("code", code), zap.Int("caller", int(caller)))
		return -int32(ENOSYS), nil
	}

	ret, out, err := h(ctx, caller, payload)
	if err != nil {
		errno := ErrnoOf(err)
		d.log.Debug("syscall failed",
			zap.Stringer("code", code),
			zap.Int("caller", int(caller)),
			zap.Stringer("errno", errno),
			zap.Error(err))
		return -int32(errno), nil
	}
	return ret, out
}

func need(in []byte, n int) error {
	if len(in) < n {
		return fmt.Errorf("payload is %d bytes, want %d: %w", len(in), n, ErrFault)
	}
	return nil
}

func readTID(in []byte) (sched.ThreadID, error) {
	if err := need(in, ThreadIDSize); err != nil {
		return sched.NoThread, err
	}
	return sched.ThreadID(int32(binary.LittleEndian.Uint32(in))), nil
}

func (d *Dispatcher) getLoadavg(_ context.Context, _ sched.ThreadID, _ []byte) (int32, []byte, error) {
	out := make([]byte, 0, LoadavgSize)
	for _, v := range d.s.LoadAvg() {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return 0, out, nil
}

// create starts a child of the caller. The new thread id is the result.
func (d *Dispatcher) create(_ context.Context, caller sched.ThreadID, in []byte) (int32, []byte, error) {
	var a CreateArgs
	if err := decode(in, &a); err != nil {
		return 0, nil, err
	}
	id, err := d.s.Create(sched.Attr{
		Entry:    uintptr(a.Entry),
		Arg:      uintptr(a.Arg),
		Stack:    hal.Stack{Addr: uintptr(a.StackAddr), Size: uintptr(a.StackSize)},
		Priority: sched.Priority(a.Priority),
		Parent:   caller,
	})
	if err != nil {
		return 0, nil, err
	}
	return int32(id), nil, nil
}

// die does not return until the caller has been reclaimed.
func (d *Dispatcher) die(ctx context.Context, caller sched.ThreadID, in []byte) (int32, []byte, error) {
	if err := need(in, 4); err != nil {
		return 0, nil, err
	}
	retval := uintptr(binary.LittleEndian.Uint32(in))
	return 0, nil, d.s.Die(ctx, caller, retval)
}

func (d *Dispatcher) detach(_ context.Context, _ sched.ThreadID, in []byte) (int32, []byte, error) {
	id, err := readTID(in)
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, d.s.Detach(id)
}

// join returns the child's exit value as a u32 payload.
func (d *Dispatcher) join(ctx context.Context, caller sched.ThreadID, in []byte) (int32, []byte, error) {
	id, err := readTID(in)
	if err != nil {
		return 0, nil, err
	}
	rv, err := d.s.Join(ctx, caller, id)
	if err != nil {
		return 0, nil, err
	}
	return 0, binary.LittleEndian.AppendUint32(nil, uint32(rv)), nil
}

func (d *Dispatcher) sleepMS(ctx context.Context, caller sched.ThreadID, in []byte) (int32, []byte, error) {
	if err := need(in, 4); err != nil {
		return 0, nil, err
	}
	ms := binary.LittleEndian.Uint32(in)
	return 0, nil, d.s.SleepFor(ctx, caller, time.Duration(ms)*time.Millisecond)
}

func (d *Dispatcher) setPriority(_ context.Context, _ sched.ThreadID, in []byte) (int32, []byte, error) {
	var a SetPriorityArgs
	if err := decode(in, &a); err != nil {
		return 0, nil, err
	}
	return 0, nil, d.s.SetPriority(sched.ThreadID(a.ThreadID), sched.Priority(a.Priority))
}

// getPriority writes the priority as an i32 payload. It is not folded
// into the result since valid priorities are negative too.
func (d *Dispatcher) getPriority(_ context.Context, _ sched.ThreadID, in []byte) (int32, []byte, error) {
	id, err := readTID(in)
	if err != nil {
		return 0, nil, err
	}
	p, err := d.s.GetPriority(id)
	if err != nil {
		return 0, nil, err
	}
	return 0, binary.LittleEndian.AppendUint32(nil, uint32(int32(p))), nil
}
