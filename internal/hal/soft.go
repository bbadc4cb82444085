package hal

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNoKStack is returned when every kernel stack slot is taken.
var ErrNoKStack = errors.New("no free kernel stack")

// Soft is a software HAL: execution contexts are plain register files and
// kernel stacks come from a fixed pool.
type Soft struct {
	log    *zap.Logger
	stacks *kstackPool
}

// NewSoft returns a HAL with kstacks kernel stack slots.
func NewSoft(log *zap.Logger, kstacks int) *Soft {
	return &Soft{
		log:    log.Named("hal"),
		stacks: newKStackPool(kstacks),
	}
}

// InitContext builds the first frame of a new thread: it starts at entry
// with arg in r0 and the stack pointer at the top of stack.
func (h *Soft) InitContext(owner int, entry, arg uintptr, stack Stack, kworker bool) (*Context, error) {
	slot, ok := h.stacks.tryAcquire(owner)
	if !ok {
		return nil, fmt.Errorf("thread %d: %w", owner, ErrNoKStack)
	}

	ctx := &Context{Owner: owner, KStack: slot}
	ctx.Frame.R[0] = arg
	ctx.Frame.SP = stack.Top()
	ctx.Frame.PC = entry
	ctx.Frame.Mode = ModeUser
	if kworker {
		ctx.Frame.Mode = ModeSystem
	}

	h.log.Debug("context initialized",
		zap.Int("tid", owner), zap.Int("kstack", slot), zap.Stringer("mode", ctx.Frame.Mode))
	return ctx, nil
}

// ForkContext copies src for the new owner. The copy returns 0 from the
// trapping call and resumes after it.
func (h *Soft) ForkContext(owner int, src *Context) (*Context, error) {
	if src == nil {
		return nil, fmt.Errorf("fork for thread %d: nil source context", owner)
	}

	slot, ok := h.stacks.tryAcquire(owner)
	if !ok {
		return nil, fmt.Errorf("thread %d: %w", owner, ErrNoKStack)
	}

	ctx := &Context{Owner: owner, KStack: slot, Frame: src.Frame}
	ctx.Frame.R[0] = 0
	ctx.Frame.PC += trapInsnSize

	h.log.Debug("context forked",
		zap.Int("tid", owner), zap.Int("from", src.Owner), zap.Int("kstack", slot))
	return ctx, nil
}

// ReleaseContext returns the kernel stack held by c.
func (h *Soft) ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	h.stacks.release(c.Owner)
}

// KStacks reports (in use, capacity).
func (h *Soft) KStacks() (int, int) {
	return h.stacks.current(), h.stacks.capacity()
}
