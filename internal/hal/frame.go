package hal

import "fmt"

// Mode is the processor mode a context resumes in.
type Mode uint8

const (
	ModeUser Mode = iota
	ModeSystem
)

func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeSystem:
		return "system"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// trapInsnSize is the width of the supervisor call instruction a forked
// context has to step over.
const trapInsnSize = 4

// Stack describes the user stack a thread is started on.
type Stack struct {
	Addr uintptr
	Size uintptr
}

// Top returns the initial stack pointer (full-descending stack).
func (s Stack) Top() uintptr { return s.Addr + s.Size }

// Frame is a saved register file.
type Frame struct {
	R    [13]uintptr // r0..r12
	SP   uintptr
	LR   uintptr
	PC   uintptr
	Mode Mode
}

// Context is the execution context owned by one thread control block.
// The scheduler never looks inside it.
type Context struct {
	Owner  int   // thread id holding the kernel stack
	KStack int   // kernel stack slot
	Frame  Frame // user/system frame restored on resume
}

// ReturnValue is the value the thread observes in r0 when it resumes.
func (c *Context) ReturnValue() uintptr { return c.Frame.R[0] }
