package sysent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edirooss/tinysched/internal/proc"
	"github.com/edirooss/tinysched/internal/sched"
)

// Code is a syscall number: group (major) in the high byte, call
// (minor) in the low 24 bits.
type Code uint32

const minorBits = 24

// Syscall groups.
const (
	GroupSched  = 0x1
	GroupThread = 0x2
)

func mmToCode(major, minor uint32) Code { return Code(major<<minorBits | minor) }

// Major returns the group of c.
func (c Code) Major() uint32 { return uint32(c) >> minorBits }

// Minor returns the call number within the group.
func (c Code) Minor() uint32 { return uint32(c) & (1<<minorBits - 1) }

var (
	SchedGetLoadavg   = mmToCode(GroupSched, 0x00)
	ThreadCreate      = mmToCode(GroupThread, 0x00)
	ThreadDie         = mmToCode(GroupThread, 0x01)
	ThreadDetach      = mmToCode(GroupThread, 0x02)
	ThreadJoin        = mmToCode(GroupThread, 0x03)
	ThreadSleepMS     = mmToCode(GroupThread, 0x04)
	ThreadSetPriority = mmToCode(GroupThread, 0x07)
	ThreadGetPriority = mmToCode(GroupThread, 0x08)
)

var codeNames = map[Code]string{
	SchedGetLoadavg:   "sched_get_loadavg",
	ThreadCreate:      "thread_create",
	ThreadDie:         "thread_die",
	ThreadDetach:      "thread_detach",
	ThreadJoin:        "thread_join",
	ThreadSleepMS:     "thread_sleep_ms",
	ThreadSetPriority: "thread_setpriority",
	ThreadGetPriority: "thread_getpriority",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("syscall(%#x)", uint32(c))
}

// ParseCode accepts a call name ("thread_join") or a number ("0x2000003").
func ParseCode(s string) (Code, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range codeNames {
		if name == s {
			return c, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown syscall %q", s)
	}
	return Code(n), nil
}

// Errno is a positive error number; calls return it negated.
type Errno int32

const (
	EPERM  Errno = 1
	ESRCH  Errno = 3
	EINTR  Errno = 4
	EAGAIN Errno = 11
	EFAULT Errno = 14
	EINVAL Errno = 22
	ENOSYS Errno = 38
)

var errnoNames = map[Errno]string{
	EPERM:  "EPERM",
	ESRCH:  "ESRCH",
	EINTR:  "EINTR",
	EAGAIN: "EAGAIN",
	EFAULT: "EFAULT",
	EINVAL: "EINVAL",
	ENOSYS: "ENOSYS",
}

func (e Errno) String() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return "errno(" + strconv.Itoa(int(e)) + ")"
}

var (
	// ErrFault: the payload is too short or malformed.
	ErrFault = errors.New("bad syscall payload")
	// ErrNoSys: no handler for the code.
	ErrNoSys = errors.New("no such syscall")
)

// ErrnoOf maps an error from the scheduler layers to its errno.
func ErrnoOf(err error) Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrFault):
		return EFAULT
	case errors.Is(err, ErrNoSys):
		return ENOSYS
	case errors.Is(err, sched.ErrNotFound), errors.Is(err, proc.ErrNoProcess):
		return ESRCH
	case errors.Is(err, sched.ErrExhausted), errors.Is(err, proc.ErrNoPID):
		return EAGAIN
	case errors.Is(err, proc.ErrNotOwner):
		return EPERM
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return EINTR
	default:
		return EINVAL
	}
}
