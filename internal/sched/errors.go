package sched

import "errors"

var (
	// ErrNotFound: the thread id is not in use.
	ErrNotFound = errors.New("thread not found")
	// ErrInvalidState: the operation is not legal in the thread's current state.
	ErrInvalidState = errors.New("invalid thread state")
	// ErrExhausted: no thread id or execution context could be allocated.
	ErrExhausted = errors.New("thread resources exhausted")
)
