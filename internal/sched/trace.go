package sched

import (
	"sync"
	"time"
)

// EventKind classifies a trace event.
type EventKind uint8

const (
	EventCreate EventKind = iota + 1
	EventFork
	EventExec
	EventSleep
	EventYield
	EventSwitch
	EventPenalty
	EventTerminate
	EventDetach
	EventRemove
)

var eventNames = map[EventKind]string{
	EventCreate:    "create",
	EventFork:      "fork",
	EventExec:      "exec",
	EventSleep:     "sleep",
	EventYield:     "yield",
	EventSwitch:    "switch",
	EventPenalty:   "penalty",
	EventTerminate: "terminate",
	EventDetach:    "detach",
	EventRemove:    "remove",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is one scheduler trace record.
type Event struct {
	Seq      uint64    `json:"seq"`
	Kind     EventKind `json:"kind"`
	TID      ThreadID  `json:"tid"`
	Priority Priority  `json:"priority"`
	At       time.Time `json:"at"`
}

// traceRing is a thread-safe circular buffer of events with O(1) append
// and O(N) read.
type traceRing struct {
	mu      sync.RWMutex // protects all fields
	entries []Event
	head    int // next write position
	size    int
	seq     uint64
}

func newTraceRing(n int) *traceRing {
	if n <= 0 {
		n = 1
	}
	return &traceRing{entries: make([]Event, n)}
}

// append records an event, overwriting the oldest when full.
func (r *traceRing) append(kind EventKind, id ThreadID, p Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capN := len(r.entries)
	r.seq++
	r.entries[r.head] = Event{Seq: r.seq, Kind: kind, TID: id, Priority: p, At: time.Now()}
	r.head = (r.head + 1) % capN
	if r.size < capN {
		r.size++
	}
}

// Read returns the last lines events, newest first. lines <= 0 or larger
// than the ring returns everything held. The slice is owned by the caller.
func (r *traceRing) Read(lines int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	capN := len(r.entries)
	if lines <= 0 || lines > r.size {
		lines = r.size
	}

	out := make([]Event, lines)
	newest := (r.head - 1 + capN) % capN
	for i := range out {
		out[i] = r.entries[(newest-i+capN)%capN]
	}
	return out
}

// Trace returns up to lines recent scheduler events, newest first.
func (s *Scheduler) Trace(lines int) []Event { return s.trace.Read(lines) }
