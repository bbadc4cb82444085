package sched

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Priority is a scheduling tier. Higher values are scheduled sooner.
type Priority int

const (
	PriorityIdle        Priority = -3
	PriorityLow         Priority = -2
	PriorityBelowNormal Priority = -1
	PriorityNormal      Priority = 0
	PriorityAboveNormal Priority = 1
	PriorityHigh        Priority = 2
	PriorityRealtime    Priority = 3

	// PriorityError is out of band: it marks a block that is leaving the
	// ready heap and is never a valid requested priority.
	PriorityError Priority = 0x84
)

// baseTimeSlice is added to the tier value to size a fresh time slice.
const baseTimeSlice = 4

var priorityNames = map[Priority]string{
	PriorityIdle:        "idle",
	PriorityLow:         "low",
	PriorityBelowNormal: "below_normal",
	PriorityNormal:      "normal",
	PriorityAboveNormal: "above_normal",
	PriorityHigh:        "high",
	PriorityRealtime:    "realtime",
	PriorityError:       "error",
}

// Valid reports whether p is one of the requestable tiers.
func (p Priority) Valid() bool {
	return p >= PriorityIdle && p <= PriorityRealtime
}

// Ages reports whether threads at p are penalised once their time slice
// runs out. Realtime, Low and Idle are exempt.
func (p Priority) Ages() bool {
	return p > PriorityLow && p < PriorityRealtime
}

func (p Priority) timeSlice() int { return baseTimeSlice + int(p) }

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// ParsePriority accepts a tier name ("normal", "above_normal") or its
// numeric value ("-2").
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		p := Priority(n)
		if !p.Valid() {
			return 0, fmt.Errorf("priority %d out of range [%d, %d]", n, PriorityIdle, PriorityRealtime)
		}
		return p, nil
	}
	for p, name := range priorityNames {
		if name == s && p.Valid() {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalJSON takes priorities by name only; a bare JSON number is
// rejected. Quoted numerals go through ParsePriority.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("priority must be a string such as %q, got %s", PriorityNormal.String(), b)
	}
	return p.UnmarshalText([]byte(s))
}

// UnmarshalText also accepts "error", the marker a sleeping thread
// carries in snapshots.
func (p *Priority) UnmarshalText(b []byte) error {
	if string(b) == priorityNames[PriorityError] {
		*p = PriorityError
		return nil
	}
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
