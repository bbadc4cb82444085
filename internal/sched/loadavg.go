package sched

import (
	"fmt"
	"sync"
	"time"
)

// Fixed-point load average, same arithmetic as the classic Unix
// estimator: FEXP_N = 2^11 / e^(period/window).
const (
	fshift = 11
	fixed1 = 1 << fshift
)

var loadExp = map[time.Duration][3]uint64{
	5 * time.Second:  {1884, 2014, 2037},
	11 * time.Second: {1704, 1974, 2023},
}

// LoadAvg is the 1/5/15 minute ready-queue load estimator. One periodic
// writer updates it; any number of readers may call Get concurrently.
type LoadAvg struct {
	mu    sync.RWMutex
	loads [3]uint64 // fixed-point, guarded by mu

	exp   [3]uint64
	freq  int // ticks per update
	count int // owned by the tick goroutine
}

// NewLoadAvg returns an estimator updated every period at hz ticks per
// second. Only the 5 s and 11 s periods have decay constants.
func NewLoadAvg(period time.Duration, hz int) (*LoadAvg, error) {
	exp, ok := loadExp[period]
	if !ok {
		return nil, fmt.Errorf("unsupported load average period %s (want 5s or 11s)", period)
	}
	if hz <= 0 {
		return nil, fmt.Errorf("invalid tick rate %d", hz)
	}
	freq := int(period/time.Second) * hz
	return &LoadAvg{exp: exp, freq: freq, count: freq}, nil
}

func calcLoad(load, exp, n uint64) uint64 {
	load *= exp
	load += n * (fixed1 - exp)
	return load >> fshift
}

// Tick counts down one tick and, once per period, folds ready (the
// instantaneous ready-queue size) into all three averages. If a reader
// holds the lock the update is skipped and retried on the next tick.
func (l *LoadAvg) Tick(ready int) bool {
	l.count--
	if l.count >= 0 {
		return false
	}
	if !l.mu.TryLock() {
		return false
	}
	defer l.mu.Unlock()

	l.count = l.freq
	n := uint64(ready) * fixed1
	for i := range l.loads {
		l.loads[i] = calcLoad(l.loads[i], l.exp[i], n)
	}
	return true
}

// Get returns the three averages scaled by 100 and rounded.
func (l *LoadAvg) Get() [3]uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out [3]uint32
	for i, x := range l.loads {
		out[i] = uint32(((x + fixed1/200) * 100) >> fshift)
	}
	return out
}

// raw returns the fixed-point values.
func (l *LoadAvg) raw() [3]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loads
}
