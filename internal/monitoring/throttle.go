package monitoring

import (
	"sync"
	"time"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/timeutil"
)

// DefaultThrottlePeriod is the minimum spacing between repeated messages
// with the same key emitted from the supervisor loop.
const DefaultThrottlePeriod = 500 * time.Millisecond

// Throttle rate-limits log lines per key.
type Throttle struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	period  time.Duration
	last    map[string]time.Time
	dropped map[string]int
}

// NewThrottle returns a Throttle with the given period. A nil clock uses
// the real clock; a non-positive period uses DefaultThrottlePeriod.
func NewThrottle(clock timeutil.Clock, period time.Duration) *Throttle {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if period <= 0 {
		period = DefaultThrottlePeriod
	}
	return &Throttle{
		clock:   clock,
		period:  period,
		last:    make(map[string]time.Time),
		dropped: make(map[string]int),
	}
}

// Allow reports whether a message for key may be logged now. When it
// returns true it also returns how many messages were suppressed since the
// last allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.period {
		t.dropped[key]++
		return false, 0
	}
	suppressed := t.dropped[key]
	t.last[key] = now
	t.dropped[key] = 0
	return true, suppressed
}

// Printf logs through logf when key is not throttled. A nil logf is a no-op.
func (t *Throttle) Printf(logf func(string, ...interface{}), key, format string, args ...interface{}) {
	if logf == nil {
		return
	}
	ok, suppressed := t.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		format += " (%d similar suppressed)"
		args = append(args, suppressed)
	}
	logf(format, args...)
}
