package replan

import (
	"math"
)

// Checker is the part of the collision checker used for backtracking.
// RunOnce returns the predicted collision time in [at, at+lookAhead], or a
// negative value when none is found.
type Checker interface {
	RunOnce(at, lookAhead float64) float64
}

// Backtrack scans the active trajectory backwards from fullDuration in
// steps of step and returns the time just after the last colliding sample,
// clamped to fullDuration. It returns fullDuration when no sample collides.
// At most ceil(fullDuration/step)+1 samples are checked.
func Backtrack(checker Checker, fullDuration, step float64) float64 {
	if fullDuration <= 0 {
		return 0
	}
	if step <= 0 {
		step = fullDuration
	}
	n := int(math.Ceil(fullDuration / step))
	for i := 0; i <= n; i++ {
		t := fullDuration - float64(i)*step
		if t < 0 {
			t = 0
		}
		c := checker.RunOnce(t, 0)
		tracef("backtrack sample %.3f -> %.3f", t, c)
		if c >= 0 {
			return math.Min(t+step, fullDuration)
		}
		if t == 0 {
			break
		}
	}
	return fullDuration
}
