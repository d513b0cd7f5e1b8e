// Package ramp computes how fast the velocity scale may move between two
// values, either from the robot's joint kinematics or from a fixed duration.
package ramp

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

const (
	// MinScale stands in for "stopped". It is never zero so ramp durations
	// divided by the current scale stay finite.
	MinScale = 0.0001
	MaxScale = 1.0

	// FallbackSlowDownTime replaces the kinematic ramp duration when the
	// robot does not report joint velocities.
	FallbackSlowDownTime = 0.5
)

// Clamp limits s to [MinScale, MaxScale].
func Clamp(s float64) float64 {
	return math.Max(MinScale, math.Min(MaxScale, s))
}

// IsStopped reports whether s sits at the stop sentinel.
func IsStopped(s float64) bool {
	return s <= MinScale
}

// TimeToReach returns the time in seconds needed to move the scale from
// current to target given the measured joint velocities and limits. Joints
// without both limits are skipped; ok is false when no joint qualifies.
func TimeToReach(state trajectory.CurrentState, current, target float64, limits trajectory.Limits) (float64, bool) {
	vel := state.State.Velocities
	n := len(vel)
	if len(state.JointNames) < n {
		n = len(state.JointNames)
	}

	times := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		lim, known := limits[state.JointNames[i]]
		if !known || !lim.Known() {
			continue
		}
		v := math.Abs(vel[i])
		if current > target {
			times = append(times, math.Abs(v*(current-target))/current/lim.MaxAcceleration)
		} else {
			times = append(times, (lim.MaxVelocity-v)/lim.MaxAcceleration)
		}
	}
	if len(times) == 0 {
		return 0, false
	}
	return floats.Max(times), true
}

// LinearStep is the per-tick change of the static ramp law, which covers
// the full scale range in duration seconds.
func LinearStep(rate, duration float64) float64 {
	if duration <= 0 || rate <= 0 {
		return MaxScale
	}
	return (1 / rate) / duration
}

// ProportionalStep is the signed per-tick change of the dynamic ramp law,
// moving from current towards target over duration seconds. When the ramp
// fits inside one period the step lands on target.
func ProportionalStep(current, target, rate, duration float64) float64 {
	period := 1 / rate
	if rate <= 0 || duration <= period {
		return target - current
	}
	return (target - current) * period / duration
}

// Down lowers s by step and clamps.
func Down(s, step float64) float64 {
	return Clamp(s - math.Abs(step))
}

// Up raises s by step and clamps.
func Up(s, step float64) float64 {
	return Clamp(s + math.Abs(step))
}
