package sim

import (
	"math"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// LinearTrajectory moves from `from` to `to` at constant velocity over
// duration seconds with a waypoint every step seconds.
func LinearTrajectory(names []string, from, to []float64, duration, step float64) *trajectory.Trajectory {
	if step <= 0 || step > duration {
		step = duration
	}
	n := int(math.Ceil(duration/step - 1e-9))
	t := &trajectory.Trajectory{JointNames: append([]string(nil), names...)}
	for i := 0; i <= n; i++ {
		at := math.Min(float64(i)*step, duration)
		alpha := 0.0
		if duration > 0 {
			alpha = at / duration
		}
		q := make([]float64, len(names))
		v := make([]float64, len(names))
		for j := range q {
			q[j] = from[j] + alpha*(to[j]-from[j])
			if duration > 0 && i < n {
				v[j] = (to[j] - from[j]) / duration
			}
		}
		t.Points = append(t.Points, trajectory.Point{Positions: q, Velocities: v, TimeFromStart: at})
	}
	return t
}
