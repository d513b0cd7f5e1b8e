package trajectory

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// MinSegmentDuration bounds how close two re-timed waypoints may be.
const MinSegmentDuration = 0.01

// Limit holds the kinematic limits of a single joint. A zero value means the
// limit is unknown and the joint is skipped by limit-aware computations.
type Limit struct {
	MaxVelocity     float64 `json:"max_velocity" yaml:"max_velocity"`
	MaxAcceleration float64 `json:"max_acceleration" yaml:"max_acceleration"`
}

// Known reports whether both limits are set.
func (l Limit) Known() bool {
	return l.MaxVelocity != 0 && l.MaxAcceleration != 0
}

// Limits maps joint name to its limits.
type Limits map[string]Limit

// Parameterizer re-times a trajectory in place so that the joint limits
// are respected between consecutive waypoints.
type Parameterizer interface {
	Parameterize(t *Trajectory, limits Limits) error
}

// ParameterizerFunc adapts a function to the Parameterizer interface.
type ParameterizerFunc func(t *Trajectory, limits Limits) error

// Parameterize calls f(t, limits).
func (f ParameterizerFunc) Parameterize(t *Trajectory, limits Limits) error {
	return f(t, limits)
}

// MinimumTime is a waypoint re-timer. Each segment is given the shortest
// duration such that no joint exceeds its velocity limit and a symmetric
// accelerate/decelerate profile fits its acceleration limit. Velocities are
// then estimated by central differences and accelerations by differencing
// the velocities. The first waypoint keeps any velocities it already carries
// (the robot's measured state); the last waypoint comes to rest.
type MinimumTime struct{}

// Parameterize implements Parameterizer.
func (MinimumTime) Parameterize(t *Trajectory, limits Limits) error {
	if t.Empty() {
		return errors.New("cannot parameterize an empty trajectory")
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("parameterize: %w", err)
	}
	n := len(t.JointNames)
	pts := t.Points

	pts[0].TimeFromStart = 0
	delta := make([]float64, n)
	for i := 1; i < len(pts); i++ {
		floats.SubTo(delta, pts[i].Positions, pts[i-1].Positions)
		seg := MinSegmentDuration
		for j, name := range t.JointNames {
			lim, ok := limits[name]
			if !ok {
				continue
			}
			dq := math.Abs(delta[j])
			if lim.MaxVelocity > 0 {
				seg = math.Max(seg, dq/lim.MaxVelocity)
			}
			if lim.MaxAcceleration > 0 {
				seg = math.Max(seg, 2*math.Sqrt(dq/lim.MaxAcceleration))
			}
		}
		pts[i].TimeFromStart = pts[i-1].TimeFromStart + seg
	}

	first := pts[0].Velocities
	for i := range pts {
		v := make([]float64, n)
		switch {
		case i == 0 && len(first) == n:
			copy(v, first)
		case i == 0 || i == len(pts)-1:
			// start from rest when no feedback, always end at rest
		default:
			dt := pts[i+1].TimeFromStart - pts[i-1].TimeFromStart
			floats.SubTo(v, pts[i+1].Positions, pts[i-1].Positions)
			floats.Scale(1/dt, v)
		}
		pts[i].Velocities = v
	}
	for i := range pts {
		a := make([]float64, n)
		if i > 0 {
			dt := pts[i].TimeFromStart - pts[i-1].TimeFromStart
			floats.SubTo(a, pts[i].Velocities, pts[i-1].Velocities)
			floats.Scale(1/dt, a)
		}
		pts[i].Accelerations = a
	}
	return nil
}

// ParameterizerByName returns the named re-timer. The empty name selects
// MinimumTime.
func ParameterizerByName(name string) (Parameterizer, error) {
	switch name {
	case "", "minimum_time":
		return MinimumTime{}, nil
	}
	return nil, fmt.Errorf("unknown time parameterization %q", name)
}
