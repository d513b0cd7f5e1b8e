// Package trajectory holds the joint-space motion model shared by the
// safety supervisor, the collision checker and the replanner.
//
// Times are expressed in seconds from the start of the trajectory. Every
// component that keeps a trajectory owns its own copy (see Clone); nothing
// in this package is safe for concurrent mutation.
package trajectory

import (
	"errors"
	"fmt"
)

// ErrJointMismatch is returned when joint name sets cannot be aligned.
var ErrJointMismatch = errors.New("joint names do not match")

// Point is a single time-stamped waypoint.
type Point struct {
	Positions     []float64 `json:"positions"`
	Velocities    []float64 `json:"velocities,omitempty"`
	Accelerations []float64 `json:"accelerations,omitempty"`
	Effort        []float64 `json:"effort,omitempty"`
	TimeFromStart float64   `json:"time_from_start"` // seconds
}

// Clone returns a deep copy of the point.
func (p Point) Clone() Point {
	return Point{
		Positions:     cloneFloats(p.Positions),
		Velocities:    cloneFloats(p.Velocities),
		Accelerations: cloneFloats(p.Accelerations),
		Effort:        cloneFloats(p.Effort),
		TimeFromStart: p.TimeFromStart,
	}
}

// Trajectory is an ordered sequence of waypoints over a fixed joint set.
type Trajectory struct {
	JointNames []string `json:"joint_names"`
	Points     []Point  `json:"points"`
}

// Empty reports whether the trajectory has no waypoints. A nil trajectory is empty.
func (t *Trajectory) Empty() bool {
	return t == nil || len(t.Points) == 0
}

// Duration returns the time_from_start of the last waypoint.
func (t *Trajectory) Duration() float64 {
	if t.Empty() {
		return 0
	}
	return t.Points[len(t.Points)-1].TimeFromStart
}

// Clone returns a deep copy. Cloning nil returns nil.
func (t *Trajectory) Clone() *Trajectory {
	if t == nil {
		return nil
	}
	out := &Trajectory{
		JointNames: append([]string(nil), t.JointNames...),
		Points:     make([]Point, len(t.Points)),
	}
	for i, p := range t.Points {
		out.Points[i] = p.Clone()
	}
	return out
}

// Validate checks that every waypoint carries one position per joint and
// that time_from_start is non-decreasing.
func (t *Trajectory) Validate() error {
	if t == nil {
		return errors.New("nil trajectory")
	}
	n := len(t.JointNames)
	prev := 0.0
	for i, p := range t.Points {
		if len(p.Positions) != n {
			return fmt.Errorf("point %d: %d positions for %d joints: %w", i, len(p.Positions), n, ErrJointMismatch)
		}
		if len(p.Velocities) != 0 && len(p.Velocities) != n {
			return fmt.Errorf("point %d: %d velocities for %d joints: %w", i, len(p.Velocities), n, ErrJointMismatch)
		}
		if p.TimeFromStart < prev {
			return fmt.Errorf("point %d: time_from_start %.4f before previous %.4f", i, p.TimeFromStart, prev)
		}
		prev = p.TimeFromStart
	}
	return nil
}

// Sample returns the linearly interpolated positions at time t. Times
// outside the trajectory are clamped to the first or last waypoint.
func (t *Trajectory) Sample(at float64) []float64 {
	if t.Empty() {
		return nil
	}
	first := t.Points[0]
	if at <= first.TimeFromStart {
		return cloneFloats(first.Positions)
	}
	for i := 1; i < len(t.Points); i++ {
		p0, p1 := t.Points[i-1], t.Points[i]
		if at > p1.TimeFromStart {
			continue
		}
		span := p1.TimeFromStart - p0.TimeFromStart
		if span <= 0 {
			return cloneFloats(p1.Positions)
		}
		alpha := (at - p0.TimeFromStart) / span
		out := make([]float64, len(p0.Positions))
		for j := range out {
			out[j] = p0.Positions[j] + alpha*(p1.Positions[j]-p0.Positions[j])
		}
		return out
	}
	return cloneFloats(t.Points[len(t.Points)-1].Positions)
}

// After returns copies of the waypoints strictly after time t.
func (t *Trajectory) After(at float64) []Point {
	if t.Empty() {
		return nil
	}
	var out []Point
	for _, p := range t.Points {
		if p.TimeFromStart > at {
			out = append(out, p.Clone())
		}
	}
	return out
}

// JointState is a snapshot of named joint positions and velocities. It is
// used both for the environment (obstacle) state and for robot feedback.
type JointState struct {
	Names      []string  `json:"names"`
	Positions  []float64 `json:"positions"`
	Velocities []float64 `json:"velocities,omitempty"`
	StampNanos int64     `json:"stamp_nanos,omitempty"`
}

// Position returns the position of the named joint.
func (js JointState) Position(name string) (float64, bool) {
	for i, n := range js.Names {
		if n == name && i < len(js.Positions) {
			return js.Positions[i], true
		}
	}
	return 0, false
}

// CurrentState is the robot's measured state: joint names plus the matching
// waypoint (positions, velocities). It is captured once and never mutated.
type CurrentState struct {
	JointNames []string
	State      Point
}

// NewCurrentState copies names and point into a new snapshot.
func NewCurrentState(names []string, state Point) CurrentState {
	return CurrentState{
		JointNames: append([]string(nil), names...),
		State:      state.Clone(),
	}
}

// Reorder returns p re-indexed from the `from` joint order into the `to`
// joint order. Only Positions and Velocities are carried over.
func Reorder(p Point, from, to []string) (Point, error) {
	index := make(map[string]int, len(from))
	for i, n := range from {
		index[n] = i
	}
	out := Point{
		Positions:     make([]float64, len(to)),
		TimeFromStart: p.TimeFromStart,
	}
	if len(p.Velocities) > 0 {
		out.Velocities = make([]float64, len(to))
	}
	for j, name := range to {
		i, ok := index[name]
		if !ok || i >= len(p.Positions) {
			return Point{}, fmt.Errorf("joint %q: %w", name, ErrJointMismatch)
		}
		out.Positions[j] = p.Positions[i]
		if out.Velocities != nil && i < len(p.Velocities) {
			out.Velocities[j] = p.Velocities[i]
		}
	}
	return out, nil
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}
