package replan

import (
	"fmt"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// Flatten turns a raw planned segment into an executable trajectory. The
// result starts at the robot's measured state, follows the active
// trajectory up to the attempt's start time, then the planned segment, then
// the remainder of the active trajectory after the later of the attempt's
// start and end times, so an inverted window never replays waypoints. It is
// re-timed with the configured joint limits.
func (c *Coordinator) Flatten(raw *trajectory.Trajectory, currentTime float64, current trajectory.CurrentState) (*trajectory.Trajectory, error) {
	if raw.Empty() {
		return nil, ErrEmptyResult
	}
	c.mu.Lock()
	active := c.active
	start, end := c.startTime, c.endTime
	c.mu.Unlock()
	if start > end {
		diagf("replan window inverted (start %.3f > end %.3f), resuming after start", start, end)
	}

	names := raw.JointNames
	out := &trajectory.Trajectory{JointNames: append([]string(nil), names...)}

	head, err := trajectory.Reorder(current.State, current.JointNames, names)
	if err != nil {
		return nil, fmt.Errorf("flatten current state: %w", err)
	}
	head.TimeFromStart = 0
	out.Points = append(out.Points, head)

	appendFrom := func(p trajectory.Point, from []string) error {
		q, err := trajectory.Reorder(p, from, names)
		if err != nil {
			return err
		}
		q.Velocities = nil
		q.TimeFromStart = 0
		out.Points = append(out.Points, q)
		return nil
	}

	if !active.Empty() {
		for _, p := range active.Points {
			if p.TimeFromStart > currentTime && p.TimeFromStart < start {
				if err := appendFrom(p, active.JointNames); err != nil {
					return nil, fmt.Errorf("flatten bridge: %w", err)
				}
			}
		}
	}
	for _, p := range raw.Points {
		if err := appendFrom(p, raw.JointNames); err != nil {
			return nil, fmt.Errorf("flatten planned segment: %w", err)
		}
	}
	if !active.Empty() {
		for _, p := range active.After(max(start, end)) {
			if err := appendFrom(p, active.JointNames); err != nil {
				return nil, fmt.Errorf("flatten tail: %w", err)
			}
		}
	}

	if err := c.opts.Parameterizer.Parameterize(out, c.opts.Limits); err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	return out, nil
}
