package replan

import (
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// Tick carries what one supervisor tick supplies to Drive.
type Tick struct {
	// StartTime is where the replacement segment should begin.
	StartTime   float64
	CurrentTime float64
	Current     trajectory.CurrentState
	// Backtrack recomputes the end of the replacement window.
	Backtrack func() float64
	// Accept receives each flattened trajectory exactly once.
	Accept func(*trajectory.Trajectory)
}

// Drive advances the state machine by one tick and returns the status it
// leaves the coordinator in. A timed out or empty attempt is restarted with
// freshly backtracked bounds; a successful one is flattened and accepted.
func (c *Coordinator) Drive(t Tick) Status {
	switch c.Status() {
	case Idle:
		c.restart(t)
	case Ongoing:
	case Timeout:
		if _, err := c.Result(); err == nil {
			c.restart(t)
		}
	case Succeed:
		raw, err := c.Result()
		if err != nil {
			break
		}
		if raw.Empty() {
			diagf("planner returned an empty trajectory, restarting")
			c.restart(t)
			break
		}
		flat, err := c.Flatten(raw, t.CurrentTime, t.Current)
		if err != nil {
			opsf("discarding replan result: %v", err)
			c.restart(t)
			break
		}
		if t.Accept != nil {
			t.Accept(flat)
		}
	}
	return c.Status()
}

func (c *Coordinator) restart(t Tick) {
	end := 0.0
	if t.Backtrack != nil {
		end = t.Backtrack()
	}
	if err := c.RunAsync(t.StartTime, end); err != nil {
		diagf("restart skipped: %v", err)
	}
}
