// Package sim provides in-process stand-ins for the robot side of the
// supervisor: a collision checker against a spherical joint-space obstacle,
// a detour planner and an executor that plays trajectories back at the
// commanded scale. They back the simulate command and integration tests.
package sim

import (
	"errors"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// ObstacleJoint is the environment joint that switches the obstacle on
// (> 0.5) and off.
const ObstacleJoint = "obstacle"

// DefaultPollingRate is the checker throughput reported to the supervisor.
const DefaultPollingRate = 50

// ObstacleChecker reports a collision wherever the sampled trajectory comes
// within Radius of Center in joint space while the obstacle is active.
type ObstacleChecker struct {
	Center      []float64
	Radius      float64
	PollingRate float64

	mu     sync.Mutex
	opts   supervisor.CheckerOptions
	traj   *trajectory.Trajectory
	active bool
	calls  int
}

var _ supervisor.CollisionChecker = (*ObstacleChecker)(nil)

func NewObstacleChecker(center []float64, radius float64) *ObstacleChecker {
	return &ObstacleChecker{Center: center, Radius: radius, PollingRate: DefaultPollingRate}
}

func (c *ObstacleChecker) Configure(opts supervisor.CheckerOptions) error {
	if opts.Step <= 0 {
		return errors.New("sim: checker step must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
	return nil
}

func (c *ObstacleChecker) SetTrajectory(t *trajectory.Trajectory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traj = t
}

func (c *ObstacleChecker) UpdateEnvironment(js trajectory.JointState) {
	v, ok := js.Position(ObstacleJoint)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = ok && v > 0.5
}

// RunOnce samples [at, at+lookAhead] every step and returns the first
// colliding time, or -1. A zero lookAhead checks at alone.
func (c *ObstacleChecker) RunOnce(at, lookAhead float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if !c.active || c.traj.Empty() {
		return -1
	}
	end := math.Min(at+lookAhead, c.traj.Duration())
	for k := 0; ; k++ {
		t := at + float64(k)*c.opts.Step
		if t > end && k > 0 {
			return -1
		}
		if c.hit(t) {
			return t
		}
	}
}

func (c *ObstacleChecker) hit(t float64) bool {
	q := c.traj.Sample(t)
	n := min(len(q), len(c.Center))
	return floats.Distance(q[:n], c.Center[:n], 2) <= c.Radius
}

func (c *ObstacleChecker) Polling(float64) float64 {
	return c.PollingRate
}

// Calls returns the number of RunOnce calls.
func (c *ObstacleChecker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
