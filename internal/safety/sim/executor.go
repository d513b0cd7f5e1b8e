package sim

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// StateSink receives the executor's scheduling time and measured state.
// *supervisor.Supervisor satisfies it.
type StateSink interface {
	UpdateTime(t float64)
	UpdateCurrentState(names []string, p trajectory.Point)
}

// Executor is a motion consumer that plays the active trajectory back. Every
// SetScale advances scheduling time by scale/rate, so it must be called once
// per supervisor tick.
type Executor struct {
	rate float64
	sink StateSink

	mu       sync.Mutex
	traj     *trajectory.Trajectory
	now      float64
	scale    float64
	ticks    int
	accepted int
}

var _ supervisor.MotionConsumer = (*Executor)(nil)

func NewExecutor(rate float64, sink StateSink) *Executor {
	return &Executor{rate: rate, sink: sink, scale: 1}
}

// SetSink replaces the state sink. It breaks the construction cycle when
// the sink is the supervisor consuming this executor.
func (e *Executor) SetSink(sink StateSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// SetRate sets the tick rate SetScale advances time by. The supervisor's
// resolved rate is only known after Configure.
func (e *Executor) SetRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = rate
}

// Load starts playing t from its beginning.
func (e *Executor) Load(t *trajectory.Trajectory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traj = t.Clone()
	e.now = 0
	e.publish()
}

func (e *Executor) SetScale(s float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks++
	e.scale = s
	if e.traj.Empty() {
		return
	}
	e.now = math.Min(e.now+s/e.rate, e.traj.Duration())
	e.publish()
}

// AcceptTrajectory switches to a replanned trajectory. Its first waypoint
// is the current state, so playback restarts at zero.
func (e *Executor) AcceptTrajectory(t *trajectory.Trajectory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traj = t.Clone()
	e.now = 0
	e.accepted++
}

// publish reports the current position and the scaled nominal velocity.
func (e *Executor) publish() {
	if e.sink == nil {
		return
	}
	const h = 1e-3
	lo := math.Max(e.now-h, 0)
	hi := math.Min(e.now+h, e.traj.Duration())
	vel := make([]float64, len(e.traj.JointNames))
	if hi > lo {
		floats.SubTo(vel, e.traj.Sample(hi), e.traj.Sample(lo))
		floats.Scale(e.scale/(hi-lo), vel)
	}
	e.sink.UpdateTime(e.now)
	e.sink.UpdateCurrentState(e.traj.JointNames, trajectory.Point{
		Positions:     e.traj.Sample(e.now),
		Velocities:    vel,
		TimeFromStart: e.now,
	})
}

// Time returns the scheduling time along the active trajectory.
func (e *Executor) Time() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Done reports whether the active trajectory has been played to its end.
func (e *Executor) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.traj.Empty() && e.now >= e.traj.Duration()
}

// Ticks returns the number of SetScale calls.
func (e *Executor) Ticks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

// Accepted returns the number of replanned trajectories received.
func (e *Executor) Accepted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepted
}

// Scale returns the last commanded scale.
func (e *Executor) Scale() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scale
}
