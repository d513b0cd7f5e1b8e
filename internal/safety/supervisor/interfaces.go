package supervisor

import (
	"time"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// CheckerOptions are passed to the collision checker at configure time.
type CheckerOptions struct {
	Step        float64
	ThreadCount int
	Distance    bool
	Continuous  bool
	Realtime    bool
}

// CollisionChecker predicts collisions along the active trajectory. The
// geometry behind it is opaque to the supervisor.
type CollisionChecker interface {
	Configure(opts CheckerOptions) error
	SetTrajectory(t *trajectory.Trajectory)
	UpdateEnvironment(js trajectory.JointState)
	// RunOnce returns the earliest collision time in [at, at+lookAhead],
	// or a negative value when none is predicted.
	RunOnce(at, lookAhead float64) float64
	// Polling returns the rate in Hz at which RunOnce can be sustained
	// for the given horizon.
	Polling(lookAhead float64) float64
}

// MotionConsumer executes motion. It receives every new scale and each
// trajectory accepted from a successful replan.
type MotionConsumer interface {
	SetScale(scale float64)
	AcceptTrajectory(t *trajectory.Trajectory)
}

// State is the debug snapshot published after every tick.
type State struct {
	RunID          string
	SchedulingTime float64
	CollisionTime  float64
	Zone           zone.Zone
	Scale          float64
	Zones          zone.Options
	Replan         replan.Status
}

// DebugPublisher receives tick snapshots when visualization is enabled.
// Publish must not block.
type DebugPublisher interface {
	SetTrajectory(t *trajectory.Trajectory)
	Publish(s State)
}

// RunInfo describes a supervisor run.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	Rate      float64
	Config    string
}

// Transition records a change of zone between two ticks.
type Transition struct {
	RunID          string
	At             time.Time
	SchedulingTime float64
	CollisionTime  float64
	From           zone.Zone
	To             zone.Zone
	Scale          float64
}

// Sample is a periodic scale sample.
type Sample struct {
	RunID          string
	SchedulingTime float64
	Scale          float64
	Zone           zone.Zone
}

// EventSink records run events. All methods are called from the tick or the
// replan worker and must not block.
type EventSink interface {
	replan.AttemptSink
	RunStarted(run RunInfo)
	ZoneChanged(t Transition)
	ScaleSampled(s Sample)
	RunStopped(runID string, stoppedAt time.Time, summary StatsSummary)
}
