// Package supervisor runs the fixed-rate safety loop: every tick it predicts
// collisions along the active trajectory, classifies the time to collision
// into a zone and moves the velocity scale accordingly, optionally driving
// an asynchronous replan around the obstacle.
//
// Inbound state (environment, scheduling time, robot state, trajectories)
// arrives through last-write-wins cells and is read once per tick. The tick
// itself never blocks on I/O or on the replanner.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/config"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/monitoring"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/channel"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/ramp"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/timeutil"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// Deps are the collaborators of a Supervisor. Checker and Consumer are
// required; Planner is required when replanning is enabled.
type Deps struct {
	Checker  CollisionChecker
	Consumer MotionConsumer
	Planner  replan.Planner
	Debug    DebugPublisher
	Events   EventSink
	Clock    timeutil.Clock
}

// params are resolved at Configure and read-only while running, except
// slowDown which switches to the fallback when feedback is missing.
type params struct {
	rate        float64
	period      time.Duration
	lookAhead   float64
	slowDown    float64 // 0 = dynamic
	dynamic     bool
	allowReplan bool
	visualize   bool
	anchor      string
	step        float64
	sampleEvery int
	limits      trajectory.Limits
	configJSON  string
}

// Supervisor is the dynamic safety supervisor.
type Supervisor struct {
	deps     Deps
	throttle *monitoring.Throttle

	mu        sync.Mutex
	lifecycle Lifecycle
	stopLoop  chan struct{}
	loopDone  chan struct{}
	done      chan struct{}
	runID     string

	running   atomic.Bool
	activated atomic.Bool

	env     channel.Cell[trajectory.JointState]
	now     channel.Cell[float64]
	current channel.Cell[trajectory.CurrentState]
	scale   channel.Cell[float64]
	pending channel.Cell[*trajectory.Trajectory]

	// owned by the tick
	p            params
	base         zone.Options
	zones        *zone.Table
	replanner    *replan.Coordinator
	fullDuration float64
	lastZone     zone.Zone
	ticks        uint64
	stats        *BenchmarkStats
}

// New returns an unconfigured Supervisor.
func New(deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	s := &Supervisor{
		deps:     deps,
		throttle: monitoring.NewThrottle(deps.Clock, monitoring.DefaultThrottlePeriod),
		stats:    NewBenchmarkStats(DefaultBenchmarkWindow, 0),
	}
	s.scale.Store(ramp.MaxScale)
	return s
}

// Configure validates cfg, resolves derived parameters and configures the
// collision checker. It is allowed from Unconfigured and Stopped; on error
// no state is changed.
func (s *Supervisor) Configure(cfg *config.SafetyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.lifecycle.transition(Configured)
	if err != nil {
		return err
	}
	if s.deps.Checker == nil || s.deps.Consumer == nil {
		return fmt.Errorf("configure: checker and consumer are required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	p := params{
		lookAhead:   cfg.GetLookAheadTime(),
		slowDown:    cfg.GetSlowDownTime(),
		dynamic:     cfg.GetDynamicParameterization(),
		allowReplan: cfg.GetAllowReplan(),
		visualize:   cfg.GetVisualize() && s.deps.Debug != nil,
		anchor:      cfg.GetReplanAnchor(),
		step:        cfg.GetCheckerStep(),
		sampleEvery: cfg.GetSampleEvery(),
		limits:      cfg.GetJointLimits(),
	}

	p.rate = cfg.GetRate()
	if p.rate == 0 && p.dynamic {
		p.rate = 2 * s.deps.Checker.Polling(p.lookAhead)
	}
	if p.rate <= 0 || math.IsInf(p.rate, 0) || math.IsNaN(p.rate) {
		return fmt.Errorf("%w: rate must be positive, got %g", config.ErrInvalidConfig, p.rate)
	}
	derived := cfg.WithRate(p.rate)
	p.period = derived.GetPeriod()
	p.configJSON = derived.JSON()

	checkerOpts := CheckerOptions{
		Step:        p.step,
		ThreadCount: cfg.GetThreadCount(),
		Distance:    cfg.GetCheckerDistance(),
		Continuous:  cfg.GetCheckerContinuous(),
	}
	if p.dynamic {
		if checkerOpts.ThreadCount == 0 {
			checkerOpts.ThreadCount = max(1, runtime.NumCPU()/2)
		}
		checkerOpts.Realtime = detectRealtime()
	}

	base := zone.Options{
		LookAheadTime:             p.lookAhead,
		SlowDownTime:              p.slowDown,
		CollisionCheckingDeadline: cfg.GetCollisionCheckingDeadline(),
	}
	if base.CollisionCheckingDeadline == 0 {
		base.CollisionCheckingDeadline = 1 / p.rate
	}

	var coordinator *replan.Coordinator
	if p.allowReplan {
		if s.deps.Planner == nil {
			return fmt.Errorf("configure: replanning enabled without a planner")
		}
		base.ReplanDeadline = cfg.GetReplanDeadline()
		tp, err := trajectory.ParameterizerByName(cfg.GetTimeParameterization())
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		var sink replan.AttemptSink
		if s.deps.Events != nil {
			sink = s.deps.Events
		}
		coordinator = replan.NewCoordinator(s.deps.Planner, replan.Options{
			Deadline:      time.Duration(cfg.GetReplanDeadline() * float64(time.Second)),
			Group:         cfg.GetPlanningGroup(),
			Limits:        p.limits,
			Parameterizer: tp,
			Clock:         s.deps.Clock,
			Sink:          sink,
		})
	}

	table, err := zone.NewTable(base)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err := s.deps.Checker.Configure(checkerOpts); err != nil {
		return fmt.Errorf("configure collision checker: %w", err)
	}

	s.p = p
	s.base = base
	s.zones = table
	s.replanner = coordinator
	s.lifecycle = next
	s.activated.Store(false)
	s.fullDuration = 0
	s.lastZone = zone.Safe

	s.env.Store(trajectory.JointState{})
	s.now.Store(0)
	s.current.Store(trajectory.CurrentState{})
	s.scale.Store(ramp.MaxScale)
	s.pending.Take()

	diagf("running at %.1fHz (period %v), replan=%v dynamic=%v threads=%d realtime=%v",
		p.rate, p.period, p.allowReplan, p.dynamic, checkerOpts.ThreadCount, checkerOpts.Realtime)
	base.Print(diagf)
	return nil
}

// AddTrajectory hands a new trajectory to the supervisor. It is adopted by
// the checker, replanner and debug publisher together at the start of the
// next tick, and activates the supervisor.
func (s *Supervisor) AddTrajectory(t *trajectory.Trajectory) error {
	if s.Lifecycle() == Unconfigured {
		return ErrNotConfigured
	}
	if t.Empty() {
		return fmt.Errorf("add trajectory: empty trajectory")
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("add trajectory: %w", err)
	}
	s.pending.Store(t.Clone())
	s.activated.Store(true)
	return nil
}

// UpdateEnvironment publishes the latest obstacle joint state. Updates are
// ignored while the supervisor is not running.
func (s *Supervisor) UpdateEnvironment(js trajectory.JointState) {
	if !s.running.Load() {
		return
	}
	s.env.Store(js)
}

// UpdateTime publishes the current scheduling time along the trajectory.
func (s *Supervisor) UpdateTime(t float64) {
	s.now.Store(t)
}

// UpdateCurrentState publishes the measured robot state.
func (s *Supervisor) UpdateCurrentState(names []string, p trajectory.Point) {
	s.current.Store(trajectory.NewCurrentState(names, p))
}

// Scale returns the latest computed velocity scale.
func (s *Supervisor) Scale() float64 {
	return s.scale.Load()
}

// Lifecycle returns the current lifecycle state.
func (s *Supervisor) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Rate returns the resolved loop rate in Hz.
func (s *Supervisor) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.rate
}

// Zones returns the configured zone thresholds.
func (s *Supervisor) Zones() zone.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// RunID returns the ID of the current or last run.
func (s *Supervisor) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Stats returns the tick latency statistics of the current or last run.
func (s *Supervisor) Stats() *BenchmarkStats {
	return s.stats
}

// Start begins ticking. Starting a running supervisor only logs a warning.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.lifecycle {
	case Unconfigured:
		return ErrNotConfigured
	case Running:
		opsf("already started")
		return nil
	}
	if !s.activated.Load() {
		return ErrNotActivated
	}
	next, err := s.lifecycle.transition(Running)
	if err != nil {
		return err
	}

	s.stats.Reset(s.p.period)
	s.runID = uuid.NewString()
	s.ticks = 0
	s.lastZone = zone.Safe
	if s.deps.Events != nil {
		s.deps.Events.RunStarted(RunInfo{
			ID:        s.runID,
			StartedAt: s.deps.Clock.Now(),
			Rate:      s.p.rate,
			Config:    s.p.configJSON,
		})
	}

	s.stopLoop = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	s.lifecycle = next

	ticker := s.deps.Clock.NewTicker(s.p.period)
	go s.loop(ticker, s.stopLoop, s.loopDone)
	diagf("run %s started", s.runID)
	return nil
}

// Stop halts the loop, abandons any in-flight replan and logs the final
// timing statistics. Stopping a supervisor that is not running is a no-op;
// concurrent calls all return once the run has stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.lifecycle != Running {
		s.mu.Unlock()
		return
	}
	if s.stopLoop == nil {
		// Another Stop is already tearing the run down.
		done := s.done
		s.mu.Unlock()
		<-done
		return
	}
	s.running.Store(false)
	close(s.stopLoop)
	s.stopLoop = nil
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replanner != nil {
		s.replanner.Abandon()
	}
	summary := s.stats.Summary()
	diagf("run %s time stats: %s", s.runID, summary)
	if s.deps.Events != nil {
		s.deps.Events.RunStopped(s.runID, s.deps.Clock.Now(), summary)
	}
	s.activated.Store(false)
	s.lifecycle = Stopped
	close(s.done)
}

// Wait blocks until Stop has completed or ctx is done. It returns
// immediately if the supervisor was never started.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) loop(ticker timeutil.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			start := s.deps.Clock.Now()
			s.tick()
			s.stats.Record(s.deps.Clock.Since(start))
		}
	}
}
