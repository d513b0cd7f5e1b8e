package supervisor

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/config"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/ramp"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/timeutil"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

func f64(v float64) *float64 { return &v }
func flag(v bool) *bool      { return &v }
func str(v string) *string   { return &v }

var joints = []string{"j1", "j2"}

func staticConfig() *config.SafetyConfig {
	return &config.SafetyConfig{
		Rate:                      f64(100),
		LookAheadTime:             f64(2.0),
		SlowDownTime:              f64(0.5),
		CollisionCheckingDeadline: f64(0.1),
		DynamicParameterization:   flag(false),
		AllowReplan:               flag(false),
	}
}

func replanConfig() *config.SafetyConfig {
	cfg := staticConfig()
	cfg.AllowReplan = flag(true)
	cfg.Replanner = &config.ReplannerConfig{Deadline: f64(1.0)}
	return cfg
}

func straight(duration float64) *trajectory.Trajectory {
	t := &trajectory.Trajectory{JointNames: joints}
	for i := 0; i <= 10; i++ {
		x := float64(i) / 10
		t.Points = append(t.Points, trajectory.Point{
			Positions:     []float64{x, -x},
			TimeFromStart: x * duration,
		})
	}
	return t
}

type fakeChecker struct {
	mu           sync.Mutex
	opts         CheckerOptions
	polling      float64
	delta        float64 // collision predicted at now+delta; negative for none
	trajectories []*trajectory.Trajectory
	envs         []trajectory.JointState
}

func (c *fakeChecker) Configure(opts CheckerOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
	return nil
}

func (c *fakeChecker) SetTrajectory(t *trajectory.Trajectory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trajectories = append(c.trajectories, t)
}

func (c *fakeChecker) UpdateEnvironment(js trajectory.JointState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, js)
}

func (c *fakeChecker) RunOnce(at, lookAhead float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delta < 0 || c.delta > lookAhead && lookAhead > 0 {
		return -1
	}
	return at + c.delta
}

func (c *fakeChecker) Polling(float64) float64 { return c.polling }

func (c *fakeChecker) setDelta(d float64) {
	c.mu.Lock()
	c.delta = d
	c.mu.Unlock()
}

type fakeConsumer struct {
	mu       sync.Mutex
	scales   []float64
	accepted []*trajectory.Trajectory
}

func (c *fakeConsumer) SetScale(s float64) {
	c.mu.Lock()
	c.scales = append(c.scales, s)
	c.mu.Unlock()
}

func (c *fakeConsumer) AcceptTrajectory(t *trajectory.Trajectory) {
	c.mu.Lock()
	c.accepted = append(c.accepted, t)
	c.mu.Unlock()
}

func (c *fakeConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scales)
}

type fakeDebug struct {
	trajectories int
	states       []State
}

func (d *fakeDebug) SetTrajectory(*trajectory.Trajectory) { d.trajectories++ }
func (d *fakeDebug) Publish(s State)                      { d.states = append(d.states, s) }

type fakeEvents struct {
	mu          sync.Mutex
	runs        []RunInfo
	transitions []Transition
	samples     []Sample
	stopped     []StatsSummary
	attempts    []replan.Attempt
}

func (e *fakeEvents) RunStarted(r RunInfo) {
	e.mu.Lock()
	e.runs = append(e.runs, r)
	e.mu.Unlock()
}

func (e *fakeEvents) ZoneChanged(t Transition) {
	e.mu.Lock()
	e.transitions = append(e.transitions, t)
	e.mu.Unlock()
}

func (e *fakeEvents) ScaleSampled(s Sample) {
	e.mu.Lock()
	e.samples = append(e.samples, s)
	e.mu.Unlock()
}

func (e *fakeEvents) RunStopped(_ string, _ time.Time, s StatsSummary) {
	e.mu.Lock()
	e.stopped = append(e.stopped, s)
	e.mu.Unlock()
}

func (e *fakeEvents) RecordAttempt(a replan.Attempt) {
	e.mu.Lock()
	e.attempts = append(e.attempts, a)
	e.mu.Unlock()
}

// capturePlanner records requests and blocks until cancelled.
type capturePlanner struct {
	requests chan replan.Request
}

func (p *capturePlanner) Plan(ctx context.Context, req replan.Request) (*trajectory.Trajectory, error) {
	p.requests <- req
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	sup      *Supervisor
	checker  *fakeChecker
	consumer *fakeConsumer
	clock    *timeutil.MockClock
	events   *fakeEvents
	debug    *fakeDebug
}

func newHarness(t *testing.T, cfg *config.SafetyConfig, planner replan.Planner) *harness {
	t.Helper()
	h := &harness{
		checker:  &fakeChecker{delta: -1, polling: 25},
		consumer: &fakeConsumer{},
		clock:    timeutil.NewMockClock(time.Unix(1000, 0)),
		events:   &fakeEvents{},
		debug:    &fakeDebug{},
	}
	h.sup = New(Deps{
		Checker:  h.checker,
		Consumer: h.consumer,
		Planner:  planner,
		Debug:    h.debug,
		Events:   h.events,
		Clock:    h.clock,
	})
	require.NoError(t, h.sup.Configure(cfg))
	return h
}

// start activates and starts the supervisor. The mock ticker never fires
// unless the clock is advanced, so tests drive ticks directly.
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sup.AddTrajectory(straight(4)))
	require.NoError(t, h.sup.Start())
	t.Cleanup(h.sup.Stop)
}

func TestLifecycle(t *testing.T) {
	sup := New(Deps{Checker: &fakeChecker{delta: -1}, Consumer: &fakeConsumer{}, Clock: timeutil.NewMockClock(time.Unix(0, 0))})
	assert.Equal(t, Unconfigured, sup.Lifecycle())

	assert.ErrorIs(t, sup.Start(), ErrNotConfigured)
	assert.ErrorIs(t, sup.AddTrajectory(straight(1)), ErrNotConfigured)
	require.NoError(t, sup.Wait(context.Background()), "wait without start returns")

	require.NoError(t, sup.Configure(staticConfig()))
	assert.Equal(t, Configured, sup.Lifecycle())
	assert.ErrorIs(t, sup.Configure(staticConfig()), ErrInvalidTransition)
	assert.ErrorIs(t, sup.Start(), ErrNotActivated)

	require.NoError(t, sup.AddTrajectory(straight(1)))
	require.NoError(t, sup.Start())
	assert.Equal(t, Running, sup.Lifecycle())
	assert.NoError(t, sup.Start(), "second start only warns")
	assert.ErrorIs(t, sup.Configure(staticConfig()), ErrInvalidTransition)

	sup.Stop()
	assert.Equal(t, Stopped, sup.Lifecycle())
	sup.Stop()
	require.NoError(t, sup.Wait(context.Background()))

	assert.ErrorIs(t, sup.Start(), ErrNotActivated, "stop deactivates")
	require.NoError(t, sup.AddTrajectory(straight(1)))
	require.NoError(t, sup.Start())
	sup.Stop()

	require.NoError(t, sup.Configure(staticConfig()), "reconfigure from stopped")
}

func TestAddTrajectoryRejectsEmpty(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	assert.Error(t, h.sup.AddTrajectory(&trajectory.Trajectory{JointNames: joints}))
	assert.Error(t, h.sup.AddTrajectory(&trajectory.Trajectory{
		JointNames: joints,
		Points:     []trajectory.Point{{Positions: []float64{1}}},
	}))
}

func TestConfigureRejectsInvalidZones(t *testing.T) {
	cfg := staticConfig()
	cfg.SlowDownTime = f64(0.05) // below the emergency threshold

	sup := New(Deps{Checker: &fakeChecker{}, Consumer: &fakeConsumer{}})
	assert.ErrorIs(t, sup.Configure(cfg), zone.ErrInvalidOptions)
	assert.Equal(t, Unconfigured, sup.Lifecycle())

	cfg = replanConfig()
	cfg.Replanner.Deadline = f64(3) // beyond look ahead
	sup = New(Deps{Checker: &fakeChecker{}, Consumer: &fakeConsumer{}, Planner: &capturePlanner{}})
	assert.ErrorIs(t, sup.Configure(cfg), zone.ErrInvalidOptions)

	sup = New(Deps{Checker: &fakeChecker{}, Consumer: &fakeConsumer{}})
	assert.Error(t, sup.Configure(replanConfig()), "replanning needs a planner")
}

func TestConfigureDerivesRateFromChecker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realtime")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))
	orig := realtimePath
	realtimePath = path
	defer func() { realtimePath = orig }()

	cfg := &config.SafetyConfig{
		Rate:                    f64(0),
		LookAheadTime:           f64(2),
		DynamicParameterization: flag(true),
	}
	h := newHarness(t, cfg, nil)

	assert.Equal(t, 50.0, h.sup.Rate())
	assert.InDelta(t, 0.02, h.sup.Zones().CollisionCheckingDeadline, 1e-12)
	assert.Equal(t, 0.0, h.sup.Zones().SlowDownTime, "dynamic slow down time")
	assert.Equal(t, max(1, runtime.NumCPU()/2), h.checker.opts.ThreadCount)
	assert.True(t, h.checker.opts.Realtime)
	assert.Equal(t, 0.1, h.checker.opts.Step)
}

func TestConfigureRejectsZeroRate(t *testing.T) {
	cfg := staticConfig()
	cfg.Rate = f64(0)
	sup := New(Deps{Checker: &fakeChecker{}, Consumer: &fakeConsumer{}})
	assert.ErrorIs(t, sup.Configure(cfg), config.ErrInvalidConfig)
}

func TestConfiguredDeadlineKept(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	assert.Equal(t, 0.1, h.sup.Zones().CollisionCheckingDeadline)
	assert.False(t, h.checker.opts.Realtime, "realtime detection only with dynamic parameterization")
}

// No obstacle for 100 ticks at scale 0.5 with a static 0.5s slow down time
// at 100Hz.
func TestStaticRampUpScenario(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	h.start(t)
	h.sup.scale.Store(0.5)

	prev := h.sup.Scale()
	reached := 0
	for tick := 1; tick <= 100; tick++ {
		h.sup.tick()
		got := h.sup.Scale()
		if prev < 1 {
			require.Greater(t, got, prev, "tick %d", tick)
		} else {
			require.Equal(t, 1.0, got)
		}
		if got == 1 && reached == 0 {
			reached = tick
		}
		prev = got
	}
	assert.NotZero(t, reached)
	assert.LessOrEqual(t, reached, 50)
	assert.Equal(t, 100, h.consumer.count())
}

func TestEmergencyStop(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	h.start(t)

	h.checker.setDelta(0.05)
	h.sup.tick()
	assert.Equal(t, ramp.MinScale, h.sup.Scale())

	h.checker.setDelta(-1)
	h.sup.tick()
	assert.InDelta(t, ramp.MinScale+0.02, h.sup.Scale(), 1e-12, "ramps back up once clear")
}

func TestSlowDownWithoutReplan(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	h.start(t)

	h.checker.setDelta(0.3)
	h.sup.tick()
	assert.InDelta(t, 0.98, h.sup.Scale(), 1e-12)

	// Far collisions still slow the robot when replanning is off.
	h.checker.setDelta(1.5)
	h.sup.tick()
	assert.InDelta(t, 0.96, h.sup.Scale(), 1e-12)
}

func TestScaleAlwaysClamped(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	h.start(t)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		if rng.Intn(3) == 0 {
			h.checker.setDelta(-1)
		} else {
			h.checker.setDelta(rng.Float64() * 2)
		}
		h.sup.UpdateTime(float64(i) / 100)
		h.sup.tick()
		s := h.sup.Scale()
		require.GreaterOrEqual(t, s, ramp.MinScale)
		require.LessOrEqual(t, s, ramp.MaxScale)
	}
}

func TestReplanAnchors(t *testing.T) {
	tests := []struct {
		name   string
		anchor string
		delta  float64
		start  float64
	}{
		// (now + anchor + collision) / 2 with now = 1
		{"replan zone", config.AnchorLowerBoundary, 0.75, (1 + 0.5 + 1.75) / 2},
		{"slow down lower boundary", config.AnchorLowerBoundary, 0.3, (1 + 0.1 + 1.3) / 2},
		// (1 + 0.5 + 1.3) / 2 is past the collision, so it is pulled back
		// halfway between now and the collision.
		{"slow down boundary", config.AnchorSlowDownBoundary, 0.3, (1 + 1.3) / 2},
		{"slow down boundary replan zone", config.AnchorSlowDownBoundary, 0.75, (1 + 0.5 + 1.75) / 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := replanConfig()
			cfg.ReplanAnchor = str(tt.anchor)
			planner := &capturePlanner{requests: make(chan replan.Request, 4)}
			h := newHarness(t, cfg, planner)
			h.start(t)

			h.sup.UpdateTime(1)
			h.checker.setDelta(tt.delta)
			h.sup.tick()

			select {
			case req := <-planner.requests:
				assert.InDelta(t, tt.start, req.StartTime, 1e-12)
				assert.Less(t, req.StartTime, 1+tt.delta, "start precedes the predicted collision")
				assert.Equal(t, 4.0, req.EndTime, "backtrack hits at the last sample")
			case <-time.After(2 * time.Second):
				t.Fatal("planner not invoked")
			}
		})
	}
}

func TestReplanZoneKeepsScaleAndSafeDoesNothing(t *testing.T) {
	planner := &capturePlanner{requests: make(chan replan.Request, 4)}
	h := newHarness(t, replanConfig(), planner)
	h.start(t)

	h.checker.setDelta(1.5)
	h.sup.tick()
	assert.Equal(t, 1.0, h.sup.Scale())
	assert.Equal(t, replan.Idle, h.sup.replanner.Status())

	h.checker.setDelta(0.75)
	h.sup.tick()
	assert.Equal(t, 1.0, h.sup.Scale())
	assert.Equal(t, replan.Ongoing, h.sup.replanner.Status())

	h.checker.setDelta(0.3)
	h.sup.tick()
	assert.InDelta(t, 0.98, h.sup.Scale(), 1e-12, "slow down zone still ramps down")
}

func TestReplanSuccessIsAdoptedOnce(t *testing.T) {
	detour := &trajectory.Trajectory{
		JointNames: joints,
		Points: []trajectory.Point{
			{Positions: []float64{0.3, -0.3}},
			{Positions: []float64{0.4, 0.2}},
			{Positions: []float64{0.5, -0.5}},
		},
	}
	planner := replan.PlannerFunc(func(context.Context, replan.Request) (*trajectory.Trajectory, error) {
		return detour.Clone(), nil
	})
	h := newHarness(t, replanConfig(), planner)
	h.start(t)
	h.sup.UpdateCurrentState(joints, trajectory.Point{Positions: []float64{0.1, -0.1}})
	h.sup.UpdateTime(0.4)

	h.checker.setDelta(0.75)
	h.sup.tick()
	require.Len(t, h.checker.trajectories, 1)
	require.Eventually(t, func() bool { return h.sup.replanner.Status() == replan.Succeed },
		2*time.Second, time.Millisecond)

	h.sup.tick()
	h.consumer.mu.Lock()
	require.Len(t, h.consumer.accepted, 1)
	accepted := h.consumer.accepted[0]
	h.consumer.mu.Unlock()
	assert.Equal(t, []float64{0.1, -0.1}, accepted.Points[0].Positions)
	require.Len(t, h.checker.trajectories, 1, "adopted at the next tick")

	h.sup.tick()
	require.Len(t, h.checker.trajectories, 2)
	assert.Equal(t, accepted, h.checker.trajectories[1])
	assert.InDelta(t, accepted.Duration(), h.sup.fullDuration, 1e-12)

	h.consumer.mu.Lock()
	assert.Len(t, h.consumer.accepted, 1)
	h.consumer.mu.Unlock()
}

func TestDynamicRampDown(t *testing.T) {
	cfg := &config.SafetyConfig{
		Rate:                      f64(100),
		LookAheadTime:             f64(2),
		SlowDownTime:              f64(0),
		CollisionCheckingDeadline: f64(0.05),
		DynamicParameterization:   flag(true),
		JointLimits: map[string]trajectory.Limit{
			"j1": {MaxVelocity: 1, MaxAcceleration: 2},
			"j2": {MaxVelocity: 1, MaxAcceleration: 2},
		},
	}
	h := newHarness(t, cfg, nil)
	h.start(t)
	h.sup.UpdateCurrentState(joints, trajectory.Point{Positions: []float64{0, 0}, Velocities: []float64{0.5, 0.1}})

	// slow down time = |0.5 * (1 - MinScale)| / 1 / 2
	sdt := 0.5 * (1 - ramp.MinScale) / 2
	h.checker.setDelta(0.2)
	h.sup.tick()
	assert.InDelta(t, sdt, h.sup.zones.Limit(zone.SlowDown), 1e-12)
	want := 1 + (ramp.MinScale-1)*0.01/sdt
	assert.InDelta(t, want, h.sup.Scale(), 1e-12)

	// ramp up: (1 - 0.1) / 2 = 0.45s for the joint with the most headroom
	h.sup.scale.Store(0.5)
	h.checker.setDelta(-1)
	h.sup.tick()
	assert.InDelta(t, 0.5+0.5*0.01/0.45, h.sup.Scale(), 1e-12)
}

func TestMissingFeedbackFallsBack(t *testing.T) {
	cfg := &config.SafetyConfig{
		Rate:                    f64(100),
		LookAheadTime:           f64(2),
		DynamicParameterization: flag(true),
		JointLimits:             map[string]trajectory.Limit{"j1": {MaxVelocity: 1, MaxAcceleration: 2}},
	}
	h := newHarness(t, cfg, nil)
	h.start(t)
	h.sup.UpdateCurrentState(joints, trajectory.Point{Positions: []float64{0, 0}})
	h.sup.scale.Store(0.5)

	h.sup.tick()
	assert.Equal(t, ramp.FallbackSlowDownTime, h.sup.p.slowDown)
	assert.InDelta(t, 0.52, h.sup.Scale(), 1e-12)
	assert.False(t, h.sup.dynamicRamp(), "fallback is permanent")
}

func TestInvalidDerivedZonesKeepPrevious(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	h.start(t)

	h.sup.scale.Store(0.5)
	h.checker.setDelta(-1)
	h.sup.tick()
	assert.InDelta(t, 0.25, h.sup.zones.Limit(zone.SlowDown), 1e-12)

	// 0.5 * 0.1 = 0.05 is below the emergency threshold
	h.sup.scale.Store(0.1)
	h.sup.tick()
	assert.InDelta(t, 0.25, h.sup.zones.Limit(zone.SlowDown), 1e-12)
}

func TestEnvironmentForwardedOnlyWhileRunning(t *testing.T) {
	h := newHarness(t, replanConfig(), &capturePlanner{requests: make(chan replan.Request, 1)})
	obstacle := trajectory.JointState{Names: []string{"obstacle"}, Positions: []float64{1}}

	h.sup.UpdateEnvironment(obstacle)
	h.start(t)
	h.sup.tick()
	require.NotEmpty(t, h.checker.envs)
	assert.Empty(t, h.checker.envs[len(h.checker.envs)-1].Names, "update before start is dropped")

	h.sup.UpdateEnvironment(obstacle)
	h.sup.tick()
	assert.Equal(t, obstacle, h.checker.envs[len(h.checker.envs)-1])
}

func TestEventsAndDebugPublishing(t *testing.T) {
	cfg := staticConfig()
	cfg.Visualize = flag(true)
	cfg.Store = &config.StoreConfig{SampleEvery: new(int)}
	*cfg.Store.SampleEvery = 2
	h := newHarness(t, cfg, nil)
	h.start(t)

	require.Len(t, h.events.runs, 1)
	assert.Equal(t, h.sup.RunID(), h.events.runs[0].ID)
	assert.Equal(t, 100.0, h.events.runs[0].Rate)

	h.sup.tick() // safe
	h.checker.setDelta(0.3)
	h.sup.tick() // slow down
	h.sup.tick()
	h.checker.setDelta(0.05)
	h.sup.tick() // emergency

	require.Len(t, h.events.transitions, 2)
	assert.Equal(t, zone.Safe, h.events.transitions[0].From)
	assert.Equal(t, zone.SlowDown, h.events.transitions[0].To)
	assert.Equal(t, zone.Emergency, h.events.transitions[1].To)
	assert.Equal(t, ramp.MinScale, h.events.transitions[1].Scale)
	assert.Len(t, h.events.samples, 2)

	assert.Equal(t, 1, h.debug.trajectories)
	require.Len(t, h.debug.states, 4)
	last := h.debug.states[3]
	assert.Equal(t, zone.Emergency, last.Zone)
	assert.InDelta(t, 0.05, last.CollisionTime, 1e-12)
	assert.Equal(t, h.sup.RunID(), last.RunID)

	h.sup.Stop()
	require.Len(t, h.events.stopped, 1)
}

func TestLoopTicksOnClock(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	require.NoError(t, h.sup.AddTrajectory(straight(4)))
	require.NoError(t, h.sup.Start())

	for i := 1; i <= 3; i++ {
		h.clock.Advance(10 * time.Millisecond)
		want := i
		require.Eventually(t, func() bool { return h.consumer.count() >= want }, 2*time.Second, time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- h.sup.Wait(context.Background()) }()
	h.sup.Stop()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, h.sup.Stats().Summary().Count, uint64(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, h.sup.Wait(ctx), "already stopped")
}

func TestConcurrentStop(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t, staticConfig(), nil)
		require.NoError(t, h.sup.AddTrajectory(straight(4)))
		require.NoError(t, h.sup.Start())

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.sup.Stop()
				assert.Equal(t, Stopped, h.sup.Lifecycle(), "Stop returns only once the run is stopped")
			}()
		}
		wg.Wait()
		require.Len(t, h.events.stopped, 1)
	}
}

func TestWaitAfterStopWithDoneContext(t *testing.T) {
	h := newHarness(t, staticConfig(), nil)
	require.NoError(t, h.sup.AddTrajectory(straight(4)))
	require.NoError(t, h.sup.Start())
	h.sup.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, h.sup.Wait(ctx))
	}
}
