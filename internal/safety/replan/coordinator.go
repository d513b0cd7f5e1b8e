// Package replan runs the asynchronous replanning task that routes the
// active trajectory around a predicted collision.
//
// The Coordinator is polled from the supervisor tick and never blocks it:
// planning runs on a worker goroutine bounded by a deadline, and each tick
// only inspects the status and consumes finished results. Attempts are
// numbered; a result that arrives after its attempt was superseded,
// abandoned or timed out is discarded.
package replan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/timeutil"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

var (
	// ErrReplanInProgress is returned by RunAsync while an attempt is running.
	ErrReplanInProgress = errors.New("replan already in progress")

	// ErrNoResult is returned by Result when no attempt has finished.
	ErrNoResult = errors.New("no replan result available")

	// ErrEmptyResult is returned by Flatten for an empty planned trajectory.
	ErrEmptyResult = errors.New("replan result is empty")
)

// Request is handed to the Planner for one attempt.
type Request struct {
	AttemptID   string
	Group       string
	Environment trajectory.JointState
	Trajectory  *trajectory.Trajectory
	// StartTime and EndTime bound the window of Trajectory to replace.
	StartTime float64
	EndTime   float64
}

// Planner computes a replacement for the requested window. It must return
// promptly once ctx is cancelled. An error is treated as an empty result.
type Planner interface {
	Plan(ctx context.Context, req Request) (*trajectory.Trajectory, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, req Request) (*trajectory.Trajectory, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, req Request) (*trajectory.Trajectory, error) {
	return f(ctx, req)
}

// Attempt describes a finished replanning attempt.
type Attempt struct {
	ID         string
	StartTime  float64
	EndTime    float64
	Status     Status
	Points     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// AttemptSink receives every finished attempt. Implementations must not block.
type AttemptSink interface {
	RecordAttempt(a Attempt)
}

// Options configures a Coordinator.
type Options struct {
	// Deadline bounds each attempt. Zero disables the timeout.
	Deadline      time.Duration
	Group         string
	Limits        trajectory.Limits
	Parameterizer trajectory.Parameterizer
	Clock         timeutil.Clock
	Sink          AttemptSink
}

// Coordinator owns the replanning state machine
// Idle -> Ongoing -> {Succeed | Timeout}.
type Coordinator struct {
	planner Planner
	opts    Options

	mu        sync.Mutex
	status    Status
	gen       uint64
	result    *trajectory.Trajectory
	cancel    context.CancelFunc
	startTime float64
	endTime   float64
	active    *trajectory.Trajectory
	env       trajectory.JointState
}

// NewCoordinator returns an idle Coordinator. Nil Clock and Parameterizer
// default to the real clock and trajectory.MinimumTime.
func NewCoordinator(planner Planner, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Parameterizer == nil {
		opts.Parameterizer = trajectory.MinimumTime{}
	}
	return &Coordinator{planner: planner, opts: opts}
}

// SetTrajectory replaces the trajectory that future attempts replan. The
// coordinator keeps its own copy.
func (c *Coordinator) SetTrajectory(t *trajectory.Trajectory) {
	cp := t.Clone()
	c.mu.Lock()
	c.active = cp
	c.mu.Unlock()
}

// UpdateEnvironment replaces the environment snapshot used by future attempts.
func (c *Coordinator) UpdateEnvironment(js trajectory.JointState) {
	c.mu.Lock()
	c.env = js
	c.mu.Unlock()
}

// Status returns the current state without side effects.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Window returns the bounds of the latest attempt.
func (c *Coordinator) Window() (start, end float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime, c.endTime
}

// RunAsync starts an attempt replanning [start, end] of the active
// trajectory and returns immediately. It is rejected with
// ErrReplanInProgress while another attempt is running; an unconsumed
// result of a finished attempt is discarded.
func (c *Coordinator) RunAsync(start, end float64) error {
	c.mu.Lock()
	if c.status == Ongoing {
		c.mu.Unlock()
		return ErrReplanInProgress
	}
	c.gen++
	gen := c.gen
	c.status = Ongoing
	c.result = nil
	c.startTime, c.endTime = start, end

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	req := Request{
		AttemptID:   uuid.NewString(),
		Group:       c.opts.Group,
		Environment: c.env,
		Trajectory:  c.active.Clone(),
		StartTime:   start,
		EndTime:     end,
	}
	var deadline <-chan time.Time
	var timer timeutil.Timer
	if c.opts.Deadline > 0 {
		timer = c.opts.Clock.NewTimer(c.opts.Deadline)
		deadline = timer.C()
	}
	c.mu.Unlock()

	diagf("attempt %s: replanning [%.3f, %.3f]", req.AttemptID, start, end)
	go c.run(ctx, cancel, gen, req, timer, deadline)
	return nil
}

type outcome struct {
	traj *trajectory.Trajectory
	err  error
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, gen uint64, req Request, timer timeutil.Timer, deadline <-chan time.Time) {
	defer cancel()
	if timer != nil {
		defer timer.Stop()
	}
	startedAt := c.opts.Clock.Now()

	done := make(chan outcome, 1)
	go func() {
		traj, err := c.planner.Plan(ctx, req)
		done <- outcome{traj: traj, err: err}
	}()

	var (
		status Status
		result *trajectory.Trajectory
	)
	select {
	case o := <-done:
		status = Succeed
		if o.err != nil {
			diagf("attempt %s: planner failed: %v", req.AttemptID, o.err)
		} else {
			result = o.traj
		}
	case <-deadline:
		status = Timeout
		cancel()
		diagf("attempt %s: deadline %v exceeded", req.AttemptID, c.opts.Deadline)
	case <-ctx.Done():
		// abandoned or superseded
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.result = result
	c.cancel = nil
	c.mu.Unlock()

	if c.opts.Sink != nil {
		points := 0
		if result != nil {
			points = len(result.Points)
		}
		c.opts.Sink.RecordAttempt(Attempt{
			ID:         req.AttemptID,
			StartTime:  req.StartTime,
			EndTime:    req.EndTime,
			Status:     status,
			Points:     points,
			StartedAt:  startedAt,
			FinishedAt: c.opts.Clock.Now(),
		})
	}
}

// Result consumes the outcome of a finished attempt and returns the
// coordinator to Idle. The trajectory is nil or empty after a timeout or a
// failed plan. ErrNoResult is returned unless the status is Succeed or
// Timeout.
func (c *Coordinator) Result() (*trajectory.Trajectory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Finished() {
		return nil, fmt.Errorf("status %s: %w", c.status, ErrNoResult)
	}
	r := c.result
	c.result = nil
	c.status = Idle
	return r, nil
}

// Abandon drops the in-flight attempt, if any, and returns to Idle. Its
// eventual result is never consumed.
func (c *Coordinator) Abandon() {
	c.mu.Lock()
	c.gen++
	cancel := c.cancel
	c.cancel = nil
	wasOngoing := c.status == Ongoing
	c.status = Idle
	c.result = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasOngoing {
		opsf("abandoned in-flight replan")
	}
}
