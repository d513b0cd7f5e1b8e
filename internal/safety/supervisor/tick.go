package supervisor

import (
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/config"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/ramp"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// snapshot is everything the tick reads from the inbound cells.
type snapshot struct {
	env     trajectory.JointState
	now     float64
	current trajectory.CurrentState
	scale   float64
}

func (s *Supervisor) tick() {
	if !s.running.Load() {
		return
	}
	if t, ok := s.pending.Take(); ok {
		s.adopt(t)
	}

	snap := snapshot{
		env:     s.env.Load(),
		now:     s.now.Load(),
		current: s.current.Load(),
		scale:   s.scale.Load(),
	}

	s.deps.Checker.UpdateEnvironment(snap.env)
	if s.replanner != nil {
		s.replanner.UpdateEnvironment(snap.env)
	}

	collision := s.deps.Checker.RunOnce(snap.now, s.p.lookAhead)
	s.updateZones(snap)

	scale := snap.scale
	z := zone.Safe
	if collision >= snap.now {
		z = s.zones.Classify(collision - snap.now)
		scale = s.react(z, snap, collision)
	} else if scale < ramp.MaxScale {
		scale = s.rampUp(snap)
		s.throttle.Printf(diagf, "scale", "scale: %.2f", scale)
	}
	scale = ramp.Clamp(scale)

	s.scale.Store(scale)
	s.deps.Consumer.SetScale(scale)
	s.report(snap.now, collision, z, scale)
}

// adopt is the single swap point for a new active trajectory.
func (s *Supervisor) adopt(t *trajectory.Trajectory) {
	s.deps.Checker.SetTrajectory(t.Clone())
	if s.replanner != nil {
		s.replanner.SetTrajectory(t)
	}
	if s.p.visualize {
		s.deps.Debug.SetTrajectory(t.Clone())
	}
	s.fullDuration = t.Duration()
	tracef("adopted trajectory: %d points, %.3fs", len(t.Points), s.fullDuration)
}

// dynamicRamp reports whether the kinematic ramp law is in effect.
func (s *Supervisor) dynamicRamp() bool {
	return s.p.dynamic && s.p.slowDown <= 0
}

// fallBack permanently replaces the kinematic ramp with the static
// fallback duration.
func (s *Supervisor) fallBack() {
	s.p.slowDown = ramp.FallbackSlowDownTime
	s.throttle.Printf(opsf, "feedback",
		"no velocity feedback from the robot; using a fixed %.1fs slow down time", ramp.FallbackSlowDownTime)
}

// updateZones derives this tick's slow-down threshold. A derived threshold
// set that fails validation leaves the previous one in place.
func (s *Supervisor) updateZones(snap snapshot) {
	opts := s.base
	if s.dynamicRamp() {
		if ramp.IsStopped(snap.scale) {
			return
		}
		t, ok := ramp.TimeToReach(snap.current, snap.scale, ramp.MinScale, s.p.limits)
		if !ok || t <= 0 {
			s.fallBack()
			opts.SlowDownTime = s.p.slowDown
			s.setZones(opts)
			return
		}
		opts.SlowDownTime = t
	} else {
		opts.SlowDownTime = s.p.slowDown * snap.scale
	}
	s.setZones(opts)
}

func (s *Supervisor) setZones(opts zone.Options) {
	if err := s.zones.Set(opts); err != nil {
		tracef("keeping previous zones: %v", err)
	}
}

// rampDown returns the scale after one tick of slowing down.
func (s *Supervisor) rampDown(snap snapshot) float64 {
	if s.dynamicRamp() {
		t, ok := ramp.TimeToReach(snap.current, snap.scale, ramp.MinScale, s.p.limits)
		if ok {
			return snap.scale + ramp.ProportionalStep(snap.scale, ramp.MinScale, s.p.rate, t)
		}
		s.fallBack()
	}
	return ramp.Down(snap.scale, ramp.LinearStep(s.p.rate, s.p.slowDown))
}

// rampUp returns the scale after one tick of speeding back up.
func (s *Supervisor) rampUp(snap snapshot) float64 {
	if s.dynamicRamp() {
		t, ok := ramp.TimeToReach(snap.current, snap.scale, ramp.MaxScale, s.p.limits)
		if ok {
			return snap.scale + ramp.ProportionalStep(snap.scale, ramp.MaxScale, s.p.rate, t)
		}
		s.fallBack()
	}
	return ramp.Up(snap.scale, ramp.LinearStep(s.p.rate, s.p.slowDown))
}

// react applies the zone policy to a predicted collision.
func (s *Supervisor) react(z zone.Zone, snap snapshot, collision float64) float64 {
	switch z {
	case zone.Blind, zone.Emergency:
		s.throttle.Printf(opsf, "emergency", "emergency stop: collision in %.3fs", collision-snap.now)
		return ramp.MinScale
	case zone.SlowDown:
		scale := s.rampDown(snap)
		if s.p.allowReplan {
			s.driveReplan(z, snap, collision)
		} else {
			s.throttle.Printf(opsf, "slowdown", "slowing down: collision in %.3fs, scale %.2f", collision-snap.now, scale)
		}
		return scale
	case zone.Replan:
		if s.p.allowReplan {
			s.driveReplan(z, snap, collision)
			return snap.scale
		}
		return s.rampDown(snap)
	case zone.Safe:
		if s.p.allowReplan {
			return snap.scale
		}
		scale := s.rampDown(snap)
		s.throttle.Printf(opsf, "slowdown", "slowing down: collision in %.3fs, scale %.2f", collision-snap.now, scale)
		return scale
	}
	return snap.scale
}

// anchor returns the zone boundary the replan start is biased towards.
// Under slow_down_boundary a SlowDown-zone collision lies inside the anchor,
// so the biased start can land at or past the collision; driveReplan clamps
// that case to halfway between now and the collision.
func (s *Supervisor) anchor(z zone.Zone) float64 {
	if z == zone.SlowDown && s.p.anchor == config.AnchorLowerBoundary {
		return s.zones.Limit(zone.Emergency)
	}
	return s.zones.Limit(zone.SlowDown)
}

func (s *Supervisor) driveReplan(z zone.Zone, snap snapshot, collision float64) {
	start := (snap.now + s.anchor(z) + collision) / 2
	if start >= collision {
		start = (snap.now + collision) / 2
	}
	status := s.replanner.Drive(replan.Tick{
		StartTime:   start,
		CurrentTime: snap.now,
		Current:     snap.current,
		Backtrack: func() float64 {
			return replan.Backtrack(s.deps.Checker, s.fullDuration, s.p.step)
		},
		Accept: s.acceptReplan,
	})
	s.throttle.Printf(diagf, "replan", "replan %s from %.3f (zone %s)", status, start, z)
}

// acceptReplan hands a flattened replan to the motion consumer and queues
// it for adoption at the next tick's swap point.
func (s *Supervisor) acceptReplan(t *trajectory.Trajectory) {
	diagf("accepted replanned trajectory: %d points, %.3fs", len(t.Points), t.Duration())
	s.deps.Consumer.AcceptTrajectory(t.Clone())
	s.pending.Store(t)
}

func (s *Supervisor) report(now, collision float64, z zone.Zone, scale float64) {
	s.ticks++
	if s.p.visualize {
		status := replan.Idle
		if s.replanner != nil {
			status = s.replanner.Status()
		}
		s.deps.Debug.Publish(State{
			RunID:          s.runID,
			SchedulingTime: now,
			CollisionTime:  collision,
			Zone:           z,
			Scale:          scale,
			Zones:          s.zones.Options(),
			Replan:         status,
		})
	}

	if s.deps.Events == nil {
		s.lastZone = z
		return
	}
	if z != s.lastZone {
		s.deps.Events.ZoneChanged(Transition{
			RunID:          s.runID,
			At:             s.deps.Clock.Now(),
			SchedulingTime: now,
			CollisionTime:  collision,
			From:           s.lastZone,
			To:             z,
			Scale:          scale,
		})
		s.lastZone = z
	}
	if s.p.sampleEvery > 0 && s.ticks%uint64(s.p.sampleEvery) == 0 {
		s.deps.Events.ScaleSampled(Sample{RunID: s.runID, SchedulingTime: now, Scale: scale, Zone: z})
	}
}
