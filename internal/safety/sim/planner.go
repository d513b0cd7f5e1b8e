package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// DetourPlanner plans around the replan window by shifting the waypoints
// inside it by Offset: start, start+Offset, end+Offset, end. The result is
// untimed; the coordinator re-times it.
type DetourPlanner struct {
	Offset []float64

	// Delay is how long each plan takes.
	Delay time.Duration

	// EmptyResults makes the first n plans come back empty.
	EmptyResults int

	mu       sync.Mutex
	requests []replan.Request
}

var _ replan.Planner = (*DetourPlanner)(nil)

func (p *DetourPlanner) Plan(ctx context.Context, req replan.Request) (*trajectory.Trajectory, error) {
	if p.Delay > 0 {
		timer := time.NewTimer(p.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	p.mu.Unlock()

	if req.Trajectory.Empty() {
		return nil, errors.New("sim: no trajectory to plan around")
	}
	out := &trajectory.Trajectory{JointNames: append([]string(nil), req.Trajectory.JointNames...)}
	if n <= p.EmptyResults {
		return out, nil
	}

	start := req.Trajectory.Sample(req.StartTime)
	end := req.Trajectory.Sample(req.EndTime)
	offset := make([]float64, len(start))
	copy(offset, p.Offset)

	for _, q := range [][]float64{
		start,
		shifted(start, offset),
		shifted(end, offset),
		end,
	} {
		out.Points = append(out.Points, trajectory.Point{Positions: q})
	}
	return out, nil
}

func shifted(q, offset []float64) []float64 {
	out := make([]float64, len(q))
	floats.AddTo(out, q, offset)
	return out
}

// Requests returns the requests planned so far.
func (p *DetourPlanner) Requests() []replan.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]replan.Request(nil), p.requests...)
}
