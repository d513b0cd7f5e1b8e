package visualiser

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// Message kinds carried in the "kind" field.
const (
	KindState      = "state"
	KindTrajectory = "trajectory"
)

// maxSamples bounds the sampled positions sent with one trajectory.
const maxSamples = 10000

// TrajectoryInfo summarises the trajectory being supervised.
type TrajectoryInfo struct {
	JointNames []string
	Points     int
	Duration   float64
	Samples    []TrajectorySample
}

// TrajectorySample is the interpolated position of the trajectory at Time.
type TrajectorySample struct {
	Time      float64
	Positions []float64
}

// sampleTrajectory samples t every step seconds, always including its end.
// A non-positive step yields no samples.
func sampleTrajectory(t *trajectory.Trajectory, step float64) []TrajectorySample {
	if step <= 0 || t.Empty() {
		return nil
	}
	dur := t.Duration()
	var out []TrajectorySample
	for k := 0; len(out) < maxSamples-1; k++ {
		at := float64(k) * step
		if at >= dur-1e-9 {
			break
		}
		out = append(out, TrajectorySample{Time: at, Positions: t.Sample(at)})
	}
	return append(out, TrajectorySample{Time: dur, Positions: t.Sample(dur)})
}

// Message is one decoded stream message. Exactly one of State and
// Trajectory is meaningful, selected by Kind.
type Message struct {
	Kind       string
	State      supervisor.State
	Trajectory TrajectoryInfo
}

func encodeState(s supervisor.State) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"kind":            KindState,
		"run_id":          s.RunID,
		"scheduling_time": s.SchedulingTime,
		"collision_time":  s.CollisionTime,
		"zone":            s.Zone.String(),
		"scale":           s.Scale,
		"replan":          s.Replan.String(),
		"zones": map[string]any{
			"look_ahead_time":             s.Zones.LookAheadTime,
			"slow_down_time":              s.Zones.SlowDownTime,
			"replan_deadline":             s.Zones.ReplanDeadline,
			"collision_checking_deadline": s.Zones.CollisionCheckingDeadline,
		},
	})
}

func encodeTrajectory(t *trajectory.Trajectory, step float64) (*structpb.Struct, error) {
	names := make([]any, len(t.JointNames))
	for i, n := range t.JointNames {
		names[i] = n
	}
	fields := map[string]any{
		"kind":        KindTrajectory,
		"joint_names": names,
		"points":      len(t.Points),
		"duration":    t.Duration(),
	}
	if samples := sampleTrajectory(t, step); len(samples) > 0 {
		list := make([]any, len(samples))
		for i, smp := range samples {
			pos := make([]any, len(smp.Positions))
			for j, v := range smp.Positions {
				pos[j] = v
			}
			list[i] = map[string]any{"t": smp.Time, "positions": pos}
		}
		fields["samples"] = list
	}
	return structpb.NewStruct(fields)
}

// Decode converts a stream message back into its typed form.
func Decode(msg *structpb.Struct) (Message, error) {
	f := msg.GetFields()
	out := Message{Kind: f["kind"].GetStringValue()}
	switch out.Kind {
	case KindState:
		z, err := zone.Parse(f["zone"].GetStringValue())
		if err != nil {
			return out, err
		}
		st, err := replan.ParseStatus(f["replan"].GetStringValue())
		if err != nil {
			return out, err
		}
		zf := f["zones"].GetStructValue().GetFields()
		out.State = supervisor.State{
			RunID:          f["run_id"].GetStringValue(),
			SchedulingTime: f["scheduling_time"].GetNumberValue(),
			CollisionTime:  f["collision_time"].GetNumberValue(),
			Zone:           z,
			Scale:          f["scale"].GetNumberValue(),
			Replan:         st,
			Zones: zone.Options{
				LookAheadTime:             zf["look_ahead_time"].GetNumberValue(),
				SlowDownTime:              zf["slow_down_time"].GetNumberValue(),
				ReplanDeadline:            zf["replan_deadline"].GetNumberValue(),
				CollisionCheckingDeadline: zf["collision_checking_deadline"].GetNumberValue(),
			},
		}
	case KindTrajectory:
		for _, v := range f["joint_names"].GetListValue().GetValues() {
			out.Trajectory.JointNames = append(out.Trajectory.JointNames, v.GetStringValue())
		}
		out.Trajectory.Points = int(f["points"].GetNumberValue())
		out.Trajectory.Duration = f["duration"].GetNumberValue()
		for _, v := range f["samples"].GetListValue().GetValues() {
			sf := v.GetStructValue().GetFields()
			smp := TrajectorySample{Time: sf["t"].GetNumberValue()}
			for _, q := range sf["positions"].GetListValue().GetValues() {
				smp.Positions = append(smp.Positions, q.GetNumberValue())
			}
			out.Trajectory.Samples = append(out.Trajectory.Samples, smp)
		}
	default:
		return out, fmt.Errorf("unknown message kind %q", out.Kind)
	}
	return out, nil
}
