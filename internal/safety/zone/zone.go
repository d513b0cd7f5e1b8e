// Package zone classifies a predicted time-to-collision into ordered risk
// zones.
package zone

import (
	"errors"
	"fmt"
)

// ErrInvalidOptions is returned when zone thresholds are not strictly ordered.
var ErrInvalidOptions = errors.New("invalid safety zone options")

// Zone is a risk classification. Zones are ordered by increasing distance
// from the collision, so a lower value is always more urgent.
type Zone uint8

const (
	Blind Zone = iota
	Emergency
	SlowDown
	Replan
	Safe
)

func (z Zone) String() string {
	switch z {
	case Blind:
		return "blind"
	case Emergency:
		return "emergency"
	case SlowDown:
		return "slow_down"
	case Replan:
		return "replan"
	case Safe:
		return "safe"
	}
	return fmt.Sprintf("zone(%d)", uint8(z))
}

// Parse returns the zone named by s, as produced by String.
func Parse(s string) (Zone, error) {
	for z := Blind; z <= Safe; z++ {
		if z.String() == s {
			return z, nil
		}
	}
	return 0, fmt.Errorf("unknown zone %q", s)
}

func (z Zone) MarshalText() ([]byte, error) {
	return []byte(z.String()), nil
}

func (z *Zone) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*z = v
	return nil
}

// Options are the zone thresholds in seconds.
//
// A zero SlowDownTime means the slow-down time is derived at runtime and is
// left out of validation. A zero ReplanDeadline disables the replan zone.
type Options struct {
	LookAheadTime             float64
	SlowDownTime              float64
	ReplanDeadline            float64
	CollisionCheckingDeadline float64
}

// Validate checks collision_checking_deadline < slow_down_time <
// replan_deadline <= look_ahead_time over the thresholds that are in use.
func (o Options) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"look_ahead_time", o.LookAheadTime},
		{"slow_down_time", o.SlowDownTime},
		{"replan_deadline", o.ReplanDeadline},
		{"collision_checking_deadline", o.CollisionCheckingDeadline},
	} {
		if f.v < 0 {
			return fmt.Errorf("%w: %s is negative (%g)", ErrInvalidOptions, f.name, f.v)
		}
	}

	type bound struct {
		name string
		v    float64
	}
	chain := []bound{{"collision_checking_deadline", o.CollisionCheckingDeadline}}
	if o.SlowDownTime > 0 {
		chain = append(chain, bound{"slow_down_time", o.SlowDownTime})
	}
	if o.ReplanDeadline > 0 {
		chain = append(chain, bound{"replan_deadline", o.ReplanDeadline})
	}
	for i := 1; i < len(chain); i++ {
		if chain[i-1].v >= chain[i].v {
			return fmt.Errorf("%w: %s (%g) must be less than %s (%g)",
				ErrInvalidOptions, chain[i-1].name, chain[i-1].v, chain[i].name, chain[i].v)
		}
	}
	if last := chain[len(chain)-1]; last.v > o.LookAheadTime {
		return fmt.Errorf("%w: %s (%g) exceeds look_ahead_time (%g)",
			ErrInvalidOptions, last.name, last.v, o.LookAheadTime)
	}
	return nil
}

// Classify maps delta = collision_time - current_time to a zone. Ties go to
// the more urgent zone.
func Classify(delta float64, o Options) Zone {
	switch {
	case delta < 0:
		return Blind
	case delta <= o.CollisionCheckingDeadline:
		return Emergency
	case delta <= o.SlowDownTime:
		return SlowDown
	case o.ReplanDeadline > 0 && delta <= o.ReplanDeadline:
		return Replan
	default:
		return Safe
	}
}

// Limit returns the upper bound in seconds of zone z.
func (o Options) Limit(z Zone) float64 {
	switch z {
	case Blind:
		return 0
	case Emergency:
		return o.CollisionCheckingDeadline
	case SlowDown:
		return o.SlowDownTime
	case Replan:
		if o.ReplanDeadline > 0 {
			return o.ReplanDeadline
		}
		return o.SlowDownTime
	case Safe:
		return o.LookAheadTime
	}
	return 0
}

// Print writes the zone table through logf.
func (o Options) Print(logf func(format string, args ...interface{})) {
	if logf == nil {
		return
	}
	logf("safety zones: %-10s [%8s, %8.4f]s", Emergency, "0", o.CollisionCheckingDeadline)
	if o.SlowDownTime > 0 {
		logf("safety zones: %-10s (%8.4f, %8.4f]s", SlowDown, o.CollisionCheckingDeadline, o.SlowDownTime)
	} else {
		logf("safety zones: %-10s (%8.4f, dynamic]", SlowDown, o.CollisionCheckingDeadline)
	}
	if o.ReplanDeadline > 0 {
		logf("safety zones: %-10s (%8.4f, %8.4f]s", Replan, o.SlowDownTime, o.ReplanDeadline)
	}
	logf("safety zones: %-10s beyond, look ahead %.4fs", Safe, o.LookAheadTime)
}
