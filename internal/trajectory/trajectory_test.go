package trajectory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoJointTrajectory() *Trajectory {
	return &Trajectory{
		JointNames: []string{"shoulder", "elbow"},
		Points: []Point{
			{Positions: []float64{0, 0}, TimeFromStart: 0},
			{Positions: []float64{1, 2}, TimeFromStart: 1},
			{Positions: []float64{2, 2}, TimeFromStart: 3},
		},
	}
}

func TestTrajectoryDuration(t *testing.T) {
	t.Parallel()

	var nilTraj *Trajectory
	assert.True(t, nilTraj.Empty())
	assert.Equal(t, 0.0, nilTraj.Duration())
	assert.Equal(t, 3.0, twoJointTrajectory().Duration())
}

func TestTrajectoryCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := twoJointTrajectory()
	cp := orig.Clone()
	if diff := cmp.Diff(orig, cp); diff != "" {
		t.Fatalf("clone differs (-orig +clone):\n%s", diff)
	}

	cp.Points[1].Positions[0] = 42
	cp.JointNames[0] = "wrist"
	assert.Equal(t, 1.0, orig.Points[1].Positions[0])
	assert.Equal(t, "shoulder", orig.JointNames[0])
}

func TestTrajectorySample(t *testing.T) {
	t.Parallel()

	traj := twoJointTrajectory()
	tests := []struct {
		name string
		at   float64
		want []float64
	}{
		{"before start clamps", -1, []float64{0, 0}},
		{"midpoint of first segment", 0.5, []float64{0.5, 1}},
		{"on waypoint", 1, []float64{1, 2}},
		{"inside second segment", 2, []float64{1.5, 2}},
		{"after end clamps", 10, []float64{2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDeltaSlice(t, tt.want, traj.Sample(tt.at), 1e-9)
		})
	}
}

func TestTrajectoryAfter(t *testing.T) {
	t.Parallel()

	tail := twoJointTrajectory().After(1)
	require.Len(t, tail, 1)
	assert.Equal(t, 3.0, tail[0].TimeFromStart)
}

func TestTrajectoryValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, twoJointTrajectory().Validate())

	bad := twoJointTrajectory()
	bad.Points[1].Positions = []float64{1}
	assert.ErrorIs(t, bad.Validate(), ErrJointMismatch)

	backwards := twoJointTrajectory()
	backwards.Points[2].TimeFromStart = 0.5
	assert.Error(t, backwards.Validate())
}

func TestReorder(t *testing.T) {
	t.Parallel()

	p := Point{Positions: []float64{1, 2, 3}, Velocities: []float64{0.1, 0.2, 0.3}}
	out, err := Reorder(p, []string{"a", "b", "c"}, []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1}, out.Positions)
	assert.Equal(t, []float64{0.3, 0.1}, out.Velocities)

	_, err = Reorder(p, []string{"a", "b", "c"}, []string{"d"})
	assert.ErrorIs(t, err, ErrJointMismatch)
}

func TestJointStatePosition(t *testing.T) {
	t.Parallel()

	js := JointState{Names: []string{"obstacle"}, Positions: []float64{0.75}}
	v, ok := js.Position("obstacle")
	assert.True(t, ok)
	assert.Equal(t, 0.75, v)

	_, ok = js.Position("missing")
	assert.False(t, ok)
}
