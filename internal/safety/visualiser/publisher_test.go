package visualiser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/timeutil"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

const waitFor = 2 * time.Second

func startPublisher(t *testing.T, cfg Config) (*Publisher, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	p := NewPublisher(cfg)
	require.NoError(t, p.Serve(lis))
	t.Cleanup(p.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return p, conn
}

// subscribe streams into a channel until the test ends.
func subscribe(t *testing.T, conn *grpc.ClientConn, name string) (<-chan Message, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs := make(chan Message, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- StreamConn(ctx, conn, name, func(m Message) error {
			msgs <- m
			return nil
		})
	}()
	return msgs, errc
}

func next(t *testing.T, msgs <-chan Message) Message {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(waitFor):
		t.Fatal("no message")
	}
	return Message{}
}

func waitClients(t *testing.T, p *Publisher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Clients == n }, waitFor, time.Millisecond)
}

func testState(at float64) supervisor.State {
	return supervisor.State{
		RunID:          "run-1",
		SchedulingTime: at,
		CollisionTime:  at + 0.3,
		Zone:           zone.SlowDown,
		Scale:          0.42,
		Replan:         replan.Ongoing,
		Zones: zone.Options{
			LookAheadTime:             2,
			SlowDownTime:              0.5,
			ReplanDeadline:            1,
			CollisionCheckingDeadline: 0.1,
		},
	}
}

func TestStreamStates(t *testing.T) {
	p, conn := startPublisher(t, Config{})
	p.SetTrajectory(&trajectory.Trajectory{
		JointNames: []string{"j1", "j2"},
		Points: []trajectory.Point{
			{Positions: []float64{0, 0}},
			{Positions: []float64{1, 1}, TimeFromStart: 2.5},
		},
	})

	msgs, _ := subscribe(t, conn, "viewer")
	first := next(t, msgs)
	require.Equal(t, KindTrajectory, first.Kind)
	assert.Equal(t, TrajectoryInfo{JointNames: []string{"j1", "j2"}, Points: 2, Duration: 2.5}, first.Trajectory)

	waitClients(t, p, 1)
	want := testState(1.5)
	p.Publish(want)
	got := next(t, msgs)
	require.Equal(t, KindState, got.Kind)
	if diff := cmp.Diff(want, got.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishDecimates(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	p, conn := startPublisher(t, Config{PublishFrequency: 10, Clock: clock})
	msgs, _ := subscribe(t, conn, "")
	waitClients(t, p, 1)

	for i := 0; i < 3; i++ {
		p.Publish(testState(float64(i)))
	}
	require.Eventually(t, func() bool { return p.Stats().Decimated == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, 0.0, next(t, msgs).State.SchedulingTime)

	clock.Advance(100 * time.Millisecond)
	p.Publish(testState(7))
	assert.Equal(t, 7.0, next(t, msgs).State.SchedulingTime)

	s := p.Stats()
	assert.Equal(t, uint64(4), s.Published)
	assert.Equal(t, uint64(2), s.Sent)
}

func TestMaxClients(t *testing.T) {
	p, conn := startPublisher(t, Config{MaxClients: 1})
	subscribe(t, conn, "first")
	waitClients(t, p, 1)

	_, errc := subscribe(t, conn, "second")
	select {
	case err := <-errc:
		assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	case <-time.After(waitFor):
		t.Fatal("second client was accepted")
	}
}

func TestStopEndsStreams(t *testing.T) {
	p, conn := startPublisher(t, Config{})
	_, errc := subscribe(t, conn, "")
	waitClients(t, p, 1)

	p.Stop()
	select {
	case <-errc:
	case <-time.After(waitFor):
		t.Fatal("stream still open after stop")
	}
	assert.False(t, p.Stats().Running)
	p.Stop()
}

func TestPublishBeforeServeIsDropped(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	p.Publish(testState(0))
	assert.Zero(t, p.Stats().Published)
	assert.Nil(t, p.Addr())
	p.Stop()
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	msg, err := encodeState(testState(0))
	require.NoError(t, err)
	delete(msg.Fields, "kind")
	_, err = Decode(msg)
	assert.Error(t, err)
}

func TestTrajectorySamples(t *testing.T) {
	p, conn := startPublisher(t, Config{SampleStep: 1})
	p.SetTrajectory(&trajectory.Trajectory{
		JointNames: []string{"j1"},
		Points: []trajectory.Point{
			{Positions: []float64{0}},
			{Positions: []float64{1}, TimeFromStart: 2.5},
		},
	})

	msgs, _ := subscribe(t, conn, "viewer")
	first := next(t, msgs)
	require.Equal(t, KindTrajectory, first.Kind)
	want := []TrajectorySample{
		{Time: 0, Positions: []float64{0}},
		{Time: 1, Positions: []float64{0.4}},
		{Time: 2, Positions: []float64{0.8}},
		{Time: 2.5, Positions: []float64{1}},
	}
	if diff := cmp.Diff(want, first.Trajectory.Samples, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestSampleTrajectoryBounds(t *testing.T) {
	tr := &trajectory.Trajectory{
		JointNames: []string{"j1"},
		Points: []trajectory.Point{
			{Positions: []float64{0}},
			{Positions: []float64{1}, TimeFromStart: 1},
		},
	}
	assert.Nil(t, sampleTrajectory(tr, 0))
	assert.Nil(t, sampleTrajectory(&trajectory.Trajectory{}, 0.1))
	assert.Len(t, sampleTrajectory(tr, 1e-9), maxSamples)
}
