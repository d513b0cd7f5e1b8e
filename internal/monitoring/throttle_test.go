package monitoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/timeutil"
)

func TestThrottleSuppressesWithinPeriod(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	th := NewThrottle(clock, 0)

	ok, _ := th.Allow("stop")
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		clock.Advance(100 * time.Millisecond)
		ok, _ = th.Allow("stop")
		assert.False(t, ok)
	}

	ok, _ = th.Allow("other")
	assert.True(t, ok, "keys are independent")

	clock.Advance(200 * time.Millisecond)
	ok, suppressed := th.Allow("stop")
	assert.True(t, ok)
	assert.Equal(t, 3, suppressed)
}

func TestThrottlePrintf(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	th := NewThrottle(clock, time.Second)

	var lines []string
	logf := func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	th.Printf(logf, "k", "scale=%.2f", 0.5)
	th.Printf(logf, "k", "scale=%.2f", 0.4)
	clock.Advance(time.Second)
	th.Printf(logf, "k", "scale=%.2f", 0.3)
	th.Printf(nil, "k", "ignored")

	require.Len(t, lines, 2)
	assert.Equal(t, "scale=0.50", lines[0])
	assert.Equal(t, "scale=0.30 (1 similar suppressed)", lines[1])
}
