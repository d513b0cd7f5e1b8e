package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultBenchmarkWindow is the number of tick latencies kept.
const DefaultBenchmarkWindow = 5000

// BenchmarkStats is a ring of the most recent tick latencies. It is for
// observability only and never feeds back into control decisions.
type BenchmarkStats struct {
	mu       sync.Mutex
	period   time.Duration
	samples  []float64 // seconds
	next     int
	full     bool
	count    uint64
	overruns uint64
}

// StatsSummary summarises a BenchmarkStats window. Count and Overruns span
// the whole run; the distribution covers the retained window.
type StatsSummary struct {
	Count    uint64
	Overruns uint64
	Mean     time.Duration
	StdDev   time.Duration
	P50      time.Duration
	P99      time.Duration
	Max      time.Duration
}

// NewBenchmarkStats returns stats keeping window samples. A tick longer than
// period counts as an overrun.
func NewBenchmarkStats(window int, period time.Duration) *BenchmarkStats {
	if window <= 0 {
		window = DefaultBenchmarkWindow
	}
	return &BenchmarkStats{period: period, samples: make([]float64, window)}
}

// Reset clears all samples and sets a new overrun period.
func (b *BenchmarkStats) Reset(period time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.period = period
	b.next = 0
	b.full = false
	b.count = 0
	b.overruns = 0
}

// Record adds one tick latency.
func (b *BenchmarkStats) Record(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples[b.next] = d.Seconds()
	b.next++
	if b.next == len(b.samples) {
		b.next = 0
		b.full = true
	}
	b.count++
	if b.period > 0 && d > b.period {
		b.overruns++
	}
}

func (b *BenchmarkStats) window() []float64 {
	if b.full {
		return append([]float64(nil), b.samples...)
	}
	return append([]float64(nil), b.samples[:b.next]...)
}

// Latencies returns the retained samples, oldest first.
func (b *BenchmarkStats) Latencies() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ordered []float64
	if b.full {
		ordered = append(append(ordered, b.samples[b.next:]...), b.samples[:b.next]...)
	} else {
		ordered = b.samples[:b.next]
	}
	out := make([]time.Duration, len(ordered))
	for i, s := range ordered {
		out[i] = seconds(s)
	}
	return out
}

// Summary computes the window statistics.
func (b *BenchmarkStats) Summary() StatsSummary {
	b.mu.Lock()
	x := b.window()
	sum := StatsSummary{Count: b.count, Overruns: b.overruns}
	b.mu.Unlock()

	if len(x) == 0 {
		return sum
	}
	sort.Float64s(x)
	sum.Mean = seconds(stat.Mean(x, nil))
	if len(x) > 1 {
		sum.StdDev = seconds(stat.StdDev(x, nil))
	}
	sum.P50 = seconds(stat.Quantile(0.5, stat.Empirical, x, nil))
	sum.P99 = seconds(stat.Quantile(0.99, stat.Empirical, x, nil))
	sum.Max = seconds(floats.Max(x))
	return sum
}

func (s StatsSummary) String() string {
	return fmt.Sprintf("ticks=%d overruns=%d mean=%v stddev=%v p50=%v p99=%v max=%v",
		s.Count, s.Overruns, s.Mean, s.StdDev, s.P50, s.P99, s.Max)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
