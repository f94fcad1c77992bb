package report

import (
	"fmt"
	"io"
	"math"
	"time"
)

// DefaultInterval is the cadence of the progress line.
const DefaultInterval = 5 * time.Second

// Throughput prints cumulative bytes and elapsed time on a fixed cadence.
// Tick never blocks: when the interval has not elapsed it does nothing.
type Throughput struct {
	out      io.Writer
	interval time.Duration
	now      func() time.Time

	start     time.Time
	last      time.Time
	lastBytes uint64
	rates     []float64 // bytes per second, one per printed interval
}

func NewThroughput(out io.Writer, interval time.Duration, now func() time.Time) *Throughput {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Throughput{
		out:      out,
		interval: interval,
		now:      now,
		start:    start,
		last:     start,
	}
}

// Tick reports whether a line was printed.
func (t *Throughput) Tick(bytes uint64) bool {
	now := t.now()
	if now.Sub(t.last) <= t.interval {
		return false
	}
	elapsed := now.Sub(t.start)
	fmt.Fprintf(t.out, "%d B / %d us\n", bytes, elapsed.Microseconds())

	if dt := now.Sub(t.last).Seconds(); dt > 0 && bytes >= t.lastBytes {
		t.rates = append(t.rates, float64(bytes-t.lastBytes)/dt)
	}
	t.last = now
	t.lastBytes = bytes
	return true
}

// Rate returns the mean per-interval throughput in bytes per second and its
// standard error relative to the mean. Both are zero before two intervals
// have been observed.
func (t *Throughput) Rate() (mean float64, relErr float64) {
	n := len(t.rates)
	if n < 2 {
		return 0, 0
	}
	// Welford's running mean and squared deviation.
	var m2 float64
	for i, r := range t.rates {
		d := r - mean
		mean += d / float64(i+1)
		m2 += d * (r - mean)
	}
	if mean <= 0 {
		return mean, 0
	}
	stdErr := math.Sqrt(m2/float64(n)) / math.Sqrt(float64(n))
	return mean, stdErr / mean
}
