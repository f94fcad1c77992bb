package stats

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram range: 1 ns to 1 hour at 3 significant figures.
const (
	lowestDiscernible = 1
	highestTrackable  = int64(time.Hour)
	significantDigits = 3
)

var ErrNoSamples = errors.New("no latency samples")

// Summary describes a set of nanosecond latency samples. Min, Max, Mean and
// StdDev are exact. Percentiles come from the histogram and are clamped into
// [Min, Max].
type Summary struct {
	Count  int     `json:"count"`
	Min    uint64  `json:"min_ns"`
	Max    uint64  `json:"max_ns"`
	Mean   float64 `json:"mean_ns"`
	StdDev float64 `json:"stddev_ns"`
	P50    uint64  `json:"p50_ns"`
	P90    uint64  `json:"p90_ns"`
	P99    uint64  `json:"p99_ns"`
	P999   uint64  `json:"p999_ns"`
}

// Summarize builds the histogram in one batch and reads the summary out of
// it. It does not modify samples.
func Summarize(samples []uint64) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}

	h := hdrhistogram.New(lowestDiscernible, highestTrackable, significantDigits)
	s := Summary{Count: len(samples), Min: math.MaxUint64}
	var sum float64
	for _, v := range samples {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += float64(v)

		rec := int64(highestTrackable)
		if v < uint64(highestTrackable) {
			rec = int64(v)
		}
		if err := h.RecordValue(rec); err != nil {
			return Summary{}, fmt.Errorf("record %d ns: %w", v, err)
		}
	}
	s.Mean = sum / float64(len(samples))

	var dev float64
	for _, v := range samples {
		d := float64(v) - s.Mean
		dev += d * d
	}
	s.StdDev = math.Sqrt(dev / float64(len(samples)))

	s.P50 = s.clamp(h.ValueAtQuantile(50))
	s.P90 = s.clamp(h.ValueAtQuantile(90))
	s.P99 = s.clamp(h.ValueAtQuantile(99))
	s.P999 = s.clamp(h.ValueAtQuantile(99.9))
	return s, nil
}

func (s Summary) clamp(v int64) uint64 {
	if v < 0 || uint64(v) < s.Min {
		return s.Min
	}
	if uint64(v) > s.Max {
		return s.Max
	}
	return uint64(v)
}

// Print writes the two line console summary.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Percentiles: p50: %d ns p90: %d ns p99: %d ns p999: %d ns\n",
		s.P50, s.P90, s.P99, s.P999)
	fmt.Fprintf(w, "Latency (ns): Min: %d Avg: %d Max: %d StdDev: %d\n",
		s.Min, uint64(math.Round(s.Mean)), s.Max, uint64(math.Round(s.StdDev)))
}
