// Package sweep repeats the latency benchmark over a range of flow counts
// and reports where throughput stops scaling.
package sweep

import (
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runningwild/pingring/pkg/analyze"
	"github.com/runningwild/pingring/pkg/latency"
	"github.com/runningwild/pingring/pkg/stats"
	"github.com/runningwild/pingring/pkg/substrate"
)

// Point is the outcome of one latency run in the sweep.
type Point struct {
	Flows   int     `json:"flows"`
	Rate    float64 `json:"samples_per_sec"`
	P99     uint64  `json:"p99_ns"`
	Mean    float64 `json:"mean_ns"`
	Output  string  `json:"output"`
	Samples int     `json:"samples"`
}

type Result struct {
	Points []Point `json:"points"`
	Knee   Point   `json:"knee"`

	// LinearLimit and Saturation are the flow counts where the rate stops
	// scaling linearly and stops growing; zero when not observed.
	LinearLimit  int     `json:"linear_limit_flows"`
	Saturation   int     `json:"saturation_flows"`
	Monotonicity float64 `json:"monotonicity"`

	// P99Growth is the p99 cost of one more flow over the dominant linear
	// region of the p99 curve, which covers P99Coverage of the points.
	P99Growth   float64 `json:"p99_ns_per_flow"`
	P99Coverage float64 `json:"p99_fit_coverage"`
}

// p99Tolerance is the relative error of a p99 point on its fitted line.
const p99Tolerance = 0.1

// Factory builds the substrate of one point. A non-nil clock replaces the
// sampler clock for that point.
type Factory func() (substrate.Substrate, func() time.Time, error)

// Sweeper runs one latency benchmark per flow count on a fresh substrate.
type Sweeper struct {
	base           latency.Config
	min, max, step int
	newSubstrate   Factory
	opts           latency.Options
	out            io.Writer
}

func New(base latency.Config, min, max, step int, newSubstrate Factory, opts latency.Options) *Sweeper {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	// Per point summaries would drown the sweep table.
	opts.Out = nil
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Sweeper{
		base:         base,
		min:          min,
		max:          max,
		step:         step,
		newSubstrate: newSubstrate,
		opts:         opts,
		out:          out,
	}
}

// Steps lists the flow counts the sweep visits.
func (s *Sweeper) Steps() []int {
	step := s.step
	if step <= 0 {
		step = 1
	}
	var steps []int
	for n := s.min; n <= s.max; n += step {
		steps = append(steps, n)
	}
	return steps
}

func (s *Sweeper) Run() (Result, error) {
	steps := s.Steps()
	if len(steps) == 0 {
		return Result{}, fmt.Errorf("empty sweep range %d..%d", s.min, s.max)
	}
	fmt.Fprintf(s.out, "Sweeping flows %d..%d to find the knee...\n", s.min, s.max)

	var res Result
	points := make([]analyze.Point, 0, len(steps))
	tail := make([]analyze.Point, 0, len(steps))
	for i, n := range steps {
		p, err := s.runPoint(n)
		if err != nil {
			return res, fmt.Errorf("sweep at %d flows: %w", n, err)
		}
		fmt.Fprintf(s.out, "[%d/%d] flows=%d -> %.0f samples/s, p99: %d ns\n",
			i+1, len(steps), n, p.Rate, p.P99)
		res.Points = append(res.Points, p)
		points = append(points, analyze.Point{X: float64(n), Y: p.Rate, Flows: n})
		tail = append(tail, analyze.Point{X: float64(n), Y: float64(p.P99), Flows: n})
	}

	knee := analyze.FindKnee(points)
	for _, p := range res.Points {
		if p.Flows == knee.Flows {
			res.Knee = p
		}
	}
	fmt.Fprintf(s.out, "Knee at %d flows (%.0f samples/s)\n", res.Knee.Flows, res.Knee.Rate)

	t := analyze.DefaultDetector().Analyze(points)
	res.LinearLimit = t.LinearLimit.Flows
	res.Saturation = t.Saturation.Flows
	res.Monotonicity = analyze.Monotonicity(points)
	if res.LinearLimit > 0 {
		fmt.Fprintf(s.out, "Linear scaling up to %d flows\n", res.LinearLimit)
	}
	if res.Saturation > 0 {
		fmt.Fprintf(s.out, "Saturated at %d flows\n", res.Saturation)
	}

	line := analyze.FitDominantLine(tail, p99Tolerance, rand.New(rand.NewSource(s.base.Seed)))
	res.P99Growth = line.Slope
	res.P99Coverage = line.Coverage
	if line.Inliers > 0 {
		fmt.Fprintf(s.out, "p99 grows %.0f ns per flow over %.0f%% of points\n", line.Slope, 100*line.Coverage)
	}

	s.opts.Log.Info("sweep complete",
		zap.Int("points", len(res.Points)),
		zap.Int("knee_flows", res.Knee.Flows),
		zap.Int("linear_limit_flows", res.LinearLimit),
		zap.Int("saturation_flows", res.Saturation),
		zap.Float64("monotonicity", res.Monotonicity),
		zap.Float64("p99_ns_per_flow", res.P99Growth))
	return res, nil
}

func (s *Sweeper) runPoint(flows int) (Point, error) {
	sub, clock, err := s.newSubstrate()
	if err != nil {
		return Point{}, err
	}
	defer sub.Close()

	opts := s.opts
	if clock != nil {
		opts.Clock = clock
	}
	cfg := s.base
	cfg.Flows = flows
	cfg.Output = pointPath(s.base.Output, flows)
	r, err := latency.Run(sub, cfg, opts)
	if err != nil {
		return Point{}, err
	}
	p := Point{
		Flows:   flows,
		P99:     r.Summary.P99,
		Mean:    r.Summary.Mean,
		Output:  cfg.Output,
		Samples: len(r.Samples),
	}
	if secs := r.Elapsed.Seconds(); secs > 0 {
		p.Rate = float64(len(r.Samples)) / secs
	}
	return p, nil
}

// pointPath derives the sample file of one point: latency.txt becomes
// latency-4.txt for four flows.
func pointPath(base string, flows int) string {
	if base == "" {
		base = stats.DefaultPath
	}
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), flows, ext)
}
