// Package latency measures closed-loop round trip times over a pool of
// datagram flows. Each request goes out on a randomly chosen flow and the
// next one is only sent once the echo has arrived.
package latency

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/runningwild/pingring/pkg/flow"
	"github.com/runningwild/pingring/pkg/metrics"
	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/stats"
	"github.com/runningwild/pingring/pkg/substrate"
)

// Harness is the reactor policy of the latency benchmark.
type Harness struct {
	cfg      Config
	pool     *flow.Pool
	sampler  *Sampler
	rng      *rand.Rand
	buf      []byte
	recorder metrics.Recorder
}

func NewHarness(cfg Config, pool *flow.Pool, sampler *Sampler, recorder metrics.Recorder) *Harness {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Harness{
		cfg:      cfg,
		pool:     pool,
		sampler:  sampler,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		buf:      cfg.payload(),
		recorder: recorder,
	}
}

func (h *Harness) Start(s reactor.Submitter) error { return h.send(s) }

func (h *Harness) Done() bool { return h.sampler.Done() }

func (h *Harness) send(s reactor.Submitter) error {
	f := h.pool.Get(h.rng.Intn(h.pool.Len()))
	if err := s.SendTo(f.Index, f.Handle, h.buf, h.cfg.Remote); err != nil {
		return err
	}
	f.Submissions++
	h.sampler.MarkSent()
	return nil
}

// OnSent posts the receive for the echo on the same flow.
func (h *Harness) OnSent(s reactor.Submitter, e reactor.Entry, r substrate.Sent) error {
	if err := s.Receive(e.Flow, e.Handle); err != nil {
		return err
	}
	h.pool.Get(e.Flow).Submissions++
	return nil
}

func (h *Harness) OnReceived(s reactor.Submitter, e reactor.Entry, r substrate.Received) error {
	d, err := h.sampler.Complete()
	if err != nil {
		return err
	}
	h.recorder.Sample(d)
	if h.sampler.Done() {
		return nil
	}
	return h.send(s)
}

// Options carries the collaborators of a run. The zero value is usable.
type Options struct {
	// Clock drives the sampler. Defaults to time.Now.
	Clock    func() time.Time
	Recorder metrics.Recorder
	Log      *zap.Logger
	// Out receives the console summary. Nil means no summary is printed.
	Out io.Writer
}

type Result struct {
	Samples   []uint64
	Summary   stats.Summary
	Elapsed   time.Duration
	Stats     reactor.RunStats
	FlowsUsed int
}

// Run validates cfg, creates the flows, collects cfg.Samples round trips,
// and then persists and summarizes them. Nothing is written when the run
// fails.
func Run(sub substrate.Substrate, cfg Config, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	pool, err := flow.Create(sub, cfg.Flows, cfg.LocalBase)
	if err != nil {
		return nil, err
	}
	opts.Log.Debug("flows bound",
		zap.Ints("ports", pool.Ports()),
		zap.Stringer("remote", cfg.Remote))

	sampler := NewSampler(cfg.Samples, opts.Clock)
	h := NewHarness(cfg, pool, sampler, opts.Recorder)
	r := reactor.New(sub, h,
		reactor.WithLimit(cfg.Flows),
		reactor.WithRecorder(recorderOrNop(opts.Recorder)))

	start := opts.Clock()
	if err := r.Run(); err != nil {
		return nil, fmt.Errorf("latency run after %d samples: %w", sampler.Len(), err)
	}
	res := &Result{
		Samples:   sampler.Samples(),
		Elapsed:   opts.Clock().Sub(start),
		Stats:     *r.Stats(),
		FlowsUsed: pool.Used(),
	}

	if res.Summary, err = stats.Summarize(res.Samples); err != nil {
		return nil, err
	}
	if err := stats.Persist(cfg.Output, res.Samples); err != nil {
		return nil, err
	}
	if opts.Out != nil {
		res.Summary.Print(opts.Out)
	}
	opts.Log.Info("latency run complete",
		zap.Int("samples", len(res.Samples)),
		zap.Int("flows_used", res.FlowsUsed),
		zap.Duration("elapsed", res.Elapsed),
		zap.Uint64("p99_ns", res.Summary.P99))
	return res, nil
}

func recorderOrNop(r metrics.Recorder) metrics.Recorder {
	if r == nil {
		return metrics.Nop{}
	}
	return r
}
