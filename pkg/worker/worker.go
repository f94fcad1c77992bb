// Package worker runs independent reactors side by side. Each worker gets
// its own goroutine locked to an OS thread, and optionally pinned to a core.
package worker

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runningwild/pingring/pkg/affinity"
	"github.com/runningwild/pingring/pkg/logging"
	"github.com/runningwild/pingring/pkg/reactor"
)

// Func runs one worker to completion. It must build everything it uses
// (substrate, policy, reactor) itself; workers share no mutable state.
type Func func(ctx context.Context, id int, log *zap.Logger) (reactor.RunStats, error)

type Options struct {
	Count     int
	Pin       bool
	FirstCore int
	Stride    int
	Log       *zap.Logger
}

// Result is the per-worker and merged outcome of a run.
type Result struct {
	Total   reactor.RunStats
	Workers []reactor.RunStats
}

// Run starts opts.Count workers and waits for all of them. The first
// worker error cancels ctx for the rest and is returned; the statistics of
// every worker are merged regardless.
func Run(ctx context.Context, opts Options, fn Func) (Result, error) {
	if opts.Count < 1 {
		opts.Count = 1
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Pin {
		if err := affinity.Check(opts.Count, opts.FirstCore, opts.Stride); err != nil {
			return Result{}, err
		}
	}

	res := Result{Workers: make([]reactor.RunStats, opts.Count)}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Count; i++ {
		i := i
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			wlog := logging.Worker(log, i)
			if opts.Pin {
				core := affinity.Core(i, opts.FirstCore, opts.Stride)
				if err := affinity.Pin(core); err != nil {
					return fmt.Errorf("worker %d: pin to core %d: %w", i, core, err)
				}
				wlog = wlog.With(zap.Int("core", core))
				if cores, err := affinity.Current(); err == nil {
					wlog.Debug("pinned", zap.Ints("allowed", cores))
				}
			}
			wlog.Debug("worker started")

			st, err := fn(ctx, i, wlog)
			res.Workers[i] = st
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			wlog.Debug("worker finished",
				zap.Uint64("bytes", st.Bytes),
				zap.Uint64("completions", st.Completions()))
			return nil
		})
	}
	err := g.Wait()
	for i := range res.Workers {
		res.Total.Merge(&res.Workers[i])
	}
	return res, err
}
