package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runningwild/pingring/pkg/config"
	"github.com/runningwild/pingring/pkg/latency"
	"github.com/runningwild/pingring/pkg/policy"
	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/report"
	"github.com/runningwild/pingring/pkg/stats"
	"github.com/runningwild/pingring/pkg/substrate"
	"github.com/runningwild/pingring/pkg/sweep"
	"github.com/runningwild/pingring/pkg/worker"
)

func (a *app) latencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Measure closed loop round trip latency over one or more UDP flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLatency()
		},
	}
	a.latencyFlags(cmd)
	cmd.Flags().IntVar(&a.cfg.Flows, "flows", a.cfg.Flows, "Number of flows, bound to consecutive local ports")
	return cmd
}

func (a *app) latencyFlags(cmd *cobra.Command) {
	c := a.cfg
	cmd.Flags().IntVar(&c.Samples, "samples", c.Samples, "Number of round trips to measure")
	cmd.Flags().StringVar(&c.Output.Samples, "output", c.Output.Samples, "File receiving one latency sample (ns) per line")
}

func (a *app) latencyConfig() (latency.Config, error) {
	remote, err := config.ParseUDP(a.cfg.Remote)
	if err != nil {
		return latency.Config{}, err
	}
	local, err := config.ParseUDP(a.cfg.Local)
	if err != nil {
		return latency.Config{}, err
	}
	return latency.Config{
		Remote:    remote,
		LocalBase: local,
		BufSize:   a.cfg.BufSize,
		Flows:     a.cfg.Flows,
		Samples:   a.cfg.Samples,
		Seed:      a.cfg.Seed,
		Output:    a.cfg.Output.Samples,
	}, nil
}

// latencyReport is the JSON report of the latency mode.
type latencyReport struct {
	RunID     string           `json:"run_id"`
	Substrate string           `json:"substrate"`
	Flows     int              `json:"flows"`
	FlowsUsed int              `json:"flows_used"`
	Elapsed   time.Duration    `json:"elapsed_ns"`
	Summary   stats.Summary    `json:"summary"`
	Stats     reactor.RunStats `json:"stats"`
}

func (a *app) runLatency() error {
	cfg, err := a.latencyConfig()
	if err != nil {
		return err
	}
	sub, clock, err := a.newSubstrate(false)
	if err != nil {
		return err
	}
	defer sub.Close()

	res, err := latency.Run(sub, cfg, latency.Options{
		Clock:    clock,
		Recorder: a.registry.Worker(0),
		Log:      a.log,
		Out:      a.out,
	})
	if err != nil {
		return err
	}
	return a.writeReport(latencyReport{
		RunID:     a.runID,
		Substrate: a.cfg.Substrate,
		Flows:     cfg.Flows,
		FlowsUsed: res.FlowsUsed,
		Elapsed:   res.Elapsed,
		Summary:   res.Summary,
		Stats:     res.Stats,
	})
}

func (a *app) sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Repeat the latency benchmark over a range of flow counts and find the knee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSweep()
		},
	}
	a.latencyFlags(cmd)
	s := &a.cfg.Sweep
	cmd.Flags().IntVar(&s.FlowsMin, "flows-min", s.FlowsMin, "Smallest flow count")
	cmd.Flags().IntVar(&s.FlowsMax, "flows-max", s.FlowsMax, "Largest flow count")
	cmd.Flags().IntVar(&s.FlowsStep, "flows-step", s.FlowsStep, "Flow count increment")
	return cmd
}

func (a *app) runSweep() error {
	base, err := a.latencyConfig()
	if err != nil {
		return err
	}
	s := a.cfg.Sweep
	sw := sweep.New(base, s.FlowsMin, s.FlowsMax, s.FlowsStep,
		func() (substrate.Substrate, func() time.Time, error) { return a.newSubstrate(false) },
		latency.Options{
			Recorder: a.registry.Worker(0),
			Log:      a.log,
			Out:      a.out,
		})
	res, err := sw.Run()
	if err != nil {
		return err
	}
	return a.writeReport(struct {
		RunID     string `json:"run_id"`
		Substrate string `json:"substrate"`
		sweep.Result
	}{a.runID, a.cfg.Substrate, res})
}

func (a *app) echoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo",
		Short: "Echo every UDP datagram back to its sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stream(1, false, a.bindEcho)
		},
	}
}

func (a *app) reflectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reflector",
		Short: "Echo UDP datagrams on several workers sharing the local address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stream(a.cfg.Workers.Cores, true, a.bindEcho)
		},
	}
}

func (a *app) bindEcho(sub substrate.Substrate, id int) (reactor.Policy, error) {
	local, err := config.ParseUDP(a.cfg.Local)
	if err != nil {
		return nil, err
	}
	h, err := bindDatagram(sub, local)
	if err != nil {
		return nil, err
	}
	return policy.NewEcho(h, 0), nil
}

func (a *app) relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward every UDP datagram to the remote address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stream(1, false, func(sub substrate.Substrate, id int) (reactor.Policy, error) {
				local, remote, err := a.udpPair()
				if err != nil {
					return nil, err
				}
				h, err := bindDatagram(sub, local)
				if err != nil {
					return nil, err
				}
				return policy.NewRelay(h, remote), nil
			})
		},
	}
}

func (a *app) pktgenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pktgen",
		Short: "Send fixed size UDP datagrams to the remote at a fixed rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stream(a.cfg.Workers.Cores, false, func(sub substrate.Substrate, id int) (reactor.Policy, error) {
				local, remote, err := a.udpPair()
				if err != nil {
					return nil, err
				}
				// Worker i sends from the local port plus i.
				local.Port += id
				h, err := bindDatagram(sub, local)
				if err != nil {
					return nil, err
				}
				return policy.NewPktgen(h, remote, a.cfg.BufSize, a.cfg.InjectionRate), nil
			})
		},
	}
	cmd.Flags().DurationVar(&a.cfg.InjectionRate, "injection-rate", a.cfg.InjectionRate, "Interval between two sends")
	return cmd
}

func (a *app) tcpEchoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcp-echo",
		Short: "Run a TCP echo server, or a client that keeps one buffer bouncing off it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stream(1, false, func(sub substrate.Substrate, id int) (reactor.Policy, error) {
				if a.cfg.Peer == "client" {
					remote, err := config.ParseTCP(a.cfg.Remote)
					if err != nil {
						return nil, err
					}
					conn, err := policy.Dial(sub, remote)
					if err != nil {
						return nil, err
					}
					return policy.NewEchoClient(conn, a.cfg.BufSize), nil
				}
				local, err := config.ParseTCP(a.cfg.Local)
				if err != nil {
					return nil, err
				}
				ln, err := policy.Listen(sub, local, listenBacklog)
				if err != nil {
					return nil, err
				}
				return policy.NewEchoServer(ln), nil
			})
		},
	}
	cmd.Flags().StringVar(&a.cfg.Peer, "peer", a.cfg.Peer, "'server' or 'client'")
	return cmd
}

const listenBacklog = 128

func (a *app) dumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Receive and count traffic, optionally capturing it to a pcap file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDump()
		},
	}
	cmd.Flags().StringVar(&a.cfg.Transport, "transport", a.cfg.Transport, "'tcp' or 'udp'")
	cmd.Flags().StringVar(&a.cfg.Output.Pcap, "pcap", a.cfg.Output.Pcap, "Write received payloads to this pcap file")
	return cmd
}

func (a *app) runDump() error {
	var capture *policy.Capture
	if path := a.cfg.Output.Pcap; path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create pcap file: %w", err)
		}
		defer f.Close()
		w := bufio.NewWriter(f)
		defer w.Flush()
		if capture, err = policy.NewCapture(w, nil); err != nil {
			return err
		}
	}

	return a.stream(1, false, func(sub substrate.Substrate, id int) (reactor.Policy, error) {
		if a.cfg.Transport == "udp" {
			local, err := config.ParseUDP(a.cfg.Local)
			if err != nil {
				return nil, err
			}
			h, err := bindDatagram(sub, local)
			if err != nil {
				return nil, err
			}
			return policy.NewDatagramDump(h, local, capture), nil
		}
		local, err := config.ParseTCP(a.cfg.Local)
		if err != nil {
			return nil, err
		}
		ln, err := policy.Listen(sub, local, listenBacklog)
		if err != nil {
			return nil, err
		}
		return policy.NewStreamDump(ln, local, capture), nil
	})
}

func (a *app) udpPair() (*net.UDPAddr, *net.UDPAddr, error) {
	local, err := config.ParseUDP(a.cfg.Local)
	if err != nil {
		return nil, nil, err
	}
	remote, err := config.ParseUDP(a.cfg.Remote)
	if err != nil {
		return nil, nil, err
	}
	return local, remote, nil
}

func bindDatagram(sub substrate.Substrate, addr net.Addr) (substrate.Handle, error) {
	h, err := sub.Socket(substrate.Datagram)
	if err != nil {
		return 0, err
	}
	if err := sub.Bind(h, addr); err != nil {
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	return h, nil
}

// streamReport is the JSON report of the streaming modes.
type streamReport struct {
	RunID     string             `json:"run_id"`
	Mode      string             `json:"mode"`
	Substrate string             `json:"substrate"`
	Elapsed   time.Duration      `json:"elapsed_ns"`
	Total     reactor.RunStats   `json:"total"`
	Workers   []reactor.RunStats `json:"workers"`

	// Rate is worker 0's mean throughput over the progress intervals, zero
	// for runs shorter than two intervals.
	Rate       float64 `json:"rate_bytes_per_sec"`
	RateRelErr float64 `json:"rate_rel_err"`
}

// stream runs a streaming policy on workers workers until every worker has
// seen MaxCompletions completions or the process is interrupted. Worker 0
// prints the throughput line.
func (a *app) stream(workers int, reusePort bool, build func(substrate.Substrate, int) (reactor.Policy, error)) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Written by worker 0 only, read after worker.Run has joined it.
	var progress *report.Throughput

	start := time.Now()
	res, err := worker.Run(ctx, worker.Options{
		Count:     workers,
		Pin:       a.cfg.Workers.Pin,
		FirstCore: a.cfg.Workers.FirstCore,
		Stride:    a.cfg.Workers.Stride,
		Log:       a.log,
	}, func(ctx context.Context, id int, log *zap.Logger) (reactor.RunStats, error) {
		sub, clock, err := a.newSubstrate(reusePort)
		if err != nil {
			return reactor.RunStats{}, err
		}
		defer sub.Close()
		// Closing the substrate is the only way to unblock WaitAny.
		defer context.AfterFunc(ctx, func() { sub.Close() })()

		p, err := build(sub, id)
		if err != nil {
			return reactor.RunStats{}, err
		}
		opts := []reactor.Option{
			reactor.WithMaxCompletions(a.cfg.MaxCompletions),
			reactor.WithRecorder(a.registry.Worker(id)),
		}
		if id == 0 {
			progress = report.NewThroughput(a.out, a.cfg.Progress, clock)
			opts = append(opts, reactor.WithTicker(progress))
		}
		r := reactor.New(sub, p, opts...)
		log.Info("worker running", zap.String("policy", fmt.Sprintf("%T", p)))
		err = r.Run()
		if ctx.Err() != nil {
			err = nil
		}
		return *r.Stats(), err
	})
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%d B / %d us\n", res.Total.Bytes, elapsed.Microseconds())
	var rate, relErr float64
	if progress != nil {
		rate, relErr = progress.Rate()
	}
	if rate > 0 {
		fmt.Fprintf(a.out, "Rate: %.0f B/s +/- %.1f%%\n", rate, 100*relErr)
	}
	a.log.Info("run complete",
		zap.Int("workers", len(res.Workers)),
		zap.Uint64("bytes", res.Total.Bytes),
		zap.Uint64("completions", res.Total.Completions()),
		zap.Float64("rate_bytes_per_sec", rate),
		zap.Float64("rate_rel_err", relErr),
		zap.Duration("elapsed", elapsed))
	return a.writeReport(streamReport{
		RunID:      a.runID,
		Mode:       a.mode,
		Substrate:  a.cfg.Substrate,
		Elapsed:    elapsed,
		Total:      res.Total,
		Workers:    res.Workers,
		Rate:       rate,
		RateRelErr: relErr,
	})
}

func (a *app) writeReport(v interface{}) error {
	path := a.cfg.Output.Report
	if path == "" {
		return nil
	}
	if err := stats.WriteReport(path, v); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	a.log.Info("report written", zap.String("path", path))
	return nil
}
