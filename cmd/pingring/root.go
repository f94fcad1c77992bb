package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"

	"github.com/runningwild/pingring/pkg/config"
	"github.com/runningwild/pingring/pkg/logging"
	"github.com/runningwild/pingring/pkg/metrics"
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	cfg         *config.Config
	configPath  string
	writeConfig string

	out      io.Writer
	log      *zap.Logger
	runID    string
	mode     string
	registry *metrics.Registry
	stop     context.CancelFunc
}

func newApp(out io.Writer) *app {
	log, err := logging.New("info", false)
	if err != nil {
		log = zap.NewNop()
	}
	return &app{
		cfg:      config.Default(),
		out:      out,
		log:      log,
		registry: metrics.NewRegistry(),
		stop:     func() {},
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pingring",
		Short: "Latency and throughput microbenchmarks over asynchronous I/O substrates",
		Long: `pingring drives a single threaded completion reactor over one of several ` +
			`I/O substrates (the Go network poller, two io_uring bindings, or a deterministic ` +
			`simulation) and measures round trip latency or streaming throughput.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.stop()
		},
	}

	c := a.cfg
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Path to a YAML configuration file; explicit flags override it")
	pf.StringVar(&a.writeConfig, "write-config", "", "Save the effective configuration to this YAML file")
	pf.StringVar(&c.Substrate, "substrate", c.Substrate, "I/O substrate: 'netio', 'uring', 'iour' or 'sim'")
	pf.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level: debug, info, warn or error")
	pf.BoolVar(&c.Log.JSON, "log-json", c.Log.JSON, "Write JSON logs instead of console logs")
	pf.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve Prometheus metrics on this address, e.g. :9100")

	pf.StringVar(&c.Local, "local", c.Local, "Local address (ip:port); the first flow port for latency")
	pf.StringVar(&c.Remote, "remote", c.Remote, "Remote address (ip:port)")
	pf.IntVar(&c.BufSize, "bufsize", c.BufSize, "Payload size in bytes")
	pf.Int64Var(&c.Seed, "seed", c.Seed, "Seed of the flow selection")
	pf.IntVar(&c.Workers.Cores, "cores", c.Workers.Cores, "Number of workers")
	pf.BoolVar(&c.Workers.Pin, "pin", c.Workers.Pin, "Pin each worker to its own core")
	pf.IntVar(&c.Workers.FirstCore, "first-core", c.Workers.FirstCore, "Core of the first pinned worker")
	pf.IntVar(&c.Workers.Stride, "core-stride", c.Workers.Stride, "Core distance between pinned workers")
	pf.DurationVar(&c.Progress, "progress-interval", c.Progress, "Cadence of the throughput line")
	pf.Uint64Var(&c.MaxCompletions, "max-completions", c.MaxCompletions, "Stop streaming modes after this many completions per worker (0 runs until interrupted)")
	pf.StringVar(&c.Output.Report, "report", c.Output.Report, "Write a JSON report to this file")

	root.AddCommand(
		a.latencyCmd(),
		a.sweepCmd(),
		a.echoCmd(),
		a.reflectorCmd(),
		a.relayCmd(),
		a.pktgenCmd(),
		a.tcpEchoCmd(),
		a.dumpCmd(),
	)
	return root
}

// setup layers the configuration, validates it for the chosen mode, and
// builds the run scoped logger and metrics endpoint.
func (a *app) setup(cmd *cobra.Command) error {
	a.mode = cmd.Name()
	if err := a.loadConfig(cmd.Flags()); err != nil {
		return err
	}
	if err := a.cfg.Validate(a.mode); err != nil {
		return err
	}
	if err := checkSubstrate(a.mode, a.cfg); err != nil {
		return err
	}
	if a.writeConfig != "" {
		if err := a.cfg.Write(a.writeConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	}

	log, err := logging.New(a.cfg.Log.Level, a.cfg.Log.JSON)
	if err != nil {
		return err
	}
	atexit.Register(func() { _ = log.Sync() })
	a.runID = xid.New().String()
	a.log = logging.Run(log, a.runID, a.mode, a.cfg.Substrate)

	if addr := a.cfg.MetricsAddr; addr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		a.stop = cancel
		go func() {
			if err := a.registry.Serve(ctx, addr); err != nil {
				a.log.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
		a.log.Info("serving metrics", zap.String("addr", addr))
	}
	return nil
}

// loadConfig reads --config into the configuration the flags are bound to,
// then reapplies every flag given on the command line.
func (a *app) loadConfig(flags *pflag.FlagSet) error {
	if a.configPath == "" {
		return nil
	}
	changed := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	loaded, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	*a.cfg = *loaded

	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		if err := f.Value.Set(changed[f.Name]); err != nil && setErr == nil {
			setErr = fmt.Errorf("reapply --%s: %w", f.Name, err)
		}
	})
	return setErr
}
