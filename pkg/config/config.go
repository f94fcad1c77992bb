package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration error. They are all reported before
// any endpoint is created.
var ErrInvalid = errors.New("invalid configuration")

// Config is the effective configuration of one pingring invocation. Flags
// and the YAML file share the same keys.
type Config struct {
	Substrate string `yaml:"substrate"` // "netio", "uring", "iour" or "sim"
	Local     string `yaml:"local"`
	Remote    string `yaml:"remote"`
	Peer      string `yaml:"peer"` // tcp-echo: "server" or "client"
	Transport string `yaml:"transport"` // dump: "tcp" or "udp"

	BufSize int   `yaml:"bufsize"`
	Flows   int   `yaml:"flows"`
	Samples int   `yaml:"samples"`
	Seed    int64 `yaml:"seed"`

	// InjectionRate is the pktgen send interval.
	InjectionRate time.Duration `yaml:"injection_rate"`
	// MaxCompletions stops streaming modes; 0 runs forever.
	MaxCompletions uint64        `yaml:"max_completions"`
	Progress       time.Duration `yaml:"progress_interval"`

	Workers Workers `yaml:"workers"`
	Output  Output  `yaml:"output"`
	Log     Log     `yaml:"log"`
	Sweep   Sweep   `yaml:"sweep"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

type Workers struct {
	Cores     int  `yaml:"cores"`
	Pin       bool `yaml:"pin"`
	FirstCore int  `yaml:"first_core"`
	Stride    int  `yaml:"stride"`
}

type Output struct {
	Samples string `yaml:"samples"` // latency sample file
	Report  string `yaml:"report,omitempty"`
	Pcap    string `yaml:"pcap,omitempty"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Sweep is the flow count range of the sweep mode.
type Sweep struct {
	FlowsMin  int `yaml:"flows_min"`
	FlowsMax  int `yaml:"flows_max"`
	FlowsStep int `yaml:"flows_step"`
}

// DefaultFirstCore is the first core pinned workers use, leaving the low
// cores to the kernel and the interrupt handlers.
const DefaultFirstCore = 4

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Workers.FirstCore = DefaultFirstCore
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file over Default, so keys the file omits keep their
// default values. Keys the file sets to zero stay zero and are left for
// Validate to reject.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Substrate == "" {
		c.Substrate = "netio"
	}
	if c.Local == "" {
		c.Local = "127.0.0.1:12345"
	}
	if c.Remote == "" {
		c.Remote = "127.0.0.1:23456"
	}
	if c.Peer == "" {
		c.Peer = "server"
	}
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.BufSize == 0 {
		c.BufSize = 1024
	}
	if c.Flows == 0 {
		c.Flows = 1
	}
	if c.Samples == 0 {
		c.Samples = 10000
	}
	if c.InjectionRate == 0 {
		c.InjectionRate = 100 * time.Microsecond
	}
	if c.Progress == 0 {
		c.Progress = 5 * time.Second
	}
	if c.Workers.Cores == 0 {
		c.Workers.Cores = 1
	}
	if c.Workers.Stride == 0 {
		c.Workers.Stride = 2
	}
	if c.Output.Samples == "" {
		c.Output.Samples = "latency.txt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sweep.FlowsMin == 0 {
		c.Sweep.FlowsMin = 1
	}
	if c.Sweep.FlowsMax == 0 {
		c.Sweep.FlowsMax = 16
	}
	if c.Sweep.FlowsStep == 0 {
		c.Sweep.FlowsStep = 1
	}
}

// Write dumps the configuration as YAML.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the fields the given mode uses.
func (c *Config) Validate(mode string) error {
	switch c.Substrate {
	case "netio", "uring", "iour", "sim":
	default:
		return invalid("unknown substrate %q", c.Substrate)
	}
	if _, err := ParseUDP(c.Local); err != nil {
		return invalid("local: %v", err)
	}
	if c.BufSize < 1 {
		return invalid("bufsize %d: must be positive", c.BufSize)
	}
	if c.Workers.Cores < 1 {
		return invalid("cores %d: must be at least 1", c.Workers.Cores)
	}
	if c.Workers.FirstCore < 0 || c.Workers.Stride < 1 {
		return invalid("core layout first=%d stride=%d", c.Workers.FirstCore, c.Workers.Stride)
	}
	if c.Progress < 0 {
		return invalid("progress interval %s: must not be negative", c.Progress)
	}

	needRemote := false
	switch mode {
	case "latency":
		needRemote = true
		if c.Flows < 1 {
			return invalid("flows %d: must be at least 1", c.Flows)
		}
		if c.Samples < 1 {
			return invalid("samples %d: must be at least 1", c.Samples)
		}
		if err := c.checkPortRange(c.Flows); err != nil {
			return err
		}
	case "sweep":
		needRemote = true
		if c.Samples < 1 {
			return invalid("samples %d: must be at least 1", c.Samples)
		}
		s := c.Sweep
		if s.FlowsMin < 1 || s.FlowsMax < s.FlowsMin || s.FlowsStep < 1 {
			return invalid("sweep flows %d..%d step %d", s.FlowsMin, s.FlowsMax, s.FlowsStep)
		}
		if err := c.checkPortRange(s.FlowsMax); err != nil {
			return err
		}
	case "relay", "pktgen":
		needRemote = true
		if mode == "pktgen" {
			if c.InjectionRate <= 0 {
				return invalid("injection rate %s: must be positive", c.InjectionRate)
			}
			// Each pktgen worker binds its own port.
			if err := c.checkPortRange(c.Workers.Cores); err != nil {
				return err
			}
		}
	case "tcp-echo":
		switch c.Peer {
		case "server":
		case "client":
			needRemote = true
		default:
			return invalid("peer %q: want server or client", c.Peer)
		}
	case "dump":
		if c.Transport != "tcp" && c.Transport != "udp" {
			return invalid("transport %q: want tcp or udp", c.Transport)
		}
	case "echo", "reflector":
	default:
		return invalid("unknown mode %q", mode)
	}
	if needRemote {
		if _, err := ParseUDP(c.Remote); err != nil {
			return invalid("remote: %v", err)
		}
	}
	return nil
}

func (c *Config) checkPortRange(flows int) error {
	local, _ := ParseUDP(c.Local)
	if local.Port+flows-1 > 65535 {
		return invalid("%d flows from port %d run past 65535", flows, local.Port)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ParseUDP parses an "ip:port" string. Unlike net.ResolveUDPAddr it never
// touches DNS and insists on an explicit, non-zero port.
func ParseUDP(s string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IP address", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return nil, fmt.Errorf("bad port %q", port)
	}
	return &net.UDPAddr{IP: ip, Port: p}, nil
}

// ParseTCP is ParseUDP for stream endpoints.
func ParseTCP(s string) (*net.TCPAddr, error) {
	a, err := ParseUDP(s)
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: a.IP, Port: a.Port}, nil
}
