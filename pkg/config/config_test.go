package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pingring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
substrate: sim
remote: 10.0.0.2:9000
flows: 4
injection_rate: 250us
workers:
  cores: 2
  pin: true
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sim", cfg.Substrate)
	assert.Equal(t, "10.0.0.2:9000", cfg.Remote)
	assert.Equal(t, 4, cfg.Flows)
	assert.Equal(t, 250*time.Microsecond, cfg.InjectionRate)
	assert.Equal(t, 2, cfg.Workers.Cores)
	assert.True(t, cfg.Workers.Pin)

	// Untouched keys get the defaults.
	assert.Equal(t, "127.0.0.1:12345", cfg.Local)
	assert.Equal(t, 1024, cfg.BufSize)
	assert.Equal(t, 10000, cfg.Samples)
	assert.Equal(t, 5*time.Second, cfg.Progress)
	assert.Equal(t, 4, cfg.Workers.FirstCore)
	assert.Equal(t, 2, cfg.Workers.Stride)
	assert.Equal(t, "latency.txt", cfg.Output.Samples)
	require.NoError(t, cfg.Validate("latency"))
}

func TestLoadKeepsExplicitZeroCore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pingring.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  first_core: 0\n  stride: 1\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Workers.FirstCore)
	assert.Equal(t, 1, cfg.Workers.Stride)
}

func TestLoadKeepsExplicitZeros(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		get  func(*Config) int
	}{
		{"bufsize", "substrate: sim\nbufsize: 0\n", func(c *Config) int { return c.BufSize }},
		{"flows", "substrate: sim\nflows: 0\n", func(c *Config) int { return c.Flows }},
		{"samples", "substrate: sim\nsamples: 0\n", func(c *Config) int { return c.Samples }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pingring.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 0, tt.get(cfg))
			assert.ErrorIs(t, cfg.Validate("latency"), ErrInvalid)
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Flows = 8
	cfg.Output.Report = "report.json"
	require.NoError(t, cfg.Write(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flows: [1, 2"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults latency", "latency", func(c *Config) {}, true},
		{"defaults echo", "echo", func(c *Config) {}, true},
		{"zero bufsize", "latency", func(c *Config) { c.BufSize = 0 }, false},
		{"negative flows", "latency", func(c *Config) { c.Flows = -1 }, false},
		{"zero samples", "latency", func(c *Config) { c.Samples = 0 }, false},
		{"flows past last port", "latency", func(c *Config) { c.Local = "127.0.0.1:65535"; c.Flows = 2 }, false},
		{"last port fits", "latency", func(c *Config) { c.Local = "127.0.0.1:65534"; c.Flows = 2 }, true},
		{"remote without port", "latency", func(c *Config) { c.Remote = "127.0.0.1" }, false},
		{"remote hostname", "relay", func(c *Config) { c.Remote = "example.com:80" }, false},
		{"echo ignores remote", "echo", func(c *Config) { c.Remote = "nope" }, true},
		{"local port zero", "echo", func(c *Config) { c.Local = "127.0.0.1:0" }, false},
		{"unknown substrate", "echo", func(c *Config) { c.Substrate = "dpdk" }, false},
		{"pktgen needs rate", "pktgen", func(c *Config) { c.InjectionRate = -1 }, false},
		{"pktgen workers past last port", "pktgen", func(c *Config) { c.Local = "127.0.0.1:65535"; c.Workers.Cores = 2 }, false},
		{"tcp client", "tcp-echo", func(c *Config) { c.Peer = "client" }, true},
		{"bad peer", "tcp-echo", func(c *Config) { c.Peer = "both" }, false},
		{"dump udp", "dump", func(c *Config) { c.Transport = "udp" }, true},
		{"dump sctp", "dump", func(c *Config) { c.Transport = "sctp" }, false},
		{"zero cores", "reflector", func(c *Config) { c.Workers.Cores = 0 }, false},
		{"sweep inverted", "sweep", func(c *Config) { c.Sweep.FlowsMin = 5; c.Sweep.FlowsMax = 2 }, false},
		{"unknown mode", "kv-store", func(c *Config) {}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate(tt.mode)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestParseUDP(t *testing.T) {
	a, err := ParseUDP("10.1.2.3:4000")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:4000", a.String())

	b, err := ParseTCP("[::1]:80")
	require.NoError(t, err)
	assert.Equal(t, 80, b.Port)

	for _, bad := range []string{"", "1.2.3.4", "1.2.3.4:0", "1.2.3.4:70000", "host:80"} {
		_, err := ParseUDP(bad)
		assert.Error(t, err, bad)
	}
}
