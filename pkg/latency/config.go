package latency

import (
	"fmt"
	"net"

	"github.com/runningwild/pingring/pkg/config"
)

// Payload bytes are filled with this value.
const fillByte = 0x65

// Config is one latency run. It is not modified once the run starts.
type Config struct {
	Remote    *net.UDPAddr
	LocalBase *net.UDPAddr
	BufSize   int
	Flows     int
	Samples   int
	Seed      int64

	// Output is the sample file; empty means stats.DefaultPath.
	Output string
}

// Validate rejects every configuration error before any endpoint exists.
func (c Config) Validate() error {
	switch {
	case c.Remote == nil || c.Remote.Port == 0:
		return fmt.Errorf("%w: remote endpoint needs an address and port", config.ErrInvalid)
	case c.LocalBase == nil || c.LocalBase.Port == 0:
		return fmt.Errorf("%w: local endpoint needs an address and port", config.ErrInvalid)
	case c.BufSize < 1:
		return fmt.Errorf("%w: bufsize %d: must be positive", config.ErrInvalid, c.BufSize)
	case c.Flows < 1:
		return fmt.Errorf("%w: flows %d: must be at least 1", config.ErrInvalid, c.Flows)
	case c.LocalBase.Port+c.Flows-1 > 65535:
		return fmt.Errorf("%w: %d flows from port %d run past 65535", config.ErrInvalid, c.Flows, c.LocalBase.Port)
	case c.Samples < 1:
		return fmt.Errorf("%w: samples %d: must be at least 1", config.ErrInvalid, c.Samples)
	}
	return nil
}

func (c Config) payload() []byte {
	buf := make([]byte, c.BufSize)
	for i := range buf {
		buf[i] = fillByte
	}
	return buf
}
