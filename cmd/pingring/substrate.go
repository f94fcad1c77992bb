package main

import (
	"fmt"
	"time"

	"github.com/runningwild/pingring/pkg/config"
	"github.com/runningwild/pingring/pkg/substrate"
	"github.com/runningwild/pingring/pkg/substrate/iour"
	"github.com/runningwild/pingring/pkg/substrate/netio"
	"github.com/runningwild/pingring/pkg/substrate/sim"
	"github.com/runningwild/pingring/pkg/substrate/uring"
)

// simDelay is the per operation latency of the sim substrate on the command
// line, where it serves as a dry run of the real backends.
const simDelay = 10 * time.Microsecond

// checkSubstrate rejects mode and substrate pairs that cannot work.
func checkSubstrate(mode string, cfg *config.Config) error {
	sub := cfg.Substrate
	switch {
	case (mode == "echo" || mode == "reflector") && (sub == "uring" || sub == "iour"):
		// Unconnected ring receives do not report the sender.
		return fmt.Errorf("%w: %s needs datagram sources, which the %s substrate does not report", config.ErrInvalid, mode, sub)
	case mode == "reflector" && sub == "sim":
		return fmt.Errorf("%w: reflector needs external traffic, which the sim substrate cannot receive", config.ErrInvalid)
	case mode == "relay" && sub == "uring":
		// The relay socket is connected to the remote, so it would only
		// hear from the remote.
		return fmt.Errorf("%w: relay is not supported on the uring substrate", config.ErrInvalid)
	case mode == "tcp-echo" && sub == "uring", mode == "dump" && cfg.Transport == "tcp" && sub == "uring":
		return fmt.Errorf("%w: %s needs stream endpoints, which the uring substrate does not have", config.ErrInvalid, mode)
	}
	return nil
}

// newSubstrate builds a fresh substrate of the configured kind. Every worker
// and every sweep point owns its own. The clock is the sim's virtual clock
// when the sim is in use, so samples measure simulated time, and nil
// otherwise.
func (a *app) newSubstrate(reusePort bool) (substrate.Substrate, func() time.Time, error) {
	switch a.cfg.Substrate {
	case "netio":
		if reusePort {
			return netio.New(netio.WithReusePort()), nil, nil
		}
		return netio.New(), nil, nil
	case "uring":
		s, err := uring.New(uring.Options{
			Entries:  ringEntries(max(a.cfg.Flows, a.cfg.Sweep.FlowsMax)),
			SlotSize: max(a.cfg.BufSize, uring.DefaultSlotSize),
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "iour":
		s, err := iour.New(iour.Options{})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "sim":
		s := sim.New(sim.Options{Delay: simDelay, Echo: true})
		return s, s.Now, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown substrate %q", config.ErrInvalid, a.cfg.Substrate)
}

// ringEntries sizes a ring for flows outstanding operations, rounded up to a
// power of two.
func ringEntries(flows int) int {
	n := uring.DefaultEntries
	for n < 2*flows {
		n <<= 1
	}
	return n
}
