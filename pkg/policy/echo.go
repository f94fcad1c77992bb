// Package policy holds the streaming benchmarks. Each type is a
// reactor.Policy and implements only the completion handlers it expects;
// anything else is fatal.
package policy

import (
	"errors"

	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/substrate"
)

// ErrNoSource is returned by Echo when the substrate does not report where
// a datagram came from.
var ErrNoSource = errors.New("datagram source unknown; echo needs a substrate that reports it")

// Echo reflects every datagram back to its sender, one at a time.
type Echo struct {
	h    substrate.Handle
	flow int
}

// NewEcho serves on h, which must be a bound datagram endpoint. flow labels
// errors and metrics.
func NewEcho(h substrate.Handle, flow int) *Echo {
	return &Echo{h: h, flow: flow}
}

func (p *Echo) Start(s reactor.Submitter) error { return s.Receive(p.flow, p.h) }

func (p *Echo) Done() bool { return false }

func (p *Echo) OnReceived(s reactor.Submitter, e reactor.Entry, r substrate.Received) error {
	if r.Source == nil {
		return ErrNoSource
	}
	s.Stats().AddBytes(len(r.Buf))
	return s.SendTo(e.Flow, e.Handle, r.Buf, r.Source)
}

func (p *Echo) OnSent(s reactor.Submitter, e reactor.Entry, r substrate.Sent) error {
	return s.Receive(e.Flow, e.Handle)
}
