package policy

import (
	"net"

	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/substrate"
)

// Relay forwards every datagram it receives to a fixed remote.
type Relay struct {
	h      substrate.Handle
	remote net.Addr
}

func NewRelay(h substrate.Handle, remote net.Addr) *Relay {
	return &Relay{h: h, remote: remote}
}

func (p *Relay) Start(s reactor.Submitter) error { return s.Receive(0, p.h) }

func (p *Relay) Done() bool { return false }

func (p *Relay) OnReceived(s reactor.Submitter, e reactor.Entry, r substrate.Received) error {
	s.Stats().AddBytes(len(r.Buf))
	return s.SendTo(e.Flow, e.Handle, r.Buf, p.remote)
}

func (p *Relay) OnSent(s reactor.Submitter, e reactor.Entry, r substrate.Sent) error {
	return s.Receive(e.Flow, e.Handle)
}
