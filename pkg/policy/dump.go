package policy

import (
	"net"

	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/substrate"
)

// Dump receives and discards traffic, counting bytes and optionally writing
// every payload into a Capture. Over streams it accepts any number of
// connections.
type Dump struct {
	h       substrate.Handle
	stream  bool
	local   net.Addr
	capture *Capture
	peers   map[substrate.Handle]net.Addr

	// Conns counts accepted connections.
	Conns int
}

// NewStreamDump serves a listening stream endpoint.
func NewStreamDump(listener substrate.Handle, local net.Addr, capture *Capture) *Dump {
	return &Dump{
		h:       listener,
		stream:  true,
		local:   local,
		capture: capture,
		peers:   make(map[substrate.Handle]net.Addr),
	}
}

// NewDatagramDump serves a bound datagram endpoint.
func NewDatagramDump(h substrate.Handle, local net.Addr, capture *Capture) *Dump {
	return &Dump{h: h, local: local, capture: capture}
}

func (p *Dump) Start(s reactor.Submitter) error {
	if p.stream {
		return s.Accept(0, p.h)
	}
	return s.Receive(0, p.h)
}

func (p *Dump) Done() bool { return false }

func (p *Dump) OnAccepted(s reactor.Submitter, e reactor.Entry, r substrate.Accepted) error {
	p.Conns++
	p.peers[r.Conn] = r.Peer
	if err := s.Accept(e.Flow, e.Handle); err != nil {
		return err
	}
	return s.Receive(int(r.Conn), r.Conn)
}

func (p *Dump) OnReceived(s reactor.Submitter, e reactor.Entry, r substrate.Received) error {
	if p.stream && len(r.Buf) == 0 {
		delete(p.peers, e.Handle)
		return nil
	}
	s.Stats().AddBytes(len(r.Buf))
	if p.capture != nil {
		var err error
		if p.stream {
			err = p.capture.Segment(p.peers[e.Handle], p.local, r.Buf)
		} else {
			err = p.capture.Datagram(r.Source, p.local, r.Buf)
		}
		if err != nil {
			return err
		}
	}
	return s.Receive(e.Flow, e.Handle)
}
