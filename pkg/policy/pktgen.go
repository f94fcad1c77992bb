package policy

import (
	"net"
	"time"

	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/substrate"
)

const fillByte = 0x65

// Pktgen sends a fixed buffer to remote once per interval, open loop. One
// send is outstanding at a time. When it completes before the interval is
// up, the reactor polls until the interval since the previous submission has
// passed.
type Pktgen struct {
	h        substrate.Handle
	remote   net.Addr
	buf      []byte
	interval time.Duration

	now      func() time.Time
	lastSent time.Time
}

func NewPktgen(h substrate.Handle, remote net.Addr, bufsize int, interval time.Duration) *Pktgen {
	buf := make([]byte, bufsize)
	for i := range buf {
		buf[i] = fillByte
	}
	return &Pktgen{
		h:        h,
		remote:   remote,
		buf:      buf,
		interval: interval,
		now:      time.Now,
	}
}

// WithClock replaces the wall clock used for pacing.
func (p *Pktgen) WithClock(now func() time.Time) *Pktgen {
	p.now = now
	return p
}

func (p *Pktgen) Start(s reactor.Submitter) error { return p.send(s, p.now()) }

func (p *Pktgen) Done() bool { return false }

func (p *Pktgen) send(s reactor.Submitter, now time.Time) error {
	p.lastSent = now
	return s.SendTo(0, p.h, p.buf, p.remote)
}

func (p *Pktgen) OnSent(s reactor.Submitter, e reactor.Entry, r substrate.Sent) error {
	s.Stats().AddBytes(r.N)
	return p.Poll(s)
}

// Poll sends once the interval has passed and does nothing before.
func (p *Pktgen) Poll(s reactor.Submitter) error {
	now := p.now()
	if now.Sub(p.lastSent) < p.interval {
		return nil
	}
	return p.send(s, now)
}
