// Package flow manages the fixed set of datagram endpoints a benchmark sends
// from. Flow i is bound to the base address with its port advanced by i.
package flow

import (
	"errors"
	"fmt"
	"net"

	"github.com/runningwild/pingring/pkg/substrate"
)

// ErrBind wraps every failure to create or bind a flow endpoint.
var ErrBind = errors.New("flow bind failed")

const maxPort = 65535

type Flow struct {
	Index  int
	Addr   *net.UDPAddr
	Handle substrate.Handle

	// Submissions counts operations issued on this flow.
	Submissions uint64
}

type Pool struct {
	flows []*Flow
}

// Create binds n datagram endpoints at base.IP, ports base.Port..base.Port+n-1.
// The arguments are checked before any endpoint is created, and a failed
// socket or bind closes every endpoint created so far.
func Create(sub substrate.Substrate, n int, base *net.UDPAddr) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("flow count %d: must be at least 1", n)
	}
	if base == nil || base.Port == 0 {
		return nil, errors.New("flow base address needs an explicit port")
	}
	if base.Port+n-1 > maxPort {
		return nil, fmt.Errorf("%d flows from port %d exceed port %d", n, base.Port, maxPort)
	}

	p := &Pool{flows: make([]*Flow, 0, n)}
	for i := 0; i < n; i++ {
		addr := &net.UDPAddr{IP: base.IP, Port: base.Port + i, Zone: base.Zone}
		h, err := sub.Socket(substrate.Datagram)
		if err != nil {
			return nil, errors.Join(
				fmt.Errorf("%w: flow %d socket: %v", ErrBind, i, err),
				p.release(sub))
		}
		if err := sub.Bind(h, addr); err != nil {
			return nil, errors.Join(
				fmt.Errorf("%w: flow %d at %s: %v", ErrBind, i, addr, err),
				sub.CloseHandle(h),
				p.release(sub))
		}
		p.flows = append(p.flows, &Flow{Index: i, Addr: addr, Handle: h})
	}
	return p, nil
}

func (p *Pool) release(sub substrate.Substrate) error {
	var errs []error
	for _, f := range p.flows {
		errs = append(errs, sub.CloseHandle(f.Handle))
	}
	p.flows = nil
	return errors.Join(errs...)
}

func (p *Pool) Get(i int) *Flow { return p.flows[i] }

func (p *Pool) Len() int { return len(p.flows) }

// Ports lists the bound ports in flow order.
func (p *Pool) Ports() []int {
	ports := make([]int, len(p.flows))
	for i, f := range p.flows {
		ports[i] = f.Addr.Port
	}
	return ports
}

// Used reports how many flows have at least one submission.
func (p *Pool) Used() int {
	n := 0
	for _, f := range p.flows {
		if f.Submissions > 0 {
			n++
		}
	}
	return n
}
