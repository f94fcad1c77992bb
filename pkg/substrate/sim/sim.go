// Package sim is a deterministic in-memory substrate. Time is virtual: every
// operation completes exactly Delay after it becomes runnable, and the clock
// jumps to the next completion when somebody waits. Nothing ever sleeps.
package sim

import (
	"container/heap"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/eapache/queue"

	"github.com/runningwild/pingring/pkg/substrate"
)

// ErrStalled is returned by WaitAny when no outstanding operation can ever
// complete, e.g. a receive on an endpoint nobody sends to.
var ErrStalled = errors.New("sim: no operation can complete")

// ErrInjected is the default error of injected failures.
var ErrInjected = errors.New("sim: injected failure")

type Options struct {
	// Delay is the latency of every operation.
	Delay time.Duration
	// Echo reflects datagrams sent to an address no sim endpoint is bound to
	// back into the sender's inbox, as a remote echo server would.
	Echo bool
	// FailAt turns the FailAt-th completion (1-based) into a Failed result.
	FailAt int
	// RejectAt makes the RejectAt-th submission (1-based) return an error.
	RejectAt int
	// FailErr is used for FailAt and RejectAt. Defaults to ErrInjected.
	FailErr error
	// BindErr, when set, is consulted on every Bind.
	BindErr func(addr net.Addr) error
	// Start is the initial value of the virtual clock.
	Start time.Time
}

type Substrate struct {
	opts Options
	now  time.Time

	nextToken  substrate.Token
	nextHandle substrate.Handle
	endpoints  map[substrate.Handle]*endpoint
	bound      map[string]substrate.Handle

	events      eventHeap
	seq         uint64
	outstanding map[substrate.Token]substrate.Op
	done        substrate.Stash

	submissions int
	completions int
	closed      bool
}

type endpoint struct {
	kind      substrate.Kind
	local     net.Addr
	remote    net.Addr
	peer      substrate.Handle // paired stream endpoint, 0 if none
	listening bool

	inbox   *queue.Queue // datagram
	waiting *queue.Queue // substrate.Token of parked receives
	backlog *queue.Queue // substrate.Handle of connections not yet accepted
	accepts *queue.Queue // substrate.Token of parked accepts
}

type datagram struct {
	src net.Addr
	buf []byte
}

func New(opts Options) *Substrate {
	if opts.FailErr == nil {
		opts.FailErr = ErrInjected
	}
	start := opts.Start
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Substrate{
		opts:        opts,
		now:         start,
		endpoints:   make(map[substrate.Handle]*endpoint),
		bound:       make(map[string]substrate.Handle),
		outstanding: make(map[substrate.Token]substrate.Op),
		done:        make(substrate.Stash),
	}
}

// Now reports the virtual clock. Pass it as the sampler clock to get exact
// durations.
func (s *Substrate) Now() time.Time { return s.now }

// Sockets reports how many endpoints are open.
func (s *Substrate) Sockets() int { return len(s.endpoints) }

// Submissions reports how many operations were accepted.
func (s *Substrate) Submissions() int { return s.submissions }

// Completions reports how many operations completed.
func (s *Substrate) Completions() int { return s.completions }

// LocalAddr returns the address h is bound to.
func (s *Substrate) LocalAddr(h substrate.Handle) net.Addr {
	if ep, ok := s.endpoints[h]; ok {
		return ep.local
	}
	return nil
}

func (s *Substrate) Socket(kind substrate.Kind) (substrate.Handle, error) {
	if s.closed {
		return 0, substrate.ErrClosed
	}
	s.nextHandle++
	s.endpoints[s.nextHandle] = &endpoint{
		kind:    kind,
		inbox:   queue.New(),
		waiting: queue.New(),
		backlog: queue.New(),
		accepts: queue.New(),
	}
	return s.nextHandle, nil
}

func (s *Substrate) endpoint(h substrate.Handle) (*endpoint, error) {
	ep, ok := s.endpoints[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", substrate.ErrBadHandle, h)
	}
	return ep, nil
}

func (s *Substrate) Bind(h substrate.Handle, addr net.Addr) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	if s.opts.BindErr != nil {
		if err := s.opts.BindErr(addr); err != nil {
			return err
		}
	}
	key := addr.String()
	if _, taken := s.bound[key]; taken {
		return fmt.Errorf("bind %s: address already in use", key)
	}
	s.bound[key] = h
	ep.local = addr
	return nil
}

// CloseHandle releases h and its bound address. Receives and accepts parked
// on h never complete.
func (s *Substrate) CloseHandle(h substrate.Handle) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	if ep.local != nil && s.bound[ep.local.String()] == h {
		delete(s.bound, ep.local.String())
	}
	delete(s.endpoints, h)
	return nil
}

func (s *Substrate) Listen(h substrate.Handle, backlog int) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	if ep.kind != substrate.Stream {
		return fmt.Errorf("listen on %s endpoint: %w", ep.kind, substrate.ErrNotSupported)
	}
	if ep.local == nil {
		return fmt.Errorf("listen on unbound handle %d", h)
	}
	ep.listening = true
	return nil
}

func (s *Substrate) submit(h substrate.Handle, op substrate.Op) (substrate.Token, *endpoint, error) {
	if s.closed {
		return 0, nil, substrate.ErrClosed
	}
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, nil, err
	}
	s.submissions++
	if s.opts.RejectAt > 0 && s.submissions == s.opts.RejectAt {
		return 0, nil, fmt.Errorf("%s: %w", op, s.opts.FailErr)
	}
	s.nextToken++
	s.outstanding[s.nextToken] = op
	return s.nextToken, ep, nil
}

func (s *Substrate) schedule(token substrate.Token, op substrate.Op, h substrate.Handle, fire func() substrate.Result) {
	s.seq++
	heap.Push(&s.events, &event{
		due:   s.now.Add(s.opts.Delay),
		seq:   s.seq,
		token: token,
		op:    op,
		h:     h,
		fire:  fire,
	})
}

func (s *Substrate) Accept(h substrate.Handle) (substrate.Token, error) {
	token, ep, err := s.submit(h, substrate.OpAccept)
	if err != nil {
		return 0, err
	}
	if !ep.listening {
		s.schedule(token, substrate.OpAccept, h, func() substrate.Result {
			return substrate.Failed{Conn: h, Op: substrate.OpAccept, Err: errors.New("endpoint is not listening")}
		})
		return token, nil
	}
	if ep.backlog.Length() > 0 {
		s.scheduleAccept(token, h, ep.backlog.Remove().(substrate.Handle))
		return token, nil
	}
	ep.accepts.Add(token)
	return token, nil
}

func (s *Substrate) scheduleAccept(token substrate.Token, listener, conn substrate.Handle) {
	s.schedule(token, substrate.OpAccept, listener, func() substrate.Result {
		var peer net.Addr
		if c, ok := s.endpoints[conn]; ok {
			peer = c.remote
		}
		return substrate.Accepted{Listener: listener, Conn: conn, Peer: peer}
	})
}

func (s *Substrate) Connect(h substrate.Handle, remote net.Addr) (substrate.Token, error) {
	token, ep, err := s.submit(h, substrate.OpConnect)
	if err != nil {
		return 0, err
	}
	ep.remote = remote
	if lh, ok := s.bound[remote.String()]; ok && s.endpoints[lh] != nil && s.endpoints[lh].listening {
		listener := s.endpoints[lh]
		conn, _ := s.Socket(ep.kind)
		server := s.endpoints[conn]
		server.local = remote
		server.remote = ep.local
		server.peer = h
		ep.peer = conn
		if listener.accepts.Length() > 0 {
			s.scheduleAccept(listener.accepts.Remove().(substrate.Token), lh, conn)
		} else {
			listener.backlog.Add(conn)
		}
	}
	s.schedule(token, substrate.OpConnect, h, func() substrate.Result {
		return substrate.Connected{Conn: h}
	})
	return token, nil
}

func (s *Substrate) Send(h substrate.Handle, buf []byte) (substrate.Token, error) {
	return s.SendTo(h, buf, nil)
}

func (s *Substrate) SendTo(h substrate.Handle, buf []byte, dest net.Addr) (substrate.Token, error) {
	token, ep, err := s.submit(h, substrate.OpSend)
	if err != nil {
		return 0, err
	}
	payload := append([]byte(nil), buf...)
	s.schedule(token, substrate.OpSend, h, func() substrate.Result {
		s.route(h, ep, payload, dest)
		return substrate.Sent{Conn: h, N: len(payload)}
	})
	return token, nil
}

// route delivers a sent payload: to the paired stream endpoint, to the sim
// endpoint bound at dest, or back to the sender when Echo is set.
func (s *Substrate) route(h substrate.Handle, ep *endpoint, payload []byte, dest net.Addr) {
	if ep.peer != 0 {
		s.deliver(ep.peer, datagram{buf: payload})
		return
	}
	if dest == nil {
		dest = ep.remote
	}
	if dest != nil {
		if target, ok := s.bound[dest.String()]; ok && target != h {
			src := ep.local
			if t, ok := s.endpoints[target]; ok && t.kind == substrate.Stream {
				src = nil
			}
			s.deliver(target, datagram{src: src, buf: payload})
			return
		}
	}
	if s.opts.Echo {
		var src net.Addr
		if ep.kind == substrate.Datagram {
			src = dest
		}
		s.deliver(h, datagram{src: src, buf: payload})
	}
}

// Inject delivers buf to h as if it had arrived from src.
func (s *Substrate) Inject(h substrate.Handle, src net.Addr, buf []byte) error {
	if _, err := s.endpoint(h); err != nil {
		return err
	}
	s.deliver(h, datagram{src: src, buf: append([]byte(nil), buf...)})
	return nil
}

func (s *Substrate) deliver(h substrate.Handle, d datagram) {
	ep, ok := s.endpoints[h]
	if !ok {
		return
	}
	if ep.waiting.Length() > 0 {
		s.scheduleReceive(ep.waiting.Remove().(substrate.Token), h, ep, d)
		return
	}
	ep.inbox.Add(d)
}

func (s *Substrate) scheduleReceive(token substrate.Token, h substrate.Handle, ep *endpoint, d datagram) {
	s.schedule(token, substrate.OpReceive, h, func() substrate.Result {
		return substrate.Received{Conn: h, Source: d.src, Buf: d.buf}
	})
}

func (s *Substrate) Receive(h substrate.Handle) (substrate.Token, error) {
	token, ep, err := s.submit(h, substrate.OpReceive)
	if err != nil {
		return 0, err
	}
	if ep.inbox.Length() > 0 {
		s.scheduleReceive(token, h, ep, ep.inbox.Remove().(datagram))
		return token, nil
	}
	ep.waiting.Add(token)
	return token, nil
}

func (s *Substrate) WaitAny(tokens []substrate.Token) (int, substrate.Result, error) {
	if len(tokens) == 0 {
		return -1, nil, substrate.ErrNoTokens
	}
	for _, t := range tokens {
		if _, ok := s.outstanding[t]; ok {
			continue
		}
		if _, ok := s.done[t]; !ok {
			return -1, nil, fmt.Errorf("%w: %d", substrate.ErrUnknownToken, t)
		}
	}
	for {
		if i, r, ok := s.done.Take(tokens); ok {
			return i, r, nil
		}
		if s.events.Len() == 0 {
			return -1, nil, ErrStalled
		}
		s.step()
	}
}

func (s *Substrate) Wait(token substrate.Token) (substrate.Result, error) {
	return substrate.WaitOne(s, token)
}

func (s *Substrate) step() {
	ev := heap.Pop(&s.events).(*event)
	if ev.due.After(s.now) {
		s.now = ev.due
	}
	s.completions++
	var res substrate.Result
	if s.opts.FailAt > 0 && s.completions == s.opts.FailAt {
		res = substrate.Failed{Conn: ev.h, Op: ev.op, Err: s.opts.FailErr}
	} else {
		res = ev.fire()
	}
	delete(s.outstanding, ev.token)
	s.done[ev.token] = res
}

func (s *Substrate) Close() error {
	s.closed = true
	return nil
}

type event struct {
	due   time.Time
	seq   uint64
	token substrate.Token
	op    substrate.Op
	h     substrate.Handle
	fire  func() substrate.Result
}

type eventHeap []*event

func (q eventHeap) Len() int { return len(q) }
func (q eventHeap) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q eventHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *eventHeap) Push(x interface{}) { *q = append(*q, x.(*event)) }
func (q *eventHeap) Pop() interface{} {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
