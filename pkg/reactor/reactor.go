// Package reactor multiplexes the completions of asynchronous operations. A
// Reactor owns the pending set, waits for any token to finish, and hands the
// result to a Policy which decides what to submit next.
package reactor

import (
	"errors"
	"fmt"
	"net"

	"github.com/runningwild/pingring/pkg/metrics"
	"github.com/runningwild/pingring/pkg/substrate"
)

var (
	// ErrStarved means the pending set ran empty before the policy finished.
	ErrStarved = errors.New("no outstanding operations")
	// ErrUnexpectedCompletion means a completion arrived that the policy has
	// no handler for.
	ErrUnexpectedCompletion = errors.New("unexpected completion")
)

// Submitter is what policies use to issue operations. Every successful call
// adds exactly one entry to the pending set.
type Submitter interface {
	Send(flow int, h substrate.Handle, buf []byte) error
	SendTo(flow int, h substrate.Handle, buf []byte, dest net.Addr) error
	Receive(flow int, h substrate.Handle) error
	Accept(flow int, h substrate.Handle) error
	Connect(flow int, h substrate.Handle, remote net.Addr) error
	Stats() *RunStats
}

// Policy drives a reactor. Start submits the initial operations. Done is
// checked after every dispatch and when the pending set is empty.
type Policy interface {
	Start(s Submitter) error
	Done() bool
}

// A policy implements only the handlers for completions it expects.
type (
	AcceptHandler interface {
		OnAccepted(s Submitter, e Entry, r substrate.Accepted) error
	}
	ConnectHandler interface {
		OnConnected(s Submitter, e Entry, r substrate.Connected) error
	}
	SendHandler interface {
		OnSent(s Submitter, e Entry, r substrate.Sent) error
	}
	ReceiveHandler interface {
		OnReceived(s Submitter, e Entry, r substrate.Received) error
	}
)

// Poller is implemented by open loop policies that submit on a schedule
// rather than in response to completions. While the pending set is empty,
// Poll is called once per loop iteration instead of failing with ErrStarved.
// It must not block.
type Poller interface {
	Poll(s Submitter) error
}

// Ticker is called once per loop iteration and must not block.
type Ticker interface {
	Tick(bytes uint64) bool
}

// RunStats is owned by one reactor. Policies add the bytes they want
// reported; the reactor counts everything else.
type RunStats struct {
	Bytes       uint64
	Submissions uint64
	Accepted    uint64
	Connected   uint64
	Sent        uint64
	Received    uint64
	PeakPending int
}

func (s *RunStats) AddBytes(n int) {
	if n > 0 {
		s.Bytes += uint64(n)
	}
}

// Completions is the number of dispatched completions of every kind.
func (s *RunStats) Completions() uint64 {
	return s.Accepted + s.Connected + s.Sent + s.Received
}

// Merge adds o into s. Used to aggregate worker stats after a join.
func (s *RunStats) Merge(o *RunStats) {
	s.Bytes += o.Bytes
	s.Submissions += o.Submissions
	s.Accepted += o.Accepted
	s.Connected += o.Connected
	s.Sent += o.Sent
	s.Received += o.Received
	if o.PeakPending > s.PeakPending {
		s.PeakPending = o.PeakPending
	}
}

type Option func(*Reactor)

// WithLimit bounds the pending set. Closed-loop policies use the flow count.
func WithLimit(n int) Option {
	return func(r *Reactor) { r.ledger = NewLedger(n) }
}

// WithMaxCompletions stops the loop after n completions. 0 means no limit.
func WithMaxCompletions(n uint64) Option {
	return func(r *Reactor) { r.maxCompletions = n }
}

func WithTicker(t Ticker) Option {
	return func(r *Reactor) { r.ticker = t }
}

func WithRecorder(m metrics.Recorder) Option {
	return func(r *Reactor) { r.recorder = m }
}

type Reactor struct {
	sub    substrate.Substrate
	policy Policy
	ledger *Ledger
	stats  RunStats

	ticker         Ticker
	recorder       metrics.Recorder
	maxCompletions uint64
}

func New(sub substrate.Substrate, policy Policy, opts ...Option) *Reactor {
	r := &Reactor{
		sub:      sub,
		policy:   policy,
		ledger:   NewLedger(0),
		recorder: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reactor) Stats() *RunStats { return &r.stats }

// Pending is the number of outstanding operations.
func (r *Reactor) Pending() int { return r.ledger.Len() }

// Run starts the policy and dispatches completions until the policy is done,
// the completion limit is hit, or an error occurs. Any failed operation is
// fatal.
func (r *Reactor) Run() error {
	if err := r.policy.Start(r); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	for {
		if r.ticker != nil {
			r.ticker.Tick(r.stats.Bytes)
		}
		if r.ledger.Len() == 0 {
			if r.policy.Done() {
				return nil
			}
			p, ok := r.policy.(Poller)
			if !ok {
				return ErrStarved
			}
			if err := p.Poll(r); err != nil {
				return fmt.Errorf("poll: %w", err)
			}
			continue
		}

		i, res, err := r.sub.WaitAny(r.ledger.Tokens())
		if err != nil {
			return fmt.Errorf("wait on %d operations: %w", r.ledger.Len(), err)
		}
		e := r.ledger.Remove(i)
		if err := r.dispatch(e, res); err != nil {
			return err
		}

		if r.policy.Done() {
			return nil
		}
		if r.maxCompletions > 0 && r.stats.Completions() >= r.maxCompletions {
			return nil
		}
	}
}

func (r *Reactor) dispatch(e Entry, res substrate.Result) error {
	var err error
	switch v := res.(type) {
	case substrate.Failed:
		r.recorder.Completed("failed", 0)
		return fmt.Errorf("flow %d: %w", e.Flow, v)

	case substrate.Received:
		h, ok := r.policy.(ReceiveHandler)
		if !ok {
			return r.unexpected(e, res)
		}
		r.stats.Received++
		r.recorder.Completed("received", len(v.Buf))
		err = h.OnReceived(r, e, v)

	case substrate.Sent:
		h, ok := r.policy.(SendHandler)
		if !ok {
			return r.unexpected(e, res)
		}
		r.stats.Sent++
		r.recorder.Completed("sent", v.N)
		err = h.OnSent(r, e, v)

	case substrate.Accepted:
		h, ok := r.policy.(AcceptHandler)
		if !ok {
			return r.unexpected(e, res)
		}
		r.stats.Accepted++
		r.recorder.Completed("accepted", 0)
		err = h.OnAccepted(r, e, v)

	case substrate.Connected:
		h, ok := r.policy.(ConnectHandler)
		if !ok {
			return r.unexpected(e, res)
		}
		r.stats.Connected++
		r.recorder.Completed("connected", 0)
		err = h.OnConnected(r, e, v)

	default:
		return r.unexpected(e, res)
	}
	if err != nil {
		return fmt.Errorf("%s completion on flow %d: %w", substrate.KindOf(res), e.Flow, err)
	}
	return nil
}

func (r *Reactor) unexpected(e Entry, res substrate.Result) error {
	return fmt.Errorf("%w: %s for %s on flow %d", ErrUnexpectedCompletion, substrate.KindOf(res), e.Op, e.Flow)
}

func (r *Reactor) track(flow int, h substrate.Handle, op substrate.Op, tok substrate.Token, err error) error {
	if err != nil {
		return fmt.Errorf("submit %s on flow %d: %w", op, flow, err)
	}
	if err := r.ledger.Add(Entry{Token: tok, Flow: flow, Handle: h, Op: op}); err != nil {
		return fmt.Errorf("submit %s on flow %d: %w", op, flow, err)
	}
	r.stats.Submissions++
	if p := r.ledger.Peak(); p > r.stats.PeakPending {
		r.stats.PeakPending = p
	}
	r.recorder.Submitted(op.String())
	return nil
}

func (r *Reactor) Send(flow int, h substrate.Handle, buf []byte) error {
	tok, err := r.sub.Send(h, buf)
	return r.track(flow, h, substrate.OpSend, tok, err)
}

func (r *Reactor) SendTo(flow int, h substrate.Handle, buf []byte, dest net.Addr) error {
	tok, err := r.sub.SendTo(h, buf, dest)
	return r.track(flow, h, substrate.OpSend, tok, err)
}

func (r *Reactor) Receive(flow int, h substrate.Handle) error {
	tok, err := r.sub.Receive(h)
	return r.track(flow, h, substrate.OpReceive, tok, err)
}

func (r *Reactor) Accept(flow int, h substrate.Handle) error {
	tok, err := r.sub.Accept(h)
	return r.track(flow, h, substrate.OpAccept, tok, err)
}

func (r *Reactor) Connect(flow int, h substrate.Handle, remote net.Addr) error {
	tok, err := r.sub.Connect(h, remote)
	return r.track(flow, h, substrate.OpConnect, tok, err)
}
