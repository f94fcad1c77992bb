// Package netio is a portable substrate on top of the Go runtime network
// poller. Every submitted operation runs on its own goroutine and posts its
// completion to a channel that WaitAny drains.
package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/runningwild/pingring/pkg/substrate"
)

// MaxDatagram is the receive buffer size of datagram endpoints.
const MaxDatagram = 64 << 10

// StreamChunk is the receive buffer size of stream endpoints.
const StreamChunk = 16 << 10

type completion struct {
	token substrate.Token
	res   substrate.Result
}

type endpoint struct {
	kind   substrate.Kind
	local  net.Addr
	remote net.Addr

	udp  *net.UDPConn
	ln   *net.TCPListener
	conn *net.TCPConn
}

func (ep *endpoint) close() error {
	switch {
	case ep.udp != nil:
		return ep.udp.Close()
	case ep.ln != nil:
		return ep.ln.Close()
	case ep.conn != nil:
		return ep.conn.Close()
	}
	return nil
}

type Substrate struct {
	mu          sync.Mutex
	nextToken   substrate.Token
	nextHandle  substrate.Handle
	endpoints   map[substrate.Handle]*endpoint
	outstanding map[substrate.Token]struct{}
	done        substrate.Stash
	closed      bool

	completions chan completion
	quit        chan struct{}
	wg          sync.WaitGroup

	listen net.ListenConfig
}

type Option func(*Substrate)

// WithReusePort lets several substrates bind the same datagram address.
// The kernel spreads incoming datagrams across them.
func WithReusePort() Option {
	return func(s *Substrate) {
		s.listen.Control = reusePort
	}
}

func New(opts ...Option) *Substrate {
	s := &Substrate{
		endpoints:   make(map[substrate.Handle]*endpoint),
		outstanding: make(map[substrate.Token]struct{}),
		done:        make(substrate.Stash),
		completions: make(chan completion, 64),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Substrate) Socket(kind substrate.Kind) (substrate.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, substrate.ErrClosed
	}
	return s.register(&endpoint{kind: kind}), nil
}

// register must be called with s.mu held.
func (s *Substrate) register(ep *endpoint) substrate.Handle {
	s.nextHandle++
	s.endpoints[s.nextHandle] = ep
	return s.nextHandle
}

func (s *Substrate) endpoint(h substrate.Handle) (*endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, substrate.ErrClosed
	}
	ep, ok := s.endpoints[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", substrate.ErrBadHandle, h)
	}
	return ep, nil
}

// LocalAddr reports the bound address of h, with the kernel chosen port
// filled in.
func (s *Substrate) LocalAddr(h substrate.Handle) net.Addr {
	ep, err := s.endpoint(h)
	if err != nil {
		return nil
	}
	switch {
	case ep.udp != nil:
		return ep.udp.LocalAddr()
	case ep.ln != nil:
		return ep.ln.Addr()
	case ep.conn != nil:
		return ep.conn.LocalAddr()
	}
	return ep.local
}

// Bind opens datagram endpoints immediately. Stream endpoints only remember
// the address until Listen or Connect.
func (s *Substrate) Bind(h substrate.Handle, addr net.Addr) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	if ep.kind == substrate.Stream {
		ep.local = addr
		return nil
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("bind datagram endpoint to %T", addr)
	}
	pc, err := s.listen.ListenPacket(context.Background(), "udp", ua.String())
	if err != nil {
		return err
	}
	conn := pc.(*net.UDPConn)
	ep.udp = conn
	ep.local = conn.LocalAddr()
	return nil
}

// CloseHandle closes the socket of h. Operations still outstanding on it
// complete with an error.
func (s *Substrate) CloseHandle(h substrate.Handle) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return substrate.ErrClosed
	}
	ep, ok := s.endpoints[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", substrate.ErrBadHandle, h)
	}
	delete(s.endpoints, h)
	s.mu.Unlock()
	return ep.close()
}

func (s *Substrate) Listen(h substrate.Handle, backlog int) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	if ep.kind != substrate.Stream {
		return fmt.Errorf("listen on %s endpoint: %w", ep.kind, substrate.ErrNotSupported)
	}
	ta, err := tcpAddr(ep.local)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", ta)
	if err != nil {
		return err
	}
	ep.ln = ln
	ep.local = ln.Addr()
	return nil
}

func tcpAddr(a net.Addr) (*net.TCPAddr, error) {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v, nil
	case *net.UDPAddr:
		return &net.TCPAddr{IP: v.IP, Port: v.Port, Zone: v.Zone}, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("not a TCP address: %T", a)
}

// submit issues a token and runs op on its own goroutine.
func (s *Substrate) submit(op func() substrate.Result) (substrate.Token, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, substrate.ErrClosed
	}
	s.nextToken++
	token := s.nextToken
	s.outstanding[token] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res := op()
		select {
		case s.completions <- completion{token: token, res: res}:
		case <-s.quit:
		}
	}()
	return token, nil
}

func (s *Substrate) Accept(h substrate.Handle) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.ln == nil {
		return 0, fmt.Errorf("accept on handle %d: not listening", h)
	}
	return s.submit(func() substrate.Result {
		conn, err := ep.ln.AcceptTCP()
		if err != nil {
			return substrate.Failed{Conn: h, Op: substrate.OpAccept, Err: err}
		}
		s.mu.Lock()
		c := s.register(&endpoint{kind: substrate.Stream, local: conn.LocalAddr(), remote: conn.RemoteAddr(), conn: conn})
		s.mu.Unlock()
		return substrate.Accepted{Listener: h, Conn: c, Peer: conn.RemoteAddr()}
	})
}

// Connect dials streams. On a datagram endpoint it only sets the default
// destination of Send.
func (s *Substrate) Connect(h substrate.Handle, remote net.Addr) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.kind == substrate.Datagram {
		ep.remote = remote
		return s.submit(func() substrate.Result { return substrate.Connected{Conn: h} })
	}
	raddr, err := tcpAddr(remote)
	if err != nil {
		return 0, err
	}
	laddr, err := tcpAddr(ep.local)
	if err != nil {
		return 0, err
	}
	return s.submit(func() substrate.Result {
		conn, err := net.DialTCP("tcp", laddr, raddr)
		if err != nil {
			return substrate.Failed{Conn: h, Op: substrate.OpConnect, Err: err}
		}
		ep.conn = conn
		ep.remote = conn.RemoteAddr()
		return substrate.Connected{Conn: h}
	})
}

func (s *Substrate) Send(h substrate.Handle, buf []byte) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.kind == substrate.Datagram {
		return s.SendTo(h, buf, ep.remote)
	}
	if ep.conn == nil {
		return 0, fmt.Errorf("send on handle %d: not connected", h)
	}
	return s.submit(func() substrate.Result {
		n, err := ep.conn.Write(buf)
		if err != nil {
			return substrate.Failed{Conn: h, Op: substrate.OpSend, Err: err}
		}
		return substrate.Sent{Conn: h, N: n}
	})
}

func (s *Substrate) SendTo(h substrate.Handle, buf []byte, dest net.Addr) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.kind == substrate.Stream {
		return s.Send(h, buf)
	}
	if ep.udp == nil {
		return 0, fmt.Errorf("send on handle %d: not bound", h)
	}
	if dest == nil {
		return 0, fmt.Errorf("send on handle %d: no destination", h)
	}
	return s.submit(func() substrate.Result {
		n, err := ep.udp.WriteTo(buf, dest)
		if err != nil {
			return substrate.Failed{Conn: h, Op: substrate.OpSend, Err: err}
		}
		return substrate.Sent{Conn: h, N: n}
	})
}

// Receive completes with an empty buffer when a stream peer closes.
func (s *Substrate) Receive(h substrate.Handle) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	switch {
	case ep.udp != nil:
		return s.submit(func() substrate.Result {
			buf := make([]byte, MaxDatagram)
			n, src, err := ep.udp.ReadFromUDP(buf)
			if err != nil {
				return substrate.Failed{Conn: h, Op: substrate.OpReceive, Err: err}
			}
			return substrate.Received{Conn: h, Source: src, Buf: buf[:n]}
		})
	case ep.conn != nil:
		return s.submit(func() substrate.Result {
			buf := make([]byte, StreamChunk)
			n, err := ep.conn.Read(buf)
			if err != nil && !errors.Is(err, io.EOF) {
				return substrate.Failed{Conn: h, Op: substrate.OpReceive, Err: err}
			}
			return substrate.Received{Conn: h, Buf: buf[:n]}
		})
	}
	return 0, fmt.Errorf("receive on handle %d: not bound or connected", h)
}

func (s *Substrate) WaitAny(tokens []substrate.Token) (int, substrate.Result, error) {
	if len(tokens) == 0 {
		return -1, nil, substrate.ErrNoTokens
	}
	s.mu.Lock()
	for _, t := range tokens {
		if _, ok := s.outstanding[t]; ok {
			continue
		}
		if _, ok := s.done[t]; !ok {
			s.mu.Unlock()
			return -1, nil, fmt.Errorf("%w: %d", substrate.ErrUnknownToken, t)
		}
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		i, r, ok := s.done.Take(tokens)
		s.mu.Unlock()
		if ok {
			return i, r, nil
		}
		select {
		case c := <-s.completions:
			s.mu.Lock()
			delete(s.outstanding, c.token)
			s.done[c.token] = c.res
			s.mu.Unlock()
		case <-s.quit:
			return -1, nil, substrate.ErrClosed
		}
	}
}

func (s *Substrate) Wait(token substrate.Token) (substrate.Result, error) {
	return substrate.WaitOne(s, token)
}

// Close closes every endpoint and waits for the operation goroutines.
func (s *Substrate) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	var errs []error
	for _, ep := range s.endpoints {
		if err := ep.close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	return errors.Join(errs...)
}
