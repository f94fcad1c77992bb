//go:build linux

package iour

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/iceber/iouring-go"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"

	"github.com/runningwild/pingring/pkg/substrate"
)

type endpoint struct {
	kind   substrate.Kind
	fd     int
	local  net.Addr
	remote net.Addr
}

type pending struct {
	h  substrate.Handle
	op substrate.Op
}

type Substrate struct {
	iour    *iouring.IOURing
	results chan iouring.Result
	quit    chan struct{}

	mu          sync.Mutex
	nextToken   substrate.Token
	nextHandle  substrate.Handle
	endpoints   map[substrate.Handle]*endpoint
	outstanding map[substrate.Token]pending
	done        substrate.Stash
	closed      bool
}

func New(opts Options) (*Substrate, error) {
	opts.applyDefaults()
	ring, err := iouring.New(uint(opts.Entries))
	if err != nil {
		return nil, fmt.Errorf("failed to setup io_uring: %w", err)
	}
	return &Substrate{
		iour:        ring,
		results:     make(chan iouring.Result, opts.Entries),
		quit:        make(chan struct{}),
		endpoints:   make(map[substrate.Handle]*endpoint),
		outstanding: make(map[substrate.Token]pending),
		done:        make(substrate.Stash),
	}, nil
}

func (s *Substrate) Socket(kind substrate.Kind) (substrate.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, substrate.ErrClosed
	}
	return s.register(&endpoint{kind: kind, fd: -1}), nil
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
	return ep.local
}

func sockType(kind substrate.Kind) int {
	if kind == substrate.Stream {
		return unix.SOCK_STREAM
	}
	return unix.SOCK_DGRAM
}

// open creates the kernel socket of ep in the family of addr.
func (ep *endpoint) open(addr net.Addr) error {
	if ep.fd >= 0 {
		return nil
	}
	fd, err := unix.Socket(sockaddrnet.NetAddrAF(addr), sockType(ep.kind)|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	if ep.kind == substrate.Stream {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return os.NewSyscallError("setsockopt", err)
		}
	}
	ep.fd = fd
	return nil
}

func (ep *endpoint) sockname() {
	sa, err := unix.Getsockname(ep.fd)
	if err != nil {
		return
	}
	if ep.kind == substrate.Stream {
		ep.local = sockaddrnet.SockaddrToTCPAddr(sa)
	} else {
		ep.local = sockaddrnet.SockaddrToUDPAddr(sa)
	}
}

// normalize converts addr to the address type of kind and fills in the
// unspecified IPv4 address when addr has no IP.
func normalize(kind substrate.Kind, addr net.Addr) (net.Addr, error) {
	var ip net.IP
	var port int
	var zone string
	switch v := addr.(type) {
	case *net.UDPAddr:
		ip, port, zone = v.IP, v.Port, v.Zone
	case *net.TCPAddr:
		ip, port, zone = v.IP, v.Port, v.Zone
	default:
		return nil, fmt.Errorf("unsupported address type %T", addr)
	}
	if ip == nil {
		ip = net.IPv4zero
	}
	if kind == substrate.Stream {
		return &net.TCPAddr{IP: ip, Port: port, Zone: zone}, nil
	}
	return &net.UDPAddr{IP: ip, Port: port, Zone: zone}, nil
}

func (s *Substrate) Bind(h substrate.Handle, addr net.Addr) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	na, err := normalize(ep.kind, addr)
	if err != nil {
		return err
	}
	sa, err := unixSockaddr(na)
	if err != nil {
		return err
	}
	if err := ep.open(na); err != nil {
		return err
	}
	if err := unix.Bind(ep.fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	ep.sockname()
	return nil
}

// CloseHandle closes the socket of h. Operations still outstanding on it
// complete with an error.
func (s *Substrate) CloseHandle(h substrate.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return substrate.ErrClosed
	}
	ep, ok := s.endpoints[h]
	if !ok {
		return fmt.Errorf("%w: %d", substrate.ErrBadHandle, h)
	}
	delete(s.endpoints, h)
	if ep.fd < 0 {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(ep.fd))
}

func (s *Substrate) Listen(h substrate.Handle, backlog int) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	if ep.kind != substrate.Stream {
		return fmt.Errorf("listen on %s endpoint: %w", ep.kind, substrate.ErrNotSupported)
	}
	if ep.fd < 0 {
		return fmt.Errorf("listen on handle %d: not bound", h)
	}
	return os.NewSyscallError("listen", unix.Listen(ep.fd, backlog))
}

// submit issues a token and hands prep to the ring. The token travels with
// the request so completions can be matched without a lookup by request.
func (s *Substrate) submit(h substrate.Handle, op substrate.Op, prep iouring.PrepRequest) (substrate.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, substrate.ErrClosed
	}
	s.nextToken++
	token := s.nextToken
	if _, err := s.iour.SubmitRequest(prep.WithInfo(token), s.results); err != nil {
		return 0, fmt.Errorf("submit %s: %w", op, err)
	}
	s.outstanding[token] = pending{h: h, op: op}
	return token, nil
}

// finish parks an already complete result.
func (s *Substrate) finish(res substrate.Result) (substrate.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, substrate.ErrClosed
	}
	s.nextToken++
	s.done[s.nextToken] = res
	return s.nextToken, nil
}

func (s *Substrate) Accept(h substrate.Handle) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.kind != substrate.Stream || ep.fd < 0 {
		return 0, fmt.Errorf("accept on handle %d: not listening", h)
	}
	return s.submit(h, substrate.OpAccept, iouring.Accept(ep.fd))
}

// Connect dials streams through the ring. Datagram sockets are associated
// synchronously and the token is already complete when returned.
func (s *Substrate) Connect(h substrate.Handle, remote net.Addr) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	ra, err := normalize(ep.kind, remote)
	if err != nil {
		return 0, err
	}
	if err := ep.open(ra); err != nil {
		return 0, err
	}
	if ep.kind == substrate.Datagram {
		sa, err := unixSockaddr(ra)
		if err != nil {
			return 0, err
		}
		if err := unix.Connect(ep.fd, sa); err != nil {
			return 0, os.NewSyscallError("connect", err)
		}
		ep.remote = ra
		ep.sockname()
		return s.finish(substrate.Connected{Conn: h})
	}
	sa, err := ringSockaddr(ra)
	if err != nil {
		return 0, err
	}
	prep, err := iouring.Connect(ep.fd, sa)
	if err != nil {
		return 0, err
	}
	ep.remote = ra
	return s.submit(h, substrate.OpConnect, prep)
}

func (s *Substrate) Send(h substrate.Handle, buf []byte) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.fd < 0 || ep.remote == nil {
		return 0, fmt.Errorf("send on handle %d: not connected", h)
	}
	return s.submit(h, substrate.OpSend, iouring.Send(ep.fd, buf, 0))
}

func (s *Substrate) SendTo(h substrate.Handle, buf []byte, dest net.Addr) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.kind == substrate.Stream {
		return s.Send(h, buf)
	}
	if ep.fd < 0 {
		return 0, fmt.Errorf("send on handle %d: not bound", h)
	}
	if dest == nil {
		return 0, fmt.Errorf("send on handle %d: no destination", h)
	}
	da, err := normalize(ep.kind, dest)
	if err != nil {
		return 0, err
	}
	sa, err := ringSockaddr(da)
	if err != nil {
		return 0, err
	}
	prep, err := iouring.Sendmsg(ep.fd, buf, nil, sa, 0)
	if err != nil {
		return 0, err
	}
	return s.submit(h, substrate.OpSend, prep)
}

// Receive reports the connected peer as the source of datagrams, or nil
// when the socket has none. A stream peer closing completes with an empty
// buffer.
func (s *Substrate) Receive(h substrate.Handle) (substrate.Token, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return 0, err
	}
	if ep.fd < 0 {
		return 0, fmt.Errorf("receive on handle %d: not bound or connected", h)
	}
	size := MaxDatagram
	if ep.kind == substrate.Stream {
		size = StreamChunk
	}
	return s.submit(h, substrate.OpReceive, iouring.Recv(ep.fd, make([]byte, size), 0))
}

func (s *Substrate) WaitAny(tokens []substrate.Token) (int, substrate.Result, error) {
	if len(tokens) == 0 {
		return -1, nil, substrate.ErrNoTokens
	}
	s.mu.Lock()
	for _, t := range tokens {
		_, out := s.outstanding[t]
		_, fin := s.done[t]
		if !out && !fin {
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
		case res := <-s.results:
			s.complete(res)
		case <-s.quit:
			return -1, nil, substrate.ErrClosed
		}
	}
}

func (s *Substrate) complete(res iouring.Result) {
	token, ok := res.GetRequestInfo().(substrate.Token)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.outstanding[token]
	if !ok {
		return
	}
	delete(s.outstanding, token)
	s.done[token] = s.resolve(p, res)
}

// resolve must be called with s.mu held.
func (s *Substrate) resolve(p pending, res iouring.Result) substrate.Result {
	fail := func(err error) substrate.Result {
		return substrate.Failed{Conn: p.h, Op: p.op, Err: err}
	}
	switch p.op {
	case substrate.OpAccept:
		fd, err := res.ReturnFd()
		if err != nil {
			return fail(err)
		}
		var peer net.Addr
		if sa, ok := res.ReturnValue1().(syscall.Sockaddr); ok {
			if ta := peerAddr(sa); ta != nil {
				peer = ta
			}
		}
		ep := &endpoint{kind: substrate.Stream, fd: fd, remote: peer}
		ep.sockname()
		return substrate.Accepted{Listener: p.h, Conn: s.register(ep), Peer: peer}
	case substrate.OpConnect:
		if err := res.Err(); err != nil {
			return fail(err)
		}
		if ep := s.endpoints[p.h]; ep != nil {
			ep.sockname()
		}
		return substrate.Connected{Conn: p.h}
	case substrate.OpSend:
		n, err := res.ReturnInt()
		if err != nil {
			return fail(err)
		}
		return substrate.Sent{Conn: p.h, N: n}
	default:
		n, err := res.ReturnInt()
		if err != nil {
			return fail(err)
		}
		buf, _ := res.GetRequestBuffer()
		var src net.Addr
		if ep := s.endpoints[p.h]; ep != nil && ep.kind == substrate.Datagram {
			src = ep.remote
		}
		return substrate.Received{Conn: p.h, Source: src, Buf: buf[:n]}
	}
}

func (s *Substrate) Wait(token substrate.Token) (substrate.Result, error) {
	return substrate.WaitOne(s, token)
}

// Close stops the ring, then closes every socket.
func (s *Substrate) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.quit)
	errs := []error{s.iour.Close()}
	for _, ep := range s.endpoints {
		if ep.fd >= 0 {
			errs = append(errs, unix.Close(ep.fd))
		}
	}
	return errors.Join(errs...)
}
