//go:build linux

package uring

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/godzie44/go-uring/uring"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"

	"github.com/runningwild/pingring/pkg/substrate"
)

type endpoint struct {
	fd     int
	local  *net.UDPAddr
	remote *net.UDPAddr
}

type pending struct {
	h    substrate.Handle
	op   substrate.Op
	slot int
}

type Substrate struct {
	ring  *uring.Ring
	arena []byte
	slot  int
	free  []int

	nextToken   substrate.Token
	nextHandle  substrate.Handle
	endpoints   map[substrate.Handle]*endpoint
	outstanding map[substrate.Token]pending
	done        substrate.Stash
	closed      bool
}

func New(opts Options) (*Substrate, error) {
	opts.applyDefaults()
	ring, err := uring.New(uint32(opts.Entries))
	if err != nil {
		return nil, fmt.Errorf("failed to setup io_uring: %w", err)
	}
	arena, err := unix.Mmap(-1, 0, opts.Entries*opts.SlotSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("failed to allocate buffer arena: %w", err)
	}
	free := make([]int, opts.Entries)
	for i := range free {
		free[i] = opts.Entries - 1 - i
	}
	return &Substrate{
		ring:        ring,
		arena:       arena,
		slot:        opts.SlotSize,
		free:        free,
		endpoints:   make(map[substrate.Handle]*endpoint),
		outstanding: make(map[substrate.Token]pending),
		done:        make(substrate.Stash),
	}, nil
}

func (s *Substrate) endpoint(h substrate.Handle) (*endpoint, error) {
	if s.closed {
		return nil, substrate.ErrClosed
	}
	ep, ok := s.endpoints[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", substrate.ErrBadHandle, h)
	}
	return ep, nil
}

func (s *Substrate) Socket(kind substrate.Kind) (substrate.Handle, error) {
	if s.closed {
		return 0, substrate.ErrClosed
	}
	if kind != substrate.Datagram {
		return 0, fmt.Errorf("%s socket: %w", kind, substrate.ErrNotSupported)
	}
	s.nextHandle++
	s.endpoints[s.nextHandle] = &endpoint{fd: -1}
	return s.nextHandle, nil
}

// LocalAddr reports the bound address of h, with the kernel chosen port
// filled in.
func (s *Substrate) LocalAddr(h substrate.Handle) net.Addr {
	ep, err := s.endpoint(h)
	if err != nil || ep.local == nil {
		return nil
	}
	return ep.local
}

func (s *Substrate) Bind(h substrate.Handle, addr net.Addr) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	if ep.fd >= 0 {
		return fmt.Errorf("handle %d already bound", h)
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("bind datagram endpoint to %T", addr)
	}
	if ua.IP == nil {
		ua = &net.UDPAddr{IP: net.IPv4zero, Port: ua.Port}
	}
	sa := sockaddrnet.NetAddrToSockaddr(ua)
	if sa == nil {
		return fmt.Errorf("bind: unsupported address %s", ua)
	}
	fd, err := unix.Socket(sockaddrnet.NetAddrAF(ua), unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("bind", err)
	}
	if sa, err = unix.Getsockname(fd); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("getsockname", err)
	}
	ep.fd = fd
	ep.local = sockaddrnet.SockaddrToUDPAddr(sa)
	return nil
}

// CloseHandle closes the socket of h. Operations still outstanding on it
// complete with an error.
func (s *Substrate) CloseHandle(h substrate.Handle) error {
	ep, err := s.endpoint(h)
	if err != nil {
		return err
	}
	delete(s.endpoints, h)
	if ep.fd < 0 {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(ep.fd))
}

func (s *Substrate) Listen(substrate.Handle, int) error {
	return fmt.Errorf("listen: %w", substrate.ErrNotSupported)
}

func (s *Substrate) Accept(substrate.Handle) (substrate.Token, error) {
	return 0, fmt.Errorf("accept: %w", substrate.ErrNotSupported)
}

// Connect fixes the peer of a datagram socket. The association is made
// synchronously, so the token is already complete when returned.
func (s *Substrate) Connect(h substrate.Handle, remote net.Addr) (substrate.Token, error) {
	ep, err := s.bound(h)
	if err != nil {
		return 0, err
	}
	if err := s.associate(ep, remote); err != nil {
		return 0, err
	}
	s.nextToken++
	s.done[s.nextToken] = substrate.Connected{Conn: h}
	return s.nextToken, nil
}

func (s *Substrate) bound(h substrate.Handle) (*endpoint, error) {
	ep, err := s.endpoint(h)
	if err != nil {
		return nil, err
	}
	if ep.fd < 0 {
		return nil, fmt.Errorf("handle %d: not bound", h)
	}
	return ep, nil
}

func (s *Substrate) associate(ep *endpoint, remote net.Addr) error {
	ua, ok := remote.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("connect datagram endpoint to %T", remote)
	}
	if ep.remote != nil && ep.remote.IP.Equal(ua.IP) && ep.remote.Port == ua.Port {
		return nil
	}
	sa := sockaddrnet.NetAddrToSockaddr(ua)
	if sa == nil {
		return fmt.Errorf("connect: unsupported address %s", ua)
	}
	if err := unix.Connect(ep.fd, sa); err != nil {
		return os.NewSyscallError("connect", err)
	}
	ep.remote = ua
	return nil
}

func (s *Substrate) Send(h substrate.Handle, buf []byte) (substrate.Token, error) {
	ep, err := s.bound(h)
	if err != nil {
		return 0, err
	}
	if ep.remote == nil {
		return 0, fmt.Errorf("send on handle %d: no destination", h)
	}
	if len(buf) > s.slot {
		return 0, fmt.Errorf("send of %d bytes exceeds slot size %d", len(buf), s.slot)
	}
	return s.queue(h, substrate.OpSend, func(b []byte) uring.Operation {
		n := copy(b, buf)
		return uring.Write(uintptr(ep.fd), b[:n], 0)
	})
}

// SendTo re-associates the socket when dest differs from the current peer.
func (s *Substrate) SendTo(h substrate.Handle, buf []byte, dest net.Addr) (substrate.Token, error) {
	ep, err := s.bound(h)
	if err != nil {
		return 0, err
	}
	if dest == nil {
		return 0, fmt.Errorf("send on handle %d: no destination", h)
	}
	if err := s.associate(ep, dest); err != nil {
		return 0, err
	}
	return s.Send(h, buf)
}

// Receive reports the connected peer as the source, or nil when the socket
// has none.
func (s *Substrate) Receive(h substrate.Handle) (substrate.Token, error) {
	ep, err := s.bound(h)
	if err != nil {
		return 0, err
	}
	return s.queue(h, substrate.OpReceive, func(b []byte) uring.Operation {
		return uring.Read(uintptr(ep.fd), b, 0)
	})
}

func (s *Substrate) queue(h substrate.Handle, op substrate.Op, prep func([]byte) uring.Operation) (substrate.Token, error) {
	if len(s.free) == 0 {
		return 0, fmt.Errorf("%s on handle %d: all %d buffer slots in use", op, h, len(s.arena)/s.slot)
	}
	slot := s.free[len(s.free)-1]
	s.nextToken++
	token := s.nextToken

	if err := s.ring.QueueSQE(prep(s.buffer(slot)), 0, uint64(token)); err != nil {
		return 0, fmt.Errorf("queue %s: %w", op, err)
	}
	s.free = s.free[:len(s.free)-1]
	s.outstanding[token] = pending{h: h, op: op, slot: slot}

	for {
		_, err := s.ring.Submit()
		if err == nil {
			return token, nil
		}
		if !isEINTR(err) {
			return 0, err
		}
	}
}

func (s *Substrate) buffer(slot int) []byte {
	return s.arena[slot*s.slot : (slot+1)*s.slot]
}

func (s *Substrate) WaitAny(tokens []substrate.Token) (int, substrate.Result, error) {
	if len(tokens) == 0 {
		return -1, nil, substrate.ErrNoTokens
	}
	if s.closed {
		return -1, nil, substrate.ErrClosed
	}
	for _, t := range tokens {
		_, out := s.outstanding[t]
		_, fin := s.done[t]
		if !out && !fin {
			return -1, nil, fmt.Errorf("%w: %d", substrate.ErrUnknownToken, t)
		}
	}

	for {
		if i, r, ok := s.done.Take(tokens); ok {
			return i, r, nil
		}

		var cqe *uring.CQEvent
		var err error
		for {
			cqe, err = s.ring.WaitCQEvents(1)
			if err == nil || !isEINTR(err) {
				break
			}
		}
		if err != nil {
			return -1, nil, err
		}

		for cqe != nil {
			s.complete(cqe)
			s.ring.SeenCQE(cqe)
			cqe, _ = s.ring.PeekCQE()
		}
	}
}

func (s *Substrate) complete(cqe *uring.CQEvent) {
	token := substrate.Token(cqe.UserData)
	p, ok := s.outstanding[token]
	if !ok {
		return
	}
	delete(s.outstanding, token)
	defer func() { s.free = append(s.free, p.slot) }()

	if cqe.Res < 0 {
		s.done[token] = substrate.Failed{Conn: p.h, Op: p.op, Err: syscall.Errno(-cqe.Res)}
		return
	}
	n := int(cqe.Res)
	switch p.op {
	case substrate.OpSend:
		s.done[token] = substrate.Sent{Conn: p.h, N: n}
	case substrate.OpReceive:
		buf := make([]byte, n)
		copy(buf, s.buffer(p.slot))
		var src net.Addr
		if ep := s.endpoints[p.h]; ep != nil && ep.remote != nil {
			src = ep.remote
		}
		s.done[token] = substrate.Received{Conn: p.h, Source: src, Buf: buf}
	}
}

func (s *Substrate) Wait(token substrate.Token) (substrate.Result, error) {
	return substrate.WaitOne(s, token)
}

// Close tears down the ring before the sockets and the arena, so the kernel
// holds no references into either.
func (s *Substrate) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	errs := []error{s.ring.Close()}
	for _, ep := range s.endpoints {
		if ep.fd >= 0 {
			errs = append(errs, unix.Close(ep.fd))
		}
	}
	errs = append(errs, unix.Munmap(s.arena))
	return errors.Join(errs...)
}

func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Err == syscall.EINTR
	}
	return false
}
