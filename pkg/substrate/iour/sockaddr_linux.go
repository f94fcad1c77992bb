//go:build linux

package iour

import (
	"fmt"
	"net"
	"syscall"

	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

// unixSockaddr converts addr for the x/sys socket calls.
func unixSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	sa := sockaddrnet.NetAddrToSockaddr(addr)
	if sa == nil {
		return nil, fmt.Errorf("unsupported address %s", addr)
	}
	return sa, nil
}

// ringSockaddr converts addr for iouring-go, which takes the syscall
// package's socket address types.
func ringSockaddr(addr net.Addr) (syscall.Sockaddr, error) {
	sa, err := unixSockaddr(addr)
	if err != nil {
		return nil, err
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &syscall.SockaddrInet4{Port: v.Port, Addr: v.Addr}, nil
	case *unix.SockaddrInet6:
		return &syscall.SockaddrInet6{Port: v.Port, ZoneId: v.ZoneId, Addr: v.Addr}, nil
	}
	return nil, fmt.Errorf("unsupported address %s", addr)
}

// peerAddr converts the peer address iouring-go reports for an accepted
// connection.
func peerAddr(sa syscall.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *syscall.SockaddrInet4:
		return sockaddrnet.SockaddrToTCPAddr(&unix.SockaddrInet4{Port: v.Port, Addr: v.Addr})
	case *syscall.SockaddrInet6:
		return sockaddrnet.SockaddrToTCPAddr(&unix.SockaddrInet6{Port: v.Port, ZoneId: v.ZoneId, Addr: v.Addr})
	}
	return nil
}
