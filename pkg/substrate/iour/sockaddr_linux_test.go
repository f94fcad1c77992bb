//go:build linux

package iour

import (
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingSockaddr(t *testing.T) {
	sa, err := ringSockaddr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000})
	require.NoError(t, err)
	assert.Equal(t, &syscall.SockaddrInet4{Port: 9000, Addr: [4]byte{127, 0, 0, 1}}, sa)

	sa, err = ringSockaddr(&net.TCPAddr{IP: net.IPv6loopback, Port: 80})
	require.NoError(t, err)
	v6, ok := sa.(*syscall.SockaddrInet6)
	require.True(t, ok, "got %T", sa)
	assert.Equal(t, 80, v6.Port)
	assert.Equal(t, [16]byte(net.IPv6loopback), v6.Addr)

	_, err = ringSockaddr(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"})
	assert.Error(t, err)
}

func TestPeerAddr(t *testing.T) {
	got := peerAddr(&syscall.SockaddrInet4{Port: 4242, Addr: [4]byte{10, 0, 0, 7}})
	require.NotNil(t, got)
	assert.True(t, got.IP.Equal(net.IPv4(10, 0, 0, 7)))
	assert.Equal(t, 4242, got.Port)
	assert.Nil(t, peerAddr(nil))
}
