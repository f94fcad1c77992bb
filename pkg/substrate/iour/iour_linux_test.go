//go:build linux

package iour

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/pingring/pkg/substrate"
)

var loopback = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

func newRing(t *testing.T) *Substrate {
	t.Helper()
	s, err := New(Options{Entries: 16})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDatagramSendTo(t *testing.T) {
	s := newRing(t)
	a, err := s.Socket(substrate.Datagram)
	require.NoError(t, err)
	require.NoError(t, s.Bind(a, loopback))
	b, err := s.Socket(substrate.Datagram)
	require.NoError(t, err)
	require.NoError(t, s.Bind(b, loopback))

	rtok, err := s.Receive(b)
	require.NoError(t, err)
	stok, err := s.SendTo(a, []byte("ping"), s.LocalAddr(b))
	require.NoError(t, err)

	tokens := []substrate.Token{rtok, stok}
	got := map[string]substrate.Result{}
	for len(tokens) > 0 {
		i, res, err := s.WaitAny(tokens)
		require.NoError(t, err)
		got[substrate.KindOf(res)] = res
		tokens = append(tokens[:i], tokens[i+1:]...)
	}
	require.Contains(t, got, "received", "got %v", got)
	assert.Equal(t, []byte("ping"), got["received"].(substrate.Received).Buf)
	assert.Equal(t, substrate.Sent{Conn: a, N: 4}, got["sent"])
}

func TestStreamEcho(t *testing.T) {
	s := newRing(t)
	ln, err := s.Socket(substrate.Stream)
	require.NoError(t, err)
	require.NoError(t, s.Bind(ln, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	require.NoError(t, s.Listen(ln, 16))

	atok, err := s.Accept(ln)
	require.NoError(t, err)
	cli, err := s.Socket(substrate.Stream)
	require.NoError(t, err)
	ctok, err := s.Connect(cli, s.LocalAddr(ln))
	require.NoError(t, err)

	res, err := s.Wait(ctok)
	require.NoError(t, err)
	require.Equal(t, substrate.Connected{Conn: cli}, res)
	res, err = s.Wait(atok)
	require.NoError(t, err)
	acc, ok := res.(substrate.Accepted)
	require.True(t, ok, "got %v", res)
	assert.Equal(t, s.LocalAddr(cli).String(), acc.Peer.String())

	_, err = s.Send(cli, []byte("hello"))
	require.NoError(t, err)
	rtok, err := s.Receive(acc.Conn)
	require.NoError(t, err)
	res, err = s.Wait(rtok)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.(substrate.Received).Buf)
}

func TestErrors(t *testing.T) {
	s := newRing(t)

	_, _, err := s.WaitAny(nil)
	assert.ErrorIs(t, err, substrate.ErrNoTokens)
	_, _, err = s.WaitAny([]substrate.Token{3})
	assert.ErrorIs(t, err, substrate.ErrUnknownToken)
	_, err = s.Receive(12)
	assert.ErrorIs(t, err, substrate.ErrBadHandle)

	h, err := s.Socket(substrate.Datagram)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Listen(h, 1), substrate.ErrNotSupported)
	_, err = s.Send(h, []byte("x"))
	assert.Error(t, err)

	require.NoError(t, s.Close())
	_, err = s.Socket(substrate.Stream)
	assert.ErrorIs(t, err, substrate.ErrClosed)
}

func TestCloseHandleReleasesPort(t *testing.T) {
	s := newRing(t)
	h, err := s.Socket(substrate.Datagram)
	require.NoError(t, err)
	require.NoError(t, s.Bind(h, loopback))
	addr := s.LocalAddr(h).(*net.UDPAddr)
	require.NotZero(t, addr.Port)

	require.NoError(t, s.CloseHandle(h))
	assert.ErrorIs(t, s.CloseHandle(h), substrate.ErrBadHandle)

	again, err := s.Socket(substrate.Datagram)
	require.NoError(t, err)
	assert.NoError(t, s.Bind(again, addr))
}
