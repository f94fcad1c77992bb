package sim

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/pingring/pkg/substrate"
)

var remote = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9000}

func TestEchoRoundTripOnVirtualClock(t *testing.T) {
	s := New(Options{Delay: 10 * time.Microsecond, Echo: true})
	h, err := s.Socket(substrate.Datagram)
	require.NoError(t, err)
	require.NoError(t, s.Bind(h, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}))

	start := s.Now()
	tok, err := s.SendTo(h, []byte("ping"), remote)
	require.NoError(t, err)

	res, err := s.Wait(tok)
	require.NoError(t, err)
	assert.Equal(t, substrate.Sent{Conn: h, N: 4}, res)
	assert.Equal(t, 10*time.Microsecond, s.Now().Sub(start))

	tok, err = s.Receive(h)
	require.NoError(t, err)
	res, err = s.Wait(tok)
	require.NoError(t, err)
	rcv, ok := res.(substrate.Received)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, []byte("ping"), rcv.Buf)
	assert.Equal(t, remote, rcv.Source)
	assert.Equal(t, 20*time.Microsecond, s.Now().Sub(start))
}

func TestWaitAnyReturnsEarliestByPosition(t *testing.T) {
	s := New(Options{Delay: time.Microsecond, Echo: true})
	a, _ := s.Socket(substrate.Datagram)
	b, _ := s.Socket(substrate.Datagram)

	ta, err := s.Receive(a)
	require.NoError(t, err)
	tb, err := s.SendTo(b, []byte("x"), remote)
	require.NoError(t, err)

	i, res, err := s.WaitAny([]substrate.Token{ta, tb})
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.IsType(t, substrate.Sent{}, res)

	// Nothing will ever reach a.
	_, _, err = s.WaitAny([]substrate.Token{ta})
	assert.ErrorIs(t, err, ErrStalled)
}

func TestUnknownToken(t *testing.T) {
	s := New(Options{})
	_, _, err := s.WaitAny([]substrate.Token{42})
	assert.ErrorIs(t, err, substrate.ErrUnknownToken)

	_, _, err = s.WaitAny(nil)
	assert.ErrorIs(t, err, substrate.ErrNoTokens)
}

func TestInjectedFailures(t *testing.T) {
	s := New(Options{Echo: true, FailAt: 2})
	h, _ := s.Socket(substrate.Datagram)

	tok, err := s.SendTo(h, []byte("a"), remote)
	require.NoError(t, err)
	res, err := s.Wait(tok)
	require.NoError(t, err)
	assert.IsType(t, substrate.Sent{}, res)

	tok, err = s.SendTo(h, []byte("b"), remote)
	require.NoError(t, err)
	res, err = s.Wait(tok)
	require.NoError(t, err)
	f, ok := res.(substrate.Failed)
	require.True(t, ok)
	assert.ErrorIs(t, f, ErrInjected)
	assert.Equal(t, substrate.OpSend, f.Op)

	r := New(Options{RejectAt: 1})
	h, _ = r.Socket(substrate.Datagram)
	_, err = r.Receive(h)
	assert.ErrorIs(t, err, ErrInjected)
}

func TestBindConflict(t *testing.T) {
	s := New(Options{})
	a, _ := s.Socket(substrate.Datagram)
	b, _ := s.Socket(substrate.Datagram)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000}
	require.NoError(t, s.Bind(a, addr))
	assert.Error(t, s.Bind(b, addr))
}

func TestStreamAcceptAndExchange(t *testing.T) {
	s := New(Options{Delay: time.Microsecond})
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8000}

	ln, _ := s.Socket(substrate.Stream)
	require.NoError(t, s.Bind(ln, addr))
	require.NoError(t, s.Listen(ln, 16))

	atok, err := s.Accept(ln)
	require.NoError(t, err)

	cli, _ := s.Socket(substrate.Stream)
	ctok, err := s.Connect(cli, addr)
	require.NoError(t, err)

	res, err := s.Wait(ctok)
	require.NoError(t, err)
	assert.Equal(t, substrate.Connected{Conn: cli}, res)

	res, err = s.Wait(atok)
	require.NoError(t, err)
	acc, ok := res.(substrate.Accepted)
	require.True(t, ok)

	rtok, err := s.Receive(acc.Conn)
	require.NoError(t, err)
	_, err = s.Send(cli, []byte("hello"))
	require.NoError(t, err)

	res, err = s.Wait(rtok)
	require.NoError(t, err)
	assert.Equal(t, substrate.Received{Conn: acc.Conn, Buf: []byte("hello")}, res)
}

func TestClosed(t *testing.T) {
	s := New(Options{})
	h, _ := s.Socket(substrate.Datagram)
	require.NoError(t, s.Close())
	_, err := s.Receive(h)
	assert.ErrorIs(t, err, substrate.ErrClosed)
}

func TestCloseHandleFreesAddress(t *testing.T) {
	s := New(Options{})
	a, _ := s.Socket(substrate.Datagram)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000}
	require.NoError(t, s.Bind(a, addr))
	require.NoError(t, s.CloseHandle(a))
	assert.Equal(t, 0, s.Sockets())
	assert.ErrorIs(t, s.CloseHandle(a), substrate.ErrBadHandle)

	b, _ := s.Socket(substrate.Datagram)
	assert.NoError(t, s.Bind(b, addr))
}
