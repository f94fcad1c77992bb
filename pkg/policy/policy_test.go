package policy

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/substrate"
	"github.com/runningwild/pingring/pkg/substrate/sim"
)

var (
	serverAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 12345}
	clientAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 23456}
	streamAddr = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 12345}
)

func bound(t *testing.T, s *sim.Substrate, addr net.Addr) substrate.Handle {
	t.Helper()
	h, err := s.Socket(substrate.Datagram)
	require.NoError(t, err)
	require.NoError(t, s.Bind(h, addr))
	return h
}

func receive(t *testing.T, s *sim.Substrate, h substrate.Handle) substrate.Received {
	t.Helper()
	tok, err := s.Receive(h)
	require.NoError(t, err)
	res, err := s.Wait(tok)
	require.NoError(t, err)
	r, ok := res.(substrate.Received)
	require.True(t, ok, "got %T", res)
	return r
}

func TestEchoReflectsToSource(t *testing.T) {
	s := sim.New(sim.Options{Delay: time.Microsecond})
	srv := bound(t, s, serverAddr)
	cli := bound(t, s, clientAddr)
	require.NoError(t, s.Inject(srv, clientAddr, []byte("a")))
	require.NoError(t, s.Inject(srv, clientAddr, []byte("bb")))

	r := reactor.New(s, NewEcho(srv, 0), reactor.WithMaxCompletions(4))
	require.NoError(t, r.Run())
	assert.Equal(t, uint64(3), r.Stats().Bytes)

	got := receive(t, s, cli)
	assert.Equal(t, []byte("a"), got.Buf)
	assert.Equal(t, serverAddr, got.Source)
	assert.Equal(t, []byte("bb"), receive(t, s, cli).Buf)
}

func TestEchoNeedsSource(t *testing.T) {
	s := sim.New(sim.Options{})
	srv := bound(t, s, serverAddr)
	require.NoError(t, s.Inject(srv, nil, []byte("a")))

	err := reactor.New(s, NewEcho(srv, 0)).Run()
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestRelayForwardsToRemote(t *testing.T) {
	s := sim.New(sim.Options{Delay: time.Microsecond})
	relay := bound(t, s, serverAddr)
	sink := bound(t, s, clientAddr)
	other := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 1}
	require.NoError(t, s.Inject(relay, other, []byte("payload")))

	r := reactor.New(s, NewRelay(relay, clientAddr), reactor.WithMaxCompletions(2))
	require.NoError(t, r.Run())
	assert.Equal(t, uint64(7), r.Stats().Bytes)

	got := receive(t, s, sink)
	assert.Equal(t, []byte("payload"), got.Buf)
	assert.Equal(t, serverAddr, got.Source)
}

func TestPktgenPacesSends(t *testing.T) {
	s := sim.New(sim.Options{Delay: time.Microsecond})
	h := bound(t, s, serverAddr)

	// Every clock read moves time forward by 10us.
	now := time.Unix(0, 0)
	var sends []time.Duration
	p := NewPktgen(h, clientAddr, 100, 50*time.Microsecond).WithClock(func() time.Time {
		now = now.Add(10 * time.Microsecond)
		return now
	})

	r := reactor.New(s, p, reactor.WithMaxCompletions(3), reactor.WithTicker(tickFunc(func() {
		if p.lastSent.Sub(time.Unix(0, 0)) != last(sends) {
			sends = append(sends, p.lastSent.Sub(time.Unix(0, 0)))
		}
	})))
	require.NoError(t, r.Run())
	assert.Equal(t, uint64(300), r.Stats().Bytes)
	assert.Equal(t, uint64(3), r.Stats().Sent)
	assert.Equal(t, []time.Duration{10 * time.Microsecond, 60 * time.Microsecond, 110 * time.Microsecond}, sends)
}

type tickFunc func()

func (f tickFunc) Tick(uint64) bool {
	f()
	return false
}

func last(d []time.Duration) time.Duration {
	if len(d) == 0 {
		return -1
	}
	return d[len(d)-1]
}

func TestPktgenSendsImmediatelyWhenLate(t *testing.T) {
	s := sim.New(sim.Options{})
	h := bound(t, s, serverAddr)

	now := time.Unix(0, 0)
	p := NewPktgen(h, clientAddr, 8, time.Microsecond).WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	})

	r := reactor.New(s, p, reactor.WithMaxCompletions(5))
	require.NoError(t, r.Run())
	// Every completion resubmits at once, so the last send is still pending.
	assert.Equal(t, uint64(6), r.Stats().Submissions)
	assert.Equal(t, 1, r.Pending())
}

func TestTCPEchoServer(t *testing.T) {
	s := sim.New(sim.Options{Delay: time.Microsecond})
	ln, err := Listen(s, streamAddr, 16)
	require.NoError(t, err)

	cli, err := Dial(s, streamAddr)
	require.NoError(t, err)
	_, err = s.Send(cli, []byte("hello"))
	require.NoError(t, err)

	srv := NewEchoServer(ln)
	r := reactor.New(s, srv, reactor.WithMaxCompletions(3))
	require.NoError(t, r.Run())
	assert.Equal(t, 1, srv.Conns)
	assert.Equal(t, uint64(5), r.Stats().Bytes)
	assert.Equal(t, []byte("hello"), receive(t, s, cli).Buf)
}

func TestTCPEchoClient(t *testing.T) {
	// Nothing listens at the remote, so the sim reflects the stream.
	s := sim.New(sim.Options{Delay: time.Microsecond, Echo: true})
	conn, err := Dial(s, streamAddr)
	require.NoError(t, err)

	r := reactor.New(s, NewEchoClient(conn, 32), reactor.WithMaxCompletions(4))
	require.NoError(t, r.Run())
	assert.Equal(t, uint64(2), r.Stats().Sent)
	assert.Equal(t, uint64(2), r.Stats().Received)
	assert.Equal(t, uint64(128), r.Stats().Bytes)
}

func TestDialFailure(t *testing.T) {
	s := sim.New(sim.Options{FailAt: 1})
	_, err := Dial(s, streamAddr)
	assert.ErrorIs(t, err, sim.ErrInjected)
}

func readCapture(t *testing.T, data []byte) []gopacket.Packet {
	t.Helper()
	rd, err := pcapgo.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, rd.LinkType())

	var pkts []gopacket.Packet
	for {
		raw, _, err := rd.ReadPacketData()
		if err != nil {
			break
		}
		pkts = append(pkts, gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default))
	}
	return pkts
}

func TestDatagramDumpCaptures(t *testing.T) {
	s := sim.New(sim.Options{Delay: time.Microsecond})
	h := bound(t, s, serverAddr)
	require.NoError(t, s.Inject(h, clientAddr, []byte("one")))
	require.NoError(t, s.Inject(h, clientAddr, []byte("three")))

	var pcap bytes.Buffer
	capture, err := NewCapture(&pcap, s.Now)
	require.NoError(t, err)

	r := reactor.New(s, NewDatagramDump(h, serverAddr, capture), reactor.WithMaxCompletions(2))
	require.NoError(t, r.Run())
	assert.Equal(t, uint64(8), r.Stats().Bytes)

	pkts := readCapture(t, pcap.Bytes())
	require.Len(t, pkts, 2)
	udp, ok := pkts[1].Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(23456), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(12345), udp.DstPort)
	assert.Equal(t, []byte("three"), udp.Payload)
}

func TestStreamDumpCaptures(t *testing.T) {
	s := sim.New(sim.Options{Delay: time.Microsecond})
	ln, err := Listen(s, streamAddr, 16)
	require.NoError(t, err)
	cli, err := Dial(s, streamAddr)
	require.NoError(t, err)
	_, err = s.Send(cli, []byte("abc"))
	require.NoError(t, err)
	_, err = s.Send(cli, []byte("defg"))
	require.NoError(t, err)

	var pcap bytes.Buffer
	capture, err := NewCapture(&pcap, nil)
	require.NoError(t, err)
	d := NewStreamDump(ln, streamAddr, capture)

	r := reactor.New(s, d, reactor.WithMaxCompletions(3))
	require.NoError(t, r.Run())
	assert.Equal(t, 1, d.Conns)
	assert.Equal(t, uint64(7), r.Stats().Bytes)

	pkts := readCapture(t, pcap.Bytes())
	require.Len(t, pkts, 2)
	first := pkts[0].Layer(layers.LayerTypeTCP).(*layers.TCP)
	second := pkts[1].Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, []byte("abc"), first.Payload)
	assert.Equal(t, []byte("defg"), second.Payload)
	assert.Equal(t, first.Seq+3, second.Seq)
	assert.Equal(t, layers.TCPPort(12345), second.DstPort)
}
