package policy

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snaplen = 65535

// Capture writes received payloads as synthetic raw IP packets into a pcap
// stream, so dumps open in any packet analyzer.
type Capture struct {
	w   *pcapgo.Writer
	now func() time.Time
	seq map[string]uint32
	buf gopacket.SerializeBuffer
}

func NewCapture(w io.Writer, now func() time.Time) (*Capture, error) {
	if now == nil {
		now = time.Now
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Capture{
		w:   pw,
		now: now,
		seq: make(map[string]uint32),
		buf: gopacket.NewSerializeBuffer(),
	}, nil
}

// Datagram records a UDP payload from src to dst. Unknown addresses are
// written as the unspecified address.
func (c *Capture) Datagram(src, dst net.Addr, payload []byte) error {
	sip, sport := split(src)
	dip, dport := split(dst)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	ip := networkLayer(sip, dip, layers.IPProtocolUDP)
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return c.write(ip.(gopacket.SerializableLayer), udp, gopacket.Payload(payload))
}

// Segment records a TCP payload from src to dst. Sequence numbers advance
// per direction so consecutive segments reassemble.
func (c *Capture) Segment(src, dst net.Addr, payload []byte) error {
	sip, sport := split(src)
	dip, dport := split(dst)
	key := fmt.Sprintf("%v>%v", src, dst)
	seq := c.seq[key]
	c.seq[key] = seq + uint32(len(payload))

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}
	ip := networkLayer(sip, dip, layers.IPProtocolTCP)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return c.write(ip.(gopacket.SerializableLayer), tcp, gopacket.Payload(payload))
}

func (c *Capture) write(ls ...gopacket.SerializableLayer) error {
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(c.buf, opts, ls...); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}
	data := c.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if ci.CaptureLength > snaplen {
		ci.CaptureLength = snaplen
		data = data[:snaplen]
	}
	return c.w.WritePacket(ci, data)
}

func networkLayer(src, dst net.IP, proto layers.IPProtocol) gopacket.NetworkLayer {
	if s4, d4 := src.To4(), dst.To4(); s4 != nil && d4 != nil {
		return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: s4, DstIP: d4}
	}
	return &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src.To16(), DstIP: dst.To16()}
}

func split(a net.Addr) (net.IP, int) {
	var ip net.IP
	var port int
	switch v := a.(type) {
	case *net.UDPAddr:
		ip, port = v.IP, v.Port
	case *net.TCPAddr:
		ip, port = v.IP, v.Port
	}
	if ip == nil {
		ip = net.IPv4zero
	}
	return ip, port
}
