package policy

import (
	"errors"
	"fmt"
	"net"

	"github.com/runningwild/pingring/pkg/reactor"
	"github.com/runningwild/pingring/pkg/substrate"
)

// Listen creates a stream endpoint listening on addr.
func Listen(sub substrate.Substrate, addr net.Addr, backlog int) (substrate.Handle, error) {
	h, err := sub.Socket(substrate.Stream)
	if err != nil {
		return 0, err
	}
	if err := sub.Bind(h, addr); err != nil {
		return 0, err
	}
	if err := sub.Listen(h, backlog); err != nil {
		return 0, err
	}
	return h, nil
}

// Dial connects a new stream endpoint to remote and waits for the result.
func Dial(sub substrate.Substrate, remote net.Addr) (substrate.Handle, error) {
	h, err := sub.Socket(substrate.Stream)
	if err != nil {
		return 0, err
	}
	tok, err := sub.Connect(h, remote)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", remote, err)
	}
	res, err := sub.Wait(tok)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", remote, err)
	}
	switch r := res.(type) {
	case substrate.Connected:
		return h, nil
	case substrate.Failed:
		return 0, fmt.Errorf("connect %s: %w", remote, r)
	default:
		return 0, fmt.Errorf("connect %s: unexpected %s", remote, substrate.KindOf(res))
	}
}

// EchoServer accepts connections and echoes everything each one sends. A
// zero length receive means the peer closed; that connection is dropped.
type EchoServer struct {
	listener substrate.Handle
	// Conns counts accepted connections.
	Conns int
}

func NewEchoServer(listener substrate.Handle) *EchoServer {
	return &EchoServer{listener: listener}
}

func (p *EchoServer) Start(s reactor.Submitter) error { return s.Accept(0, p.listener) }

func (p *EchoServer) Done() bool { return false }

func (p *EchoServer) OnAccepted(s reactor.Submitter, e reactor.Entry, r substrate.Accepted) error {
	p.Conns++
	if err := s.Accept(e.Flow, e.Handle); err != nil {
		return err
	}
	return s.Receive(int(r.Conn), r.Conn)
}

func (p *EchoServer) OnReceived(s reactor.Submitter, e reactor.Entry, r substrate.Received) error {
	if len(r.Buf) == 0 {
		return nil
	}
	s.Stats().AddBytes(len(r.Buf))
	return s.Send(e.Flow, e.Handle, r.Buf)
}

func (p *EchoServer) OnSent(s reactor.Submitter, e reactor.Entry, r substrate.Sent) error {
	return s.Receive(e.Flow, e.Handle)
}

var errServerClosed = errors.New("server closed the connection")

// EchoClient ping-pongs a fixed buffer over an established connection,
// counting bytes in both directions.
type EchoClient struct {
	conn substrate.Handle
	buf  []byte
}

func NewEchoClient(conn substrate.Handle, bufsize int) *EchoClient {
	buf := make([]byte, bufsize)
	for i := range buf {
		buf[i] = fillByte
	}
	return &EchoClient{conn: conn, buf: buf}
}

func (p *EchoClient) Start(s reactor.Submitter) error { return s.Send(0, p.conn, p.buf) }

func (p *EchoClient) Done() bool { return false }

func (p *EchoClient) OnSent(s reactor.Submitter, e reactor.Entry, r substrate.Sent) error {
	s.Stats().AddBytes(r.N)
	return s.Receive(e.Flow, e.Handle)
}

func (p *EchoClient) OnReceived(s reactor.Submitter, e reactor.Entry, r substrate.Received) error {
	if len(r.Buf) == 0 {
		return errServerClosed
	}
	s.Stats().AddBytes(len(r.Buf))
	return s.Send(e.Flow, e.Handle, p.buf)
}
