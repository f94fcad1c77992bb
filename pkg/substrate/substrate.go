package substrate

import (
	"errors"
	"fmt"
	"net"
)

// Token identifies one outstanding asynchronous operation. It is only unique
// among operations that are outstanding at the same time.
type Token uint64

// Handle identifies an endpoint owned by a substrate.
type Handle int

// Kind selects the endpoint type passed to Socket.
type Kind int

const (
	Datagram Kind = iota
	Stream
)

func (k Kind) String() string {
	switch k {
	case Datagram:
		return "datagram"
	case Stream:
		return "stream"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Op names the operation a token was issued for.
type Op uint8

const (
	OpAccept Op = iota + 1
	OpConnect
	OpSend
	OpReceive
)

func (o Op) String() string {
	switch o {
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

var (
	ErrClosed       = errors.New("substrate closed")
	ErrUnknownToken = errors.New("unknown token")
	ErrNotSupported = errors.New("operation not supported by substrate")
	ErrNoTokens     = errors.New("wait on empty token set")
	ErrBadHandle    = errors.New("bad handle")
)

// Substrate is an asynchronous, completion based I/O provider. Submissions
// never block; WaitAny and Wait are the only blocking calls.
type Substrate interface {
	Socket(kind Kind) (Handle, error)
	Bind(h Handle, addr net.Addr) error
	Listen(h Handle, backlog int) error

	Accept(h Handle) (Token, error)
	Connect(h Handle, remote net.Addr) (Token, error)
	Send(h Handle, buf []byte) (Token, error)
	SendTo(h Handle, buf []byte, dest net.Addr) (Token, error)
	Receive(h Handle) (Token, error)

	// WaitAny blocks until one of tokens completes and returns its index in
	// tokens together with its result. The token is consumed.
	WaitAny(tokens []Token) (int, Result, error)
	// Wait blocks until the single token completes.
	Wait(token Token) (Result, error)

	// CloseHandle releases one endpoint and its address.
	CloseHandle(h Handle) error
	Close() error
}

// Result is the completion of exactly one token. The set of implementations
// is closed: Accepted, Connected, Sent, Received and Failed.
type Result interface {
	// Endpoint is the handle the operation was submitted on.
	Endpoint() Handle
	result()
}

type Accepted struct {
	Listener Handle
	Conn     Handle
	Peer     net.Addr
}

type Connected struct {
	Conn Handle
}

type Sent struct {
	Conn Handle
	N    int
}

// Received carries the payload of a completed receive. Source is nil for
// stream endpoints and for substrates that cannot report datagram sources.
type Received struct {
	Conn   Handle
	Source net.Addr
	Buf    []byte
}

type Failed struct {
	Conn Handle
	Op   Op
	Err  error
}

func (r Accepted) Endpoint() Handle  { return r.Listener }
func (r Connected) Endpoint() Handle { return r.Conn }
func (r Sent) Endpoint() Handle      { return r.Conn }
func (r Received) Endpoint() Handle  { return r.Conn }
func (r Failed) Endpoint() Handle    { return r.Conn }

func (Accepted) result()  {}
func (Connected) result() {}
func (Sent) result()      {}
func (Received) result()  {}
func (Failed) result()    {}

func (r Failed) Error() string {
	return fmt.Sprintf("%s on handle %d: %v", r.Op, r.Conn, r.Err)
}

func (r Failed) Unwrap() error { return r.Err }

// KindOf names a result for logs and metric labels.
func KindOf(r Result) string {
	switch r.(type) {
	case Accepted:
		return "accepted"
	case Connected:
		return "connected"
	case Sent:
		return "sent"
	case Received:
		return "received"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// WaitOne is a Wait implementation for substrates that only implement
// WaitAny natively.
func WaitOne(s Substrate, token Token) (Result, error) {
	_, res, err := s.WaitAny([]Token{token})
	return res, err
}
