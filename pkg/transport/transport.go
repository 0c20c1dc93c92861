package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind identifies the binding behind an Endpoint or Listener.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string to a Kind, ignoring case. "udp" names the
// QUIC binding; "inproc" and "shared" name the in-process one.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP, nil
	case "quic", "udp":
		return KindQUIC, nil
	case "mem", "inproc", "shared":
		return KindMem, nil
	default:
		return KindUnknown, fmt.Errorf("unknown transport kind %q", s)
	}
}

// Endpoint is an opaque handle to a remote party, usually produced by
// discovery. Only the binding that produced it interprets Addr.
type Endpoint struct {
	Kind     Kind
	Service  string // service identity, e.g. "remote"
	Instance string // advertised instance name
	Addr     string // binding-specific dial address
	ID       string // advertiser id from TXT records, may be empty
}

func (e Endpoint) String() string {
	if e.Instance == "" {
		return fmt.Sprintf("%s://%s", e.Kind, e.Addr)
	}
	return fmt.Sprintf("%s://%s (%s)", e.Kind, e.Addr, e.Instance)
}

// Conn is one duplex byte stream. Dial and Accept hand out Conns that have not
// been started; Start performs the remaining work and blocks until the stream is
// ready or has failed.
//
// Receive may be called before Start returns; it waits for readiness. Send and
// Receive may run concurrently with each other, but each must only have one
// caller at a time.
type Conn interface {
	Endpoint() Endpoint
	Inbound() bool
	Start(ctx context.Context) error
	// Send writes p as-is. No framing is added.
	Send(p []byte) error
	// Receive returns between minLen and maxLen bytes. Fewer than minLen are
	// returned only together with an error.
	Receive(minLen, maxLen int) ([]byte, error)
	// Cancel releases the stream and unblocks pending calls. Safe to call more
	// than once.
	Cancel() error
}

// Listener accepts inbound Conns for an advertised service.
type Listener interface {
	// Accept blocks until an inbound Conn is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	// Endpoint is what peers discover for this listener.
	Endpoint() Endpoint
	// Close stops advertising and unblocks Accept.
	Close() error
}

// Transport creates Conns and Listeners for one binding kind.
type Transport interface {
	Kind() Kind
	// Listen binds and advertises service. Name collisions and platform
	// restrictions are reported here.
	Listen(ctx context.Context, service string) (Listener, error)
	// Dial constructs an outbound Conn to ep without touching the network.
	Dial(ep Endpoint) (Conn, error)
}

var (
	// ErrClosed is returned by operations on a cancelled Conn or closed Listener.
	ErrClosed = errors.New("transport: closed")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("transport: already started")
	// ErrKindMismatch is returned when an Endpoint from another binding is dialed.
	ErrKindMismatch = errors.New("transport: endpoint kind mismatch")
)

// IsTerminal reports whether err means the stream is over and no further data
// will arrive.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
