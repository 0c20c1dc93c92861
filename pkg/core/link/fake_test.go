package link

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"lanlink/pkg/transport"
)

type recvResult struct {
	data []byte
	err  error
}

// fakeConn lets tests decide when Start and each Receive complete.
type fakeConn struct {
	ep      transport.Endpoint
	inbound bool

	startCh   chan error
	recvCh    chan recvResult
	cancelled chan struct{}
	once      sync.Once

	starts   atomic.Int32
	receives atomic.Int32
	cancels  atomic.Int32

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	bounds  [2]int
}

func newFakeConn(ep transport.Endpoint, inbound bool) *fakeConn {
	return &fakeConn{
		ep:        ep,
		inbound:   inbound,
		startCh:   make(chan error),
		recvCh:    make(chan recvResult),
		cancelled: make(chan struct{}),
	}
}

func (c *fakeConn) Endpoint() transport.Endpoint { return c.ep }
func (c *fakeConn) Inbound() bool                { return c.inbound }

func (c *fakeConn) Start(ctx context.Context) error {
	c.starts.Add(1)
	select {
	case err := <-c.startCh:
		return err
	case <-c.cancelled:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), p...))
	return c.sendErr
}

func (c *fakeConn) Receive(minLen, maxLen int) ([]byte, error) {
	c.receives.Add(1)
	c.mu.Lock()
	c.bounds = [2]int{minLen, maxLen}
	c.mu.Unlock()
	select {
	case r := <-c.recvCh:
		return r.data, r.err
	case <-c.cancelled:
		return nil, transport.ErrClosed
	}
}

func (c *fakeConn) Cancel() error {
	c.cancels.Add(1)
	c.once.Do(func() { close(c.cancelled) })
	return nil
}

func (c *fakeConn) isCancelled() bool {
	select {
	case <-c.cancelled:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentData() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) recvBounds() [2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bounds
}

type acceptResult struct {
	conn transport.Conn
	err  error
}

type fakeListener struct {
	ep       transport.Endpoint
	acceptCh chan acceptResult
	closed   chan struct{}
	once     sync.Once
}

func (l *fakeListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case r := <-l.acceptCh:
		return r.conn, r.err
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Addr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000} }
func (l *fakeListener) Endpoint() transport.Endpoint { return l.ep }

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	dialed    []*fakeConn
	listeners []*fakeListener
	listenErr error
	dialErr   error
}

func (t *fakeTransport) Kind() transport.Kind { return transport.KindTCP }

func (t *fakeTransport) Listen(ctx context.Context, service string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	l := &fakeListener{
		ep:       transport.Endpoint{Kind: transport.KindTCP, Service: service, Instance: "self", Addr: "127.0.0.1:7000"},
		acceptCh: make(chan acceptResult),
		closed:   make(chan struct{}),
	}
	t.listeners = append(t.listeners, l)
	return l, nil
}

func (t *fakeTransport) Dial(ep transport.Endpoint) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn(ep, false)
	t.dialed = append(t.dialed, c)
	return c, nil
}

func (t *fakeTransport) dial(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.dialed) {
		return nil
	}
	return t.dialed[i]
}

func (t *fakeTransport) listener(i int) *fakeListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.listeners) {
		return nil
	}
	return t.listeners[i]
}

func (t *fakeTransport) lastDial() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.dialed) == 0 {
		return nil
	}
	return t.dialed[len(t.dialed)-1]
}

func (t *fakeTransport) lastListener() *fakeListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.listeners) == 0 {
		return nil
	}
	return t.listeners[len(t.listeners)-1]
}
