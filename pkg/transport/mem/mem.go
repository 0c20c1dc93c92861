package mem

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"

	"lanlink/pkg/transport"
)

// ErrServiceExists is returned when a service name is already being listened on
// in the same Transport.
var ErrServiceExists = errors.New("mem: service already advertised")

// ErrNoSuchService is returned by Start when nothing listens on the dialed
// service.
var ErrNoSuchService = errors.New("mem: no such service")

// Transport is an in-process binding using net.Pipe. Service names play the
// role of advertisements, so two listeners for one service collide.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

var shared = New()

// Shared returns a process-wide Transport so independent managers can find
// each other.
func Shared() *Transport { return shared }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, service string) (transport.Listener, error) {
	if service == "" {
		return nil, errors.New("mem: empty service")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[service]; ok {
		return nil, ErrServiceExists
	}
	l := &listener{
		t:       t,
		service: service,
		newCh:   make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	t.listeners[service] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

func (t *Transport) Dial(ep transport.Endpoint) (transport.Conn, error) {
	if ep.Kind != transport.KindMem {
		return nil, transport.ErrKindMismatch
	}
	return transport.NewStreamConn(ep, false, func(ctx context.Context) (io.ReadWriteCloser, error) {
		t.mu.Lock()
		l := t.listeners[ep.Addr]
		t.mu.Unlock()
		if l == nil {
			return nil, ErrNoSuchService
		}
		c1, c2 := net.Pipe()
		select {
		case l.newCh <- c1:
			return c2, nil
		case <-l.closeCh:
		case <-ctx.Done():
		}
		_ = c1.Close()
		_ = c2.Close()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoSuchService
	}), nil
}

// Endpoints lists the services currently listening, sorted by name. It stands
// in for discovery when everything runs in one process.
func (t *Transport) Endpoints() []transport.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Endpoint, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l.Endpoint())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (t *Transport) remove(l *listener) {
	t.mu.Lock()
	if t.listeners[l.service] == l {
		delete(t.listeners, l.service)
	}
	t.mu.Unlock()
}

type listener struct {
	t         *Transport
	service   string
	newCh     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *listener) Addr() net.Addr { return memAddr(l.service) }

func (l *listener) Endpoint() transport.Endpoint {
	return transport.Endpoint{Kind: transport.KindMem, Service: l.service, Instance: l.service, Addr: l.service}
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case c := <-l.newCh:
		ep := transport.Endpoint{Kind: transport.KindMem, Service: l.service, Addr: "peer:" + l.service}
		return transport.NewStreamConn(ep, true, func(context.Context) (io.ReadWriteCloser, error) {
			return c, nil
		}), nil
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.t.remove(l)
	})
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
