package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanlink/pkg/discovery"
	"lanlink/pkg/transport"
)

// Options configures the TCP binding.
type Options struct {
	// ListenAddr is the socket address, ":0" picks a free port.
	ListenAddr string
	// Advertise announces listeners over mDNS. Without it peers need the
	// address out of band.
	Advertise bool
	Domain    string
	Interface string
	// ID is published in TXT records; a random one is used when empty.
	ID string
}

// Transport is a stream-oriented TCP binding advertised as _<service>._tcp.
type Transport struct {
	opts Options
}

func New(opts Options) *Transport {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":0"
	}
	if opts.ID == "" {
		opts.ID = transport.NewInstanceID()
	}
	return &Transport{opts: opts}
}

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, service string) (transport.Listener, error) {
	l, err := net.Listen("tcp", t.opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", t.opts.ListenAddr, err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	ep := transport.Endpoint{
		Kind:     transport.KindTCP,
		Service:  service,
		Instance: transport.InstanceName(t.opts.ID),
		Addr:     l.Addr().String(),
		ID:       t.opts.ID,
	}

	var adv *discovery.Advertisement
	if t.opts.Advertise {
		adv, err = discovery.Advertise(discovery.Service{
			Instance: ep.Instance,
			Type:     transport.ServiceType(service, transport.KindTCP),
			Domain:   t.opts.Domain,
			Port:     port,
			TXT:      discovery.BuildTXT(t.opts.ID, transport.KindTCP, service),
		}, discovery.AdvertiseOptions{Interface: t.opts.Interface})
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("advertise %s: %w", service, err)
		}
	}

	tl := &listener{l: l, adv: adv, ep: ep, newCh: make(chan net.Conn), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-tl.closeCh:
		}
	}()
	return tl, nil
}

func (t *Transport) Dial(ep transport.Endpoint) (transport.Conn, error) {
	if ep.Kind != transport.KindTCP {
		return nil, transport.ErrKindMismatch
	}
	return transport.NewStreamConn(ep, false, func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := &net.Dialer{}
		return d.DialContext(ctx, "tcp", ep.Addr)
	}), nil
}

type listener struct {
	l   net.Listener
	adv *discovery.Advertisement
	ep  transport.Endpoint

	newCh     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	accErr error
}

func (l *listener) Addr() net.Addr               { return l.l.Addr() }
func (l *listener) Endpoint() transport.Endpoint { return l.ep }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		l.mu.Lock()
		err := l.accErr
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, transport.ErrClosed
	case c := <-l.newCh:
		ep := transport.Endpoint{
			Kind:    transport.KindTCP,
			Service: l.ep.Service,
			Addr:    c.RemoteAddr().String(),
		}
		return transport.NewStreamConn(ep, true, func(context.Context) (io.ReadWriteCloser, error) {
			return c, nil
		}), nil
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.closeErr = multierr.Combine(l.adv.Shutdown(), l.l.Close())
	})
	return l.closeErr
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				zap.L().Warn("tcp accept failed", zap.String("addr", l.l.Addr().String()), zap.Error(err))
				l.mu.Lock()
				l.accErr = err
				l.mu.Unlock()
				_ = l.Close()
			}
			return
		}
		select {
		case l.newCh <- c:
		case <-l.closeCh:
			_ = c.Close()
			return
		}
	}
}
