package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanlink/pkg/discovery"
	"lanlink/pkg/transport"
)

// preamble is written by the dialer on the fresh stream; QUIC only announces a
// stream to the peer once data flows on it.
const preamble byte = 0x4c

// Options configures the QUIC binding.
type Options struct {
	ListenAddr string
	Advertise  bool
	Domain     string
	Interface  string
	ID         string
}

// Transport implements QUIC sessions carrying one bidirectional stream. The
// service identity doubles as the ALPN protocol, so a dial to a listener for a
// different service fails during the handshake.
type Transport struct {
	opts     Options
	cert     tls.Certificate
	certErr  error
	quicConf *quicgo.Config
}

func New(opts Options) *Transport {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":0"
	}
	if opts.ID == "" {
		opts.ID = transport.NewInstanceID()
	}
	cert, err := selfSignedCert()
	return &Transport{
		opts:     opts,
		cert:     cert,
		certErr:  err,
		quicConf: &quicgo.Config{KeepAlivePeriod: 10 * time.Second},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func alpn(service string) []string { return []string{"lanlink/" + service} }

func (t *Transport) Listen(ctx context.Context, service string) (transport.Listener, error) {
	if t.certErr != nil {
		return nil, fmt.Errorf("quic certificate: %w", t.certErr)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		NextProtos:   alpn(service),
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(t.opts.ListenAddr, tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", t.opts.ListenAddr, err)
	}
	ep := transport.Endpoint{
		Kind:     transport.KindQUIC,
		Service:  service,
		Instance: transport.InstanceName(t.opts.ID),
		Addr:     l.Addr().String(),
		ID:       t.opts.ID,
	}

	var adv *discovery.Advertisement
	if t.opts.Advertise {
		adv, err = discovery.Advertise(discovery.Service{
			Instance: ep.Instance,
			Type:     transport.ServiceType(service, transport.KindQUIC),
			Domain:   t.opts.Domain,
			Port:     l.Addr().(*net.UDPAddr).Port,
			TXT:      discovery.BuildTXT(t.opts.ID, transport.KindQUIC, service),
		}, discovery.AdvertiseOptions{Interface: t.opts.Interface})
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("advertise %s: %w", service, err)
		}
	}

	ql := &listener{l: l, adv: adv, ep: ep, newCh: make(chan quicgo.Connection), closeCh: make(chan struct{})}
	lctx, cancel := context.WithCancel(context.Background())
	ql.cancel = cancel
	go ql.acceptLoop(lctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = ql.Close()
		case <-ql.closeCh:
		}
	}()
	return ql, nil
}

func (t *Transport) Dial(ep transport.Endpoint) (transport.Conn, error) {
	if ep.Kind != transport.KindQUIC {
		return nil, transport.ErrKindMismatch
	}
	tlsClient := &tls.Config{
		// Peers present throwaway self-signed certificates.
		InsecureSkipVerify: true,
		NextProtos:         alpn(ep.Service),
		MinVersion:         tls.VersionTLS13,
	}
	return transport.NewStreamConn(ep, false, func(ctx context.Context) (io.ReadWriteCloser, error) {
		c, err := quicgo.DialAddr(ctx, ep.Addr, tlsClient, t.quicConf)
		if err != nil {
			return nil, err
		}
		st, err := c.OpenStreamSync(ctx)
		if err != nil {
			_ = c.CloseWithError(0, "open stream")
			return nil, err
		}
		if _, err := st.Write([]byte{preamble}); err != nil {
			_ = c.CloseWithError(0, "preamble")
			return nil, err
		}
		return &stream{conn: c, st: st}, nil
	}), nil
}

type listener struct {
	l      *quicgo.Listener
	adv    *discovery.Advertisement
	ep     transport.Endpoint
	cancel context.CancelFunc

	newCh     chan quicgo.Connection
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
		ep := transport.Endpoint{Kind: transport.KindQUIC, Service: l.ep.Service, Addr: c.RemoteAddr().String()}
		return transport.NewStreamConn(ep, true, func(ctx context.Context) (io.ReadWriteCloser, error) {
			st, err := c.AcceptStream(ctx)
			if err != nil {
				_ = c.CloseWithError(0, "accept stream")
				return nil, err
			}
			var b [1]byte
			if _, err := io.ReadFull(st, b[:]); err != nil || b[0] != preamble {
				_ = c.CloseWithError(0, "bad preamble")
				if err == nil {
					err = errors.New("quic: unexpected preamble")
				}
				return nil, err
			}
			return &stream{conn: c, st: st}, nil
		}), nil
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.cancel()
		l.closeErr = multierr.Combine(l.adv.Shutdown(), l.l.Close())
	})
	return l.closeErr
}

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				zap.L().Warn("quic accept failed", zap.String("addr", l.l.Addr().String()), zap.Error(err))
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
			_ = c.CloseWithError(0, "listener closed")
			return
		}
	}
}

// stream adapts one QUIC stream plus its connection to io.ReadWriteCloser.
type stream struct {
	conn quicgo.Connection
	st   quicgo.Stream
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.st.Read(p)
	return n, translate(err)
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.st.Write(p)
	return n, translate(err)
}

func (s *stream) Close() error {
	s.st.CancelRead(0)
	_ = s.st.Close()
	return s.conn.CloseWithError(0, "closed")
}

// translate maps QUIC connection and stream teardown onto transport.ErrClosed.
func translate(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	var (
		appErr    *quicgo.ApplicationError
		idleErr   *quicgo.IdleTimeoutError
		streamErr *quicgo.StreamError
		trErr     *quicgo.TransportError
	)
	if errors.As(err, &appErr) || errors.As(err, &idleErr) || errors.As(err, &streamErr) || errors.As(err, &trErr) {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return err
}

// selfSignedCert generates a short-lived self-signed certificate for local use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
