// Package remote is the chat layer on top of a link.Manager: two peers on the
// same network exchange short text messages in a configurable wire format.
package remote

import (
	"errors"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"lanlink/pkg/codec"
	"lanlink/pkg/core/link"
	"lanlink/pkg/notify"
	"lanlink/pkg/observability"
	"lanlink/pkg/transport"
)

// ErrNotConnected is returned by Say while no connection is ready.
var ErrNotConnected = errors.New("remote: not connected")

// Options configures a Session.
type Options struct {
	Service string
	// Name is sent as Message.From.
	Name string
	// Format is a codec name (text, json, cbor or proto) or its content type.
	// Defaults to text. The link carries no framing, so each received chunk
	// must hold exactly one encoded Message; on TCP or QUIC a structured
	// message split across chunks, or two merged into one, fails to decode
	// and is dropped. Text is unaffected beyond being split.
	Format string
	// Inbox is the capacity of the Messages channel. Messages that do not fit
	// are dropped and counted.
	Inbox int

	MinimumIncompleteLength int
	MaximumLength           int
	HonorReceiveBounds      bool

	// OnError additionally receives every link error.
	OnError func(error)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Session owns one link.Manager and turns its byte chunks into Messages, one
// Message per chunk.
type Session struct {
	mgr     *link.Manager
	codec   codec.Codec
	name    string
	clock   clock.Clock
	log     *zap.Logger
	onError func(error)

	inbox   chan Message
	dropped atomic.Int64
	closed  atomic.Bool
}

func NewSession(tr transport.Transport, opts Options) (*Session, error) {
	if opts.Format == "" {
		opts.Format = "text"
	}
	if opts.Inbox <= 0 {
		opts.Inbox = 64
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	reg, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	c, err := reg.Lookup(opts.Format)
	if err != nil {
		return nil, err
	}
	s := &Session{
		codec:   c,
		name:    opts.Name,
		clock:   opts.Clock,
		log:     opts.Logger.Named("remote").With(zap.String("format", c.Name())),
		onError: opts.OnError,
		inbox:   make(chan Message, opts.Inbox),
	}
	s.mgr, err = link.New(tr, link.Options{
		Service:                 opts.Service,
		OnMessage:               s.receive,
		OnError:                 s.reportError,
		MinimumIncompleteLength: opts.MinimumIncompleteLength,
		MaximumLength:           opts.MaximumLength,
		HonorReceiveBounds:      opts.HonorReceiveBounds,
		Logger:                  opts.Logger,
		Metrics:                 opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Manager exposes the underlying connection manager.
func (s *Session) Manager() *link.Manager { return s.mgr }

func (s *Session) Listen()                       { s.mgr.StartListening() }
func (s *Session) Connect(ep transport.Endpoint) { s.mgr.Connect(ep) }
func (s *Session) Disconnect()                   { s.mgr.Disconnect() }

// Changes subscribes to connection state changes.
func (s *Session) Changes(buf int) *notify.Subscription[link.Change] {
	return s.mgr.Subscribe(buf)
}

// Say encodes text as a Message from this peer and sends it.
func (s *Session) Say(text string) error {
	if !s.mgr.IsConnected() {
		return ErrNotConnected
	}
	b, err := encode(s.codec, Message{From: s.name, Text: text, SentAt: s.clock.Now()})
	if err != nil {
		return err
	}
	s.mgr.Send(b)
	return nil
}

// Messages delivers decoded inbound messages. It is closed by Close.
func (s *Session) Messages() <-chan Message { return s.inbox }

// Dropped counts inbound messages discarded because the inbox was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Close shuts the manager down and closes Messages.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.mgr.Close()
	close(s.inbox)
	return err
}

// receive runs on the manager's goroutine. Each chunk is decoded on its own;
// chunks that do not decode are dropped.
func (s *Session) receive(data []byte) {
	m, err := decode(s.codec, data)
	if err != nil {
		s.log.Warn("dropping undecodable message", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	if m.From == "" {
		m.From = s.mgr.Status().Endpoint.Instance
	}
	if m.SentAt.IsZero() {
		m.SentAt = s.clock.Now()
	}
	select {
	case s.inbox <- m:
	default:
		s.dropped.Add(1)
		s.log.Warn("inbox full, dropping message", zap.String("from", m.From))
	}
}

func (s *Session) reportError(err error) {
	s.log.Error("link error", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}
