package link

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanlink/pkg/core/eventq"
	"lanlink/pkg/transport"
)

// connection is the manager's bookkeeping for one transport.Conn. Results of
// work started for a connection carry the pointer, so results for a connection
// that is no longer current are recognised and dropped.
type connection struct {
	id       string
	tc       transport.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	out      *eventq.Queue[[]byte]
	released chan struct{}
	done     bool
	// receiving is set while a Receive is outstanding.
	receiving bool
}

func newConnection(tc transport.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:       uuid.NewString(),
		tc:       tc,
		ctx:      ctx,
		cancel:   cancel,
		out:      eventq.New[[]byte](),
		released: make(chan struct{}),
	}
}

// release cancels the transport connection and stops its writer.
func (c *connection) release() error {
	if c.done {
		return nil
	}
	c.done = true
	c.cancel()
	c.out.Close()
	close(c.released)
	return c.tc.Cancel()
}

func (m *Manager) connect(ep transport.Endpoint) {
	if m.closing {
		return
	}
	tc, err := m.tr.Dial(ep)
	if err != nil {
		m.supersede()
		m.st.ConnID = ""
		m.st.Endpoint = ep
		m.st.Inbound = false
		e := &Error{Kind: ConnectionError, Err: err}
		m.setState(Failed, e)
		m.report(e)
		return
	}
	m.log.Info("connecting", zap.Stringer("endpoint", ep))
	m.setUp(tc)
}

// supersede releases the current connection without a transition of its own.
func (m *Manager) supersede() {
	c := m.conn
	if c == nil {
		return
	}
	m.conn = nil
	m.log.Info("replacing connection", zap.String("conn", c.id))
	if err := c.release(); err != nil {
		m.log.Debug("cancel superseded connection", zap.String("conn", c.id), zap.Error(err))
	}
}

// setUp makes tc the tracked connection: it enters Connecting, the first
// receive is armed and the transport is started.
func (m *Manager) setUp(tc transport.Conn) {
	m.supersede()
	c := newConnection(tc)
	m.conn = c
	m.st.ConnID = c.id
	m.st.Endpoint = tc.Endpoint()
	m.st.Inbound = tc.Inbound()
	m.metrics.Connection(tc.Inbound())
	m.setState(Connecting, nil)

	m.armReceive(c)
	go m.writeLoop(c)
	go func() {
		err := tc.Start(c.ctx)
		m.post(func() { m.started(c, err) })
	}()
}

func (m *Manager) started(c *connection, err error) {
	if c != m.conn {
		return
	}
	if err != nil {
		m.fail(c, err)
		return
	}
	if !c.receiving {
		m.armReceive(c)
	}
	m.log.Info("connection ready",
		zap.String("conn", c.id),
		zap.Stringer("endpoint", c.tc.Endpoint()),
		zap.Bool("inbound", c.tc.Inbound()))
	m.setState(Ready, nil)
}

// fail publishes Failed, reports err and tears the connection down. The
// Failed state and its error stay visible afterwards.
func (m *Manager) fail(c *connection, err error) {
	e := &Error{Kind: ConnectionError, ConnID: c.id, Err: err}
	m.setState(Failed, e)
	m.report(e)
	if m.conn == c {
		m.conn = nil
	}
	if err := c.release(); err != nil {
		m.log.Debug("cancel failed connection", zap.String("conn", c.id), zap.Error(err))
	}
}

func (m *Manager) disconnect() {
	c := m.conn
	if c == nil {
		return
	}
	m.conn = nil
	if err := c.release(); err != nil {
		m.log.Debug("cancel connection", zap.String("conn", c.id), zap.Error(err))
	}
	m.log.Info("disconnected", zap.String("conn", c.id))
	m.setState(Cancelled, nil)
}
