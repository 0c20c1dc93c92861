package link

import (
	"go.uber.org/zap"

	"lanlink/pkg/transport"
)

// armReceive issues exactly one outstanding receive for c.
func (m *Manager) armReceive(c *connection) {
	c.receiving = true
	go func() {
		data, err := c.tc.Receive(m.minRecv, m.maxRecv)
		m.post(func() { m.received(c, data, err) })
	}()
}

// received handles one receive completion. The error, if any, is reported
// before the data is delivered. A terminal error ends the connection; anything
// else re-arms the loop. While the connection is still Connecting a failed
// receive parks the loop: Start owns that failure, and re-arms on success.
func (m *Manager) received(c *connection, data []byte, err error) {
	if c != m.conn {
		return
	}
	c.receiving = false
	if err != nil && m.st.State == Connecting {
		m.deliver(data)
		m.log.Debug("receive failed before ready", zap.String("conn", c.id), zap.Error(err))
		return
	}
	if err != nil && transport.IsTerminal(err) {
		m.deliver(data)
		m.log.Info("connection closed by transport", zap.String("conn", c.id), zap.Error(err))
		m.fail(c, err)
		return
	}
	if err != nil {
		m.report(&Error{Kind: ReceiveError, ConnID: c.id, Err: err})
	}
	m.deliver(data)
	if c == m.conn && !c.receiving {
		m.armReceive(c)
	}
}

func (m *Manager) deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	m.metrics.BytesReceived(len(data))
	if m.opts.OnMessage != nil {
		m.opts.OnMessage(data)
	}
}

func (m *Manager) send(p []byte) {
	c := m.conn
	if m.closing || c == nil || m.st.State != Ready {
		m.log.Debug("send ignored, no ready connection", zap.Int("bytes", len(p)))
		return
	}
	if len(p) == 0 {
		return
	}
	c.out.Push(p)
}

// writeLoop submits queued sends for c one at a time, in order.
func (m *Manager) writeLoop(c *connection) {
	for {
		p, ok := c.out.Pop(c.released)
		if !ok {
			return
		}
		err := c.tc.Send(p)
		n := len(p)
		m.post(func() { m.sent(c, n, err) })
	}
}

func (m *Manager) sent(c *connection, n int, err error) {
	if c != m.conn {
		return
	}
	if err != nil {
		m.report(&Error{Kind: SendError, ConnID: c.id, Err: err})
		return
	}
	m.metrics.BytesSent(n)
}
