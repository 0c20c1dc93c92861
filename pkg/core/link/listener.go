package link

import (
	"context"

	"go.uber.org/zap"

	"lanlink/pkg/transport"
)

// listening tracks one StartListening request.
type listening struct {
	ctx    context.Context
	cancel context.CancelFunc
	ln     transport.Listener
}

func (l *listening) close() error {
	l.cancel()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (m *Manager) startListening() {
	if m.closing {
		return
	}
	if old := m.lst; old != nil {
		m.lst = nil
		if err := old.close(); err != nil {
			m.log.Debug("close replaced listener", zap.Error(err))
		}
	}
	l := &listening{}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	m.lst = l
	m.st.ListenerEndpoint = transport.Endpoint{}
	m.setListener(ListenerSetup, nil)

	go func() {
		ln, err := m.tr.Listen(l.ctx, m.opts.Service)
		m.post(func() { m.listenDone(l, ln, err) })
	}()
}

func (m *Manager) listenDone(l *listening, ln transport.Listener, err error) {
	if l != m.lst {
		if ln != nil {
			_ = ln.Close()
		}
		return
	}
	if err != nil {
		m.lst = nil
		l.cancel()
		e := &Error{Kind: ListenerCreationError, Err: err}
		m.setListener(ListenerFailed, e)
		m.report(e)
		return
	}
	l.ln = ln
	m.st.ListenerEndpoint = ln.Endpoint()
	m.log.Info("listening", zap.Stringer("endpoint", ln.Endpoint()), zap.Stringer("addr", ln.Addr()))
	m.setListener(ListenerReady, nil)
	go m.acceptLoop(l)
}

func (m *Manager) acceptLoop(l *listening) {
	for {
		tc, err := l.ln.Accept(l.ctx)
		m.post(func() { m.accepted(l, tc, err) })
		if err != nil {
			return
		}
	}
}

// accepted adopts an inbound connection, superseding the current one. An
// accept error on a listener that was not closed by the manager is a listener
// failure and tears everything down.
func (m *Manager) accepted(l *listening, tc transport.Conn, err error) {
	if l != m.lst {
		if tc != nil {
			_ = tc.Cancel()
		}
		return
	}
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		m.lst = nil
		_ = l.close()
		e := &Error{Kind: ListenerError, Err: err}
		m.setListener(ListenerFailed, e)
		m.report(e)
		m.disconnect()
		return
	}
	m.log.Info("accepted connection", zap.Stringer("endpoint", tc.Endpoint()))
	m.setUp(tc)
}

func (m *Manager) stopListening() {
	l := m.lst
	if l == nil {
		return
	}
	m.lst = nil
	if err := l.close(); err != nil {
		m.log.Debug("close listener", zap.Error(err))
	}
	m.log.Info("stopped listening")
	m.setListener(ListenerCancelled, nil)
}
