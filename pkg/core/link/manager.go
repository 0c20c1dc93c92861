package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanlink/pkg/core/eventq"
	"lanlink/pkg/notify"
	"lanlink/pkg/observability"
	"lanlink/pkg/transport"
)

// Manager owns at most one active connection and at most one listener for a
// service. Every operation is asynchronous: it is queued to the manager's
// coordination goroutine and returns immediately. Results arrive through the
// callbacks in Options and through Change notifications.
//
// Callbacks and Notify functions run on the coordination goroutine. They may
// call any Manager method except Flush and Close.
type Manager struct {
	tr      transport.Transport
	opts    Options
	log     *zap.Logger
	metrics *observability.Metrics
	minRecv int
	maxRecv int

	events  *eventq.Queue[func()]
	changes *notify.Notifier[Change]
	status  atomic.Pointer[Status]
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	// Owned by the coordination goroutine.
	st      Status
	seq     uint64
	conn    *connection
	lst     *listening
	closing bool
}

// New returns a running Manager. Nothing touches the network until Connect or
// StartListening is called.
func New(tr transport.Transport, opts Options) (*Manager, error) {
	if tr == nil {
		return nil, errors.New("link: transport is required")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	m := &Manager{
		tr:      tr,
		opts:    opts,
		metrics: opts.Metrics,
		events:  eventq.New[func()](),
		changes: notify.New[Change](),
		done:    make(chan struct{}),
	}
	m.log = opts.Logger.Named("link").With(
		zap.String("service", opts.Service),
		zap.Stringer("transport", tr.Kind()))
	m.minRecv, m.maxRecv = opts.receiveBounds()
	st := m.st
	m.status.Store(&st)
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		fn, ok := m.events.Pop(nil)
		if !ok {
			return
		}
		fn()
	}
}

// post queues fn for the coordination goroutine. After Close it is dropped.
func (m *Manager) post(fn func()) { m.events.Push(fn) }

// Connect replaces any existing connection with a new outbound one to ep.
func (m *Manager) Connect(ep transport.Endpoint) {
	m.post(func() { m.connect(ep) })
}

// Disconnect cancels the active connection. Without one it does nothing.
func (m *Manager) Disconnect() { m.post(m.disconnect) }

// StartListening advertises the service and accepts inbound connections. An
// existing listener is replaced.
func (m *Manager) StartListening() { m.post(m.startListening) }

// StopListening closes the listener. The active connection is left alone.
func (m *Manager) StopListening() { m.post(m.stopListening) }

// Send queues p on the active connection. It is a no-op unless the connection
// is ready when the request is processed. p is copied.
func (m *Manager) Send(p []byte) {
	buf := append([]byte(nil), p...)
	m.post(func() { m.send(buf) })
}

// SendText sends the UTF-8 bytes of s. Invalid UTF-8 is dropped.
func (m *Manager) SendText(s string) {
	if !utf8.ValidString(s) {
		m.log.Debug("dropping text that is not valid utf-8")
		return
	}
	m.Send([]byte(s))
}

// Flush waits until every operation queued before it has been processed.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !m.events.Push(func() { close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops listening, cancels the connection and ends every subscription.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if !m.events.Push(func() {
			m.closeErr = m.shutdown()
			m.events.Close()
		}) {
			m.events.Close()
		}
		<-m.done
		m.changes.Close()
	})
	return m.closeErr
}

func (m *Manager) Status() Status {
	return *m.status.Load()
}

func (m *Manager) State() ConnState { return m.Status().State }

// Failure is the error behind the Failed state, nil otherwise.
func (m *Manager) Failure() error { return m.Status().Failure }

func (m *Manager) IsConnected() bool { return m.Status().Connected() }

func (m *Manager) ListenerState() ListenerState { return m.Status().Listener }

func (m *Manager) Service() string { return m.opts.Service }

func (m *Manager) MinimumIncompleteLength() int { return m.opts.MinimumIncompleteLength }

func (m *Manager) MaximumLength() int { return m.opts.MaximumLength }

// ReceiveBounds are the bounds the receive loop passes to the transport.
func (m *Manager) ReceiveBounds() (minLen, maxLen int) { return m.minRecv, m.maxRecv }

// Subscribe delivers every Change on a channel with room for buf values.
func (m *Manager) Subscribe(buf int) *notify.Subscription[Change] {
	return m.changes.Subscribe(buf)
}

// OnChange runs fn synchronously with every transition.
func (m *Manager) OnChange(fn func(Change)) (cancel func()) {
	return m.changes.Notify(fn)
}

// publish stores the working status and signals it. Exactly one call per
// transition.
func (m *Manager) publish(scope Scope) {
	m.seq++
	snap := m.st
	m.status.Store(&snap)
	state := snap.State.String()
	if scope == ScopeListener {
		state = snap.Listener.String()
	}
	m.metrics.Transition(scope.String(), state)
	m.log.Debug("state changed",
		zap.Stringer("scope", scope),
		zap.String("state", state),
		zap.Uint64("seq", m.seq))
	m.changes.Publish(Change{Seq: m.seq, Scope: scope, Status: snap})
}

func (m *Manager) setState(s ConnState, failure error) {
	m.st.State = s
	m.st.Failure = failure
	m.publish(ScopeConnection)
}

func (m *Manager) setListener(s ListenerState, failure error) {
	m.st.Listener = s
	m.st.ListenerFailure = failure
	m.publish(ScopeListener)
}

// report hands e to the error callback.
func (m *Manager) report(e *Error) {
	m.metrics.Error(e.Kind.String())
	m.log.Warn("link error",
		zap.Stringer("kind", e.Kind),
		zap.String("conn", e.ConnID),
		zap.Error(e.Err))
	if m.opts.OnError != nil {
		m.opts.OnError(e)
	}
}

func (m *Manager) shutdown() error {
	m.closing = true
	var err error
	if l := m.lst; l != nil {
		m.lst = nil
		err = multierr.Append(err, l.close())
		m.setListener(ListenerCancelled, nil)
	}
	if c := m.conn; c != nil {
		m.conn = nil
		err = multierr.Append(err, c.release())
		m.setState(Cancelled, nil)
	}
	m.log.Debug("manager closed")
	return err
}
