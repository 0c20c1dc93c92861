package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"lanlink/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

var (
	endpointA = transport.Endpoint{Kind: transport.KindTCP, Service: "remote", Instance: "a", Addr: "10.0.0.1:5000"}
	endpointB = transport.Endpoint{Kind: transport.KindTCP, Service: "remote", Instance: "b", Addr: "10.0.0.2:5000"}
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
	errs    []error
	msgs    []string
	order   []string
}

func (r *recorder) onChange(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) onMessage(p []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(p))
	r.order = append(r.order, "message")
	r.mu.Unlock()
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.order = append(r.order, "error")
	r.mu.Unlock()
}

func (r *recorder) reported() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) callOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) connStates() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConnState
	for _, c := range r.changes {
		if c.Scope == ScopeConnection {
			out = append(out, c.Status.State)
		}
	}
	return out
}

func (r *recorder) listenerStates() []ListenerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ListenerState
	for _, c := range r.changes {
		if c.Scope == ScopeListener {
			out = append(out, c.Status.Listener)
		}
	}
	return out
}

func newTestManager(t *testing.T, mutate ...func(*Options)) (*Manager, *fakeTransport, *recorder) {
	t.Helper()
	tr := &fakeTransport{}
	rec := &recorder{}
	opts := Options{
		Service:   "remote",
		OnMessage: rec.onMessage,
		OnError:   rec.onError,
		Logger:    zaptest.NewLogger(t),
	}
	for _, f := range mutate {
		f(&opts)
	}
	m, err := New(tr, opts)
	require.NoError(t, err)
	m.OnChange(rec.onChange)
	t.Cleanup(func() { _ = m.Close() })
	return m, tr, rec
}

func flush(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
}

func waitState(t *testing.T, m *Manager, s ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == s }, waitFor, tick, "want state %s, have %s", s, m.State())
}

func waitListener(t *testing.T, m *Manager, s ListenerState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.ListenerState() == s }, waitFor, tick, "want listener %s", s)
}

// connectReady dials endpointA and completes Start.
func connectReady(t *testing.T, m *Manager, tr *fakeTransport) *fakeConn {
	t.Helper()
	m.Connect(endpointA)
	flush(t, m)
	c := tr.lastDial()
	require.NotNil(t, c)
	c.startCh <- nil
	waitState(t, m, Ready)
	return c
}

func listenReady(t *testing.T, m *Manager, tr *fakeTransport) *fakeListener {
	t.Helper()
	m.StartListening()
	waitListener(t, m, ListenerReady)
	l := tr.lastListener()
	require.NotNil(t, l)
	return l
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{Service: "remote"})
	require.Error(t, err)

	_, err = New(&fakeTransport{}, Options{Service: "  "})
	require.Error(t, err)

	_, err = New(&fakeTransport{}, Options{Service: "remote", MinimumIncompleteLength: 10, MaximumLength: 5})
	require.Error(t, err)

	_, err = New(&fakeTransport{}, Options{Service: "remote", MinimumIncompleteLength: -1})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Equal(t, "remote", m.Service())
	assert.Equal(t, 1024, m.MinimumIncompleteLength())
	assert.Equal(t, 524288, m.MaximumLength())
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, ListenerIdle, m.ListenerState())
	assert.False(t, m.IsConnected())
	assert.NoError(t, m.Failure())

	minLen, maxLen := m.ReceiveBounds()
	assert.Equal(t, 1, minLen)
	assert.Equal(t, 1<<20, maxLen)
}

func TestInboundAcceptBecomesReady(t *testing.T) {
	m, tr, rec := newTestManager(t)
	l := listenReady(t, m, tr)
	assert.Equal(t, "remote", m.Status().ListenerEndpoint.Service)

	c := newFakeConn(endpointB, true)
	l.acceptCh <- acceptResult{conn: c}
	waitState(t, m, Connecting)
	c.startCh <- nil
	waitState(t, m, Ready)

	assert.True(t, m.IsConnected())
	assert.True(t, m.Status().Inbound)
	assert.Equal(t, []ConnState{Connecting, Ready}, rec.connStates())
	assert.Equal(t, []ListenerState{ListenerSetup, ListenerReady}, rec.listenerStates())
	assert.Empty(t, rec.reported())
}

func TestSendOnReadyConnection(t *testing.T) {
	m, tr, rec := newTestManager(t)
	c := connectReady(t, m, tr)

	m.Send([]byte("Hello"))
	require.Eventually(t, func() bool { return len(c.sentData()) == 1 }, waitFor, tick)
	assert.Equal(t, []byte("Hello"), c.sentData()[0])
	assert.Never(t, func() bool { return len(rec.reported()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSendsKeepOrder(t *testing.T) {
	m, tr, _ := newTestManager(t)
	c := connectReady(t, m, tr)

	want := []string{"one", "two", "three", "four"}
	for _, s := range want {
		m.SendText(s)
	}
	require.Eventually(t, func() bool { return len(c.sentData()) == len(want) }, waitFor, tick)
	for i, p := range c.sentData() {
		assert.Equal(t, want[i], string(p))
	}
}

func TestSendCopiesPayload(t *testing.T) {
	m, tr, _ := newTestManager(t)
	c := connectReady(t, m, tr)

	buf := []byte("abc")
	m.Send(buf)
	buf[0] = 'x'
	require.Eventually(t, func() bool { return len(c.sentData()) == 1 }, waitFor, tick)
	assert.Equal(t, "abc", string(c.sentData()[0]))
}

func TestStartFailureReportsAndTearsDown(t *testing.T) {
	m, tr, rec := newTestManager(t)
	m.Connect(endpointA)
	flush(t, m)
	c := tr.dial(0)

	boom := errors.New("connection refused")
	c.startCh <- boom
	waitState(t, m, Failed)
	flush(t, m)

	errs := rec.reported()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.True(t, IsKind(errs[0], ConnectionError))
	assert.ErrorIs(t, m.Failure(), boom)
	assert.False(t, m.IsConnected())
	assert.True(t, c.isCancelled())
	assert.Equal(t, []ConnState{Connecting, Failed}, rec.connStates())

	// The manager no longer holds the connection.
	m.Disconnect()
	flush(t, m)
	assert.Equal(t, Failed, m.State())
}

func TestSecondConnectSupersedesFirst(t *testing.T) {
	m, tr, rec := newTestManager(t)
	m.Connect(endpointA)
	m.Connect(endpointB)
	flush(t, m)

	a, b := tr.dial(0), tr.dial(1)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.True(t, a.isCancelled())
	assert.False(t, b.isCancelled())

	b.startCh <- nil
	waitState(t, m, Ready)
	flush(t, m)

	assert.Equal(t, endpointB, m.Status().Endpoint)
	assert.Empty(t, rec.reported(), "results for the released connection must be ignored")
	assert.Equal(t, []ConnState{Connecting, Connecting, Ready}, rec.connStates())
}

func TestSendWithoutReadyConnectionIsNoop(t *testing.T) {
	m, tr, rec := newTestManager(t)

	m.Send([]byte("nobody"))
	flush(t, m)

	m.Connect(endpointA)
	m.Send([]byte("too early"))
	flush(t, m)
	c := tr.dial(0)
	assert.Equal(t, Connecting, m.State())

	c.startCh <- nil
	waitState(t, m, Ready)
	flush(t, m)

	assert.Empty(t, c.sentData())
	assert.Empty(t, rec.reported())
}

func TestSendTextRejectsInvalidUTF8(t *testing.T) {
	m, tr, _ := newTestManager(t)
	c := connectReady(t, m, tr)

	m.SendText(string([]byte{0xff, 0xfe}))
	m.SendText("ok")
	require.Eventually(t, func() bool { return len(c.sentData()) == 1 }, waitFor, tick)
	assert.Equal(t, "ok", string(c.sentData()[0]))
}

func TestSendErrorKeepsConnection(t *testing.T) {
	m, tr, rec := newTestManager(t)
	c := connectReady(t, m, tr)

	broken := errors.New("buffer full")
	c.setSendErr(broken)
	m.Send([]byte("x"))
	require.Eventually(t, func() bool { return len(rec.reported()) == 1 }, waitFor, tick)

	err := rec.reported()[0]
	assert.True(t, IsKind(err, SendError))
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, Ready, m.State())
	assert.False(t, c.isCancelled())
}

func TestReceiveLoopRearmsOncePerCompletion(t *testing.T) {
	m, tr, rec := newTestManager(t)
	m.Connect(endpointA)
	flush(t, m)
	c := tr.dial(0)

	// The first receive is armed while the connection is still starting.
	require.Eventually(t, func() bool { return c.receives.Load() == 1 }, waitFor, tick)
	c.startCh <- nil
	waitState(t, m, Ready)

	for i := 1; i <= 3; i++ {
		c.recvCh <- recvResult{data: []byte("chunk")}
		want := int32(i + 1)
		require.Eventually(t, func() bool { return c.receives.Load() == want }, waitFor, tick)
	}
	assert.Equal(t, []string{"chunk", "chunk", "chunk"}, rec.messages())

	transient := errors.New("temporarily unavailable")
	c.recvCh <- recvResult{err: transient}
	require.Eventually(t, func() bool { return c.receives.Load() == 5 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(rec.reported()) == 1 }, waitFor, tick)
	assert.True(t, IsKind(rec.reported()[0], ReceiveError))
	assert.Equal(t, Ready, m.State())

	m.Disconnect()
	flush(t, m)
	assert.Never(t, func() bool { return c.receives.Load() > 5 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, rec.reported(), 1)
	assert.Equal(t, Cancelled, m.State())
}

// withObserver routes the manager's log through an in-memory core.
func withObserver(logs **observer.ObservedLogs) func(*Options) {
	return func(o *Options) {
		core, l := observer.New(zapcore.DebugLevel)
		*logs = l
		o.Logger = zap.New(core)
	}
}

func waitLog(t *testing.T, logs *observer.ObservedLogs, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return logs.FilterMessage(msg).Len() > 0 }, waitFor, tick, "no %q log", msg)
}

func TestReceiveFailureWhileConnectingIsLeftToStart(t *testing.T) {
	var logs *observer.ObservedLogs
	m, tr, rec := newTestManager(t, withObserver(&logs))
	m.Connect(endpointA)
	flush(t, m)
	c := tr.dial(0)

	refused := errors.New("connection refused")
	c.recvCh <- recvResult{err: refused}
	waitLog(t, logs, "receive failed before ready")
	assert.Empty(t, rec.reported())
	assert.Equal(t, Connecting, m.State())
	assert.Never(t, func() bool { return c.receives.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	c.startCh <- refused
	waitState(t, m, Failed)
	flush(t, m)
	errs := rec.reported()
	require.Len(t, errs, 1)
	assert.True(t, IsKind(errs[0], ConnectionError))
	assert.ErrorIs(t, errs[0], refused)
}

func TestReceiveParkedWhileConnectingResumesWhenReady(t *testing.T) {
	var logs *observer.ObservedLogs
	m, tr, rec := newTestManager(t, withObserver(&logs))
	m.Connect(endpointA)
	flush(t, m)
	c := tr.dial(0)

	c.recvCh <- recvResult{err: errors.New("not open yet")}
	waitLog(t, logs, "receive failed before ready")
	c.startCh <- nil
	waitState(t, m, Ready)
	require.Eventually(t, func() bool { return c.receives.Load() == 2 }, waitFor, tick)

	c.recvCh <- recvResult{data: []byte("hello")}
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, waitFor, tick)
	assert.Empty(t, rec.reported())
}

func TestReceiveErrorReportedBeforeData(t *testing.T) {
	m, tr, rec := newTestManager(t)
	c := connectReady(t, m, tr)

	c.recvCh <- recvResult{data: []byte("tail"), err: errors.New("partial read")}
	require.Eventually(t, func() bool { return len(rec.callOrder()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"error", "message"}, rec.callOrder())
	assert.Equal(t, []string{"tail"}, rec.messages())
}

func TestTerminalReceiveFailsConnection(t *testing.T) {
	m, tr, rec := newTestManager(t)
	c := connectReady(t, m, tr)

	c.recvCh <- recvResult{data: []byte("bye"), err: io.EOF}
	waitState(t, m, Failed)
	flush(t, m)

	assert.Equal(t, []string{"bye"}, rec.messages())
	errs := rec.reported()
	require.Len(t, errs, 1)
	assert.True(t, IsKind(errs[0], ConnectionError))
	assert.ErrorIs(t, errs[0], io.EOF)
	assert.True(t, c.isCancelled())
	assert.Equal(t, int32(1), c.receives.Load())
}

func TestEmptyChunksAreNotDelivered(t *testing.T) {
	m, tr, rec := newTestManager(t)
	c := connectReady(t, m, tr)

	c.recvCh <- recvResult{}
	require.Eventually(t, func() bool { return c.receives.Load() == 2 }, waitFor, tick)
	flush(t, m)
	assert.Empty(t, rec.messages())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, tr, rec := newTestManager(t)

	m.Disconnect()
	m.Disconnect()
	flush(t, m)
	assert.Equal(t, Idle, m.State())
	assert.Empty(t, rec.connStates())

	c := connectReady(t, m, tr)
	m.Disconnect()
	m.Disconnect()
	flush(t, m)

	assert.Equal(t, Cancelled, m.State())
	assert.True(t, c.isCancelled())
	assert.Equal(t, []ConnState{Connecting, Ready, Cancelled}, rec.connStates())
	assert.Empty(t, rec.reported())
}

func TestDialErrorFails(t *testing.T) {
	m, tr, rec := newTestManager(t)
	tr.dialErr = transport.ErrKindMismatch

	m.Connect(endpointA)
	waitState(t, m, Failed)
	flush(t, m)

	require.Len(t, rec.reported(), 1)
	assert.ErrorIs(t, rec.reported()[0], transport.ErrKindMismatch)
	assert.Equal(t, endpointA, m.Status().Endpoint)
}

func TestInboundSupersedesOutbound(t *testing.T) {
	m, tr, _ := newTestManager(t)
	l := listenReady(t, m, tr)
	out := connectReady(t, m, tr)

	in := newFakeConn(endpointB, true)
	l.acceptCh <- acceptResult{conn: in}
	require.Eventually(t, out.isCancelled, waitFor, tick)
	waitState(t, m, Connecting)
	in.startCh <- nil
	waitState(t, m, Ready)

	assert.True(t, m.Status().Inbound)
	assert.Equal(t, endpointB, m.Status().Endpoint)
}

func TestListenerCreationFailure(t *testing.T) {
	m, tr, rec := newTestManager(t)
	collision := errors.New("name conflict")
	tr.listenErr = collision

	m.StartListening()
	waitListener(t, m, ListenerFailed)
	flush(t, m)

	errs := rec.reported()
	require.Len(t, errs, 1)
	assert.True(t, IsKind(errs[0], ListenerCreationError))
	assert.ErrorIs(t, errs[0], collision)
	assert.ErrorIs(t, m.Status().ListenerFailure, collision)
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, []ListenerState{ListenerSetup, ListenerFailed}, rec.listenerStates())
}

func TestListenerFailureTearsDownConnection(t *testing.T) {
	m, tr, rec := newTestManager(t)
	l := listenReady(t, m, tr)
	c := connectReady(t, m, tr)

	lost := errors.New("network down")
	l.acceptCh <- acceptResult{err: lost}
	waitListener(t, m, ListenerFailed)
	waitState(t, m, Cancelled)

	errs := rec.reported()
	require.Len(t, errs, 1)
	assert.True(t, IsKind(errs[0], ListenerError))
	assert.True(t, c.isCancelled())
	assert.True(t, l.isClosed())
}

func TestStopListeningKeepsConnection(t *testing.T) {
	m, tr, rec := newTestManager(t)
	l := listenReady(t, m, tr)
	c := connectReady(t, m, tr)

	m.StopListening()
	waitListener(t, m, ListenerCancelled)
	flush(t, m)

	assert.True(t, l.isClosed())
	assert.False(t, c.isCancelled())
	assert.Equal(t, Ready, m.State())
	assert.Empty(t, rec.reported())

	m.StopListening()
	flush(t, m)
	assert.Equal(t, []ListenerState{ListenerSetup, ListenerReady, ListenerCancelled}, rec.listenerStates())
}

func TestRestartListeningReplacesListener(t *testing.T) {
	m, tr, _ := newTestManager(t)
	first := listenReady(t, m, tr)

	m.StartListening()
	require.Eventually(t, func() bool { return tr.listener(1) != nil }, waitFor, tick)
	waitListener(t, m, ListenerReady)
	assert.True(t, first.isClosed())
}

func TestReceiveBounds(t *testing.T) {
	m, tr, _ := newTestManager(t)
	c := connectReady(t, m, tr)
	require.Eventually(t, func() bool { return c.receives.Load() >= 1 }, waitFor, tick)
	assert.Equal(t, [2]int{1, 1 << 20}, c.recvBounds())

	m, tr, _ = newTestManager(t, func(o *Options) { o.HonorReceiveBounds = true })
	c = connectReady(t, m, tr)
	require.Eventually(t, func() bool { return c.receives.Load() >= 1 }, waitFor, tick)
	assert.Equal(t, [2]int{1024, 524288}, c.recvBounds())
}

func TestSubscribeSeesEveryTransition(t *testing.T) {
	m, tr, _ := newTestManager(t)
	sub := m.Subscribe(8)
	defer sub.Close()

	connectReady(t, m, tr)
	m.Disconnect()
	flush(t, m)

	var got []Change
	for len(got) < 3 {
		select {
		case c := <-sub.Out():
			got = append(got, c)
		case <-time.After(waitFor):
			t.Fatalf("only %d changes received", len(got))
		}
	}
	for i, c := range got {
		assert.Equal(t, uint64(i+1), c.Seq)
	}
	assert.Equal(t, Connecting, got[0].Status.State)
	assert.Equal(t, Ready, got[1].Status.State)
	assert.True(t, got[1].Status.Connected())
	assert.Equal(t, Cancelled, got[2].Status.State)
	assert.Zero(t, sub.Dropped())
}

func TestCloseReleasesEverything(t *testing.T) {
	m, tr, _ := newTestManager(t)
	sub := m.Subscribe(16)
	l := listenReady(t, m, tr)
	c := connectReady(t, m, tr)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, c.isCancelled())
	assert.True(t, l.isClosed())
	assert.Equal(t, Cancelled, m.State())
	assert.Equal(t, ListenerCancelled, m.ListenerState())
	assert.ErrorIs(t, m.Flush(context.Background()), ErrClosed)

	// Operations after Close are ignored.
	m.Connect(endpointB)
	m.StartListening()
	assert.Nil(t, tr.dial(1))

	for range sub.Out() {
	}
}

func TestErrorKindStrings(t *testing.T) {
	e := &Error{Kind: SendError, ConnID: "c1", Err: io.ErrShortWrite}
	assert.Equal(t, "send error on c1: short write", e.Error())
	assert.Equal(t, "listener_creation error: boom", (&Error{Kind: ListenerCreationError, Err: errors.New("boom")}).Error())
	assert.False(t, IsKind(io.EOF, SendError))
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "setup", ListenerSetup.String())
}
