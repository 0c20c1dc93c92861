package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*StreamConn, *StreamConn) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewStreamConn(Endpoint{Kind: KindMem, Addr: "a"}, false, func(context.Context) (io.ReadWriteCloser, error) { return a, nil })
	cb := NewStreamConn(Endpoint{Kind: KindMem, Addr: "b"}, true, func(context.Context) (io.ReadWriteCloser, error) { return b, nil })
	t.Cleanup(func() { _ = ca.Cancel(); _ = cb.Cancel() })
	return ca, cb
}

func TestStreamConnSendReceive(t *testing.T) {
	a, b := pipeConns(t)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	assert.False(t, a.EstablishedAt().IsZero())
	assert.True(t, b.Inbound())

	go func() { _ = a.Send([]byte("Hello")) }()
	got, err := b.Receive(1, 1024)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(got))
	assert.False(t, b.LastSeen().IsZero())
}

func TestStreamConnReceiveWaitsForStart(t *testing.T) {
	a, b := pipeConns(t)
	require.NoError(t, a.Start(context.Background()))

	res := make(chan []byte, 1)
	go func() {
		p, _ := b.Receive(1, 16)
		res <- p
	}()
	go func() { _ = a.Send([]byte("x")) }()

	select {
	case <-res:
		t.Fatal("receive completed before start")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, []byte("x"), <-res)
}

func TestStreamConnStartTwice(t *testing.T) {
	a, _ := pipeConns(t)
	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
}

func TestStreamConnCancelUnblocksReceive(t *testing.T) {
	a, _ := pipeConns(t)
	require.NoError(t, a.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Receive(1, 16)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Cancel())
	require.NoError(t, a.Cancel())

	select {
	case err := <-errCh:
		assert.True(t, IsTerminal(err), "%v", err)
	case <-time.After(time.Second):
		t.Fatal("receive not unblocked")
	}
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)
}

func TestStreamConnCancelDuringOpen(t *testing.T) {
	opened := make(chan struct{})
	c := NewStreamConn(Endpoint{}, false, func(ctx context.Context) (io.ReadWriteCloser, error) {
		close(opened)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	<-opened
	require.NoError(t, c.Cancel())
	assert.ErrorIs(t, <-errCh, ErrClosed)
}

func TestStreamConnOpenError(t *testing.T) {
	refused := errors.New("refused")
	c := NewStreamConn(Endpoint{}, false, func(context.Context) (io.ReadWriteCloser, error) { return nil, refused })
	assert.ErrorIs(t, c.Start(context.Background()), refused)
	_, err := c.Receive(1, 1)
	assert.ErrorIs(t, err, refused)
	assert.True(t, IsTerminal(err), "%v", err)
	assert.ErrorIs(t, c.Send([]byte("x")), ErrClosed)
}

func TestReadBounded(t *testing.T) {
	p, err := ReadBounded(bytes.NewReader([]byte("abcdef")), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(p))

	p, err = ReadBounded(bytes.NewReader([]byte("ab")), 4, 8)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "ab", string(p))

	p, err = ReadBounded(bytes.NewReader(nil), 0, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, p)

	big := bytes.Repeat([]byte{1}, 200<<10)
	p, err = ReadBounded(bytes.NewReader(big), 1, 1<<20)
	require.NoError(t, err)
	assert.Len(t, p, readChunk)
}

func TestIsTerminal(t *testing.T) {
	for _, err := range []error{ErrClosed, io.EOF, io.ErrUnexpectedEOF, io.ErrClosedPipe, net.ErrClosed,
		syscall.ECONNRESET, fmt.Errorf("read: %w", syscall.EPIPE)} {
		assert.True(t, IsTerminal(err), "%v", err)
	}
	assert.False(t, IsTerminal(nil))
	assert.False(t, IsTerminal(errors.New("timeout")))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("udp")
	require.NoError(t, err)
	assert.Equal(t, KindQUIC, k)
	k, err = ParseKind(" Shared ")
	require.NoError(t, err)
	assert.Equal(t, KindMem, k)
	_, err = ParseKind("carrier-pigeon")
	assert.Error(t, err)
	assert.Equal(t, "tcp://1.2.3.4:5 (tv)", Endpoint{Kind: KindTCP, Addr: "1.2.3.4:5", Instance: "tv"}.String())
}
