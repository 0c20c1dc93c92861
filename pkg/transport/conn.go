package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// OpenFunc produces the underlying stream for a StreamConn. It runs inside
// Start and must honour ctx.
type OpenFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamConn implements Conn over any io.ReadWriteCloser. Bindings only supply
// the OpenFunc that dials, accepts or finishes a handshake.
type StreamConn struct {
	ep      Endpoint
	inbound bool
	open    OpenFunc

	started   chan struct{} // closed once Start has begun
	ready     chan struct{} // closed once open has returned
	cancelled chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	rwc     io.ReadWriteCloser
	openErr error

	wmu sync.Mutex

	establishedAt time.Time
	lastSeen      time.Time
}

// NewStreamConn returns an unstarted Conn.
func NewStreamConn(ep Endpoint, inbound bool, open OpenFunc) *StreamConn {
	return &StreamConn{
		ep:        ep,
		inbound:   inbound,
		open:      open,
		started:   make(chan struct{}),
		ready:     make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (c *StreamConn) Endpoint() Endpoint { return c.ep }
func (c *StreamConn) Inbound() bool      { return c.inbound }

// EstablishedAt is zero until Start succeeded.
func (c *StreamConn) EstablishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.establishedAt
}

// LastSeen is the time of the last successful Send or Receive.
func (c *StreamConn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *StreamConn) Start(ctx context.Context) error {
	first := false
	c.startOnce.Do(func() { first = true; close(c.started) })
	if !first {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()

	rwc, err := c.open(ctx)

	c.mu.Lock()
	select {
	case <-c.cancelled:
		if rwc != nil {
			_ = rwc.Close()
		}
		rwc, err = nil, ErrClosed
	default:
	}
	c.rwc = rwc
	c.openErr = err
	if err == nil {
		c.establishedAt = time.Now()
	}
	c.mu.Unlock()
	close(c.ready)
	return err
}

// stream waits for Start to finish and returns the open stream. A failed open
// is terminal for Send and Receive.
func (c *StreamConn) stream() (io.ReadWriteCloser, error) {
	select {
	case <-c.cancelled:
		return nil, ErrClosed
	case <-c.ready:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, c.openErr)
	}
	if c.rwc == nil {
		return nil, ErrClosed
	}
	return c.rwc, nil
}

func (c *StreamConn) Send(p []byte) error {
	rwc, err := c.stream()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for len(p) > 0 {
		n, err := rwc.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	c.touch()
	return nil
}

func (c *StreamConn) Receive(minLen, maxLen int) ([]byte, error) {
	rwc, err := c.stream()
	if err != nil {
		return nil, err
	}
	b, err := ReadBounded(rwc, minLen, maxLen)
	if len(b) > 0 {
		c.touch()
	}
	return b, err
}

func (c *StreamConn) Cancel() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.cancelled)
		c.mu.Lock()
		rwc := c.rwc
		c.rwc = nil
		c.mu.Unlock()
		if rwc != nil {
			err = rwc.Close()
		}
	})
	return err
}

func (c *StreamConn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// readChunk caps a single read buffer; a larger maxLen is still honoured as an
// upper bound.
const readChunk = 64 << 10

// ReadBounded reads at least minLen and at most maxLen bytes from r. Bounds
// below 1 are raised to 1 and maxLen is never smaller than minLen.
func ReadBounded(r io.Reader, minLen, maxLen int) ([]byte, error) {
	if minLen < 1 {
		minLen = 1
	}
	if maxLen < minLen {
		maxLen = minLen
	}
	size := maxLen
	if size > readChunk {
		size = max(readChunk, minLen)
	}
	buf := make([]byte, size)
	n, err := io.ReadAtLeast(r, buf, minLen)
	return buf[:n], err
}
