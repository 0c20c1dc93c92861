// Package notify is a small per-owner publish/subscribe signal. Owners publish
// from a single goroutine; subscribers either register a callback, which runs
// synchronously on the publisher's goroutine, or take a buffered channel.
package notify

import (
	"sync"
	"sync/atomic"
)

// Notifier fans values of T out to subscribers in publish order.
type Notifier[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	funcs  map[uint64]func(T)
	order  []uint64
	subs   map[*Subscription[T]]struct{}
	closed bool
}

func New[T any]() *Notifier[T] {
	return &Notifier[T]{
		funcs: make(map[uint64]func(T)),
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

// Notify registers fn to run for every published value. fn must not block;
// it runs on the publisher's goroutine. The returned func unregisters it.
func (n *Notifier[T]) Notify(fn func(T)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return func() {}
	}
	id := n.nextID
	n.nextID++
	n.funcs[id] = fn
	n.order = append(n.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.funcs, id)
			for i, v := range n.order {
				if v == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Subscribe returns a channel subscription with room for buf pending values.
// When the buffer is full newer values are dropped and counted; the reader
// still has an undelivered signal and should re-read current state.
func (n *Notifier[T]) Subscribe(buf int) *Subscription[T] {
	if buf < 1 {
		buf = 1
	}
	s := &Subscription[T]{n: n, out: make(chan T, buf)}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(s.out)
		s.closed = true
		return s
	}
	n.subs[s] = struct{}{}
	return s
}

// Publish hands v to channel subscribers without blocking, then runs the
// callbacks in registration order.
func (n *Notifier[T]) Publish(v T) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	fns := make([]func(T), 0, len(n.order))
	for _, id := range n.order {
		fns = append(fns, n.funcs[id])
	}
	for s := range n.subs {
		select {
		case s.out <- v:
		default:
			s.dropped.Add(1)
		}
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Close ends every subscription and ignores later publishes.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for s := range n.subs {
		s.closed = true
		close(s.out)
	}
	n.subs = nil
	n.funcs = nil
	n.order = nil
}

// Subscription is a channel-backed subscriber.
type Subscription[T any] struct {
	n       *Notifier[T]
	out     chan T
	dropped atomic.Int64
	closed  bool // guarded by n.mu
}

func (s *Subscription[T]) Out() <-chan T { return s.out }

// Dropped is how many values did not fit into the buffer.
func (s *Subscription[T]) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes Out. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.n.subs, s)
	close(s.out)
}
