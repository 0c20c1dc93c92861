// Package eventq provides the unbounded FIFO that serializes work onto a single
// consumer goroutine.
package eventq

import "sync"

// Queue is an unbounded multi-producer, single-consumer FIFO. Push never
// blocks, so producers (transport goroutines, API callers) cannot stall on a
// busy consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	// signal holds at most one pending wakeup for the consumer.
	signal chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available, the queue is closed and drained, or
// stop is closed.
func (q *Queue[T]) Pop(stop <-chan struct{}) (T, bool) {
	for {
		if v, ok, done := q.tryPop(); ok || done {
			return v, ok
		}
		select {
		case <-q.signal:
		case <-stop:
			var zero T
			return zero, false
		}
	}
}

func (q *Queue[T]) tryPop() (v T, ok, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false, q.closed
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true, false
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
