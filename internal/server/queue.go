// Package server provides the unbounded queues that connect Readers, the
// Broker and Writers.
package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smallnest/chanx"
)

const initialQueueCapacity = 16

// queue is an unbounded FIFO. Send never blocks for long and consumers read
// Out() inside a select; Out is closed once the queue is closed and drained.
// Unlike a bare chanx.UnboundedChan, sending after Close reports false
// instead of panicking, since producers race with shutdown.
type queue[T any] struct {
	ch     *chanx.UnboundedChan[T]
	mu     sync.RWMutex
	closed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		ch: chanx.NewUnboundedChan[T](context.Background(), initialQueueCapacity),
	}
}

// Send appends an item. Returns false if the queue is closed.
func (q *queue[T]) Send(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}
	q.ch.In <- item
	return true
}

// Out yields items in send order.
func (q *queue[T]) Out() <-chan T {
	return q.ch.Out
}

// Close stops further sends. Items already queued are still delivered.
func (q *queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch.In)
	}
}

// Len returns the number of queued items, including any in transit inside
// the channel pump.
func (q *queue[T]) Len() int {
	return q.ch.Len()
}

// Sender is a reference-counted producer handle for a queue. Every Clone
// must be paired with exactly one Release; when the last handle is released
// the queue closes and its consumer sees the end of the stream.
type Sender[T any] struct {
	q        *queue[T]
	refs     *atomic.Int64
	released atomic.Bool
}

func newSender[T any](q *queue[T]) *Sender[T] {
	refs := &atomic.Int64{}
	refs.Store(1)
	return &Sender[T]{q: q, refs: refs}
}

// Send enqueues an item. Returns false if this handle was released or the
// queue has closed.
func (s *Sender[T]) Send(item T) bool {
	if s.released.Load() {
		return false
	}
	return s.q.Send(item)
}

// Clone returns a new handle on the same queue. Cloning a released handle
// yields a handle that is already released.
func (s *Sender[T]) Clone() *Sender[T] {
	clone := &Sender[T]{q: s.q, refs: s.refs}
	if s.released.Load() {
		clone.released.Store(true)
		return clone
	}
	for {
		n := s.refs.Load()
		if n == 0 {
			clone.released.Store(true)
			return clone
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return clone
		}
	}
}

// Release drops this handle. Calling it more than once is a no-op.
func (s *Sender[T]) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.refs.Add(-1) == 0 {
		s.q.Close()
	}
}
