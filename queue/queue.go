// Package queue implements the bounded FIFOs used throughout agentsec: the
// inbound message queue (C4), the key-request queue (C9) and the sender job
// queue are instances of the same generic, channel-backed shape. The rids
// LRU queue (C3) is a container/list inside keystore, not a Bounded.
package queue

import "sync/atomic"

// Bounded is a fixed-capacity FIFO. Push never blocks: when the queue is
// full it drops the item and counts the drop. Pop blocks until an item is
// available or the queue is closed.
type Bounded[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewBounded creates a queue holding at most size items.
func NewBounded[T any](size int) *Bounded[T] {
	if size <= 0 {
		size = 1
	}
	return &Bounded[T]{ch: make(chan T, size)}
}

// Push enqueues v. It reports whether the item was accepted; on false the
// queue was full and v was dropped.
func (q *Bounded[T]) Push(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop blocks until an item is available or the queue is closed, in which
// case ok is false.
func (q *Bounded[T]) Pop() (v T, ok bool) {
	v, ok = <-q.ch
	return v, ok
}

// Close closes the underlying channel, waking any goroutine blocked in Pop.
// Further Push calls panic, matching channel-close semantics; callers must
// stop producing before closing.
func (q *Bounded[T]) Close() {
	close(q.ch)
}

// Dropped returns the number of items dropped so far because the queue was
// full at Push time.
func (q *Bounded[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Len reports the number of items currently buffered.
func (q *Bounded[T]) Len() int {
	return len(q.ch)
}

// Cap reports the queue's configured capacity.
func (q *Bounded[T]) Cap() int {
	return cap(q.ch)
}
