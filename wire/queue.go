package wire

import (
	"context"
	"io"
	"sync"
)

// Stream is the minimal duplex byte-stream handed to the application
// through the accept-queue — a raw rendezvous WebSocket in stream mode.
type Stream interface {
	io.ReadWriteCloser
}

type acceptResult struct {
	stream Stream
	ok     bool
}

// AcceptQueue is the FIFO, unbounded, thread-safe queue backing
// Listener.AcceptNextStream. Consumers parked on an empty queue are
// released either by a new stream (Push) or by Close, which releases
// every waiter at once with the closed sentinel.
type AcceptQueue struct {
	mu      sync.Mutex
	items   []Stream
	waiters []chan acceptResult
	closed  bool
}

// NewAcceptQueue returns an empty, open queue.
func NewAcceptQueue() *AcceptQueue {
	return &AcceptQueue{}
}

// Push enqueues s, handing it directly to the oldest parked waiter if
// one exists. Returns false (and does not enqueue) if the queue is
// closed.
func (q *AcceptQueue) Push(s Stream) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w <- acceptResult{stream: s, ok: true}
		return true
	}
	q.items = append(q.items, s)
	q.mu.Unlock()
	return true
}

// Pop returns the next queued stream, blocking until one arrives, the
// queue closes, or ctx is done. ok is false when the queue is closed and
// empty, or when ctx is done before a stream arrives.
func (q *AcceptQueue) Pop(ctx context.Context) (stream Stream, ok bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		s := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return s, true
	}
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	ch := make(chan acceptResult, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case r := <-ch:
		return r.stream, r.ok
	case <-ctx.Done():
		q.removeWaiter(ch)
		return nil, false
	}
}

func (q *AcceptQueue) removeWaiter(ch chan acceptResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Close marks the queue closed and releases every parked waiter with the
// closed sentinel. Idempotent. Items already queued stay in the queue:
// Pop still returns them, and Drain hands them back so the caller can
// close their sockets.
func (q *AcceptQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w <- acceptResult{ok: false}
	}
}

// Drain returns and clears any items still queued — used by Close's
// caller to shut down streams nobody ever accepted.
func (q *AcceptQueue) Drain() []Stream {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
