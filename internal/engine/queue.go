package engine

import (
	"sync"

	"github.com/roach88/eventsync/internal/ir"
)

// queued is an event waiting in the FIFO.
type queued struct {
	event ir.Event
	extra ExtraArgs

	// depth counts how many reducer dispatches led here. External events
	// have depth 0.
	depth int

	// reply receives the outcome when a caller is waiting (Submit).
	// Nil for follow-up events.
	reply chan<- submitResult
}

type submitResult struct {
	result Result
	err    error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so reducers can enqueue follow-up events without
// blocking inside a transaction. Termination is enforced by the cascade
// limit, not by queue capacity.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []queued
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		items:  make([]queued, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(item queued) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (queued{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return queued{}, false
	}

	item := q.items[0]

	// Clear the slot so the backing array does not pin payloads.
	q.items[0] = queued{}

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return item, true
}

// Wait returns a channel that signals when items may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more items will be enqueued.
// Items already queued can still be dequeued.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
