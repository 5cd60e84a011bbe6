// Package bqueue implements the bounded blocking producer/consumer queue
// used by the storage node's job pool to hand create/read/write/
// replicate jobs from the network-facing goroutines to the worker pool.
package bqueue

import (
	"container/list"
	"sync"

	"github.com/dfscore/chunkengine/semaphore"
)

// Item is one element of the queue: a job id, an opcode, and its argument
// payload. Length is the item's contribution to the queue's byte budget.
type Item struct {
	ID     uint64
	Op     uint32
	Data   []byte
	Length int64
}

// Queue is a FIFO bounded by a byte budget. Producers block on a "space"
// semaphore sized to the budget; consumers block on an "items" semaphore
// counting enqueued elements. If the budget is zero, the queue is
// unbounded and only the element count is tracked (matching the
// "if the budget is zero the queue is unbounded" rule).
type Queue struct {
	mu    sync.Mutex
	items *list.List

	space *semaphore.Semaphore
	avail *semaphore.Semaphore

	unbounded bool
	closed    bool
}

// New returns a Queue with the given byte budget. A budget <= 0 makes the
// queue unbounded: each item then counts as one against a large fixed cap
// of 1<<30 queued elements, whatever its Length.
func New(byteBudget int64) *Queue {
	q := &Queue{items: list.New()}
	if byteBudget <= 0 {
		q.unbounded = true
		q.space = semaphore.New(1 << 30)
	} else {
		q.space = semaphore.New(byteBudget)
	}
	q.avail = semaphore.New(0)
	return q
}

// Put inserts item at the back of the queue, blocking until enough space is
// available (always available immediately for an unbounded queue unless
// the in-flight cap above is hit).
func (q *Queue) Put(item Item) {
	weight := item.Length
	if weight <= 0 || q.unbounded {
		weight = 1
	}
	q.space.Acquire(weight)

	q.mu.Lock()
	q.items.PushBack(item)
	q.mu.Unlock()

	q.avail.Release(1)
}

// Get blocks until an item is available, then removes and returns the
// oldest one. ok is false if the queue was closed and emptied without a
// new item arriving, signaling the caller to exit its worker loop.
func (q *Queue) Get() (item Item, ok bool) {
	q.avail.Acquire(1)

	q.mu.Lock()
	el := q.items.Front()
	if el == nil {
		q.mu.Unlock()
		return Item{}, false
	}
	q.items.Remove(el)
	q.mu.Unlock()

	item = el.Value.(Item)
	weight := item.Length
	if weight <= 0 || q.unbounded {
		weight = 1
	}
	q.space.Release(weight)
	return item, true
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close wakes every blocked Get with a broadcast so worker goroutines can
// observe shutdown and exit instead of blocking forever on an empty queue.
// It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.avail.BroadcastRelease(1 << 20)
}
