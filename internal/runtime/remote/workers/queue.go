package workers

import (
	"sync"
	"sync/atomic"
)

// Queue releases deliveries strictly in the order their ids were allocated.
//
// IDs are allocated on the I/O goroutine in arrival order. Decode workers
// finish in any order and Push their result; a delivery runs once every
// lower id has been pushed. Deliveries run with the queue lock held, so a
// delivery must not push to the same queue.
type Queue struct {
	nextID          atomic.Uint64
	mu              sync.Mutex
	nextUndelivered uint64
	pending         map[uint64]func()
}

// NewQueue returns an empty ordering queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[uint64]func())}
}

// NewID reserves the next position in the delivery order.
func (q *Queue) NewID() uint64 {
	return q.nextID.Add(1) - 1
}

// Push completes id. A nil deliver marks a dropped message, which still
// releases the ids behind it.
func (q *Queue) Push(id uint64, deliver func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id != q.nextUndelivered {
		if deliver == nil {
			deliver = noop
		}
		q.pending[id] = deliver
		return
	}
	if deliver != nil {
		deliver()
	}
	q.nextUndelivered++
	for {
		fn, ok := q.pending[q.nextUndelivered]
		if !ok {
			return
		}
		delete(q.pending, q.nextUndelivered)
		fn()
		q.nextUndelivered++
	}
}

// Drop completes id without a delivery.
func (q *Queue) Drop(id uint64) { q.Push(id, nil) }

// Pending returns the number of completed deliveries waiting on a lower id.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func noop() {}
