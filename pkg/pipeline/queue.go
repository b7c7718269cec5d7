package pipeline

import (
	"sync"
	"time"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

type item struct {
	q         *quantum.Quantum
	fromAlpha bool
	future    *Future
	enqueued  time.Time

	// closed once signature checks finished; checkErr is set before checked
	// is closed
	checked  chan struct{}
	checkErr error
}

// queue is the unbounded FIFO in front of the single writer. Depth is
// bounded by the throttle controller rather than by the queue.
type queue struct {
	mu     sync.Mutex
	items  []*item
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// push appends it and returns the new depth. It refuses items once the
// queue was drained.
func (q *queue) push(it *item) (int, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, false
	}
	q.items = append(q.items, it)
	n := len(q.items)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return n, true
}

func (q *queue) pop() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, true
}

// drain removes and returns everything still queued and closes the queue.
func (q *queue) drain() []*item {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.items
	q.items = nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
