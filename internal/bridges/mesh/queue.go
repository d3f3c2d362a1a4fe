package mesh

import (
	"sync"
	"time"
)

// QueueBound is the most items a queue holds while its consumer is not
// draining it.
const QueueBound = 64

// Queue is a FIFO relay buffer with one consumer.
//
// Push never blocks. While the consumer is not draining (stopped, or
// running without a usable broker session) the queue holds at most
// QueueBound items and further pushes are rejected; while it drains the
// queue is unbounded so bursts are absorbed.
//
// Thread Safety: All methods are safe for concurrent use.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	draining func() bool
	notify   chan struct{}
}

// newQueue creates a queue whose bound is lifted while draining reports
// true. draining must not call back into the queue.
func newQueue[T any](draining func() bool) *Queue[T] {
	return &Queue[T]{
		draining: draining,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends item and signals the consumer. It returns false and drops
// the item when the consumer is not draining and the queue is full.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if !q.draining() && len(q.items) >= QueueBound {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes and returns the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// PopWait returns the oldest item, waiting up to timeout for one to arrive.
// It gives up early when stop is closed.
func (q *Queue[T]) PopWait(timeout time.Duration, stop <-chan struct{}) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if item, ok := q.TryPop(); ok {
			return item, true
		}
		select {
		case <-q.notify:
		case <-timer.C:
			var zero T
			return zero, false
		case <-stop:
			var zero T
			return zero, false
		}
	}
}

// Reset discards every queued item.
func (q *Queue[T]) Reset() {
	q.Discard()
}

// Discard empties the queue and returns how many items it held.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify returns the channel signalled after each successful Push.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}
