// Package lockfree provides the Michael-Scott FIFO queue and the
// Herlihy sorted list used by object pools and free lists throughout
// the engine (spec.md §4.1).
package lockfree

import (
	"sync/atomic"

	"github.com/foster-db/fostertree/atomics"
)

type qnode[T any] struct {
	value T
	next  atomics.MarkablePointer[qnode[T]]
}

// Queue is a Michael-Scott lock-free FIFO: a permanent sentinel node
// with head and tail tracked independently, each update made via CAS,
// with helping so a stalled enqueuer never blocks a dequeuer from
// making progress.
type Queue[T any] struct {
	head atomic.Pointer[qnode[T]]
	tail atomic.Pointer[qnode[T]]
	size atomic.Int64 // approximate; a hint, not an invariant
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	sentinel := &qnode[T]{}
	q := &Queue[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Enqueue appends value. Linearizes at the CAS that links the new
// node onto the current tail's next pointer.
func (q *Queue[T]) Enqueue(value T) {
	n := &qnode[T]{value: value}
	for {
		tail := q.tail.Load()
		next, marked := tail.next.Get()
		if tail == q.tail.Load() { // tail still consistent
			if next == nil {
				if tail.next.AtomicCAS(nil, n, marked, false) {
					// linearization point
					q.tail.CompareAndSwap(tail, n)
					q.size.Add(1)
					return
				}
			} else {
				// another thread's enqueue is half-finished; help it
				q.tail.CompareAndSwap(tail, next)
			}
		}
	}
}

// Dequeue removes and returns the front value, or false if the queue
// was empty. Linearizes at the CAS that advances head.
func (q *Queue[T]) Dequeue() (value T, ok bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next, _ := head.next.Get() // sequentially-consistent loads bracket this window
		if head == q.head.Load() {
			if head == tail {
				if next == nil {
					var zero T
					return zero, false
				}
				q.tail.CompareAndSwap(tail, next)
			} else {
				v := next.value
				if q.head.CompareAndSwap(head, next) {
					q.size.Add(-1)
					return v, true
				}
			}
		}
	}
}

// Len returns an approximate size: a hint maintained with atomic
// inc/dec around Enqueue/Dequeue, not a linearizable count.
func (q *Queue[T]) Len() int64 {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return n
}

// SafeSize walks the list counting nodes, giving an exact (but
// momentarily stale-by-the-time-it-returns) size; used by diagnostics,
// never on a hot path.
func (q *Queue[T]) SafeSize() int64 {
	var n int64
	cur := q.head.Load()
	for {
		next, _ := cur.next.Get()
		if next == nil {
			break
		}
		n++
		cur = next
	}
	return n
}
