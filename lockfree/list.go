package lockfree

import (
	"github.com/foster-db/fostertree/atomics"
)

type lnode[K comparable, V any] struct {
	key   K
	value V
	next  atomics.MarkablePointer[lnode[K, V]]
}

// Less compares ordering keys; list construction supplies it so the
// list can sort arbitrary comparable key types (lockmgr uses it with
// string keys).
type Less[K any] func(a, b K) bool

// SortedList is a Herlihy-style lock-free ordered singly-linked list.
// A marked next pointer means the node is logically deleted; find
// helps unlink marked nodes it walks past.
type SortedList[K comparable, V any] struct {
	head atomics.MarkablePointer[lnode[K, V]]
	less Less[K]
}

// NewSortedList creates an empty list ordered by less.
func NewSortedList[K comparable, V any](less Less[K]) *SortedList[K, V] {
	return &SortedList[K, V]{less: less}
}

// window is the (predecessor, current) pair find() returns.
type window[K comparable, V any] struct {
	pred *lnode[K, V]
	curr *lnode[K, V]
}

// find locates the first node with key >= target, physically unlinking
// any logically-deleted nodes it passes along the way. pred is nil
// when curr is the head of the list.
func (l *SortedList[K, V]) find(key K) window[K, V] {
retry:
	var pred *lnode[K, V]
	curr := l.head.GetPointer()
	predNext := curr

	for curr != nil {
		next, marked := curr.next.Get()
		for marked {
			// help unlink curr: splice it out via CAS on predecessor's next
			if pred == nil {
				if !l.head.AtomicCAS(predNext, next, false, false) {
					goto retry
				}
			} else {
				if !pred.next.AtomicCAS(predNext, next, false, false) {
					goto retry
				}
			}
			curr = next
			if curr == nil {
				return window[K, V]{pred: pred, curr: nil}
			}
			next, marked = curr.next.Get()
		}
		if !l.less(curr.key, key) && !l.less(key, curr.key) {
			return window[K, V]{pred: pred, curr: curr}
		}
		if !l.less(curr.key, key) {
			// curr.key > key: target isn't here
			return window[K, V]{pred: pred, curr: curr}
		}
		pred = curr
		curr = next
		predNext = next
	}
	return window[K, V]{pred: pred, curr: nil}
}

// GetOrAdd returns the existing value for key, inserting value if
// absent. The bool result reports whether the returned value was just
// inserted. This completes the original's incomplete get_or_add (which
// looped but never actually inserted, see DESIGN.md) per Herlihy §9.8:
// retry the CAS-based insert until either it succeeds or a concurrent
// insert of the same key is observed.
func (l *SortedList[K, V]) GetOrAdd(key K, value V) (V, bool) {
	for {
		w := l.find(key)
		if w.curr != nil && !l.less(w.curr.key, key) && !l.less(key, w.curr.key) {
			return w.curr.value, false
		}
		n := &lnode[K, V]{key: key, value: value}
		n.next.Set(w.curr, false)
		if w.pred == nil {
			if l.head.AtomicCAS(w.curr, n, false, false) {
				return value, true
			}
		} else {
			if w.pred.next.AtomicCAS(w.curr, n, false, false) {
				return value, true
			}
		}
		// lost the race; retry from scratch
	}
}

// Insert adds key/value, replacing no existing entry; returns false if
// key is already present.
func (l *SortedList[K, V]) Insert(key K, value V) bool {
	_, inserted := l.GetOrAdd(key, value)
	return inserted
}

// Contains reports whether key is present and not logically deleted.
// Unlike find, Contains walks without helping — a pure read path.
func (l *SortedList[K, V]) Contains(key K) bool {
	curr := l.head.GetPointer()
	for curr != nil {
		next, marked := curr.next.Get()
		if !marked && !l.less(curr.key, key) && !l.less(key, curr.key) {
			return true
		}
		if l.less(key, curr.key) && !marked {
			return false
		}
		curr = next
	}
	return false
}

// Get returns the value for key and whether it was found.
func (l *SortedList[K, V]) Get(key K) (V, bool) {
	w := l.find(key)
	if w.curr != nil && !l.less(w.curr.key, key) && !l.less(key, w.curr.key) {
		return w.curr.value, true
	}
	var zero V
	return zero, false
}

// Remove logically deletes key by marking its next pointer, then
// makes a best-effort attempt to physically unlink it immediately
// (the next find() to pass over it will finish the job regardless).
func (l *SortedList[K, V]) Remove(key K) bool {
	for {
		w := l.find(key)
		if w.curr == nil || l.less(w.curr.key, key) || l.less(key, w.curr.key) {
			return false
		}
		next, marked := w.curr.next.Get()
		if marked {
			return false
		}
		if !w.curr.next.AtomicCAS(next, next, false, true) {
			continue // someone else changed curr's next; retry
		}
		// best-effort unlink; ignore failure, a future find() will help
		if w.pred == nil {
			l.head.AtomicCAS(w.curr, next, false, false)
		} else {
			w.pred.next.AtomicCAS(w.curr, next, false, false)
		}
		return true
	}
}
