package logmgr

import (
	"hash/fnv"
	"sync"

	"github.com/foster-db/fostertree/pageid"
)

// OldestLSNTracker is the "PoorMansOldestLsnTracker" of spec.md §4.5:
// active-transaction first-LSNs are hashed into a fixed array rather
// than kept in a sorted structure, and the minimum bucket content is
// reported as a conservative lower bound on the oldest LSN any active
// transaction still needs. Because several transactions can share a
// bucket, a bucket's minimum may be older than the truth for a while
// after the transaction that set it ends — conservative, not exact,
// by design.
type OldestLSNTracker struct {
	mu      sync.Mutex
	buckets []pageid.LSN
	counts  []int
	xctBkt  map[uint64]int // xid -> bucket it registered in, for Clear
}

// NewOldestLSNTracker creates a tracker with the given fixed bucket
// count.
func NewOldestLSNTracker(buckets int) *OldestLSNTracker {
	if buckets < 1 {
		buckets = 1
	}
	return &OldestLSNTracker{
		buckets: make([]pageid.LSN, buckets),
		counts:  make([]int, buckets),
		xctBkt:  make(map[uint64]int),
	}
}

func hashXid(xid uint64, n int) int {
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(xid >> (8 * i))
	}
	h.Write(b[:])
	return int(h.Sum32()) % n
}

// Observe records lsn as xid's first LSN the first time xid is seen;
// subsequent calls for the same xid are ignored (only the first-LSN
// matters for this bound).
func (t *OldestLSNTracker) Observe(xid uint64, lsn pageid.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, already := t.xctBkt[xid]; already {
		return
	}
	idx := hashXid(xid, len(t.buckets))
	t.xctBkt[xid] = idx
	t.counts[idx]++
	t.buckets[idx] = pageid.Min(t.buckets[idx], lsn)
}

// Clear forgets xid's registration. Its bucket's minimum is only reset
// once every registrant sharing that bucket has also cleared.
func (t *OldestLSNTracker) Clear(xid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.xctBkt[xid]
	if !ok {
		return
	}
	delete(t.xctBkt, xid)
	t.counts[idx]--
	if t.counts[idx] <= 0 {
		t.counts[idx] = 0
		t.buckets[idx] = pageid.NullLSN
	}
}

// Min returns the conservative lower bound across every bucket.
func (t *OldestLSNTracker) Min() pageid.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := pageid.NullLSN
	for _, b := range t.buckets {
		m = pageid.Min(m, b)
	}
	return m
}
