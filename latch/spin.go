package latch

import (
	"runtime"
	"sync/atomic"
)

// SpinLatch is a CAS-spin mutex for very short critical sections —
// buffer-pool hash-bucket chain maintenance and the allocation page,
// the way the teacher's BufMgr uses a lightweight SpinLatch rather
// than a full QSX latch for those paths (bufmgr.go: mgr.lock,
// hashTable[idx].latch).
type SpinLatch struct {
	held atomic.Bool
}

// SpinWriteLock spins (yielding the processor between attempts) until
// it acquires exclusive ownership.
func (s *SpinLatch) SpinWriteLock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// SpinWriteTry attempts SpinWriteLock without blocking.
func (s *SpinLatch) SpinWriteTry() bool {
	return s.held.CompareAndSwap(false, true)
}

// SpinReleaseWrite releases exclusive ownership.
func (s *SpinLatch) SpinReleaseWrite() {
	s.held.Store(false)
}
