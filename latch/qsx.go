// Package latch implements the buffer-frame latch primitives:
// the Q/S/X multi-mode reader-writer latch (spec.md §4.3) and a
// CAS-spin latch for short critical sections (hash-bucket chains,
// the allocation page) — the teacher's PageLock/PageUnlock dispatch
// over Read/Write/Access/Delete/Parent modes, generalized onto the
// packed-counter QSX design from zero/latches/QSXMutex.hpp.
package latch

import "sync/atomic"

// The packed 64-bit counter: bit 62 (writerBit) marks a writer present,
// bits 31-61 hold the writer epoch (advanced by one epochUnit on each
// ReleaseX), and the low 31 bits (readerMask) are the reader count.
// This mirrors QSXMutex's rwcount_t: writer bit is the high
// "minwriter" bit, everything below is epoch and readers.
const (
	writerBit   uint64 = 1 << 62
	epochUnit   uint64 = 1 << 31
	readerMask  uint64 = epochUnit - 1
	initialWord uint64 = 2 * epochUnit
)

// Mode identifies the acquisition mode of a QSX latch request.
type Mode int

const (
	ModeQ Mode = iota
	ModeS
	ModeX
)

// Ticket is the snapshot value returned by an acquire/upgrade call; it
// both proves the caller currently holds the latch (for S/X) and lets
// a Q-holder revalidate later.
type Ticket uint64

// QSXLatch is a reader-writer latch with three acquisition modes: X
// (exclusive, mutually exclusive with everything), S (shared, blocks
// only against X), and Q (optimistic — takes no lock, just snapshots
// the counter for later validation).
type QSXLatch struct {
	word atomic.Uint64
}

// NewQSXLatch creates an unlocked latch.
func NewQSXLatch() *QSXLatch {
	l := &QSXLatch{}
	l.word.Store(initialWord)
	return l
}

// AcquireX blocks until no writer and no readers are present, then
// installs the writer bit.
func (l *QSXLatch) AcquireX() Ticket {
	for {
		w := l.word.Load()
		if w&writerBit != 0 || w&readerMask != 0 {
			continue
		}
		if l.word.CompareAndSwap(w, w|writerBit) {
			return Ticket(w | writerBit)
		}
	}
}

// TryAcquireX attempts AcquireX without blocking; returns (ticket,
// true) on success.
func (l *QSXLatch) TryAcquireX() (Ticket, bool) {
	w := l.word.Load()
	if w&writerBit != 0 || w&readerMask != 0 {
		return 0, false
	}
	if l.word.CompareAndSwap(w, w|writerBit) {
		return Ticket(w | writerBit), true
	}
	return 0, false
}

// ReleaseX clears the writer bit and bumps the epoch, invalidating any
// outstanding Q tickets taken before the release.
func (l *QSXLatch) ReleaseX(Ticket) {
	for {
		w := l.word.Load()
		neu := (w &^ writerBit) + epochUnit
		if l.word.CompareAndSwap(w, neu) {
			return
		}
	}
}

// AcquireS blocks while a writer is present, then increments the
// reader count.
func (l *QSXLatch) AcquireS() Ticket {
	for {
		w := l.word.Add(1)
		if w&writerBit == 0 {
			return Ticket(w)
		}
		l.word.Add(^uint64(0)) // undo; a writer held the latch
	}
}

// TryAcquireS attempts AcquireS without blocking.
func (l *QSXLatch) TryAcquireS() (Ticket, bool) {
	w := l.word.Add(1)
	if w&writerBit != 0 {
		l.word.Add(^uint64(0))
		return 0, false
	}
	return Ticket(w), true
}

// ReleaseS decrements the reader count.
func (l *QSXLatch) ReleaseS(Ticket) {
	l.word.Add(^uint64(0))
}

// AcquireQ takes an optimistic snapshot; it never blocks and never
// mutates the counter.
func (l *QSXLatch) AcquireQ() Ticket {
	return Ticket(l.word.Load())
}

// ReleaseQ (a.k.a. ValidateQ/ReacquireQ) reports whether the counter
// is unchanged since t was taken and no writer was mid-acquire at the
// snapshot — i.e. whether optimistic reads performed under the ticket
// are still trustworthy.
func (l *QSXLatch) ReleaseQ(t Ticket) bool {
	if uint64(t)&writerBit != 0 {
		return false
	}
	return l.word.Load() == uint64(t)
}

// ReacquireQ is an alias for ReleaseQ matching the original's
// validation-only naming at call sites that don't conceptually release
// anything (a Q acquisition holds nothing to release).
func (l *QSXLatch) ReacquireQ(t Ticket) bool { return l.ReleaseQ(t) }

// TryUpgradeSX upgrades a held S ticket to X, succeeding only if no
// other upgrader beat this one to it; the caller retains S rights if
// it returns false.
func (l *QSXLatch) TryUpgradeSX(Ticket) (Ticket, bool) {
	for {
		w := l.word.Load()
		if w&writerBit != 0 {
			return 0, false
		}
		if !l.word.CompareAndSwap(w, w|writerBit) {
			continue
		}
		// wait out the other readers (excluding ourselves)
		for {
			cur := l.word.Load()
			if cur&readerMask == 1 {
				if l.word.CompareAndSwap(cur, cur-1) {
					return Ticket(cur - 1), true
				}
				continue
			}
		}
	}
}

// TryDowngradeXS converts a held X ticket into an S ticket.
func (l *QSXLatch) TryDowngradeXS(Ticket) Ticket {
	w := l.word.Add((^writerBit + 1) + 1) // clear writer bit, add one reader
	return Ticket(w)
}

// TryDowngradeXQ converts a held X ticket into a Q ticket (i.e. simply
// releases X and returns a fresh optimistic snapshot).
func (l *QSXLatch) TryDowngradeXQ(Ticket) Ticket {
	w := l.word.Add(^writerBit + 1)
	return Ticket(w)
}

// TryDowngradeSQ converts a held S ticket into a Q ticket.
func (l *QSXLatch) TryDowngradeSQ(Ticket) Ticket {
	w := l.word.Add(^uint64(0))
	return Ticket(w)
}

// IsXLocked reports whether the latch is currently held in X mode;
// diagnostic-only, racy by nature.
func (l *QSXLatch) IsXLocked() bool {
	return l.word.Load()&writerBit != 0
}
