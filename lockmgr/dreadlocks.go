package lockmgr

import "sync"

// fingerprintWords is the width of each transaction's bitmap
// fingerprint; collisions across distinct transactions are possible
// and are the source of Dreadlocks' known false positives (spec.md
// §4.6).
const fingerprintWords = 4

type fingerprint [fingerprintWords]uint64

func fingerprintOf(xid uint64) fingerprint {
	var fp fingerprint
	h := xid
	for i := range fp {
		h = h*6364136223846793005 + 1442695040888963407
		fp[i] = uint64(1) << (h % 64)
	}
	return fp
}

func (a fingerprint) or(b fingerprint) fingerprint {
	var out fingerprint
	for i := range out {
		out[i] = a[i] | b[i]
	}
	return out
}

func (a fingerprint) contains(b fingerprint) bool {
	for i := range a {
		if a[i]&b[i] != b[i] {
			return false
		}
	}
	return true
}

// Dreadlocks implements the deadlock-detection scheme of spec.md
// §4.6: every transaction has a fixed-size bitmap fingerprint; a
// waiter digests the fingerprints of everyone it waits on (transitively,
// via their own last-digested waits-for set) and reports a deadlock if
// its own fingerprint is already contained in that digest.
type Dreadlocks struct {
	mu     sync.Mutex
	digest map[uint64]fingerprint // last waits-for digest per waiting xid
	stats  struct {
		falsePositives uint64
	}
}

// NewDreadlocks creates an empty detector.
func NewDreadlocks() *Dreadlocks {
	return &Dreadlocks{digest: make(map[uint64]fingerprint)}
}

// WouldDeadlock reports whether xid waiting on holders would close a
// cycle: it digests holders' own fingerprints plus whatever they are
// themselves transitively waiting on (their last recorded digest), and
// checks whether xid's fingerprint is already present in that
// digest — meaning some holder is, transitively, waiting on xid.
func (d *Dreadlocks) WouldDeadlock(xid uint64, holders []uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	var digest fingerprint
	for _, h := range holders {
		digest = digest.or(fingerprintOf(h))
		if hd, ok := d.digest[h]; ok {
			digest = digest.or(hd)
		}
	}
	d.digest[xid] = digest

	self := fingerprintOf(xid)
	if digest.contains(self) {
		d.stats.falsePositives++ // any report here may in fact be a bitmap collision
		return true
	}
	return false
}

// Clear forgets xid's recorded digest, done when it stops waiting
// (lock granted, timeout, or deadlock abort).
func (d *Dreadlocks) Clear(xid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.digest, xid)
}

// FalsePositives returns the running count of reported deadlocks that
// may have been fingerprint collisions rather than real cycles.
func (d *Dreadlocks) FalsePositives() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.falsePositives
}
