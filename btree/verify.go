package btree

import (
	"bytes"
	"context"

	"github.com/foster-db/fostertree/buffer"
)

// VerifyTree walks every leaf of the store and checks spec.md §8's
// page-consistency invariant (slots strictly increasing, every key
// within [fence-low, fence-high)) plus the checksum of each leaf whose
// frame is clean; a dirty frame's stored checksum dates from its last
// flush or logged image and is not compared. hashBits
// is accepted for interface parity with the original's sampling knob;
// this implementation always checks exhaustively rather than sampling
// a hashed subset.
func (t *Tree) VerifyTree(ctx context.Context, hashBits int) (bool, error) {
	var next []byte
	for {
		f, tk, err := t.lookupTraverse(next)
		if err != nil {
			return false, err
		}
		ok := verifyLeafLocked(f)
		high := f.Page.FenceHigh()
		f.Latch.ReleaseS(tk)
		t.pool.Unpin(f, false)
		if !ok {
			return false, nil
		}
		if len(high) == 0 {
			return true, nil
		}
		next = high
	}
}

// verifyLeafLocked checks f's page-consistency invariant. Caller holds
// f S-or-X-latched.
func verifyLeafLocked(f *buffer.Frame) bool {
	p := f.Page
	if !f.Dirty() && p.Header.Checksum != 0 && !p.VerifyChecksum() {
		return false
	}
	low, high := p.FenceLow(), p.FenceHigh()
	var prev []byte
	for i := 1; i <= p.Count(); i++ {
		if p.IsGhost(i) {
			continue
		}
		k := p.FullKey(i)
		if bytes.Compare(k, low) < 0 {
			return false
		}
		if len(high) > 0 && bytes.Compare(k, high) >= 0 {
			return false
		}
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			return false
		}
		prev = k
	}
	return true
}

// VolumeReport summarizes a whole-pool verification pass (spec.md §6
// verify_volume).
type VolumeReport struct {
	FramesChecked int
	BadChecksums  int
	Consistent    bool
}

// VerifyVolume walks every currently-deployed frame of pool and checks
// its checksum — the volume-wide counterpart to VerifyTree's single-
// store, fence-aware walk. It takes the pool directly rather than a
// Tree because a volume may host more stores than any one Tree handle
// knows about.
func VerifyVolume(pool *buffer.Pool, hashBits int) VolumeReport {
	r := pool.VerifyAll()
	return VolumeReport{FramesChecked: r.Checked, BadChecksums: r.Bad, Consistent: r.Bad == 0}
}
