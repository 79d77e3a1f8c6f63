// Package buffer implements the shared buffer pool of spec.md §4.4: a
// fixed array of frames, a chained hash table mapping on-disk page ids
// to frames, and CLOCK-algorithm eviction. Fix always finds a page
// through the hash table by its on-disk id; it does not resolve
// swizzled page ids to frames.
//
// The control-block bookkeeping (hash chains, the clock bit packed
// into the pin count, victim scanning that skips the requester's own
// hash chain) is carried over from the teacher's BufMgr.PinLatch /
// UnpinLatch / LatchLink (bufmgr.go), generalized from the teacher's
// single hard-coded page type to the page.Page representation and to
// an explicit extentstore.Store instead of a bare ParentBufMgr.
package buffer

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/extentstore"
	"github.com/foster-db/fostertree/latch"
	"github.com/foster-db/fostertree/page"
	"github.com/foster-db/fostertree/pageid"
)

// clockBit is packed into the low bit of a frame's pin word, the way
// the teacher packs it into Latchs.pin (bufmgr.go ClockBit).
const clockBit uint32 = 1

// pinUnit is added/subtracted on each Pin/Unpin, one bit above the
// clock bit so the clock bit survives concurrent pin/unpin traffic.
const pinUnit uint32 = 2

// Frame is one buffer-pool slot: a page body plus its control block.
type Frame struct {
	PageID pageid.PageID
	Page   *page.Page
	Latch  latch.QSXLatch // content latch: readers/writers of the page bytes

	pin   atomic.Uint32 // pin count<<1 | clockBit
	dirty atomic.Bool

	next, prev int // hash-chain links, 0 = none
}

// Pinned reports whether the frame currently has any outstanding pins.
func (f *Frame) Pinned() bool { return f.pin.Load()>>1 > 0 }

// Dirty reports whether the frame has unflushed modifications.
func (f *Frame) Dirty() bool { return f.dirty.Load() }

// MarkDirty flags the frame as needing a flush before eviction.
func (f *Frame) MarkDirty() { f.dirty.Store(true) }

type hashBucket struct {
	latch latch.SpinLatch
	head  int // frame index, 0 = empty
}

// Pool is the fixed-size buffer pool. It owns no knowledge of
// transactions or logging; LSNs on a page are stamped by callers
// before a frame is handed back to the pool for eviction.
type Pool struct {
	store    extentstore.Store
	pageSize int

	frames  []Frame
	buckets []hashBucket

	deployed atomic.Uint32 // high-water mark of frames handed out
	victim   atomic.Uint32 // CLOCK sweep hand

	log zerolog.Logger
}

// SetLogger attaches l, scoped with component="buffer", as the pool's
// diagnostic logger (engine.Open wires the engine-wide logger down to
// every subsystem this way). Unset, the pool logs nothing.
func (p *Pool) SetLogger(l zerolog.Logger) {
	p.log = l.With().Str("component", "buffer").Logger()
}

// New creates a pool of capacity frames backed by store. capacity must
// be at least bucketChainLen so the hash table has room to chain.
const bucketChainLen = 16

func New(store extentstore.Store, capacity int) *Pool {
	if capacity < bucketChainLen {
		capacity = bucketChainLen
	}
	p := &Pool{
		store:    store,
		pageSize: store.PageSize(),
		frames:   make([]Frame, capacity),
		buckets:  make([]hashBucket, capacity/bucketChainLen),
		log:      zerolog.Nop(),
	}
	return p
}

func (p *Pool) bucketFor(id pageid.PageID) int {
	return int(uint32(id.DiskID()) % uint32(len(p.buckets)))
}

// link inserts frame index slot at the head of bucket idx's chain.
// Caller must hold buckets[idx].latch.
func (p *Pool) link(idx, slot int) {
	head := p.buckets[idx].head
	p.frames[slot].next = head
	p.frames[slot].prev = 0
	if head != 0 {
		p.frames[head].prev = slot
	}
	p.buckets[idx].head = slot
}

// unlink removes frame index slot from bucket idx's chain. Caller must
// hold buckets[idx].latch.
func (p *Pool) unlink(idx, slot int) {
	f := &p.frames[slot]
	if f.prev != 0 {
		p.frames[f.prev].next = f.next
	} else {
		p.buckets[idx].head = f.next
	}
	if f.next != 0 {
		p.frames[f.next].prev = f.prev
	}
}

func (p *Pool) loadFrame(slot int, id pageid.PageID) error {
	f := &p.frames[slot]
	f.PageID = id
	body := make([]byte, p.pageSize)
	if err := p.store.ReadPage(id, body); err != nil {
		return errs.Wrap(err, errs.Internal)
	}
	f.Page = page.Decode(body)
	f.dirty.Store(false)
	return nil
}

// Fix pins the page id, loading it from the store on a cache miss, and
// returns its frame. The returned frame is pinned but not
// content-latched; callers acquire Frame.Latch themselves (spec.md
// §4.4's "latch coupling is the caller's job, not the pool's").
func (p *Pool) Fix(id pageid.PageID) (*Frame, error) {
	idx := p.bucketFor(id)
	b := &p.buckets[idx]

	b.latch.SpinWriteLock()
	slot := b.head
	for slot != 0 {
		f := &p.frames[slot]
		if f.PageID == id {
			break
		}
		slot = f.next
	}
	if slot != 0 {
		p.frames[slot].pin.Add(pinUnit)
		b.latch.SpinReleaseWrite()
		return &p.frames[slot], nil
	}

	next := int(p.deployed.Add(1))
	if next < len(p.frames) {
		f := &p.frames[next]
		p.link(idx, next)
		f.pin.Store(pinUnit)
		b.latch.SpinReleaseWrite()
		if err := p.loadFrame(next, id); err != nil {
			return nil, err
		}
		return f, nil
	}
	p.deployed.Add(^uint32(0)) // undo: pool is already full, fall through to eviction
	b.latch.SpinReleaseWrite()

	return p.evictAndLoad(idx, id)
}

// evictAndLoad runs the CLOCK sweep (teacher's PinLatch victim loop)
// to find an unpinned frame, flushes it if dirty, and relinks it under
// the requested page id.
func (p *Pool) evictAndLoad(idx int, id pageid.PageID) (*Frame, error) {
	for {
		slot := int(p.victim.Add(1)-1) % len(p.frames)
		if slot == 0 {
			continue
		}
		f := &p.frames[slot]
		victimIdx := p.bucketFor(f.PageID)
		if victimIdx == idx && len(p.buckets) > 1 {
			// Only worth avoiding the requester's own chain when there is
			// somewhere else to look; a single-bucket pool would starve
			// forever otherwise.
			continue
		}
		vb := &p.buckets[victimIdx]
		if !vb.latch.SpinWriteTry() {
			continue
		}

		word := f.pin.Load()
		if word != 0 {
			if word&clockBit != 0 {
				f.pin.Store(word &^ clockBit)
			}
			vb.latch.SpinReleaseWrite()
			continue
		}

		if f.dirty.Load() {
			if err := p.flush(f); err != nil {
				vb.latch.SpinReleaseWrite()
				return nil, err
			}
			p.log.Debug().Stringer("evicted", f.PageID).Stringer("requested", id).Msg("clock evicted dirty frame")
		}

		p.unlink(victimIdx, slot)
		vb.latch.SpinReleaseWrite()

		b := &p.buckets[idx]
		b.latch.SpinWriteLock()
		p.link(idx, slot)
		f.pin.Store(pinUnit)
		b.latch.SpinReleaseWrite()

		if err := p.loadFrame(slot, id); err != nil {
			return nil, err
		}
		return f, nil
	}
}

func (p *Pool) flush(f *Frame) error {
	f.Page.StampChecksum()
	if err := p.store.WritePage(f.PageID, page.Encode(f.Page, p.pageSize)); err != nil {
		return errs.Wrap(err, errs.Internal)
	}
	f.dirty.Store(false)
	return nil
}

// Unpin releases one pin on f, setting its clock bit so a future sweep
// gives it one more chance before eviction (spec.md §4.4).
func (p *Pool) Unpin(f *Frame, dirty bool) {
	if dirty {
		f.dirty.Store(true)
	}
	word := f.pin.Load()
	if word&clockBit == 0 {
		f.pin.Store(word | clockBit)
	}
	f.pin.Add(^uint32(pinUnit - 1))
}

// NewPage allocates a fresh page from the store and returns it already
// pinned, the way BufMgr.NewPage hands back a latched-but-unlocked
// page for the caller to initialize.
func (p *Pool) NewPage(tag page.Tag, level uint16) (*Frame, error) {
	id, err := p.store.AllocatePage()
	if err != nil {
		return nil, errs.Wrap(err, errs.Internal)
	}
	f, err := p.Fix(id)
	if err != nil {
		return nil, err
	}
	f.Page = page.NewPage(tag, level, p.pageSize)
	f.Page.Header.PageID = id
	f.dirty.Store(true)
	return f, nil
}

// DeallocatePage returns id to the store's free list. The caller must
// have already unpinned any frame caching id; this does not evict it
// from the pool, so a stale cached copy is only safe because page ids
// are never reused while pinned or reachable from the tree.
func (p *Pool) DeallocatePage(id pageid.PageID) error {
	return p.store.DeallocatePage(id)
}

// VerifyReport is the frame-level tally VerifyAll produces.
type VerifyReport struct {
	Checked int
	Bad     int
}

// VerifyAll recomputes and checks the checksum of every currently-
// deployed frame, the buffer-pool-wide half of spec.md §6's
// verify_volume operation (btree.VerifyVolume wraps this with the
// VolumeReport shape the external interface names).
func (p *Pool) VerifyAll() VerifyReport {
	n := int(p.deployed.Load())
	if n >= len(p.frames) {
		n = len(p.frames) - 1
	}
	var r VerifyReport
	for i := 1; i <= n; i++ {
		f := &p.frames[i]
		if f.PageID.IsNil() {
			continue
		}
		r.Checked++
		if f.Page.Header.Checksum != 0 && !f.Page.VerifyChecksum() {
			r.Bad++
			p.log.Error().Stringer("page", f.PageID).Msg("checksum mismatch during verify_volume")
		}
	}
	return r
}

// FlushAll forces every dirty frame to the store, used at clean
// shutdown (engine.Close) and by the background cleaner.
func (p *Pool) FlushAll() error {
	n := int(p.deployed.Load())
	if n >= len(p.frames) {
		n = len(p.frames) - 1
	}
	for i := 1; i <= n; i++ {
		f := &p.frames[i]
		if f.dirty.Load() {
			if err := p.flush(f); err != nil {
				return err
			}
		}
	}
	return nil
}
