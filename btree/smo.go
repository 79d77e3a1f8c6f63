package btree

import (
	"context"

	"github.com/foster-db/fostertree/buffer"
	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/logmgr"
	"github.com/foster-db/fostertree/page"
	"github.com/foster-db/fostertree/pageid"
	"github.com/foster-db/fostertree/txn"
)

// ssx starts a single-log system transaction nested under whatever
// transaction ctx carries, the way every SMO in spec.md §4.9 runs: "a
// structure modification is one single-log SSX, independent of the
// user transaction that triggered it."
func (t *Tree) ssx(ctx context.Context) (*txn.Xct, error) {
	x, _, err := txn.Begin(ctx, t.log, true, true)
	return x, err
}

// logPageImage appends a full-page redo image for fr, the way
// single-page-recovery reconstructs a page without replaying every
// record that ever touched it (spec.md §4.9).
func logPageImage(x *txn.Xct, fr *buffer.Frame) (pageid.LSN, error) {
	img := page.Encode(fr.Page, page.DefaultSize)
	lsn, err := x.Append(&logmgr.Record{Type: logmgr.RecPageImage, PageID: fr.PageID, Payload: img}, nil)
	if err != nil {
		return pageid.NullLSN, err
	}
	fr.Page.Header.LSN = lsn
	fr.Page.Header.FooterLSN = lsn
	fr.Page.StampChecksum()
	return lsn, nil
}

// growRoot performs tree-grow (spec.md §4.9): allocate a new root one
// level higher, keeping the store's root page id stable by relocating
// the old root's content into a freshly allocated page and rewriting
// the root in place with that page as its pid0 child. The relocated
// page's foster child is adopted into the new root straight away, so
// the new root holds a separator for it and is never left empty (an
// empty internal root is what rootWantsShrink collapses again).
func (t *Tree) growRoot() error {
	ctx := context.Background()
	x, err := t.ssx(ctx)
	if err != nil {
		return err
	}

	oldRoot, err := t.pool.Fix(t.rootID)
	if err != nil {
		return err
	}
	oldRootTk := oldRoot.Latch.AcquireX()

	newLeft, err := t.pool.NewPage(oldRoot.Page.Header.Tag, oldRoot.Page.Header.Level)
	if err != nil {
		oldRoot.Latch.ReleaseX(oldRootTk)
		t.pool.Unpin(oldRoot, false)
		return err
	}
	newLeft.Page.SetFences(oldRoot.Page.FenceLow(), oldRoot.Page.FenceHigh(), oldRoot.Page.ChainFenceHigh())
	newLeft.Page.Header.PID0 = oldRoot.Page.Header.PID0
	newLeft.Page.Header.Foster = oldRoot.Page.Header.Foster
	newLeft.Page.Header.FosterEMLSN = oldRoot.Page.Header.FosterEMLSN
	newLeft.Page.SetSlots(oldRoot.Page.Slots())

	oldRoot.Page.SetSlots(nil)
	oldRoot.Page.Header.Level = newLeft.Page.Header.Level + 1
	oldRoot.Page.Header.Tag = page.TagStoreNode
	oldRoot.Page.Header.PID0 = newLeft.PageID
	oldRoot.Page.Header.Foster = pageid.NilPageID
	oldRoot.Page.SetFences(nil, nil, nil)
	t.adoptLocked(oldRoot, newLeft)

	if _, err := logPageImage(x, newLeft); err != nil {
		oldRoot.Latch.ReleaseX(oldRootTk)
		t.pool.Unpin(oldRoot, false)
		t.pool.Unpin(newLeft, false)
		return err
	}
	if _, err := logPageImage(x, oldRoot); err != nil {
		oldRoot.Latch.ReleaseX(oldRootTk)
		t.pool.Unpin(oldRoot, false)
		t.pool.Unpin(newLeft, false)
		return err
	}

	if err := x.Commit(nil, true); err != nil {
		oldRoot.Latch.ReleaseX(oldRootTk)
		t.pool.Unpin(oldRoot, false)
		t.pool.Unpin(newLeft, false)
		return err
	}

	oldRoot.Latch.ReleaseX(oldRootTk)
	t.pool.Unpin(oldRoot, true)
	t.pool.Unpin(newLeft, true)
	t.logger.Debug().Stringer("new_left", newLeft.PageID).Msg("tree-grow")
	return nil
}

// shrinkRoot performs tree-shrink (spec.md §4.9), the inverse of
// growRoot: when the root is an internal page with no separators and
// only a pid0 child, that child's content is pulled up into the root
// page and the child is deallocated, keeping the store's root page id
// stable and reducing tree height by one.
func (t *Tree) shrinkRoot() error {
	ctx := context.Background()
	x, err := t.ssx(ctx)
	if err != nil {
		return err
	}

	root, err := t.pool.Fix(t.rootID)
	if err != nil {
		return err
	}
	rootTk := root.Latch.AcquireX()
	defer func() {
		root.Latch.ReleaseX(rootTk)
		t.pool.Unpin(root, true)
	}()

	if root.Page.Header.IsLeaf() || root.Page.Count() != 0 || root.Page.Header.HasFoster() {
		x.Commit(nil, true)
		return nil
	}

	child, err := t.pool.Fix(root.Page.Header.PID0)
	if err != nil {
		x.Commit(nil, true)
		return err
	}
	childTk := child.Latch.AcquireX()

	root.Page.SetFences(child.Page.FenceLow(), child.Page.FenceHigh(), child.Page.ChainFenceHigh())
	root.Page.Header.Level = child.Page.Header.Level
	root.Page.Header.Tag = child.Page.Header.Tag
	root.Page.Header.PID0 = child.Page.Header.PID0
	root.Page.Header.Foster = child.Page.Header.Foster
	root.Page.Header.FosterEMLSN = child.Page.Header.FosterEMLSN
	root.Page.SetSlots(child.Page.Slots())

	if _, err := logPageImage(x, root); err != nil {
		child.Latch.ReleaseX(childTk)
		t.pool.Unpin(child, false)
		return err
	}

	deallocatedID := child.PageID
	child.Latch.ReleaseX(childTk)
	t.pool.Unpin(child, false)
	if err := x.Commit(nil, true); err != nil {
		return err
	}
	t.logger.Debug().Stringer("deallocated", deallocatedID).Msg("tree-shrink")
	return t.pool.DeallocatePage(deallocatedID)
}

// fosterSplit performs a foster-split (spec.md §4.9): full is split in
// place into itself and a brand-new right page linked as full's foster
// child, with the split pivot chosen somewhere past the midpoint when
// full has a high SkewCount (sequential-insertion heuristic). No code
// in this repository increments SkewCount (fosterSplit only resets it),
// so in practice the pivot is the midpoint slot. Caller must already
// hold full X-latched.
func (t *Tree) fosterSplit(ctx context.Context, full *buffer.Frame) error {
	x, err := t.ssx(ctx)
	if err != nil {
		return err
	}

	n := full.Page.Count()
	pivot := n / 2
	if full.Page.Header.SkewCount >= skewSplitThreshold && n > 2 {
		pivot = n - 2 // favor a nearly-full left page on monotonic insert runs
	}
	if pivot < 1 {
		pivot = 1
	}

	right, err := t.pool.NewPage(full.Page.Header.Tag, full.Page.Header.Level)
	if err != nil {
		return err
	}

	slots := full.Page.Slots()
	leftSlots := append([]*page.Record(nil), slots[:pivot]...)
	rightSlots := append([]*page.Record(nil), slots[pivot:]...)

	pivotKey := full.Page.FullKey(pivot + 1)
	oldHigh := full.Page.FenceHigh()
	oldChainHigh := full.Page.ChainFenceHigh()

	right.Page.SetFences(pivotKey, oldHigh, oldChainHigh)
	right.Page.SetSlots(rebasePrefix(full.Page, rightSlots, right.Page))
	right.Page.Header.Foster = full.Page.Header.Foster
	right.Page.Header.FosterEMLSN = full.Page.Header.FosterEMLSN
	if !full.Page.Header.IsLeaf() {
		right.Page.Header.PID0 = slots[pivot-1].Child
		leftSlots = leftSlots[:pivot-1]
	}

	full.Page.SetSlots(leftSlots)
	full.Page.SetFences(full.Page.FenceLow(), pivotKey, pivotKey)
	full.Page.Header.Foster = right.PageID
	full.Page.Header.SkewCount = 0

	if _, err := logPageImage(x, full); err != nil {
		t.pool.Unpin(right, false)
		return err
	}
	if _, err := logPageImage(x, right); err != nil {
		t.pool.Unpin(right, false)
		return err
	}
	if err := x.Commit(nil, true); err != nil {
		t.pool.Unpin(right, false)
		return err
	}
	t.pool.Unpin(right, true)
	t.logger.Debug().Stringer("left", full.PageID).Stringer("right", right.PageID).Int("pivot", pivot).Msg("foster-split")
	return nil
}

// skewSplitThreshold is the consecutive-skewed-insert count after
// which fosterSplit favors an almost-empty right page, avoiding the
// classic half-empty-page pattern under monotonic key insertion.
const skewSplitThreshold = 8

// rebasePrefix re-truncates slots (currently truncated against src's
// prefix) against dst's prefix, used whenever records move to a page
// with a different fence-low (split, merge, rebalance).
func rebasePrefix(src *page.Page, slots []*page.Record, dst *page.Page) []*page.Record {
	oldPrefix := src.Prefix()
	newPrefixLen := len(dst.Prefix())
	out := make([]*page.Record, len(slots))
	for i, r := range slots {
		full := append(append([]byte(nil), oldPrefix...), r.Key...)
		out[i] = &page.Record{Key: append([]byte(nil), full[minInt(newPrefixLen, len(full)):]...), Value: r.Value, Child: r.Child, Ghost: r.Ghost}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fullKeys reconstructs every slot's complete key (prefix reattached)
// before a page's fences are about to change underneath it.
func fullKeys(p *page.Page) [][]byte {
	out := make([][]byte, p.Count())
	for i := 1; i <= p.Count(); i++ {
		out[i-1] = p.FullKey(i)
	}
	return out
}

// adoptLocked moves child's foster pointer into parent as a real
// separator slot, the deferred half of a foster-split (spec.md §4.9
// "adopt"), and clears child's foster pointer. Caller holds parent
// X-latched and child X-latched (or not yet reachable by any other
// goroutine). adoptLocked writes no log record of its own; if parent
// has no room for the separator, nothing changes.
func (t *Tree) adoptLocked(parent, child *buffer.Frame) {
	fosterID := child.Page.Header.Foster
	if fosterID.IsNil() {
		return
	}
	sepKey := child.Page.FenceHigh()
	if len(sepKey) == 0 {
		return
	}

	slot := parent.Page.FindSlot(sepKey)
	rec := &page.Record{Key: append([]byte(nil), sepKey[len(parent.Page.Prefix()):]...), Child: fosterID}
	if !parent.Page.Fits(len(rec.Key), 0) {
		return
	}
	parent.Page.InsertAt(slot, rec)
	parent.MarkDirty()
	child.Page.Header.Foster = pageid.NilPageID
}

// underfullThreshold marks a page as a merge/de-adopt candidate once
// its used bytes fall below this fraction of its total record-area
// budget (spec.md §4.9: a foster chain "shrinks by merge ... when
// underfull"). Kept well below fosterSplit's ~50%-of-capacity pivot so
// a page that was just split, or just merged, doesn't immediately flip
// back the other way (cycle avoidance — see mergeFits below).
const underfullThreshold = 0.25

func isUnderfull(p *page.Page) bool {
	total := p.FreeBytes() + p.UsedBytes()
	if total <= 0 {
		return false
	}
	return float64(p.UsedBytes()) < underfullThreshold*float64(total)
}

// mergeCombinedCapFactor bounds how full the merged page is allowed to
// end up: merging is refused unless the combined contents leave at
// least 25% slack afterward. Without this, two pages sitting right at
// the underfull threshold could merge into one right at the split
// threshold, triggering fosterSplit on the very next insert — an
// immediate split/merge cycle. Requiring slack on both sides of the
// merge is this package's guard against that (spec.md §4.9 merge:
// "verify P has enough space for Q's active records").
const mergeCombinedCapFactor = 0.75

// mergeFits reports whether right's contents would fit into left with
// the slack mergeCombinedCapFactor requires.
func mergeFits(left, right *page.Page) bool {
	total := left.FreeBytes() + left.UsedBytes()
	if total <= 0 {
		return false
	}
	combined := left.UsedBytes() + right.UsedBytes()
	return float64(combined) <= mergeCombinedCapFactor*float64(total)
}

// mergeLocked folds right's contents back into left when both are
// underfull (spec.md §4.9 "merge"): left absorbs right's slots and
// fence-high, and right is marked for deallocation by the caller once
// both frames are unpinned. Callers are expected to have already
// checked mergeFits; this is a defensive re-check, not the primary
// guard, since returning eRETRY from deep inside an SSX would be
// surprising for any caller that doesn't already treat "declined to
// merge" as a normal outcome.
func (t *Tree) mergeLocked(ctx context.Context, left, right *buffer.Frame) error {
	if !mergeFits(left.Page, right.Page) {
		return errs.New(errs.Retry, "merge target would not fit, skipped")
	}

	x, err := t.ssx(ctx)
	if err != nil {
		return err
	}

	leftFull := fullKeys(left.Page)
	rightFull := fullKeys(right.Page)
	leftVals := left.Page.Slots()
	rightVals := right.Page.Slots()

	left.Page.SetFences(left.Page.FenceLow(), right.Page.FenceHigh(), right.Page.ChainFenceHigh())
	prefixLen := len(left.Page.Prefix())

	merged := make([]*page.Record, 0, len(leftFull)+len(rightFull))
	for i, full := range leftFull {
		r := leftVals[i]
		merged = append(merged, &page.Record{Key: append([]byte(nil), full[prefixLen:]...), Value: r.Value, Child: r.Child, Ghost: r.Ghost})
	}
	for i, full := range rightFull {
		r := rightVals[i]
		merged = append(merged, &page.Record{Key: append([]byte(nil), full[prefixLen:]...), Value: r.Value, Child: r.Child, Ghost: r.Ghost})
	}
	left.Page.SetSlots(merged)
	left.Page.Header.Foster = right.Page.Header.Foster
	left.Page.Header.FosterEMLSN = right.Page.Header.FosterEMLSN

	if _, err := x.Append(&logmgr.Record{Type: logmgr.RecFosterMerge, PageID: left.PageID}, nil); err != nil {
		return err
	}
	if _, err := logPageImage(x, left); err != nil {
		return err
	}
	if err := x.Commit(nil, true); err != nil {
		return err
	}
	left.MarkDirty()
	t.logger.Debug().Stringer("left", left.PageID).Stringer("absorbed", right.PageID).Msg("foster-merge")
	return nil
}

// maybeMergeFoster checks leaf's own (still un-adopted) foster pointer
// and, if both leaf and its foster child are underfull and mergeFits
// allows it, absorbs the foster child back into leaf via mergeLocked
// and deallocates the absorbed page (spec.md §4.9 "merge", exercised
// by scenario S6). Called from Remove once a ghost-mark may have
// freed enough space to make the leaf a merge candidate. Caller must
// already hold leaf X-latched; leaf remains X-latched and pinned on
// return either way.
func (t *Tree) maybeMergeFoster(ctx context.Context, leaf *buffer.Frame) {
	if !leaf.Page.Header.HasFoster() || !isUnderfull(leaf.Page) {
		return
	}

	fosterID := leaf.Page.Header.Foster
	right, err := t.pool.Fix(fosterID)
	if err != nil {
		return
	}
	rightTk, ok := right.Latch.TryAcquireX()
	if !ok {
		t.pool.Unpin(right, false)
		return
	}

	if !isUnderfull(right.Page) || !mergeFits(leaf.Page, right.Page) {
		right.Latch.ReleaseX(rightTk)
		t.pool.Unpin(right, false)
		return
	}

	mergeErr := t.mergeLocked(ctx, leaf, right)
	right.Latch.ReleaseX(rightTk)
	t.pool.Unpin(right, false)
	if mergeErr != nil {
		t.logger.Debug().Err(mergeErr).Stringer("left", leaf.PageID).Stringer("right", fosterID).Msg("foster-merge skipped")
		return
	}

	// DeallocatePage requires the absorbed frame already unpinned
	// (buffer.Pool.DeallocatePage's contract), so this runs only after
	// right has been released above, mirroring shrinkRoot's
	// unpin-then-deallocate ordering.
	if err := t.pool.DeallocatePage(fosterID); err != nil {
		t.logger.Warn().Err(err).Stringer("page", fosterID).Msg("merge: deallocate absorbed page failed")
	}
}

// deAdopt removes the separator in parent pointing at child, the
// inverse of adopt, used before child is merged away or reclaimed
// after a de-adopt-then-merge sequence (spec.md §4.9 "de-adopt").
func (t *Tree) deAdopt(parent *buffer.Frame, childID pageid.PageID) {
	for i := 1; i <= parent.Page.Count(); i++ {
		if parent.Page.Child(i) == childID {
			parent.Page.RemoveAt(i)
			parent.MarkDirty()
			return
		}
	}
}

// maybeDeAdopt scans parent's children for one adjacent pair where the
// left sibling is underfull and has no foster pointer of its own, and
// reclaims the right sibling as its foster child via deAdopt — the
// inverse of the opportunistic adopt descendExclusiveOnce already
// performs, applied to the same already-X-latched moment (spec.md
// §4.9 "de-adopt"). De-adopting does not merge by itself; it only
// threads the foster pointer so a later visit that finds the left
// sibling underfull (maybeMergeFoster, triggered from Remove) can
// merge it for real. Caller must hold parent X-latched.
func (t *Tree) maybeDeAdopt(parent *buffer.Frame) {
	if parent.Page.Header.IsLeaf() {
		return
	}
	n := parent.Page.Count()
	for slot := 0; slot < n; slot++ {
		var leftID pageid.PageID
		if slot == 0 {
			leftID = parent.Page.Header.PID0
		} else {
			leftID = parent.Page.Child(slot)
		}
		rightID := parent.Page.Child(slot + 1)
		if leftID.IsNil() || rightID.IsNil() {
			continue
		}
		if t.tryDeAdoptPair(parent, slot, leftID, rightID) {
			return
		}
	}
}

// tryDeAdoptPair attempts to reclaim rightID as leftID's foster child,
// leftID sitting at slot (0 meaning PID0, otherwise the 1-based slot
// holding leftID's separator) in parent. Returns whether it did.
func (t *Tree) tryDeAdoptPair(parent *buffer.Frame, slot int, leftID, rightID pageid.PageID) bool {
	left, err := t.pool.Fix(leftID)
	if err != nil {
		return false
	}
	leftTk, ok := left.Latch.TryAcquireX()
	if !ok {
		t.pool.Unpin(left, false)
		return false
	}
	defer func() {
		left.Latch.ReleaseX(leftTk)
		t.pool.Unpin(left, left.Dirty())
	}()

	// spec.md §4.9: "Refuses to act if A already has a foster."
	if left.Page.Header.HasFoster() || !isUnderfull(left.Page) {
		return false
	}

	right, err := t.pool.Fix(rightID)
	if err != nil {
		return false
	}
	rightTk, ok := right.Latch.TryAcquireX()
	if !ok {
		t.pool.Unpin(right, false)
		return false
	}
	defer func() {
		right.Latch.ReleaseX(rightTk)
		t.pool.Unpin(right, false)
	}()

	if left.Page.Header.Level != right.Page.Header.Level {
		return false
	}

	// new chain-fence-high: the old right-neighbor key in parent, or
	// parent's fence-high if right was the rightmost child (spec.md
	// §4.9 de-adopt).
	newChainHigh := parent.Page.FenceHigh()
	if slot+2 <= parent.Page.Count() {
		newChainHigh = parent.Page.FullKey(slot + 2)
	}

	t.deAdopt(parent, rightID)
	left.Page.Header.Foster = rightID
	left.Page.Header.FosterEMLSN = right.Page.Header.LSN
	left.Page.SetFences(left.Page.FenceLow(), left.Page.FenceHigh(), newChainHigh)
	left.MarkDirty()
	t.logger.Debug().Stringer("left", leftID).Stringer("reclaimed", rightID).Msg("de-adopt")
	return true
}
