// Package btree implements the public foster B+Tree of spec.md
// §4.8-§4.11: page-layout-aware traversal with latch coupling,
// structure-modification operations run as single-log system
// transactions, and the Create/Insert/Update/Put/Overwrite/Remove/
// Lookup/VerifyTree/VerifyVolume surface of spec.md §6.
//
// Grounded on the teacher's BLTree (bltree.go: InsertKey/DeleteKey/
// FindKey/splitPage/splitRoot/collapseRoot/fixFence — the same
// right-sibling structural-modification shape foster chains
// generalize) plus original_source/src/sm/btree_impl_*.cpp for the
// deferred-adopt foster protocol the teacher's own BLTree doesn't have
// (it fixes up the parent eagerly instead).
package btree

import (
	"bytes"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/foster-db/fostertree/buffer"
	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/latch"
	"github.com/foster-db/fostertree/lockmgr"
	"github.com/foster-db/fostertree/logmgr"
	"github.com/foster-db/fostertree/page"
	"github.com/foster-db/fostertree/pageid"
)

// maxRetries bounds the traverse-restart loop; spec.md §4.10: "after
// ~20 eRETRY iterations, surface eTOOMANYRETRY".
const maxRetries = 20

var nextStoreID atomic.Uint32

// QueryConcurrency selects how Lookup acquires key-range locks (spec.md
// §6 query_concurrency option).
type QueryConcurrency uint8

const (
	// QueryConcurrencyKeyrange takes a real S lock (X under
	// SetExlockForSelect) on the looked-up key on every lookup, hit or
	// miss; a miss takes no gap lock on the neighbouring key.
	QueryConcurrencyKeyrange QueryConcurrency = iota
	// QueryConcurrencyNone skips lock acquisition on the read path
	// entirely, for read-only single-statement use.
	QueryConcurrencyNone
)

// Tree is the handle applications open against one store (a single
// root page id that never moves, per spec.md §4.9 tree-grow's "store's
// stable identifier").
type Tree struct {
	pool *buffer.Pool
	log  *logmgr.Manager
	lm   *lockmgr.Manager

	storeID uint32
	rootID  pageid.PageID

	queryConcurrency QueryConcurrency
	exlockForSelect  bool
	logger           zerolog.Logger
}

// Create allocates a fresh, empty store and returns a Tree handle to
// it (spec.md §6 create(store_id&)).
func Create(pool *buffer.Pool, log *logmgr.Manager, lm *lockmgr.Manager) (*Tree, error) {
	f, err := pool.NewPage(page.TagBTree, 1)
	if err != nil {
		return nil, err
	}
	f.Page.SetFences(nil, nil, nil)
	storeID := nextStoreID.Add(1)
	f.Page.Header.StoreID = storeID
	f.Page.Header.RootID = f.PageID
	pool.Unpin(f, true)

	return &Tree{pool: pool, log: log, lm: lm, storeID: storeID, rootID: f.PageID, logger: zerolog.Nop()}, nil
}

// Open reattaches a Tree handle to an already-created store.
func Open(pool *buffer.Pool, log *logmgr.Manager, lm *lockmgr.Manager, storeID uint32, rootID pageid.PageID) *Tree {
	return &Tree{pool: pool, log: log, lm: lm, storeID: storeID, rootID: rootID, logger: zerolog.Nop()}
}

// SetQueryConcurrency configures Lookup's locking behavior (spec.md §6
// query_concurrency option; engine.Config wires this from Open).
func (t *Tree) SetQueryConcurrency(qc QueryConcurrency) { t.queryConcurrency = qc }

// SetExlockForSelect configures whether Lookup takes an X lock instead
// of an S lock on the keys it reads (spec.md §6 query_exlock_for_select
// option).
func (t *Tree) SetExlockForSelect(exlock bool) { t.exlockForSelect = exlock }

// SetLogger attaches l, scoped with component="btree", as the tree's
// diagnostic logger (engine.Open wires the engine-wide logger down to
// every subsystem this way).
func (t *Tree) SetLogger(l zerolog.Logger) {
	t.logger = l.With().Str("component", "btree").Uint32("store", t.storeID).Logger()
}

// StoreID returns the store's identifier (used for lock-manager
// hierarchy).
func (t *Tree) StoreID() uint32 { return t.storeID }

// RootID returns the store's stable root page id.
func (t *Tree) RootID() pageid.PageID { return t.rootID }

// rootWantsShrink reports whether the root has collapsed to a single
// pid0 child (no separators, internal, no pending foster) and should
// be shrunk a level (spec.md §4.9 tree-shrink), the mirror image of
// the HasFoster check above that triggers tree-grow.
func rootWantsShrink(p *page.Page) bool {
	return !p.Header.IsLeaf() && p.Count() == 0 && !p.Header.HasFoster()
}

// fenceAllows reports whether key is at or past p's fence-high, so a
// foster step is needed to reach it (spec.md §4.10 step 2).
func fenceAllows(p *page.Page, key []byte) bool {
	high := p.FenceHigh()
	if len(high) == 0 {
		return false
	}
	return bytes.Compare(key, high) >= 0
}

// fixFollowingFoster fixes id and, while the page has an un-adopted
// foster pointer and key sorts at or past its fence-high, steps right
// along the foster chain.
func (t *Tree) fixFollowingFoster(id pageid.PageID, key []byte) (*buffer.Frame, error) {
	f, err := t.pool.Fix(id)
	if err != nil {
		return nil, err
	}
	for f.Page.Header.HasFoster() && fenceAllows(f.Page, key) {
		next := f.Page.Header.Foster
		t.pool.Unpin(f, false)
		f, err = t.pool.Fix(next)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// childFor resolves the child pointer key descends into from a node
// page p: pid0 for keys below the first separator, otherwise the child
// of the last separator that is <= key (the rightmost child for keys
// past every separator).
func childFor(p *page.Page, key []byte) pageid.PageID {
	n := p.Count()
	if n == 0 {
		return p.Header.PID0
	}
	slot := p.FindSlot(key)
	if slot > n {
		return p.Child(n)
	}
	if bytes.Equal(p.FullKey(slot), key) {
		return p.Child(slot)
	}
	if slot == 1 {
		return p.Header.PID0
	}
	return p.Child(slot - 1)
}

// lookupTraverse descends in shared mode and returns the pinned,
// S-latched leaf containing (or that would contain) key.
func (t *Tree) lookupTraverse(key []byte) (*buffer.Frame, latch.Ticket, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		f, tk, err := t.descendShared(key)
		if err == nil {
			return f, tk, nil
		}
		if errs.CodeOf(err) != errs.Retry {
			return nil, 0, err
		}
	}
	return nil, 0, errs.New(errs.TooManyRetry, "traverse exceeded retry budget")
}

func (t *Tree) descendShared(key []byte) (*buffer.Frame, latch.Ticket, error) {
	cur, err := t.fixFollowingFoster(t.rootID, key)
	if err != nil {
		return nil, 0, err
	}
	curTk := cur.Latch.AcquireS()

	if cur.PageID == t.rootID && cur.Page.Header.HasFoster() {
		cur.Latch.ReleaseS(curTk)
		t.pool.Unpin(cur, false)
		if err := t.growRoot(); err != nil {
			return nil, 0, err
		}
		return nil, 0, errs.New(errs.Retry, "root grew")
	}

	if cur.PageID == t.rootID && rootWantsShrink(cur.Page) {
		cur.Latch.ReleaseS(curTk)
		t.pool.Unpin(cur, false)
		if err := t.shrinkRoot(); err != nil {
			return nil, 0, err
		}
		return nil, 0, errs.New(errs.Retry, "root shrank")
	}

	for !cur.Page.Header.IsLeaf() {
		childID := childFor(cur.Page, key)
		child, err := t.fixFollowingFoster(childID, key)
		if err != nil {
			cur.Latch.ReleaseS(curTk)
			t.pool.Unpin(cur, false)
			return nil, 0, err
		}
		childTk := child.Latch.AcquireS()
		cur.Latch.ReleaseS(curTk)
		t.pool.Unpin(cur, false)
		cur, curTk = child, childTk
	}
	return cur, curTk, nil
}

// descendExclusiveLeaf descends to the leaf for key, releasing every
// ancestor S latch along the way, and returns the leaf X-latched. It
// also opportunistically adopts a child's un-adopted foster pointer
// into the page it just descended from, the way spec.md §4.9 describes
// ("tries to EX-upgrade R's latch conditionally; on success, does the
// adopt; on failure, just proceeds").
func (t *Tree) descendExclusiveLeaf(key []byte) (*buffer.Frame, latch.Ticket, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		f, tk, err := t.descendExclusiveOnce(key)
		if err == nil {
			return f, tk, nil
		}
		if errs.CodeOf(err) != errs.Retry {
			return nil, 0, err
		}
	}
	return nil, 0, errs.New(errs.TooManyRetry, "traverse exceeded retry budget")
}

func (t *Tree) descendExclusiveOnce(key []byte) (*buffer.Frame, latch.Ticket, error) {
	cur, err := t.fixFollowingFoster(t.rootID, key)
	if err != nil {
		return nil, 0, err
	}
	curTk := cur.Latch.AcquireS()

	if cur.PageID == t.rootID && cur.Page.Header.HasFoster() {
		cur.Latch.ReleaseS(curTk)
		t.pool.Unpin(cur, false)
		if err := t.growRoot(); err != nil {
			return nil, 0, err
		}
		return nil, 0, errs.New(errs.Retry, "root grew")
	}

	if cur.PageID == t.rootID && rootWantsShrink(cur.Page) {
		cur.Latch.ReleaseS(curTk)
		t.pool.Unpin(cur, false)
		if err := t.shrinkRoot(); err != nil {
			return nil, 0, err
		}
		return nil, 0, errs.New(errs.Retry, "root shrank")
	}

	for !cur.Page.Header.IsLeaf() {
		childID := childFor(cur.Page, key)
		child, err := t.fixFollowingFoster(childID, key)
		if err != nil {
			cur.Latch.ReleaseS(curTk)
			t.pool.Unpin(cur, false)
			return nil, 0, err
		}

		if child.Page.Header.HasFoster() {
			if xtk, ok := cur.Latch.TryUpgradeSX(curTk); ok {
				if ctk, cok := child.Latch.TryAcquireX(); cok {
					t.adoptLocked(cur, child)
					child.Latch.ReleaseX(ctk)
				}
				t.maybeDeAdopt(cur)
				curTk = cur.Latch.TryDowngradeXS(xtk)
			}
		}

		cur.Latch.ReleaseS(curTk)
		t.pool.Unpin(cur, false)
		cur = child
		if cur.Page.Header.IsLeaf() {
			break
		}
		curTk = cur.Latch.AcquireS()
	}

	xtk, ok := cur.Latch.TryAcquireX()
	if !ok {
		t.pool.Unpin(cur, false)
		return nil, 0, errs.New(errs.Retry, "leaf EX latch contended")
	}
	return cur, xtk, nil
}
