package btree

import (
	"bytes"
	"context"

	"github.com/foster-db/fostertree/buffer"
	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/lockmgr"
	"github.com/foster-db/fostertree/logmgr"
	"github.com/foster-db/fostertree/page"
	"github.com/foster-db/fostertree/txn"
)

// locateExact finds the exact slot for key in p, or 0 if absent.
func locateExact(p *page.Page, key []byte) int {
	slot := p.FindSlot(key)
	if slot > p.Count() {
		return 0
	}
	if !bytes.Equal(p.FullKey(slot), key) {
		return 0
	}
	return slot
}

// Lookup returns the value stored under key, or eNOTFOUND if key is
// absent or present only as a ghost (spec.md §6 lookup).
func (t *Tree) Lookup(ctx context.Context, key []byte) ([]byte, error) {
	x := currentOrNil(ctx)
	if x != nil && t.queryConcurrency == QueryConcurrencyKeyrange {
		keyMode := lockmgr.ModeS
		if t.exlockForSelect {
			keyMode = lockmgr.ModeX
		}
		if err := t.lm.AcquireIntentStore(x.ID(), t.storeID, keyMode, lockmgr.WaitForever); err != nil {
			return nil, err
		}
		if err := t.lm.AcquireKey(x.ID(), t.storeID, string(key), lockmgr.ModeN, keyMode, -1, lockmgr.WaitForever); err != nil {
			return nil, err
		}
	}

	f, tk, err := t.lookupTraverse(key)
	if err != nil {
		return nil, err
	}
	defer func() {
		f.Latch.ReleaseS(tk)
		t.pool.Unpin(f, false)
	}()

	slot := locateExact(f.Page, key)
	if slot == 0 || f.Page.IsGhost(slot) {
		return nil, errs.New(errs.NotFound, "key not found")
	}
	return append([]byte(nil), f.Page.Value(slot)...), nil
}

// Insert adds key/value, failing with eDUPLICATE if key is already
// present and not a ghost (spec.md §6 insert).
func (t *Tree) Insert(ctx context.Context, key, value []byte) error {
	return t.putLocked(ctx, key, value, insertOnly)
}

// Update overwrites the value of an existing, non-ghost key, failing
// with eNOTFOUND if absent (spec.md §6 update).
func (t *Tree) Update(ctx context.Context, key, value []byte) error {
	return t.putLocked(ctx, key, value, updateOnly)
}

// Put inserts or overwrites unconditionally (spec.md §6 put).
func (t *Tree) Put(ctx context.Context, key, value []byte) error {
	return t.putLocked(ctx, key, value, upsert)
}

// Overwrite is an alias for Put at a byte-range granularity in the
// original; this implementation has no partial-record updates, so it
// behaves exactly like Put (spec.md §6 overwrite Non-goal note).
func (t *Tree) Overwrite(ctx context.Context, key, value []byte) error {
	return t.Put(ctx, key, value)
}

type putMode int

const (
	insertOnly putMode = iota
	updateOnly
	upsert
)

// putLocked retries putOnce across page-split restarts (spec.md §4.10
// Insert step 5: "split the leaf via SSX ... then goto 3"), bounded by
// the same maxRetries budget traverse uses so a pathological workload
// surfaces eTOOMANYRETRY instead of looping forever.
func (t *Tree) putLocked(ctx context.Context, key, value []byte, mode putMode) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := t.putOnce(ctx, key, value, mode)
		if errs.CodeOf(err) != errs.Retry {
			return err
		}
	}
	return errs.New(errs.TooManyRetry, "insert exceeded retry budget")
}

func (t *Tree) putOnce(ctx context.Context, key, value []byte, mode putMode) error {
	x := currentOrNil(ctx)
	if x == nil {
		return errs.New(errs.NoTrans, "put requires an active transaction in ctx")
	}
	if err := t.lm.AcquireIntentStore(x.ID(), t.storeID, lockmgr.ModeX, lockmgr.WaitForever); err != nil {
		return err
	}
	if err := t.lm.AcquireKey(x.ID(), t.storeID, string(key), lockmgr.ModeN, lockmgr.ModeX, -1, lockmgr.WaitForever); err != nil {
		return err
	}

	f, tk, err := t.descendExclusiveLeaf(key)
	if err != nil {
		return err
	}
	defer func() {
		f.Latch.ReleaseX(tk)
		t.pool.Unpin(f, true)
	}()

	if !f.Page.Fits(len(key)-int(f.Page.Header.PrefixLen), len(value)) {
		if err := t.fosterSplit(ctx, f); err != nil {
			return err
		}
		return errs.New(errs.Retry, "page split, restart operation")
	}

	slot := locateExact(f.Page, key)
	switch {
	case slot != 0 && !f.Page.IsGhost(slot):
		if mode == insertOnly {
			return errs.New(errs.Duplicate, "key already present")
		}
		return t.logSetValue(x, f, slot, value)
	case slot != 0 && f.Page.IsGhost(slot):
		if mode == updateOnly {
			return errs.New(errs.NotFound, "key is a ghost")
		}
		f.Page.SetGhost(slot, false)
		return t.logSetValue(x, f, slot, value)
	default:
		if mode == updateOnly {
			return errs.New(errs.NotFound, "key not found")
		}
		insertSlot := f.Page.FindSlot(key)
		rec := &page.Record{Key: append([]byte(nil), key[f.Page.Header.PrefixLen:]...), Value: value}
		f.Page.InsertAt(insertSlot, rec)
		f.MarkDirty()
		_, err := x.Append(&logmgr.Record{Type: logmgr.RecInsert, PageID: f.PageID, Payload: value}, func() error {
			rec.Ghost = true // undoing an insert leaves the key as a ghost
			return nil
		})
		return err
	}
}

// Remove ghost-marks key (spec.md §6 remove: logical delete). The
// ghost slot is reused when a later insert of the same key finds it;
// this package has no defrag pass that removes ghost slots.
func (t *Tree) Remove(ctx context.Context, key []byte) error {
	x := currentOrNil(ctx)
	if x == nil {
		return errs.New(errs.NoTrans, "remove requires an active transaction in ctx")
	}
	if err := t.lm.AcquireIntentStore(x.ID(), t.storeID, lockmgr.ModeX, lockmgr.WaitForever); err != nil {
		return err
	}
	if err := t.lm.AcquireKey(x.ID(), t.storeID, string(key), lockmgr.ModeN, lockmgr.ModeX, -1, lockmgr.WaitForever); err != nil {
		return err
	}

	f, tk, err := t.descendExclusiveLeaf(key)
	if err != nil {
		return err
	}
	defer func() {
		f.Latch.ReleaseX(tk)
		t.pool.Unpin(f, true)
	}()

	slot := locateExact(f.Page, key)
	if slot == 0 || f.Page.IsGhost(slot) {
		return errs.New(errs.NotFound, "key not found")
	}
	f.Page.SetGhost(slot, true)
	_, err = x.Append(&logmgr.Record{Type: logmgr.RecGhostMark, PageID: f.PageID, Payload: append([]byte(nil), key...)}, func() error {
		f.Page.SetGhost(slot, false)
		return nil
	})
	if err != nil {
		return err
	}

	// Ghosting may have freed enough of f to make it a foster-merge
	// candidate (spec.md §4.9 "merge"); this runs its own single-log
	// SSX independent of the user transaction that triggered the
	// remove, same as fosterSplit does for inserts.
	t.maybeMergeFoster(ctx, f)
	return nil
}

// logSetValue writes slot's value and an undo-logged RecUpdate record.
func (t *Tree) logSetValue(x *txn.Xct, f *buffer.Frame, slot int, value []byte) error {
	old := append([]byte(nil), f.Page.Value(slot)...)
	f.Page.SetValue(slot, value)
	f.MarkDirty()
	_, err := x.Append(&logmgr.Record{Type: logmgr.RecUpdate, PageID: f.PageID, Payload: value}, func() error {
		f.Page.SetValue(slot, old)
		return nil
	})
	return err
}

// currentOrNil returns the transaction active in ctx, or nil.
func currentOrNil(ctx context.Context) *txn.Xct { return txn.Current(ctx) }
