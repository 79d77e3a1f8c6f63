package txn

import (
	"context"

	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/logmgr"
)

// ReleaseFunc releases every lock x holds, in whatever way the lock
// manager tracks them (store id + key strings); supplied by the
// caller since txn does not itself know which keys an xct touched.
type ReleaseFunc func(xid uint64)

// Commit runs spec.md §4.7's commit sequence: write the commit
// record, release locks per ELR mode, and flush the log through the
// commit record unless lazy.
func (x *Xct) Commit(release ReleaseFunc, lazy bool) error {
	x.mu.Lock()
	if x.state != StateActive {
		x.mu.Unlock()
		return errs.New(errs.NoTrans, "commit called on a non-active transaction")
	}
	x.state = StateCommitting
	x.mu.Unlock()

	commitLSN, err := x.Append(&logmgr.Record{Type: logmgr.RecCommit}, nil)
	if err != nil {
		return err
	}

	if x.elr != ELRNone && release != nil {
		release(x.id)
	}

	if !lazy {
		if err := x.log.Flush(commitLSN); err != nil {
			return err
		}
	}
	if release != nil && x.elr == ELRNone {
		release(x.id)
	}

	x.log.ReleaseXct(x.id)
	x.mu.Lock()
	x.state = StateEnded
	x.mu.Unlock()
	return nil
}

// Abort runs spec.md §4.7's abort sequence: walk the undo chain from
// the most recent record backward, invoking each undoable entry's undo
// function and skipping already-compensated ranges, then release locks.
func (x *Xct) Abort(release ReleaseFunc) error {
	x.mu.Lock()
	if x.state != StateActive {
		x.mu.Unlock()
		return errs.New(errs.NoTrans, "abort called on a non-active transaction")
	}
	x.state = StateAborting
	entries := append([]undoEntry(nil), x.undo...)
	x.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.clr {
			continue
		}
		if e.undo == nil {
			continue
		}
		if err := e.undo(); err != nil {
			return errs.Wrap(err, errs.Internal)
		}
		clr := &logmgr.Record{Type: logmgr.RecCompensation}
		if err := x.reserveRollbackSpace(int64(len(logmgr.Encode(clr)))); err != nil {
			return err
		}
		x.Append(clr, nil)
	}

	if _, err := x.Append(&logmgr.Record{Type: logmgr.RecAbort}, nil); err != nil {
		return err
	}

	if release != nil {
		release(x.id)
	}
	x.log.ReleaseXct(x.id)

	x.mu.Lock()
	x.state = StateEnded
	x.mu.Unlock()
	return nil
}

// Chain commits x, calling release exactly as Commit does, and
// immediately begins a fresh transaction in the same nesting position
// (spec.md §6 `chain(lazy?)`). The new transaction has its own id and
// starts with no locks: Chain moves none of x's locks to it. With a
// nil release, x's locks stay granted under x's id.
func (x *Xct) Chain(ctx context.Context, lazy bool, release ReleaseFunc) (*Xct, context.Context, error) {
	x.mu.Lock()
	sysXct, singleLog, log, parent := x.isSys, x.singleLog, x.log, x.parent
	x.mu.Unlock()

	if err := x.Commit(release, lazy); err != nil {
		return nil, ctx, err
	}

	// Begin's nesting check consults Current(ctx); ctx still carries
	// the now-ended x, so rebuild it from x's own parent (nil for a
	// top-level user transaction) rather than reusing ctx verbatim —
	// otherwise Begin would see an ended transaction as "currently
	// active" and reject the chain as an illegal nesting.
	parentCtx := ctx
	if parent != nil {
		parentCtx = WithXct(ctx, parent)
	} else {
		parentCtx = context.WithValue(ctx, ctxKey{}, (*Xct)(nil))
	}
	return Begin(parentCtx, log, sysXct, singleLog)
}
