// Package txn implements the transaction manager of spec.md §4.7:
// nesting rules for user transactions and system transactions (SSX),
// commit/abort, compensation anchors, and early-lock-release modes.
// The teacher has no transaction manager of its own (BufMgr.NewPage
// et al. run outside any xct), so this package is grounded on
// original_source/src/sm/xct.h, built in the teacher's style: plain
// structs, explicit state machines, no interfaces where a concrete
// type will do.
package txn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/logmgr"
	"github.com/foster-db/fostertree/pageid"
)

// State is a transaction's lifecycle state.
type State uint8

const (
	StateActive State = iota
	StateCommitting
	StateAborting
	StateEnded
)

// ELRMode selects when locks are released relative to commit (spec.md
// §4.7). Commit treats every mode other than ELRNone alike: it calls
// the release function for all of the transaction's locks before the
// commit record is flushed. It does not limit release to S/U/intent
// locks for any mode, and no read watermark is kept.
type ELRMode uint8

const (
	ELRNone                  ELRMode = iota // release after the commit flush
	ELRShared                               // "S": early release at commit
	ELRSharedExclusive                      // "SX": early release at commit
	ELRConditionallyViolable                // "CLV": early release at commit
)

var nextXID atomic.Uint64

// undoEntry is one undoable step recorded for rollback, paired with
// the LSN of the log record it corresponds to.
type undoEntry struct {
	lsn   pageid.LSN
	undo  func() error
	clr   bool // true once compensated, so abort skips it
}

// Xct is one transaction: a user transaction or a (possibly nested)
// system transaction.
type Xct struct {
	mu sync.Mutex

	id         uint64
	state      State
	isSys      bool
	singleLog  bool
	parent     *Xct
	chainLen   int // consecutive single-log SSXs chained onto this one
	elr        ELRMode

	firstLSN pageid.LSN
	lastLSN  pageid.LSN
	undo     []undoEntry

	// rollbackReserved/rollbackConsumed track spec.md §3's "reserved
	// rollback log space" / "rollback-space consumed" transaction
	// fields: every forward Append grows the reservation by its own
	// encoded length (the log manager already reserves twice that via
	// UndoFudgeFactor), and Abort's undo walk spends it one compensation
	// record at a time.
	rollbackReserved int64
	rollbackConsumed int64

	log *logmgr.Manager
}

// RollbackSpaceReserved and RollbackSpaceConsumed expose x's rollback
// accounting (spec.md §3 Transaction fields), mostly useful for tests
// and diagnostics.
func (x *Xct) RollbackSpaceReserved() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rollbackReserved
}

func (x *Xct) RollbackSpaceConsumed() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rollbackConsumed
}

// ctxKey is the context.Context key the goroutine-scoped "current
// transaction" is stored under — Go has no thread-local storage, so
// this generalizes the teacher's single-process-global style into an
// explicit value threaded through context.Context (spec.md §9, "Global
// state" design note).
type ctxKey struct{}

// Current returns the transaction active in ctx, or nil if none.
func Current(ctx context.Context) *Xct {
	x, _ := ctx.Value(ctxKey{}).(*Xct)
	return x
}

// WithXct returns a context carrying x as the current transaction.
func WithXct(ctx context.Context, x *Xct) context.Context {
	return context.WithValue(ctx, ctxKey{}, x)
}

// Begin starts a new transaction against log, nested inside whatever
// transaction ctx currently carries (spec.md §4.7 nesting rules):
//   - a user transaction may not nest inside another user transaction
//     (eINTRANS);
//   - a system transaction (SSX) may nest inside a user transaction or
//     another SSX, and consecutive SSXs chain (ssx_chain_len).
func Begin(ctx context.Context, log *logmgr.Manager, sysXct, singleLogSysXct bool) (*Xct, context.Context, error) {
	parent := Current(ctx)
	if parent != nil {
		if !sysXct && !parent.isSys {
			return nil, ctx, errs.New(errs.InTrans, "a user transaction cannot nest inside another")
		}
		if !sysXct && parent.isSys {
			return nil, ctx, errs.New(errs.InTrans, "a user transaction cannot nest inside a system transaction")
		}
	}

	x := &Xct{
		id:        nextXID.Add(1),
		state:     StateActive,
		isSys:     sysXct,
		singleLog: singleLogSysXct,
		parent:    parent,
		log:       log,
	}
	if sysXct && parent != nil && parent.isSys {
		x.chainLen = parent.chainLen + 1
	}
	return x, WithXct(ctx, x), nil
}

// ID returns the transaction's identifier, used as the log xid and as
// the lock manager's requester id.
func (x *Xct) ID() uint64 { return x.id }

// IsSystemTransaction reports whether x is an SSX.
func (x *Xct) IsSystemTransaction() bool { return x.isSys }

// SetELR configures x's early-lock-release mode.
func (x *Xct) SetELR(mode ELRMode) { x.elr = mode }

// LastLSN returns the LSN of the most recent log record x produced.
func (x *Xct) LastLSN() pageid.LSN {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastLSN
}

// Append writes rec through the log manager on behalf of x, stamping
// its predecessor-LSN from x.lastLSN and recording an undo entry if
// undo is non-nil.
func (x *Xct) Append(rec *logmgr.Record, undo func() error) (pageid.LSN, error) {
	encoded := logmgr.Encode(rec)
	if err := x.log.Reserve(x.id, len(encoded), false); err != nil {
		return pageid.NullLSN, err
	}

	x.mu.Lock()
	rec.XID = x.id
	rec.PrevLSN = x.lastLSN
	x.rollbackReserved += int64(len(encoded))
	x.mu.Unlock()

	lsn, err := x.log.Append(rec)
	if err != nil {
		return pageid.NullLSN, err
	}

	x.mu.Lock()
	if !x.firstLSN.Valid() {
		x.firstLSN = lsn
	}
	x.lastLSN = lsn
	if undo != nil {
		x.undo = append(x.undo, undoEntry{lsn: lsn, undo: undo})
	}
	x.mu.Unlock()
	return lsn, nil
}

// reserveRollbackSpace charges n bytes against x's rollback reservation,
// raising eOUTOFLOGSPACE if the undo walk has already spent more than
// forward processing reserved for it — xct.h's _rollback_limit
// bookkeeping, exercised from the undo path rather than just forward
// Append.
func (x *Xct) reserveRollbackSpace(n int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rollbackConsumed+n > x.rollbackReserved {
		return errs.New(errs.OutOfLogSpace, "rollback exceeded reserved log space")
	}
	x.rollbackConsumed += n
	return nil
}

// Anchor returns a savepoint for Compensate: the transaction's current
// last-LSN (spec.md §4.7 compensation anchors).
func (x *Xct) Anchor() pageid.LSN { return x.LastLSN() }

// SavePoint returns a savepoint for Rollback: the transaction's
// current last-LSN (spec.md §6 `save_point() -> LSN`), grounded on
// xct.h's `save_point(lsn_t&)`.
func (x *Xct) SavePoint() pageid.LSN { return x.LastLSN() }

// Rollback undoes every undo entry back to, but not including, save
// (spec.md §6 `rollback(LSN)`), then leaves x active so it can keep
// running — unlike Abort, which ends the transaction. Entries already
// marked compensated (via Compensate) are skipped as a unit, same as
// Abort's walk. Grounded on xct.h's `rollback(const lsn_t&)`, used by
// auto_rollback_t to undo back to a save_point on a caught exception
// without aborting the whole transaction.
func (x *Xct) Rollback(save pageid.LSN) error {
	x.mu.Lock()
	if x.state != StateActive {
		x.mu.Unlock()
		return errs.New(errs.NoTrans, "rollback called on a non-active transaction")
	}
	var entries []undoEntry
	for i := len(x.undo) - 1; i >= 0; i-- {
		if !save.Less(x.undo[i].lsn) {
			break
		}
		entries = append(entries, x.undo[i])
	}
	kept := len(x.undo) - len(entries)
	x.mu.Unlock()

	for _, e := range entries {
		if e.clr || e.undo == nil {
			continue
		}
		if err := e.undo(); err != nil {
			return errs.Wrap(err, errs.Internal)
		}
		clr := &logmgr.Record{Type: logmgr.RecCompensation}
		if err := x.reserveRollbackSpace(int64(len(logmgr.Encode(clr)))); err != nil {
			return err
		}
		if _, err := x.Append(clr, nil); err != nil {
			return err
		}
	}

	x.mu.Lock()
	x.undo = x.undo[:kept]
	x.mu.Unlock()
	return nil
}

// Compensate marks every undo entry after anchor as already
// compensated, so Abort's undo walk skips that range as a unit — used
// when an operation is physiologically but not physically invertible
// (e.g. a foster split followed by an insert into the new page).
func (x *Xct) Compensate(anchor pageid.LSN) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.undo {
		if anchor.Less(x.undo[i].lsn) {
			x.undo[i].clr = true
		}
	}
}
