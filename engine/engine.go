// Package engine wires the six subsystems of spec.md §2 together
// behind the configuration surface of spec.md §6 ("Configuration
// options"): extentstore (the external volume/device collaborator)
// underneath buffer, logmgr, and lockmgr, with txn and btree sitting
// on top. No package below this one knows any of the others exist by
// concrete type; engine is the one place that assembles them, the
// same leaves-first shape cuemby-warren's cmd/* assembles its stack
// behind a single Config/Open entry point (no CLI of its own, per
// spec.md §1 Non-goals).
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/foster-db/fostertree/btree"
	"github.com/foster-db/fostertree/buffer"
	"github.com/foster-db/fostertree/extentstore"
	"github.com/foster-db/fostertree/lockmgr"
	"github.com/foster-db/fostertree/logmgr"
	"github.com/foster-db/fostertree/page"
	"github.com/foster-db/fostertree/pageid"
	"github.com/foster-db/fostertree/txn"
)

// Config is spec.md §6's "Configuration options" list, collected into
// one struct the way logmgr.Config collects the log's own knobs.
type Config struct {
	// Store backs the buffer pool's pages. If nil, Open creates an
	// in-memory extentstore.MemStore — the "dummy" collaborator
	// spec.md §1 describes the core consuming through AllocatePage/
	// DeallocatePage, not a real volume/device layer (explicitly out
	// of scope for this module).
	Store extentstore.Store

	// PageSize sizes a Store this Config creates itself. Ignored when
	// Store is supplied directly (the store's own PageSize wins).
	PageSize int // spec.md §6 page_size, default page.DefaultSize

	// BufferPoolFrames is the fixed frame count (spec.md §6
	// bufferpool_size / page_size).
	BufferPoolFrames int

	// LogDir, LogPartitionCapacity, and LogPartitionCount are spec.md
	// §6's log_dir / log_size / sm_log_partitions, reshaped into
	// logmgr.Config's per-partition accounting.
	LogDir               string
	LogPartitionCapacity int64
	LogPartitionCount    int // spec.md §6 sm_log_partitions, default 8

	// LockTableSize is spec.md §6 locktable_size (lock-manager hash
	// buckets). lockmgr's per-store key table is a lock-free sorted
	// list rather than a fixed hash-bucket array (lockfree.SortedList,
	// grounded on the teacher's Herlihy-list retrieval rather than a
	// sized hash table), so there is nothing to presize; the field is
	// accepted and otherwise unused so callers porting a config from
	// the option list don't need a special case for it.
	LockTableSize int

	// ELRMode is spec.md §6 elr_mode, applied to every transaction
	// Begin creates through this Engine.
	ELRMode txn.ELRMode

	// QueryConcurrency and QueryExlockForSelect are spec.md §6
	// query_concurrency / query_exlock_for_select, applied to every
	// Tree this Engine creates or opens.
	QueryConcurrency     btree.QueryConcurrency
	QueryExlockForSelect bool

	// CleanerShards and CleanerPeriod configure the background buffer
	// cleaner (spec.md §4.4). CleanerPeriod <= 0 disables the
	// background cleaner entirely (e.g. for single-threaded tests that
	// want full control over when pages flush).
	CleanerShards int
	CleanerPeriod time.Duration

	// Logger is the engine-wide diagnostic logger; each subsystem gets
	// its own component-scoped child via SetLogger. Zero value logs
	// nothing (zerolog.Nop()).
	Logger zerolog.Logger
}

// Engine holds one open instance of the storage engine: a buffer pool,
// log manager, and lock manager, plus the running background cleaner.
// Trees are created or reattached against it with CreateTree/OpenTree;
// transactions with Begin/Commit/Abort.
type Engine struct {
	cfg Config

	Pool  *buffer.Pool
	Log   *logmgr.Manager
	Locks *lockmgr.Manager

	cleaner       *buffer.Cleaner
	cleanerCancel context.CancelFunc

	logger zerolog.Logger
}

// Open assembles extentstore -> buffer -> logmgr -> lockmgr in
// dependency order (spec.md §2's leaves-first layering) and starts the
// background cleaner if CleanerPeriod > 0.
func Open(cfg Config) (*Engine, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = page.DefaultSize
	}
	store := cfg.Store
	if store == nil {
		store = extentstore.NewMemStore(cfg.PageSize)
	}
	if cfg.BufferPoolFrames <= 0 {
		cfg.BufferPoolFrames = 64
	}
	if cfg.CleanerShards <= 0 {
		cfg.CleanerShards = 1
	}

	logger := cfg.Logger

	pool := buffer.New(store, cfg.BufferPoolFrames)
	pool.SetLogger(logger)

	log, err := logmgr.New(logmgr.Config{
		Dir:               cfg.LogDir,
		PartitionCapacity: cfg.LogPartitionCapacity,
		PartitionCount:    cfg.LogPartitionCount,
	})
	if err != nil {
		return nil, err
	}
	log.SetLogger(logger)

	locks := lockmgr.New()
	locks.SetLogger(logger)

	e := &Engine{
		cfg:    cfg,
		Pool:   pool,
		Log:    log,
		Locks:  locks,
		logger: logger,
	}

	if cfg.CleanerPeriod > 0 {
		e.cleaner = buffer.NewCleaner(pool, cfg.CleanerShards, cfg.CleanerPeriod)
		ctx, cancel := context.WithCancel(context.Background())
		e.cleanerCancel = cancel
		go e.cleaner.Run(ctx)
	}

	return e, nil
}

// configureTree applies the Config-level query and logging options
// every Tree this Engine hands out shares.
func (e *Engine) configureTree(t *btree.Tree) *btree.Tree {
	t.SetQueryConcurrency(e.cfg.QueryConcurrency)
	t.SetExlockForSelect(e.cfg.QueryExlockForSelect)
	t.SetLogger(e.logger)
	return t
}

// CreateTree allocates a fresh, empty store (spec.md §6 create) and
// returns a Tree handle configured from this Engine's Config.
func (e *Engine) CreateTree() (*btree.Tree, error) {
	t, err := btree.Create(e.Pool, e.Log, e.Locks)
	if err != nil {
		return nil, err
	}
	return e.configureTree(t), nil
}

// OpenTree reattaches a Tree handle to an already-created store.
func (e *Engine) OpenTree(storeID uint32, rootID pageid.PageID) *btree.Tree {
	return e.configureTree(btree.Open(e.Pool, e.Log, e.Locks, storeID, rootID))
}

// Begin starts a transaction against this Engine's log, nested inside
// whatever transaction ctx currently carries (spec.md §4.7), and
// applies this Engine's configured ELRMode to user transactions.
func (e *Engine) Begin(ctx context.Context, sysXct, singleLogSysXct bool) (*txn.Xct, context.Context, error) {
	x, ctx, err := txn.Begin(ctx, e.Log, sysXct, singleLogSysXct)
	if err != nil {
		return nil, ctx, err
	}
	if !sysXct {
		x.SetELR(e.cfg.ELRMode)
	}
	return x, ctx, nil
}

// Commit commits x, releasing every lock it holds across every store
// via lockmgr.Manager.ReleaseAllForXct (spec.md §4.7 commit step 2).
func (e *Engine) Commit(x *txn.Xct, lazy bool) error {
	return x.Commit(e.Locks.ReleaseAllForXct, lazy)
}

// Abort rolls x back, then releases every lock it holds (spec.md §4.7
// abort).
func (e *Engine) Abort(x *txn.Xct) error {
	return x.Abort(e.Locks.ReleaseAllForXct)
}

// Chain commits x and immediately begins its replacement in the same
// nesting position (spec.md §6 `chain(lazy?)`), releasing x's locks
// exactly as Commit does before the new transaction starts acquiring
// its own.
func (e *Engine) Chain(ctx context.Context, x *txn.Xct, lazy bool) (*txn.Xct, context.Context, error) {
	return x.Chain(ctx, lazy, e.Locks.ReleaseAllForXct)
}

// Close stops the background cleaner, flushes every dirty frame and
// the log's tail, and closes the log's open partitions.
func (e *Engine) Close() error {
	if e.cleanerCancel != nil {
		e.cleanerCancel()
	}
	if err := e.Pool.FlushAll(); err != nil {
		return err
	}
	return e.Log.Close()
}
