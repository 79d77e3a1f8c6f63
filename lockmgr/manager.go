package lockmgr

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/lockfree"
)

// WaitPolicy selects how a request behaves on conflict (spec.md §4.6).
type WaitPolicy uint8

const (
	WaitImmediate WaitPolicy = iota // return eLOCKTIMEOUT at once on conflict
	WaitForever                     // block until granted or deadlock
)

// grant is one transaction's currently-held mode on a key.
type grant struct {
	gap       Mode
	key       Mode
	partition int // -1 if no value-partition mode held
}

type keyEntry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	grants  map[uint64]*grant
	waiters map[uint64]bool // xids currently blocked on this key, for Dreadlocks
}

func newKeyEntry() *keyEntry {
	e := &keyEntry{grants: make(map[uint64]*grant), waiters: make(map[uint64]bool)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// aggregate folds every current grant into one KeyLockValue to test
// compatibility against.
func (e *keyEntry) aggregate(exclude uint64) KeyLockValue {
	var v KeyLockValue
	for xid, g := range e.grants {
		if xid == exclude {
			continue
		}
		v.Merge(g.gap, g.key, g.partition)
	}
	return v
}

// storeLocks is one store's key lock table plus its intent-lock
// aggregate (volume>store>key hierarchy, spec.md §4.6).
type storeLocks struct {
	mu     sync.Mutex
	intent map[uint64]Mode // xid -> intent mode held on this store
	keys   *lockfree.SortedList[string, *keyEntry]
}

func newStoreLocks() *storeLocks {
	return &storeLocks{
		intent: make(map[uint64]Mode),
		keys:   lockfree.NewSortedList[string, *keyEntry](func(a, b string) bool { return a < b }),
	}
}

// Manager is the lock manager: a volume-level intent table plus one
// storeLocks per store, and Dreadlocks deadlock detection shared
// across every wait.
type Manager struct {
	mu          sync.Mutex
	volIntent   map[uint64]Mode
	stores      map[uint32]*storeLocks
	fingerprint *Dreadlocks

	// touched records, per xid, the (store, key) pairs AcquireKey has
	// granted and the stores AcquireIntentStore has touched, so
	// ReleaseAllForXct can release "every lock x holds" (commit.go's
	// ReleaseFunc contract) without the caller tracking its own key
	// list.
	touched       map[uint64]map[uint32]map[string]struct{}
	touchedIntent map[uint64]map[uint32]struct{}

	log zerolog.Logger
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{
		volIntent:     make(map[uint64]Mode),
		stores:        make(map[uint32]*storeLocks),
		fingerprint:   NewDreadlocks(),
		touched:       make(map[uint64]map[uint32]map[string]struct{}),
		touchedIntent: make(map[uint64]map[uint32]struct{}),
		log:           zerolog.Nop(),
	}
}

func (m *Manager) noteIntent(xid uint64, storeID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.touchedIntent[xid]
	if !ok {
		s = make(map[uint32]struct{})
		m.touchedIntent[xid] = s
	}
	s[storeID] = struct{}{}
}

func (m *Manager) noteKey(xid uint64, storeID uint32, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStore, ok := m.touched[xid]
	if !ok {
		byStore = make(map[uint32]map[string]struct{})
		m.touched[xid] = byStore
	}
	keys, ok := byStore[storeID]
	if !ok {
		keys = make(map[string]struct{})
		byStore[storeID] = keys
	}
	keys[key] = struct{}{}
}

// SetLogger attaches l, scoped with component="lockmgr", as the
// manager's diagnostic logger (engine.Open wires the engine-wide
// logger down to every subsystem this way). Unset, it logs nothing.
func (m *Manager) SetLogger(l zerolog.Logger) {
	m.log = l.With().Str("component", "lockmgr").Logger()
}

func (m *Manager) storeFor(storeID uint32) *storeLocks {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[storeID]
	if !ok {
		s = newStoreLocks()
		m.stores[storeID] = s
	}
	return s
}

// intentModeFor maps a key-mode to the intent mode its ancestors need
// (S key access needs IS, X key access needs IX).
func intentModeFor(key Mode) Mode {
	if key == ModeX {
		return ModeX // reuse the 3-value Mode enum as IS=S/IX=X for ancestors
	}
	return ModeS
}

// AcquireIntentStore grants an intent lock on storeID to xid before
// any key lock in that store may be requested (spec.md §4.6:
// "intent locks are acquired via intent_store_lock before any key
// lock in that store").
func (m *Manager) AcquireIntentStore(xid uint64, storeID uint32, key Mode, policy WaitPolicy) error {
	want := intentModeFor(key)
	s := m.storeFor(storeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Intent modes (IS/IX) are mutually compatible with each other at
	// every granularity in the standard multi-granularity lock table
	// (spec.md §4.6: "higher levels held as intent modes"); the only
	// conflicts this hierarchy expresses are between a real S/X lock
	// and an intent mode, and this package never grants a real S/X at
	// store granularity (only at the key level, via AcquireKey), so
	// two transactions both holding IS/IX on the same store never
	// conflict. Reusing the gap/key Compatible table here — which
	// correctly treats X-X as a conflict for actual key locks — would
	// wrongly serialize every pair of concurrent writers to one store.
	// policy is accepted for interface symmetry with AcquireKey, but
	// an unconditionally-granted lock never needs to consult it.
	if cur, ok := s.intent[xid]; ok {
		s.intent[xid] = Supremum(cur, want)
	} else {
		s.intent[xid] = want
	}
	m.noteIntent(xid, storeID)
	return nil
}

// AcquireKey requests (gap, key, valuePartition) on storeID/key for
// xid. On conflict under WaitForever it blocks, registering with the
// Dreadlocks fingerprint digest so a cycle is reported as eDEADLOCK
// instead of hanging forever.
func (m *Manager) AcquireKey(xid uint64, storeID uint32, key string, gap, keyMode Mode, valuePartition int, policy WaitPolicy) error {
	s := m.storeFor(storeID)
	entry, _ := s.keys.GetOrAdd(key, newKeyEntry())

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for {
		agg := entry.aggregate(xid)
		if agg.Compatible(gap, keyMode, valuePartition) {
			entry.grants[xid] = &grant{gap: gap, key: keyMode, partition: valuePartition}
			m.fingerprint.Clear(xid)
			m.noteKey(xid, storeID, key)
			return nil
		}
		if policy == WaitImmediate {
			return errs.New(errs.LockTimeout, "key lock not immediately available")
		}

		holders := make([]uint64, 0, len(entry.grants))
		for other := range entry.grants {
			if other != xid {
				holders = append(holders, other)
			}
		}
		if m.fingerprint.WouldDeadlock(xid, holders) {
			m.log.Warn().Uint64("xid", xid).Uint32("store", storeID).Str("key", key).Msg("dreadlocks victim selected")
			return errs.New(errs.Deadlock, "dreadlocks detected a waits-for cycle")
		}
		entry.waiters[xid] = true
		entry.cond.Wait()
		delete(entry.waiters, xid)
	}
}

// ReleaseKey drops xid's grant on storeID/key and wakes waiters.
func (m *Manager) ReleaseKey(xid uint64, storeID uint32, key string) {
	s := m.storeFor(storeID)
	entry, ok := s.keys.Get(key)
	if !ok || entry == nil {
		return
	}
	entry.mu.Lock()
	delete(entry.grants, xid)
	entry.cond.Broadcast()
	entry.mu.Unlock()
	m.fingerprint.Clear(xid)
}

// ReleaseAll releases xid's grants on the listed keys of storeID plus
// its intent lock on storeID; ReleaseAllForXct calls it once for each
// store the transaction touched.
func (m *Manager) ReleaseAll(xid uint64, storeID uint32, keys []string) {
	for _, k := range keys {
		m.ReleaseKey(xid, storeID, k)
	}
	s := m.storeFor(storeID)
	s.mu.Lock()
	delete(s.intent, xid)
	s.mu.Unlock()
	m.fingerprint.Clear(xid)
}

// ReleaseAllForXct releases every lock granted to xid across every
// store it has touched, using the touched-set AcquireIntentStore and
// AcquireKey maintain. This is the txn.ReleaseFunc an engine wires
// into Xct.Commit/Abort, so callers never have to track their own
// transaction's key list (spec.md §4.7 commit/abort "release locks").
func (m *Manager) ReleaseAllForXct(xid uint64) {
	m.mu.Lock()
	byStore := m.touched[xid]
	delete(m.touched, xid)
	intentStores := m.touchedIntent[xid]
	delete(m.touchedIntent, xid)
	m.mu.Unlock()

	seen := make(map[uint32]struct{}, len(byStore)+len(intentStores))
	for storeID, keys := range byStore {
		ks := make([]string, 0, len(keys))
		for k := range keys {
			ks = append(ks, k)
		}
		m.ReleaseAll(xid, storeID, ks)
		seen[storeID] = struct{}{}
	}
	for storeID := range intentStores {
		if _, ok := seen[storeID]; ok {
			continue
		}
		m.ReleaseAll(xid, storeID, nil)
	}
}
