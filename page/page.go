// Package page implements the slotted B+Tree page layout of spec.md
// §3/§4.8: a fixed-size page with a header, fence keys, prefix
// truncation, a foster pointer, and ghost records. It is the one layer
// below the btree package that knows about bytes and space accounting.
package page

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/foster-db/fostertree/pageid"
)

// DefaultSize is the compile-time page size (spec.md §1/§3): 8 KiB.
const DefaultSize = 8192

// Tag discriminates the page's role, replacing the deep page-handle
// inheritance of the original with a sum type dispatched by switch
// (spec.md §9 "Deep inheritance in the source").
type Tag uint8

const (
	TagAlloc Tag = iota
	TagStoreNode
	TagBTree
)

// Flag bits live in the header (spec.md §3).
type Flag uint8

const (
	FlagToBeDeleted Flag = 1 << iota
	FlagVirgin
)

// Header is the fixed, variant-independent prefix of every page
// (spec.md §3, §9).
type Header struct {
	Tag      Tag
	PageID   pageid.PageID
	StoreID  uint32
	RootID   pageid.PageID
	Level    uint16 // 1 = leaf
	LSN      pageid.LSN
	// FooterLSN duplicates LSN at the tail of the real on-disk image as
	// a torn-write check; kept here rather than literally at a byte
	// offset since this package models records, not raw disk bytes.
	FooterLSN pageid.LSN
	Checksum  uint32
	Flags     Flag

	PID0        pageid.PageID // node pages: leftmost child, no separator key
	Foster      pageid.PageID // horizontal pointer to this page's foster child
	FosterEMLSN pageid.LSN    // expected min LSN for single-page recovery of the foster child

	PrefixLen         uint16
	FenceLowLen       uint16
	FenceHighLen      uint16
	ChainFenceHighLen uint16
	SkewCount         uint16 // consecutive skewed insertions, for split-pivot heuristics
}

// IsLeaf reports whether this page is at the leaf level.
func (h *Header) IsLeaf() bool { return h.Level == 1 }

// HasFoster reports whether this page currently has an un-adopted
// foster child.
func (h *Header) HasFoster() bool { return !h.Foster.IsNil() }

// Record is one slot's payload. For a leaf page Value holds the user
// value; for a node page Child holds the separator's target and Value
// is unused. Key is stored with the shared prefix already stripped.
type Record struct {
	Key   []byte
	Value []byte
	Child pageid.PageID
	Ghost bool
}

// poorManKey returns the first two bytes of key (zero-padded), used
// for cheap early rejection before a full comparison (spec.md §4.8).
func poorManKey(key []byte) uint16 {
	var b [2]byte
	copy(b[:], key)
	return binary.BigEndian.Uint16(b[:])
}

// Page is the in-memory, already-deserialized representation of one
// btree page. Slot 0's three fence keys are modeled as dedicated
// fields rather than literal slot-0 bytes (see DESIGN.md): this keeps
// the Go representation legible while preserving every invariant
// spec.md §3/§8 states about them.
type Page struct {
	Header Header

	fenceLow       []byte // full bytes, including sign byte
	fenceHigh      []byte
	chainFenceHigh []byte

	slots []*Record // slots 1..n, in key order

	size int // page-size budget this page is accounted against
}

// NewPage creates an empty page of the given tag/level/size with both
// fences defaulted to empty (caller must set real fences before use).
func NewPage(tag Tag, level uint16, size int) *Page {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Page{size: size}
	p.Header.Tag = tag
	p.Header.Level = level
	return p
}

// commonPrefixLen returns the number of leading bytes shared by a, b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// SetFences installs the page's fence keys and recomputes the prefix
// (spec.md §4.8 prefix truncation). Existing slot keys are re-truncated
// against the new prefix so Key() keeps returning the correct full key.
func (p *Page) SetFences(low, high, chainHigh []byte) {
	oldPrefixLen := int(p.Header.PrefixLen)
	oldPrefix := append([]byte(nil), p.fenceLow[:min(oldPrefixLen, len(p.fenceLow))]...)

	p.fenceLow = append([]byte(nil), low...)
	p.fenceHigh = append([]byte(nil), high...)
	p.chainFenceHigh = append([]byte(nil), chainHigh...)

	newPrefixLen := commonPrefixLen(low, high)
	p.Header.PrefixLen = uint16(newPrefixLen)
	p.Header.FenceLowLen = uint16(len(low))
	p.Header.FenceHighLen = uint16(len(high))
	p.Header.ChainFenceHighLen = uint16(len(chainHigh))

	if newPrefixLen == oldPrefixLen {
		return
	}
	for _, r := range p.slots {
		full := append(append([]byte(nil), oldPrefix...), r.Key...)
		r.Key = append([]byte(nil), full[min(newPrefixLen, len(full)):]...)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// FenceLow, FenceHigh, ChainFenceHigh return the page's full fence
// keys, including the sign byte.
func (p *Page) FenceLow() []byte       { return p.fenceLow }
func (p *Page) FenceHigh() []byte      { return p.fenceHigh }
func (p *Page) ChainFenceHigh() []byte { return p.chainFenceHigh }

// Prefix returns the common leading bytes elided from every stored key.
func (p *Page) Prefix() []byte { return p.fenceLow[:p.Header.PrefixLen] }

// Count returns the number of real slots (1..n), not counting slot 0.
func (p *Page) Count() int { return len(p.slots) }

// FullKey reconstructs slot i's (1-based) complete key, prefix
// reattached.
func (p *Page) FullKey(i int) []byte {
	r := p.slots[i-1]
	return append(append([]byte(nil), p.Prefix()...), r.Key...)
}

// TruncatedKey returns slot i's stored (prefix-stripped) key bytes.
func (p *Page) TruncatedKey(i int) []byte { return p.slots[i-1].Key }

// Value returns slot i's value bytes (leaf pages only).
func (p *Page) Value(i int) []byte { return p.slots[i-1].Value }

// Child returns slot i's child page id (node pages only).
func (p *Page) Child(i int) pageid.PageID { return p.slots[i-1].Child }

// IsGhost reports whether slot i is a ghost (logically deleted /
// reserved) record.
func (p *Page) IsGhost(i int) bool { return p.slots[i-1].Ghost }

// SetGhost toggles slot i's ghost bit.
func (p *Page) SetGhost(i int, ghost bool) { p.slots[i-1].Ghost = ghost }

// SetValue overwrites slot i's value in place.
func (p *Page) SetValue(i int, value []byte) { p.slots[i-1].Value = value }

// recordSize estimates the on-disk footprint of a record, 8-byte
// aligned per spec.md §4.8.
func recordSize(truncatedKeyLen, valueLen int, isLeaf bool) int {
	var n int
	if isLeaf {
		n = 2 + 2 + truncatedKeyLen + valueLen // rec_len + key_len + key + value
	} else {
		n = 4 + 2 + truncatedKeyLen // child_pid + rec_len + key
	}
	return (n + 7) &^ 7
}

const slotSize = 6 // signed offset (4) + poor-man's-key (2), spec.md §3

// UsedBytes approximates the space already consumed by the slot array
// and record area; FreeBytes subtracts headerFootprint separately.
func (p *Page) UsedBytes() int {
	used := 0
	for _, r := range p.slots {
		used += slotSize + recordSize(len(r.Key), len(r.Value), p.Header.IsLeaf())
	}
	return used
}

// FreeBytes returns the remaining space available for new records.
func (p *Page) FreeBytes() int {
	return p.size - headerFootprint - p.UsedBytes()
}

// headerFootprint is a conservative fixed reservation for the header
// plus the three fence keys (slot 0), matching spec.md §3's note that
// slot 0 is reserved for them.
const headerFootprint = 64

// Fits reports whether a new record with the given truncated key and
// value would fit without a split.
func (p *Page) Fits(truncatedKeyLen, valueLen int) bool {
	need := slotSize + recordSize(truncatedKeyLen, valueLen, p.Header.IsLeaf())
	return need <= p.FreeBytes()
}

// FindSlot returns the 1-based slot such that FullKey(slot-1) < key <=
// FullKey(slot), i.e. the first slot whose key is >= the search key,
// or Count()+1 if key is greater than every slot. It uses the
// poor-man's-key as a pre-filter before the full comparison (spec.md
// §4.8).
func (p *Page) FindSlot(key []byte) int {
	prefixLen := int(p.Header.PrefixLen)
	var truncated []byte
	if len(key) > prefixLen {
		truncated = key[prefixLen:]
	}
	pmk := poorManKey(truncated)

	idx := sort.Search(len(p.slots), func(i int) bool {
		r := p.slots[i]
		if r.pmk() != pmk {
			return r.pmk() > pmk
		}
		return bytes.Compare(r.Key, truncated) >= 0
	})
	return idx + 1
}

func (r *Record) pmk() uint16 { return poorManKey(r.Key) }

// InsertAt splices rec into slot position idx (1-based), shifting
// later slots right.
func (p *Page) InsertAt(idx int, rec *Record) {
	p.slots = append(p.slots, nil)
	copy(p.slots[idx:], p.slots[idx-1:len(p.slots)-1])
	p.slots[idx-1] = rec
}

// RemoveAt deletes slot idx (1-based) entirely (not just ghosting it);
// btree's de-adopt uses it to drop a separator slot.
func (p *Page) RemoveAt(idx int) {
	p.slots = append(p.slots[:idx-1], p.slots[idx:]...)
}

// Slots exposes the underlying slot slice for bulk operations (split,
// merge, rebalance) that need to move ranges of records between pages.
func (p *Page) Slots() []*Record { return p.slots }

// SetSlots replaces the slot slice wholesale, used when rebuilding a
// page from a log image or after a bulk move.
func (p *Page) SetSlots(slots []*Record) { p.slots = slots }

// ComputeChecksum folds the page's logical contents (header fields
// that affect correctness, plus every record) into a 32-bit value
// with repeated XOR-rotate, the cheap rolling scheme original_source
// uses rather than a table-driven CRC (see SPEC_FULL.md §12).
func (p *Page) ComputeChecksum() uint32 {
	var h uint32 = 0x9e3779b9
	mix := func(b []byte) {
		for _, c := range b {
			h = (h << 5) | (h >> 27)
			h ^= uint32(c)
		}
	}
	var hdrBuf [4]byte
	binary.BigEndian.PutUint32(hdrBuf[:], uint32(p.Header.PageID))
	mix(hdrBuf[:])
	mix(p.fenceLow)
	mix(p.fenceHigh)
	for _, r := range p.slots {
		mix(r.Key)
		mix(r.Value)
	}
	return h
}

// VerifyChecksum recomputes and compares against the stored header
// value, surfacing eBADCHECKSUM-worthy inconsistency to the caller.
func (p *Page) VerifyChecksum() bool {
	return p.ComputeChecksum() == p.Header.Checksum
}

// StampChecksum recomputes and stores the checksum, done just before a
// page leaves the latched section on its way to the log/cleaner.
func (p *Page) StampChecksum() {
	p.Header.Checksum = p.ComputeChecksum()
}
