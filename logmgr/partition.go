package logmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncw/directio"

	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/pageid"
)

// BlockSize is the unit log flushes write in, matching
// O_DIRECT's alignment requirement (spec.md §4.5: "blocks of
// BLOCK_SIZE=8 KiB").
const BlockSize = 8192

// BlocksPerSegment groups blocks into the unit the segment buffer is
// sized in (spec.md §4.5: "segments of 128 blocks").
const BlocksPerSegment = 128

// SegmentSize is the full segment footprint in bytes.
const SegmentSize = BlockSize * BlocksPerSegment

// Partition is one bounded-size OS file holding a contiguous LSN
// range. Writes go through github.com/ncw/directio so BLOCK_SIZE-
// aligned segments bypass the page cache, the direct expression of
// §4.5's block/segment write-ahead design.
type Partition struct {
	mu       sync.Mutex
	num      uint32
	file     *os.File
	size     int64 // current durable length
	capacity int64 // bound before a new partition must open
}

// OpenPartition creates (or truncates) partition file num under dir,
// sized up to capacity bytes.
func OpenPartition(dir string, num uint32, capacity int64) (*Partition, error) {
	path := filepath.Join(dir, fmt.Sprintf("log.%d", num))
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errs.Wrap(err, errs.OS)
	}
	return &Partition{num: num, file: f, capacity: capacity}, nil
}

// Num returns the partition's sequence number.
func (p *Partition) Num() uint32 { return p.num }

// Size returns the partition's current durable length.
func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Remaining reports how many bytes are left before the partition is
// full.
func (p *Partition) Remaining() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.size
}

// WriteBlock durably appends one BLOCK_SIZE-aligned block at the
// partition's current tail and advances size. block must be exactly
// BlockSize bytes (a directio.AlignedBlock).
func (p *Partition) WriteBlock(block []byte) error {
	if len(block) != BlockSize {
		return errs.New(errs.BadArgument, "log block must be BlockSize bytes")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.file.WriteAt(block, p.size); err != nil {
		return errs.Wrap(err, errs.OS)
	}
	p.size += int64(len(block))
	return nil
}

// Sync flushes the partition file to stable storage, done after the
// flushed tail advances (spec.md §4.5: "fsync is called after the
// flushed tail advances").
func (p *Partition) Sync() error {
	if err := p.file.Sync(); err != nil {
		return errs.Wrap(err, errs.OS)
	}
	return nil
}

// ReadAll reads the partition's full durable content and decodes it
// into a sequence of records. Every flush ends its last block with a
// skip record (or zero padding where one does not fit), so at a skip
// record or at bytes that fail to decode the scan moves on to the next
// block boundary, until the end of the file — the forward scan single-page recovery and checkpoint-phase
// replay both need (spec.md §6: "the core exposes the invariants these
// phases must preserve").
func (p *Partition) ReadAll() ([]*Record, error) {
	p.mu.Lock()
	size := p.size
	num := p.num
	p.mu.Unlock()

	buf := make([]byte, size)
	if size > 0 {
		if _, err := p.file.ReadAt(buf, 0); err != nil {
			return nil, errs.Wrap(err, errs.OS)
		}
	}

	var recs []*Record
	for off := 0; off < len(buf); {
		rec, consumed, ok := Decode(buf[off:])
		if !ok || rec.Type == RecSkip {
			// The rest of this block is flush padding; records resume
			// at the next block boundary.
			off = (off/BlockSize + 1) * BlockSize
			continue
		}
		rec.LSN = pageid.MakeLSN(num, uint32(off))
		recs = append(recs, rec)
		off += consumed
	}
	return recs, nil
}

// Close releases the partition's file handle.
func (p *Partition) Close() error { return p.file.Close() }

// Remove deletes the partition's backing file, used once recycling
// decides no reader can ever need it again.
func (p *Partition) Remove(dir string) error {
	p.Close()
	return os.Remove(filepath.Join(dir, fmt.Sprintf("log.%d", p.num)))
}
