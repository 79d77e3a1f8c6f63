package logmgr

import (
	"sort"
	"sync"

	"github.com/ncw/directio"
	"github.com/rs/zerolog"

	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/pageid"
)

// Config controls a Manager's durability and capacity knobs.
type Config struct {
	Dir               string
	PartitionCapacity int64 // bytes per partition before a new one opens
	PartitionCount    int   // partitions retained before the oldest must recycle
}

// Manager is the log: a sequence of bounded partitions, a segment
// buffer that records are copied into, and the reservation accounting
// of spec.md §4.5's log_resv.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	cond       *sync.Cond
	partitions map[uint32]*Partition
	curNum     uint32
	cur        *Partition

	segBuf    []byte // circular segment buffer, one directio.AlignedBlock-multiple
	segFilled int    // bytes filled in segBuf so far, relative to segment start
	segBase   pageid.LSN // LSN of segBuf[0]

	tailOffset pageid.LSN // next LSN to hand out within cur partition
	flushedLSN pageid.LSN

	capacityBytes     int64
	checkpointReserve int64
	reservedTotal     int64
	xctReserved       map[uint64]int64

	oldest *OldestLSNTracker

	log zerolog.Logger
}

// SetLogger attaches l, scoped with component="logmgr", as the
// manager's diagnostic logger (engine.Open wires the engine-wide
// logger down to every subsystem this way). Unset, it logs nothing.
func (m *Manager) SetLogger(l zerolog.Logger) {
	m.log = l.With().Str("component", "logmgr").Logger()
}

// New opens (creating if necessary) the first log partition and
// returns a ready Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.PartitionCapacity <= 0 {
		cfg.PartitionCapacity = SegmentSize * 16
	}
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 8
	}
	m := &Manager{
		cfg:               cfg,
		partitions:        make(map[uint32]*Partition),
		segBuf:            directio.AlignedBlock(SegmentSize),
		capacityBytes:     cfg.PartitionCapacity * int64(cfg.PartitionCount),
		checkpointReserve: cfg.PartitionCapacity,
		xctReserved:       make(map[uint64]int64),
		oldest:            NewOldestLSNTracker(1024),
		log:               zerolog.Nop(),
	}
	m.cond = sync.NewCond(&m.mu)

	p, err := OpenPartition(cfg.Dir, 1, cfg.PartitionCapacity)
	if err != nil {
		return nil, err
	}
	m.partitions[1] = p
	m.curNum = 1
	m.cur = p
	m.tailOffset = pageid.MakeLSN(1, 0)
	m.segBase = m.tailOffset
	return m, nil
}

// Reserve blocks until nbytes*UndoFudgeFactor bytes of log space are
// available for xid, or returns eOUTOFLOGSPACE if granting it would
// dip into the checkpoint reserve and nonblocking is requested.
func (m *Manager) Reserve(xid uint64, nbytes int, nonblocking bool) error {
	need := int64(nbytes) * UndoFudgeFactor
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.capacityBytes-m.reservedTotal-m.checkpointReserve < need {
		if nonblocking {
			return errs.New(errs.OutOfLogSpace, "insufficient log space reserved")
		}
		m.cond.Wait()
	}
	m.reservedTotal += need
	m.xctReserved[xid] += need
	return nil
}

// ReleaseXct returns xid's outstanding reservation to the pool, called
// when the transaction ends (commit or abort).
func (m *Manager) ReleaseXct(xid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservedTotal -= m.xctReserved[xid]
	delete(m.xctReserved, xid)
	m.oldest.Clear(xid)
	m.cond.Broadcast()
}

// Append places rec into the segment buffer, stamping its LSN, and
// returns that LSN. It flushes the current segment synchronously when
// full. The caller is responsible for having reserved space first.
func (m *Manager) Append(rec *Record) (pageid.LSN, error) {
	encoded := Encode(rec)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur.Remaining() < int64(len(encoded)) {
		if err := m.flushLocked(); err != nil {
			return pageid.NullLSN, err
		}
		if err := m.openNextPartitionLocked(); err != nil {
			return pageid.NullLSN, err
		}
	}

	lsn := m.tailOffset
	rec.LSN = lsn
	m.appendBytesLocked(encoded)
	m.tailOffset = pageid.MakeLSN(m.curNum, m.tailOffset.Offset()+uint32(len(encoded)))

	if rec.Type == RecInsert || rec.Type == RecUpdate || rec.Type == RecGhostMark || rec.Type == RecGhostUnmark {
		m.oldest.Observe(rec.XID, lsn)
	}

	if m.segFilled >= len(m.segBuf) {
		if err := m.flushLocked(); err != nil {
			return pageid.NullLSN, err
		}
	}
	return lsn, nil
}

// appendBytesLocked copies encoded into the segment buffer, growing
// segFilled. Caller holds m.mu.
func (m *Manager) appendBytesLocked(encoded []byte) {
	if m.segFilled+len(encoded) > len(m.segBuf) {
		grown := make([]byte, m.segFilled+len(encoded))
		copy(grown, m.segBuf[:m.segFilled])
		m.segBuf = grown
	}
	copy(m.segBuf[m.segFilled:], encoded)
	m.segFilled += len(encoded)
}

// flushLocked writes the filled portion of the segment buffer to the
// current partition in BlockSize multiples, padding the final block
// with a skip record, then fsyncs. The next LSN handed out is the
// partition's new end, the block boundary where the next flush starts
// writing, so an LSN's offset is its record's position in the file.
// Caller holds m.mu.
func (m *Manager) flushLocked() error {
	if m.segFilled == 0 {
		return nil
	}
	nBlocks := (m.segFilled + BlockSize - 1) / BlockSize
	for b := 0; b < nBlocks; b++ {
		block := directio.AlignedBlock(BlockSize)
		start := b * BlockSize
		end := start + BlockSize
		if end > m.segFilled {
			end = m.segFilled
		}
		copy(block, m.segBuf[start:end])
		if b == nBlocks-1 {
			stampSkipRecord(block, end-start)
		}
		if err := m.cur.WriteBlock(block); err != nil {
			return err
		}
	}
	if err := m.cur.Sync(); err != nil {
		return err
	}
	m.tailOffset = pageid.MakeLSN(m.curNum, uint32(m.cur.Size()))
	m.flushedLSN = m.tailOffset
	m.segFilled = 0
	m.segBase = m.tailOffset
	return nil
}

// stampSkipRecord writes a zero-payload RecSkip record right after the
// real content in a block so a forward recovery scan can find the
// true tail rather than reading stale bytes from a prior write.
func stampSkipRecord(block []byte, contentEnd int) {
	skip := Encode(&Record{Type: RecSkip})
	if contentEnd+len(skip) <= len(block) {
		copy(block[contentEnd:], skip)
	}
}

// openNextPartitionLocked closes out the current partition and opens
// curNum+1, used when a record would straddle the partition boundary
// (spec.md §4.5 step 3b: "open a new partition and write the record
// entirely there"). Caller holds m.mu.
func (m *Manager) openNextPartitionLocked() error {
	next := m.curNum + 1
	p, err := OpenPartition(m.cfg.Dir, next, m.cfg.PartitionCapacity)
	if err != nil {
		return err
	}
	m.partitions[next] = p
	m.curNum = next
	m.cur = p
	m.tailOffset = pageid.MakeLSN(next, 0)
	m.segBase = m.tailOffset
	m.log.Debug().Uint32("partition", next).Msg("opened log partition")
	return nil
}

// Flush forces every buffered record through at least throughLSN to
// durable storage; used by the cleaner (spec.md §4.4: "write-ahead
// logging is enforced in the cleaner").
func (m *Manager) Flush(throughLSN pageid.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.flushedLSN.Less(throughLSN) {
		return nil
	}
	return m.flushLocked()
}

// FlushedLSN returns the highest LSN known to be durable.
func (m *Manager) FlushedLSN() pageid.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushedLSN
}

// Recycle deletes any partition whose highest LSN is below the
// minimum of minRecLSN (buffer pool), minXctLSN (transaction table),
// and masterLSN (last completed checkpoint), per spec.md §4.5.
// Reclaimed bytes first top up the checkpoint reserve; the rest is
// added to capacityBytes, the total that Reserve grants from.
func (m *Manager) Recycle(minRecLSN, minXctLSN, masterLSN pageid.LSN) []uint32 {
	threshold := pageid.Min(pageid.Min(minRecLSN, minXctLSN), masterLSN)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []uint32
	for num, p := range m.partitions {
		if num == m.curNum {
			continue
		}
		highest := pageid.MakeLSN(num, uint32(p.Size()))
		if !highest.Less(threshold) {
			continue
		}
		reclaimed := p.Size()
		if err := p.Remove(m.cfg.Dir); err != nil {
			continue
		}
		delete(m.partitions, num)
		removed = append(removed, num)

		if m.checkpointReserve < m.cfg.PartitionCapacity {
			top := m.cfg.PartitionCapacity - m.checkpointReserve
			if top > reclaimed {
				top = reclaimed
			}
			m.checkpointReserve += top
			reclaimed -= top
		}
		m.capacityBytes += reclaimed
	}
	if len(removed) > 0 {
		m.log.Info().Interface("partitions", removed).Msg("recycled log partitions")
		m.cond.Broadcast()
	}
	return removed
}

// ReadPageRecords scans every open partition for records touching pid,
// in LSN order — the log-reading half of single-page recovery
// (btree.RecoverPage walks this to find the page's most recent redo
// image at or before a target LSN).
func (m *Manager) ReadPageRecords(pid pageid.PageID) ([]*Record, error) {
	m.mu.Lock()
	nums := make([]uint32, 0, len(m.partitions))
	for n := range m.partitions {
		nums = append(nums, n)
	}
	parts := m.partitions
	m.mu.Unlock()
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var out []*Record
	for _, n := range nums {
		recs, err := parts[n].ReadAll()
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.PageID == pid {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// Close flushes and closes every open partition.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	for _, p := range m.partitions {
		p.Close()
	}
	return nil
}
