package logmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foster-db/fostertree/pageid"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		Type:    RecInsert,
		XID:     42,
		PrevLSN: pageid.MakeLSN(1, 100),
		PageID:  pageid.FromDisk(7),
		Payload: []byte("hello world"),
	}
	buf := Encode(rec)
	got, n, ok := Decode(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, rec.Type, got.Type)
	assert.Equal(t, rec.XID, got.XID)
	assert.Equal(t, rec.PrevLSN, got.PrevLSN)
	assert.Equal(t, rec.PageID, got.PageID)
	assert.Equal(t, rec.Payload, got.Payload)
}

func TestDecodeRejectsTornTail(t *testing.T) {
	rec := &Record{Type: RecCommit, XID: 1}
	buf := Encode(rec)
	_, _, ok := Decode(buf[:len(buf)-2])
	assert.False(t, ok)
}

func TestManagerAppendAndFlush(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Dir: dir, PartitionCapacity: SegmentSize * 2, PartitionCount: 4})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Reserve(1, 64, false))
	lsn, err := m.Append(&Record{Type: RecInsert, XID: 1, PageID: pageid.FromDisk(3), Payload: []byte("abc")})
	require.NoError(t, err)
	assert.True(t, lsn.Valid())

	require.NoError(t, m.Flush(lsn))
	assert.False(t, m.FlushedLSN().Less(lsn))
}

func TestManagerReserveBlocksWithoutSpace(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Dir: dir, PartitionCapacity: 4096, PartitionCount: 1})
	require.NoError(t, err)
	defer m.Close()
	m.checkpointReserve = 4096 // consume the entire nominal capacity as reserve

	err = m.Reserve(1, 1024, true)
	require.Error(t, err)
}

func TestOldestLSNTrackerConservativeMin(t *testing.T) {
	tr := NewOldestLSNTracker(4)
	tr.Observe(1, pageid.MakeLSN(1, 10))
	tr.Observe(2, pageid.MakeLSN(1, 20))
	min := tr.Min()
	assert.True(t, min.Valid())
	assert.False(t, pageid.MakeLSN(1, 20).Less(min), "min must not exceed the smallest observed LSN")

	tr.Clear(1)
	tr.Clear(2)
	assert.Equal(t, pageid.NullLSN, tr.Min())
}

func TestOldestLSNTrackerIgnoresRepeatObserve(t *testing.T) {
	tr := NewOldestLSNTracker(8)
	tr.Observe(1, pageid.MakeLSN(1, 5))
	tr.Observe(1, pageid.MakeLSN(1, 9999))
	assert.Equal(t, pageid.MakeLSN(1, 5), tr.Min())
}
