package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foster-db/fostertree/pageid"
)

func leafRecord(key, value string) *Record {
	return &Record{Key: []byte(key), Value: []byte(value)}
}

func TestSetFencesComputesPrefix(t *testing.T) {
	p := NewPage(TagBTree, 1, DefaultSize)
	p.SetFences([]byte("apple"), []byte("apricot"), nil)
	assert.EqualValues(t, 2, p.Header.PrefixLen, "ap shared between apple/apricot")
	assert.Equal(t, []byte("ap"), p.Prefix())
}

func TestInsertAtAndFindSlot(t *testing.T) {
	p := NewPage(TagBTree, 1, DefaultSize)
	p.SetFences([]byte("a"), []byte("z"), nil)

	p.InsertAt(1, leafRecord("bbb", "1"))
	p.InsertAt(2, leafRecord("ddd", "2"))
	p.InsertAt(2, leafRecord("ccc", "3"))

	require.Equal(t, 3, p.Count())
	assert.Equal(t, []byte("bbb"), p.FullKey(1))
	assert.Equal(t, []byte("ccc"), p.FullKey(2))
	assert.Equal(t, []byte("ddd"), p.FullKey(3))

	slot := p.FindSlot([]byte("ccc"))
	assert.Equal(t, 2, slot)

	slot = p.FindSlot([]byte("aaa"))
	assert.Equal(t, 1, slot, "aaa sorts before bbb, lands at first slot")

	slot = p.FindSlot([]byte("zzz"))
	assert.Equal(t, 4, slot, "past the last slot")
}

func TestSetFencesRetruncatesExistingSlots(t *testing.T) {
	p := NewPage(TagBTree, 1, DefaultSize)
	p.SetFences([]byte("a"), []byte("z"), nil)
	p.InsertAt(1, leafRecord("bob", "1"))
	require.Equal(t, []byte("bob"), p.FullKey(1))

	p.SetFences([]byte("bo"), []byte("bz"), nil)
	assert.EqualValues(t, 1, p.Header.PrefixLen, "bo and bz share only b")
	assert.Equal(t, []byte("bob"), p.FullKey(1), "reconstructed key must survive a prefix change")
}

func TestGhostRecordRoundTrip(t *testing.T) {
	p := NewPage(TagBTree, 1, DefaultSize)
	p.SetFences(nil, nil, nil)
	p.InsertAt(1, leafRecord("k", "v"))
	assert.False(t, p.IsGhost(1))
	p.SetGhost(1, true)
	assert.True(t, p.IsGhost(1))
}

func TestFitsAndSpaceAccounting(t *testing.T) {
	p := NewPage(TagBTree, 1, 256)
	p.SetFences(nil, nil, nil)
	assert.True(t, p.Fits(3, 3))
	for i := 0; i < 100 && p.Fits(3, 3); i++ {
		p.InsertAt(p.Count()+1, leafRecord("k", "v"))
	}
	assert.False(t, p.Fits(3, 3), "small page must eventually fill up")
}

func TestChecksumDetectsMutation(t *testing.T) {
	p := NewPage(TagBTree, 1, DefaultSize)
	p.Header.PageID = pageid.FromDisk(5)
	p.SetFences(nil, nil, nil)
	p.InsertAt(1, leafRecord("k", "v"))
	p.StampChecksum()
	assert.True(t, p.VerifyChecksum())

	p.SetValue(1, []byte("tampered"))
	assert.False(t, p.VerifyChecksum())
}

func TestNodeRecordChild(t *testing.T) {
	p := NewPage(TagBTree, 2, DefaultSize)
	p.SetFences(nil, nil, nil)
	p.InsertAt(1, &Record{Key: []byte("m"), Child: pageid.FromDisk(9)})
	assert.Equal(t, pageid.FromDisk(9), p.Child(1))
	assert.False(t, p.Header.IsLeaf())
}

func TestRemoveAt(t *testing.T) {
	p := NewPage(TagBTree, 1, DefaultSize)
	p.SetFences(nil, nil, nil)
	p.InsertAt(1, leafRecord("a", "1"))
	p.InsertAt(2, leafRecord("b", "2"))
	p.RemoveAt(1)
	require.Equal(t, 1, p.Count())
	assert.Equal(t, []byte("b"), p.FullKey(1))
}
