package extentstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foster-db/fostertree/pageid"
)

func TestMemStoreAllocateReadWrite(t *testing.T) {
	s := NewMemStore(128)
	id, err := s.AllocatePage()
	require.NoError(t, err)

	buf := make([]byte, 128)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, s.WritePage(id, buf))

	out := make([]byte, 128)
	require.NoError(t, s.ReadPage(id, out))
	assert.Equal(t, buf, out)
}

func TestMemStoreUnknownPage(t *testing.T) {
	s := NewMemStore(64)
	bogus := mustAlloc(t, s)
	require.NoError(t, s.DeallocatePage(bogus))

	err := s.ReadPage(bogus, make([]byte, 64))
	require.Error(t, err)
	var unknown *ErrUnknownPage
	assert.ErrorAs(t, err, &unknown)
}

func TestMemStoreDistinctPagesIndependent(t *testing.T) {
	s := NewMemStore(16)
	a := mustAlloc(t, s)
	b := mustAlloc(t, s)
	require.NoError(t, s.WritePage(a, []byte("aaaaaaaaaaaaaaaa")))
	require.NoError(t, s.WritePage(b, []byte("bbbbbbbbbbbbbbbb")))

	outA := make([]byte, 16)
	outB := make([]byte, 16)
	require.NoError(t, s.ReadPage(a, outA))
	require.NoError(t, s.ReadPage(b, outB))
	assert.Equal(t, "aaaaaaaaaaaaaaaa", string(outA))
	assert.Equal(t, "bbbbbbbbbbbbbbbb", string(outB))
}

func mustAlloc(t *testing.T, s *MemStore) pageid.PageID {
	t.Helper()
	pid, err := s.AllocatePage()
	require.NoError(t, err)
	return pid
}
