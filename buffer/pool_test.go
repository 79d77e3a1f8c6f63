package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foster-db/fostertree/extentstore"
	"github.com/foster-db/fostertree/page"
)

func newTestPool(t *testing.T, capacity int) (*Pool, extentstore.Store) {
	t.Helper()
	store := extentstore.NewMemStore(page.DefaultSize)
	return New(store, capacity), store
}

func TestNewPageThenFixRoundTrips(t *testing.T) {
	pool, _ := newTestPool(t, 16)

	f, err := pool.NewPage(page.TagBTree, 1)
	require.NoError(t, err)
	f.Page.SetFences(nil, nil, nil)
	f.Page.InsertAt(1, &page.Record{Key: []byte("a"), Value: []byte("1")})
	pool.Unpin(f, true)

	fetched, err := pool.Fix(f.PageID)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), fetched.Page.FullKey(1))
	pool.Unpin(fetched, false)
}

func TestFixCacheHitReusesFrame(t *testing.T) {
	pool, _ := newTestPool(t, 16)
	f1, err := pool.NewPage(page.TagBTree, 1)
	require.NoError(t, err)
	pool.Unpin(f1, false)

	f2, err := pool.Fix(f1.PageID)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	pool.Unpin(f2, false)
}

func TestEvictionFlushesDirtyFrame(t *testing.T) {
	pool, store := newTestPool(t, bucketChainLen) // tiny pool forces eviction quickly

	first := mustNewPage(t, pool)
	pool.Unpin(first, true)

	// Fill past capacity so the CLOCK sweep must evict the first page.
	for i := 0; i < bucketChainLen+4; i++ {
		f := mustNewPage(t, pool)
		pool.Unpin(f, true)
	}

	buf := make([]byte, page.DefaultSize)
	require.NoError(t, store.ReadPage(first.PageID, buf))
	reloaded := page.Decode(buf)
	assert.True(t, reloaded.VerifyChecksum(), "evicted page must have been stamped and flushed")
}

func mustNewPage(t *testing.T, pool *Pool) *Frame {
	t.Helper()
	f, err := pool.NewPage(page.TagBTree, 1)
	require.NoError(t, err)
	f.Page.SetFences(nil, nil, nil)
	return f
}

func TestCleanerFlushesDirtyFramesInBackground(t *testing.T) {
	pool, store := newTestPool(t, 16)
	f, err := pool.NewPage(page.TagBTree, 1)
	require.NoError(t, err)
	f.Page.SetFences(nil, nil, nil)
	pool.Unpin(f, true)

	cleaner := NewCleaner(pool, 2, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go cleaner.Run(ctx)

	<-ctx.Done()
	buf := make([]byte, page.DefaultSize)
	require.NoError(t, store.ReadPage(f.PageID, buf))
	assert.True(t, page.Decode(buf).VerifyChecksum())
}
