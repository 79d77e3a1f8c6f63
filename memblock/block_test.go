package memblock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockAcquireRelease(t *testing.T) {
	b := NewBlock(16, 4)
	chips := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		c := b.Acquire()
		require.NotNil(t, c)
		chips = append(chips, c)
	}
	assert.Nil(t, b.Acquire(), "block should be exhausted")

	ok := b.Release(chips[0])
	assert.True(t, ok)
	ok = b.Release(chips[0])
	assert.False(t, ok, "releasing an already-zombie chip reports false")

	assert.Nil(t, b.Acquire(), "zombie bits aren't usable until Recycle")
	b.Recycle()
	c := b.Acquire()
	assert.NotNil(t, c)
}

func TestBlockListGrowsUnderPressure(t *testing.T) {
	pool := NewBlockPool()
	l := NewBlockList(pool, 8, 4)
	var acquired [][]byte
	for i := 0; i < 20; i++ {
		c := l.Acquire()
		require.NotNil(t, c)
		acquired = append(acquired, c)
	}
	assert.Greater(t, len(l.blocks), 1)
}

func TestBlockPoolValidate(t *testing.T) {
	pool := NewBlockPool()
	b := pool.Get(8, 4)
	assert.True(t, pool.Validate(b))
	other := NewBlock(8, 4)
	assert.False(t, pool.Validate(other))
}

func TestBlockReleaseConcurrent(t *testing.T) {
	b := NewBlock(8, 64)
	chips := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		chips = append(chips, b.Acquire())
	}
	var wg sync.WaitGroup
	for _, c := range chips {
		wg.Add(1)
		go func(c []byte) {
			defer wg.Done()
			b.Release(c)
		}(c)
	}
	wg.Wait()
	b.Recycle()
	assert.Equal(t, ^uint64(0), b.usable)
}
