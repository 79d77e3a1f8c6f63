package lockfree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}
	assert.EqualValues(t, 5, q.Len())
	for i := 0; i < 5; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
	assert.EqualValues(t, 0, q.SafeSize())
}

func TestQueueConcurrent(t *testing.T) {
	q := NewQueue[int]()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(v int) {
			defer wg.Done()
			q.Enqueue(v)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, n, q.SafeSize())

	seen := make(map[int]bool)
	for {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		seen[v] = true
	}
	assert.Len(t, seen, n)
}

func intLess(a, b int) bool { return a < b }

func TestSortedListBasic(t *testing.T) {
	l := NewSortedList[int, string](intLess)
	assert.True(t, l.Insert(3, "three"))
	assert.True(t, l.Insert(1, "one"))
	assert.True(t, l.Insert(2, "two"))
	assert.False(t, l.Insert(2, "two-again"))

	v, ok := l.Get(2)
	require.True(t, ok)
	assert.Equal(t, "two", v)

	assert.True(t, l.Contains(1))
	assert.True(t, l.Remove(1))
	assert.False(t, l.Contains(1))
	assert.False(t, l.Remove(1))
}

func TestSortedListGetOrAdd(t *testing.T) {
	l := NewSortedList[int, int](intLess)
	v, inserted := l.GetOrAdd(5, 50)
	assert.True(t, inserted)
	assert.Equal(t, 50, v)

	v, inserted = l.GetOrAdd(5, 999)
	assert.False(t, inserted)
	assert.Equal(t, 50, v)
}

func TestSortedListConcurrentInsert(t *testing.T) {
	l := NewSortedList[int, int](intLess)
	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(v int) {
			defer wg.Done()
			l.Insert(v, v*v)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		v, ok := l.Get(i)
		require.True(t, ok)
		assert.Equal(t, i*i, v)
	}
}
