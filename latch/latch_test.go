package latch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQSXExclusiveExcludesShared(t *testing.T) {
	l := NewQSXLatch()
	xt := l.AcquireX()
	_, ok := l.TryAcquireS()
	assert.False(t, ok, "S must not be grantable while X is held")
	l.ReleaseX(xt)

	st, ok := l.TryAcquireS()
	assert.True(t, ok)
	l.ReleaseS(st)
}

func TestQSXMultipleSharedReaders(t *testing.T) {
	l := NewQSXLatch()
	var tickets []Ticket
	for i := 0; i < 4; i++ {
		tk, ok := l.TryAcquireS()
		assert.True(t, ok)
		tickets = append(tickets, tk)
	}
	_, ok := l.TryAcquireX()
	assert.False(t, ok)
	for _, tk := range tickets {
		l.ReleaseS(tk)
	}
	_, ok = l.TryAcquireX()
	assert.True(t, ok)
}

func TestQSXOptimisticValidation(t *testing.T) {
	l := NewQSXLatch()
	q := l.AcquireQ()
	assert.True(t, l.ReleaseQ(q), "no writer since snapshot: ticket validates")

	xt := l.AcquireX()
	l.ReleaseX(xt)
	assert.False(t, l.ReleaseQ(q), "a writer acquired+released since the snapshot: stale")
}

func TestSpinLatchMutualExclusion(t *testing.T) {
	var s SpinLatch
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SpinWriteLock()
			counter++
			s.SpinReleaseWrite()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
