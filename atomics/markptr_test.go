package atomics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkablePointerBasic(t *testing.T) {
	type node struct{ v int }
	a := &node{v: 1}
	b := &node{v: 2}

	mp := NewMarkablePointer[node](a, false)
	assert.Equal(t, a, mp.GetPointer())
	assert.False(t, mp.IsMarked())

	mp.Mark()
	assert.True(t, mp.IsMarked())
	ptr, mark := mp.Get()
	assert.Equal(t, a, ptr)
	assert.True(t, mark)

	ok := mp.AtomicCAS(a, b, true, false)
	assert.True(t, ok)
	assert.Equal(t, b, mp.GetPointer())
	assert.False(t, mp.IsMarked())

	ok = mp.AtomicCAS(a, b, false, true)
	assert.False(t, ok, "stale expected pointer must fail the CAS")

	old, oldMark := mp.AtomicSwap(nil, false)
	assert.Equal(t, b, old)
	assert.False(t, oldMark)
	assert.True(t, mp.IsNull())
}
