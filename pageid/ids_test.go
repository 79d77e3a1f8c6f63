package pageid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageIDSwizzling(t *testing.T) {
	disk := FromDisk(42)
	assert.False(t, disk.IsSwizzled())
	assert.EqualValues(t, 42, disk.DiskID())

	frame := FromFrame(7)
	assert.True(t, frame.IsSwizzled())
	assert.EqualValues(t, 7, frame.FrameIndex())
}

func TestLSNOrdering(t *testing.T) {
	a := MakeLSN(1, 100)
	b := MakeLSN(1, 200)
	c := MakeLSN(2, 0)
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.True(t, NullLSN.Less(a))
}

func TestLSNMinTreatsNullAsInfinity(t *testing.T) {
	a := MakeLSN(1, 10)
	assert.Equal(t, a, Min(NullLSN, a))
	assert.Equal(t, a, Min(a, NullLSN))
	assert.Equal(t, NullLSN, Min(NullLSN, NullLSN))
}
