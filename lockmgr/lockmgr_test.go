package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeCompatibility(t *testing.T) {
	assert.True(t, Compatible(ModeS, ModeS))
	assert.False(t, Compatible(ModeS, ModeX))
	assert.False(t, Compatible(ModeX, ModeS))
	assert.True(t, Compatible(ModeN, ModeX))
}

func TestKeyLockValueCompatibleAndMerge(t *testing.T) {
	var v KeyLockValue
	v.Merge(ModeN, ModeS, 2)
	assert.True(t, v.Compatible(ModeN, ModeS, 2))
	assert.False(t, v.Compatible(ModeN, ModeX, 2))
}

func TestAcquireKeyGrantsWhenCompatible(t *testing.T) {
	m := New()
	require.NoError(t, m.AcquireKey(1, 10, "alpha", ModeN, ModeS, -1, WaitImmediate))
	require.NoError(t, m.AcquireKey(2, 10, "alpha", ModeN, ModeS, -1, WaitImmediate))
}

func TestAcquireKeyImmediateConflict(t *testing.T) {
	m := New()
	require.NoError(t, m.AcquireKey(1, 10, "alpha", ModeN, ModeX, -1, WaitImmediate))
	err := m.AcquireKey(2, 10, "alpha", ModeN, ModeS, -1, WaitImmediate)
	require.Error(t, err)
}

func TestAcquireKeyForeverUnblocksOnRelease(t *testing.T) {
	m := New()
	require.NoError(t, m.AcquireKey(1, 10, "alpha", ModeN, ModeX, -1, WaitImmediate))

	done := make(chan error, 1)
	go func() {
		done <- m.AcquireKey(2, 10, "alpha", ModeN, ModeS, -1, WaitForever)
	}()

	time.Sleep(20 * time.Millisecond)
	m.ReleaseKey(1, 10, "alpha")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked after release")
	}
}

func TestDreadlocksDetectsTwoCycle(t *testing.T) {
	d := NewDreadlocks()
	assert.False(t, d.WouldDeadlock(1, []uint64{2}))
	assert.True(t, d.WouldDeadlock(2, []uint64{1}), "2 waits on 1, which already waits on 2")
}

func TestDreadlocksClearForgetsDigest(t *testing.T) {
	d := NewDreadlocks()
	d.WouldDeadlock(1, []uint64{2})
	d.Clear(1)
	assert.False(t, d.WouldDeadlock(2, []uint64{1}), "1's wait on 2 was cleared")
}
