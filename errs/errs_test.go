package errs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeRetryable(t *testing.T) {
	assert.True(t, Retry.Retryable())
	assert.True(t, LockRetry.Retryable())
	assert.False(t, Deadlock.Retryable())
	assert.False(t, NotFound.Retryable())
}

func TestCodeFatal(t *testing.T) {
	assert.True(t, Crash.Fatal())
	assert.False(t, Deadlock.Fatal())
}

func TestNewAndWrap(t *testing.T) {
	e := New(LockTimeout, "waited too long")
	require.Len(t, e.Frames, 1)

	e2 := Wrap(e, Internal)
	require.Len(t, e2.Frames, 2)
	assert.Equal(t, LockTimeout, CodeOf(e2))
}

func TestCodeOfNonError(t *testing.T) {
	assert.Equal(t, Ok, CodeOf(nil))
}
