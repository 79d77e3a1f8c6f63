package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foster-db/fostertree/logmgr"
)

func newTestLog(t *testing.T) *logmgr.Manager {
	t.Helper()
	m, err := logmgr.New(logmgr.Config{Dir: t.TempDir(), PartitionCapacity: logmgr.SegmentSize * 2, PartitionCount: 4})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestBeginRejectsNestedUserTxn(t *testing.T) {
	log := newTestLog(t)
	x1, ctx, err := Begin(context.Background(), log, false, false)
	require.NoError(t, err)
	require.NotNil(t, x1)

	_, _, err = Begin(ctx, log, false, false)
	assert.Error(t, err)
}

func TestBeginAllowsSSXNestedInUserTxn(t *testing.T) {
	log := newTestLog(t)
	_, ctx, err := Begin(context.Background(), log, false, false)
	require.NoError(t, err)

	ssx, _, err := Begin(ctx, log, true, true)
	require.NoError(t, err)
	assert.True(t, ssx.IsSystemTransaction())
}

func TestSSXChainLenIncrements(t *testing.T) {
	log := newTestLog(t)
	_, ctx, err := Begin(context.Background(), log, true, true)
	require.NoError(t, err)
	ssx1 := Current(ctx)
	require.NotNil(t, ssx1)

	ssx2, _, err := Begin(ctx, log, true, true)
	require.NoError(t, err)
	assert.Equal(t, ssx1.chainLen+1, ssx2.chainLen)
}

func TestAppendTracksFirstAndLastLSN(t *testing.T) {
	log := newTestLog(t)
	x, _, err := Begin(context.Background(), log, false, false)
	require.NoError(t, err)
	require.NoError(t, log.Reserve(x.ID(), 32, false))

	lsn1, err := x.Append(&logmgr.Record{Type: logmgr.RecInsert, Payload: []byte("a")}, nil)
	require.NoError(t, err)
	require.NoError(t, log.Reserve(x.ID(), 32, false))
	lsn2, err := x.Append(&logmgr.Record{Type: logmgr.RecInsert, Payload: []byte("b")}, nil)
	require.NoError(t, err)

	assert.Equal(t, lsn1, x.firstLSN)
	assert.Equal(t, lsn2, x.lastLSN)
}

func TestAbortRunsUndoInReverseAndSkipsCompensated(t *testing.T) {
	log := newTestLog(t)
	x, _, err := Begin(context.Background(), log, false, false)
	require.NoError(t, err)

	var order []int
	require.NoError(t, log.Reserve(x.ID(), 32, false))
	_, err = x.Append(&logmgr.Record{Type: logmgr.RecInsert}, func() error { order = append(order, 1); return nil })
	require.NoError(t, err)

	anchor := x.Anchor()
	require.NoError(t, log.Reserve(x.ID(), 32, false))
	_, err = x.Append(&logmgr.Record{Type: logmgr.RecInsert}, func() error { order = append(order, 2); return nil })
	require.NoError(t, err)
	x.Compensate(anchor)

	require.NoError(t, log.Reserve(x.ID(), 32, false))
	require.NoError(t, x.Abort(nil))

	assert.Equal(t, []int{1}, order, "the compensated entry must be skipped on abort")
}

func TestCommitWritesCommitRecordAndEnds(t *testing.T) {
	log := newTestLog(t)
	x, _, err := Begin(context.Background(), log, false, false)
	require.NoError(t, err)
	require.NoError(t, log.Reserve(x.ID(), 32, false))
	released := false
	require.NoError(t, x.Commit(func(uint64) { released = true }, false))
	assert.Equal(t, StateEnded, x.state)
	assert.True(t, released)
}
