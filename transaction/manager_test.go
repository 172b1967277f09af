package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGapFreeReplay versions 2..N are incorporated in order into a catalog at version N.
func TestGapFreeReplay(t *testing.T) {
	e := newTestEnv(t, 1, testOptions(), transactions(2, 9))
	assert.Equal(t, Versions{Assigned: 9, Written: 9, Finalized: 1, Living: 1}, e.m.Versions())

	result, err := e.m.ProcessTransactions(context.Background(), 9, time.Minute, false)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, uint64(9), result.Version())
	assert.Equal(t, uint64(9), e.m.Versions().Finalized)
	assert.Len(t, result.(*fakeCatalog).data, 8)
	e.requireInvariant()

	again, err := e.m.ProcessTransactions(context.Background(), 9, time.Minute, false)
	require.NoError(t, err)
	assert.Nil(t, again)
}

// TestReplayRestartsFromVersionBoundary a batch failing midway is retried from the last finalized version and
// ends in the same state as a clean replay.
func TestReplayRestartsFromVersionBoundary(t *testing.T) {
	clean := newTestEnv(t, 1, testOptions(), transactions(2, 6))
	expected, err := clean.m.ProcessWriteAheadLog(context.Background(), time.Minute)
	require.NoError(t, err)

	e := newTestEnv(t, 1, testOptions(), transactions(2, 6))
	e.catalog.failApply.Store(4)
	_, err = e.m.ProcessTransactions(context.Background(), 6, time.Minute, false)
	require.Error(t, err)
	assert.Equal(t, int32(1), e.catalog.stats.forgets.Load())
	assert.Equal(t, uint64(1), e.m.Versions().Finalized)

	e.catalog.failApply.Store(-1)
	recovered, err := e.m.ProcessWriteAheadLog(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, expected.Version(), recovered.Version())
	assert.Equal(t, expected.(*fakeCatalog).data, recovered.(*fakeCatalog).data)
	assert.Equal(t, uint64(6), e.m.Versions().Living)
}

// TestMutationCountMismatchIsFatal a transaction must replay exactly the mutations it declares.
func TestMutationCountMismatchIsFatal(t *testing.T) {
	tooFew := func(l *fakeLog) {
		l.append(txMutation(2, 2), upsert(1, "a"), txMutation(3, 1), upsert(2, "b"))
	}
	e := newTestEnv(t, 1, testOptions(), tooFew)
	_, err := e.m.ProcessTransactions(context.Background(), 3, time.Minute, false)
	require.Error(t, err)
	assert.True(t, IsInternal(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, uint64(1), e.m.Versions().Finalized)
	assert.Equal(t, int32(1), e.catalog.stats.forgets.Load())

	truncated := func(l *fakeLog) {
		l.append(txMutation(2, 3), upsert(1, "a"), upsert(2, "b"))
	}
	e = newTestEnv(t, 1, testOptions(), truncated)
	_, err = e.m.ProcessTransactions(context.Background(), 2, time.Minute, false)
	require.Error(t, err)
	assert.True(t, IsInternal(err))
	assert.Contains(t, err.Error(), "stream ended")
}

func TestReplayRejectsVersionGap(t *testing.T) {
	gap := func(l *fakeLog) {
		l.append(txMutation(2, 1), upsert(1, "a"), txMutation(4, 1), upsert(2, "b"))
	}
	e := newTestEnv(t, 1, testOptions(), gap)
	_, err := e.m.ProcessTransactions(context.Background(), 4, time.Minute, false)
	require.Error(t, err)
	assert.True(t, IsInternal(err))
}

// TestBatchedMaterialization versions 7 and 8 written before incorporation become one catalog at version 8.
func TestBatchedMaterialization(t *testing.T) {
	e := newTestEnv(t, 6, testOptions())
	assert.Equal(t, uint64(7), e.writeDirectly(70))
	assert.Equal(t, uint64(8), e.writeDirectly(80, 81))

	result, err := e.m.ProcessTransactions(context.Background(), 7, time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), result.Version())
	assert.Equal(t, int32(1), e.catalog.stats.merges.Load())
	assert.Equal(t, int32(1), e.catalog.stats.flushes.Load())
	assert.Equal(t, map[int64]string{70: "w", 80: "w", 81: "w"}, result.(*fakeCatalog).data)
}

func TestAppendWalRequiresNextVersion(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	e.m.GetNextCatalogVersionToAssign()
	e.m.GetNextCatalogVersionToAssign()

	iso := e.catalog.CreateIsolatedWal(uuid.Nil)
	require.NoError(t, iso.Write(1, upsert(1, "a")))
	ref, err := iso.WalReference()
	require.NoError(t, err)
	err = e.m.AppendWalAndDiscard(txMutation(3, 1), ref)
	require.Error(t, err)
	assert.True(t, IsInternal(err))
	assert.Equal(t, uint64(1), e.m.Versions().Written)
}

// TestStageGuardsFailFast a second driver of a busy stage gets a retryable time out instead of waiting.
func TestStageGuardsFailFast(t *testing.T) {
	e := newTestEnv(t, 1, testOptions(), transactions(2, 2))
	require.NoError(t, e.m.trunkGuard.tryAcquire())
	_, err := e.m.ProcessTransactions(context.Background(), 2, time.Minute, false)
	require.Error(t, err)
	assert.True(t, IsTimedOut(err))
	assert.True(t, IsRetryable(err))
	e.m.trunkGuard.release()

	require.NoError(t, e.m.walGuard.tryAcquire())
	assert.True(t, IsTimedOut(e.m.AppendWalAndDiscard(txMutation(3, 0), nil)))
	e.m.walGuard.release()

	require.NoError(t, e.m.propagationGuard.tryAcquire())
	assert.True(t, IsTimedOut(e.m.PropagateCatalogSnapshot(e.catalog)))
	e.m.propagationGuard.release()
}

func TestProcessWriteAheadLogPublishes(t *testing.T) {
	var published []uint64
	opts := testOptions()
	opts.OnPublish = func(c Catalog) { published = append(published, c.Version()) }
	e := newTestEnv(t, 1, opts, transactions(2, 4))

	living, err := e.m.ProcessWriteAheadLog(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), living.Version())
	assert.Equal(t, []uint64{4}, published)
	assert.Equal(t, Versions{Assigned: 4, Written: 4, Finalized: 4, Living: 4}, e.m.Versions())

	// nothing new
	living, err = e.m.ProcessWriteAheadLog(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), living.Version())

	// stale catalogs are not published again
	require.NoError(t, e.m.PropagateCatalogSnapshot(e.catalog))
	assert.Equal(t, []uint64{4}, published)
}

func TestProcessTransactionsExpectsTransactionMutationFirst(t *testing.T) {
	e := newTestEnv(t, 1, testOptions(), func(l *fakeLog) {
		l.append(txMutation(2, 1), upsert(1, "a"), upsert(5, "stray"), txMutation(3, 1), upsert(2, "b"))
	})
	_, err := e.m.ProcessTransactions(context.Background(), 3, time.Minute, false)
	require.Error(t, err)
	assert.True(t, IsInternal(err))
	assert.Contains(t, err.Error(), "expected transaction mutation")
}
