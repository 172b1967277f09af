package transaction

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func waitFor(t *testing.T, f *Future) (CommitVersions, error) {
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NotEqual(t, context.DeadlineExceeded, err, "commit progress did not complete")
	return v, err
}

// TestPipelineCommitsInOrder sequential commits get consecutive versions and become visible in that order.
func TestPipelineCommitsInOrder(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	for i, pk := range []int64{10, 20, 30} {
		v, err := waitFor(t, e.commit(WaitForChangesVisible, pk).Milestone())
		require.NoError(t, err)
		assert.Equal(t, uint64(i+2), v.CatalogVersion)
		assert.Equal(t, uint64(i+2), e.m.LivingCatalog().Version())
		e.requireInvariant()
	}
	assert.Equal(t, map[int64]string{10: "c", 20: "c", 30: "c"}, e.living().data)
	assert.Equal(t, Versions{Assigned: 4, Written: 4, Finalized: 4, Living: 4}, e.m.Versions())
}

func TestCommitBehaviors(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	for _, behavior := range []CommitBehavior{WaitForConflictResolution, WaitForWalPersistence, WaitForChangesVisible} {
		progress := e.commit(behavior, 1)
		v, err := waitFor(t, progress.Milestone())
		require.NoError(t, err, behavior.String())
		assert.NotZero(t, v.CatalogVersion)

		// every milestone completes eventually with the same version
		visible, err := waitFor(t, progress.ChangesVisible)
		require.NoError(t, err)
		assert.Equal(t, v.CatalogVersion, visible.CatalogVersion)
		assert.True(t, progress.ConflictResolved.IsDone())
		assert.True(t, progress.WalAppended.IsDone())
	}
	assert.Equal(t, uint64(4), e.m.Versions().Living)
}

// blockingResolver holds conflict resolution until the pipeline is cancelled.
type blockingResolver struct {
	block   atomic.Bool
	entered chan struct{}
}

func (r *blockingResolver) IdentifyConflicts(ctx context.Context, txID uuid.UUID, schemaVersionAtStart int, catalogVersion uint64) error {
	if !r.block.Load() {
		return nil
	}
	select {
	case r.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

// TestBackpressureInvalidatesPipeline a full stage queue fails the transactions of the pipeline with
// ErrQueueFull and the next commit runs on a new pipeline.
func TestBackpressureInvalidatesPipeline(t *testing.T) {
	resolver := &blockingResolver{entered: make(chan struct{}, 1)}
	resolver.block.Store(true)
	opts := testOptions()
	opts.QueueSize = 1
	opts.ConflictResolver = resolver
	e := newTestEnv(t, 1, opts)

	first := e.commit(WaitForChangesVisible, 1)
	select {
	case <-resolver.entered:
	case <-time.After(testWait):
		t.Fatal("conflict resolution did not start")
	}
	queued := e.commit(WaitForChangesVisible, 2)
	rejected := e.commit(WaitForChangesVisible, 3)

	for _, p := range []*CommitProgress{first, queued, rejected} {
		_, err := waitFor(t, p.ChangesVisible)
		assert.Equal(t, ErrQueueFull, err)
		assert.True(t, IsRetryable(err))
	}
	assert.Equal(t, uint64(1), e.m.Versions().Assigned)

	resolver.block.Store(false)
	v, err := waitFor(t, e.commit(WaitForChangesVisible, 4).Milestone())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.CatalogVersion)
	assert.Equal(t, map[int64]string{4: "c"}, e.living().data)
}

// TestWalDrainingRecoversLostTask a transaction written to the shared WAL whose trunk task was lost is
// incorporated and published by the WAL draining task.
func TestWalDrainingRecoversLostTask(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	for _, pk := range []int64{2, 3, 4} {
		_, err := waitFor(t, e.commit(WaitForChangesVisible, pk).Milestone())
		require.NoError(t, err)
	}
	version := e.writeDirectly(5)
	require.Equal(t, uint64(5), version)

	progress := NewCommitProgress(WaitForChangesVisible)
	e.m.invalidate(nil, &task{
		kind:             StageTrunkIncorporation,
		recoverOnFailure: true,
		catalogVersion:   version,
		progress:         progress,
	}, ErrPipelineClosed)

	v, err := waitFor(t, progress.ChangesVisible)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v.CatalogVersion)
	require.Eventually(t, func() bool {
		v := e.m.Versions()
		return v.Finalized == 5 && v.Living == 5
	}, testWait, testTick)
	assert.Equal(t, "w", e.living().data[5])
	e.requireInvariant()
}

func TestRecoveredTaskAlreadyVisible(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	_, err := waitFor(t, e.commit(WaitForChangesVisible, 1).Milestone())
	require.NoError(t, err)

	progress := NewCommitProgress(WaitForChangesVisible)
	e.m.recover(&task{kind: StageCatalogPropagation, recoverOnFailure: true, catalogVersion: 2, progress: progress})
	assert.True(t, progress.ChangesVisible.IsDone())
}

// TestDroppedVersionsReconciledOnInvalidation versions assigned by a torn down pipeline are handed out again.
func TestDroppedVersionsReconciledOnInvalidation(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	_, err := waitFor(t, e.commit(WaitForChangesVisible, 1).Milestone())
	require.NoError(t, err)

	assert.Equal(t, uint64(3), e.m.GetNextCatalogVersionToAssign())
	e.m.InvalidateTransactionalPublisher()
	require.Eventually(t, func() bool { return e.m.Versions().Assigned == 2 }, testWait, testTick)

	v, err := waitFor(t, e.commit(WaitForChangesVisible, 2).Milestone())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v.CatalogVersion)
	e.requireInvariant()
}

func TestCommitAfterCloseFails(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	require.NoError(t, e.m.Close())
	_, err := waitFor(t, e.commit(WaitForWalPersistence, 1).Milestone())
	assert.Equal(t, ErrManagerClosed, err)
}

// TestConcurrentCommits concurrent clients get unique gap-free versions.
func TestConcurrentCommits(t *testing.T) {
	e := newTestEnv(t, 1, testOptions())
	const clients, perClient = 8, 10

	var (
		mu       sync.Mutex
		versions []int
		wg       sync.WaitGroup
	)
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				v, err := e.commit(WaitForChangesVisible, int64(c*perClient+i)).Wait(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				versions = append(versions, int(v.CatalogVersion))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	sort.Ints(versions)
	require.Len(t, versions, clients*perClient)
	for i, v := range versions {
		require.Equal(t, i+2, v)
	}
	assert.Equal(t, uint64(clients*perClient+1), e.m.Versions().Living)
	assert.Len(t, e.living().data, clients*perClient)
	e.requireInvariant()
}
