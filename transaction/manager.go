package transaction

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/memory"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap-incubator/tinydoc/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
)

// Options tune a Manager.
type Options struct {
	// QueueSize bounds the queue in front of every stage.
	QueueSize int
	// FlushFrequency is the time budget of one trunk incorporation batch.
	FlushFrequency time.Duration
	// WalDrainingInterval is the minimal pause between two WAL draining runs.
	WalDrainingInterval time.Duration
	// ConflictResolver defaults to AdmitAll.
	ConflictResolver ConflictResolver
	// OnPublish is called with every catalog before it becomes the living one.
	OnPublish func(Catalog)
}

func DefaultOptions() Options {
	return Options{
		QueueSize:           128,
		FlushFrequency:      time.Second,
		WalDrainingInterval: time.Second,
	}
}

func (o *Options) adjust() {
	def := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.FlushFrequency <= 0 {
		o.FlushFrequency = def.FlushFrequency
	}
	if o.WalDrainingInterval <= 0 {
		o.WalDrainingInterval = def.WalDrainingInterval
	}
	if o.ConflictResolver == nil {
		o.ConflictResolver = AdmitAll{}
	}
}

// Manager drives committed transactions of one catalog from the isolated WAL to the live catalog.
type Manager struct {
	opts        Options
	catalogName string
	versions    *VersionState

	ctx    context.Context
	cancel context.CancelFunc

	conflictGuard    *stageGuard
	walGuard         *stageGuard
	trunkGuard       *stageGuard
	propagationGuard *stageGuard

	mu        sync.Mutex
	pipeline  *pipeline
	pipelines uint64
	closed    bool

	drainer *walDrainer
	// commit progress of transactions whose task was lost after the WAL append, keyed by catalog version
	parked *skipmap.FuncMap[uint64, *CommitProgress]
}

// NewManager creates the manager of a catalog. Transactions found in the shared WAL beyond the catalog version are
// not replayed until ProcessWriteAheadLog is called.
func NewManager(catalog Catalog, opts Options) *Manager {
	opts.adjust()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:             opts,
		catalogName:      catalog.Name(),
		versions:         NewVersionState(catalog, catalog.LastCatalogVersionInMutationStream()),
		ctx:              ctx,
		cancel:           cancel,
		conflictGuard:    newStageGuard(StageConflictResolution.String()),
		walGuard:         newStageGuard(StageWalAppending.String()),
		trunkGuard:       newStageGuard(StageTrunkIncorporation.String()),
		propagationGuard: newStageGuard(StageCatalogPropagation.String()),
		parked:           skipmap.NewFunc[uint64, *CommitProgress](func(a, b uint64) bool { return a < b }),
	}
	m.drainer = newWalDrainer(m, opts.WalDrainingInterval)
	m.versions.report(m.catalogName)
	return m
}

// Commit hands a client transaction over to the pipeline without waiting. When the pipeline cannot accept it, the
// pipeline is torn down and the transaction fails with ErrQueueFull; the next commit builds a fresh pipeline.
func (m *Manager) Commit(txID uuid.UUID, schemaVersionAtStart int, isolated wal.IsolatedWal, progress *CommitProgress) error {
	t := newConflictResolutionTask(txID, schemaVersionAtStart, isolated, progress)
	p, err := m.activePipeline()
	if err != nil {
		t.fail(err)
		return err
	}
	if !p.submit(t) {
		log.Warn("transaction pipeline is saturated", zap.String("catalog", m.catalogName),
			zap.Stringer("transaction-id", txID))
		m.invalidate(p, t, ErrQueueFull)
		t.fail(ErrQueueFull)
		return ErrQueueFull
	}
	log.Debug("transaction submitted", zap.Stringer("transaction-id", txID), zap.Int("mutations", isolated.MutationCount()),
		zap.Stringer("behavior", progress.Behavior()))
	return nil
}

// activePipeline returns the running pipeline, building a new one when the previous was invalidated. A new
// pipeline only starts after the invalidated one stopped, so the two never assign versions concurrently.
func (m *Manager) activePipeline() (*pipeline, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		current := m.pipeline
		if current == nil {
			m.pipelines++
			m.pipeline = newPipeline(m.pipelines, m)
			p := m.pipeline
			m.mu.Unlock()
			return p, nil
		}
		if !current.invalidated.Load() {
			m.mu.Unlock()
			return current, nil
		}
		m.mu.Unlock()

		<-current.done
		m.mu.Lock()
		if m.pipeline == current {
			m.pipeline = nil
		}
		m.mu.Unlock()
	}
}

// InvalidateTransactionalPublisher tears the current pipeline down. Queued transactions fail with
// ErrPipelineClosed unless they are in the shared WAL already.
func (m *Manager) InvalidateTransactionalPublisher() {
	m.mu.Lock()
	p := m.pipeline
	m.mu.Unlock()
	if p != nil {
		m.invalidate(p, nil, ErrPipelineClosed)
	}
}

// invalidate stops the pipeline because of the failed task. Tasks whose transaction is in the shared WAL already
// are left to the WAL draining task.
func (m *Manager) invalidate(p *pipeline, t *task, cause error) {
	if p != nil && p.stop(cause) {
		stage := "manual"
		if t != nil {
			stage = t.kind.String()
		}
		pipelineInvalidatedCounter.WithLabelValues(stage).Inc()
		log.Warn("transaction pipeline invalidated", zap.String("catalog", m.catalogName), zap.Uint64("pipeline", p.id),
			zap.String("stage", stage), zap.Error(cause))
	}
	if t != nil && t.recoverOnFailure {
		m.recover(t)
	}
}

// reconcileDroppedVersions returns the versions assigned by a stopped pipeline but never written.
func (m *Manager) reconcileDroppedVersions(p *pipeline) {
	v := m.versions.Snapshot()
	if v.Assigned <= v.Written {
		return
	}
	dropped := v.Assigned - v.Written
	if err := m.NotifyCatalogVersionDropped(dropped); err != nil {
		log.Error("failed to reconcile dropped catalog versions", zap.Uint64("pipeline", p.id), zap.Error(err))
		return
	}
	log.Warn("catalog versions dropped with the pipeline", zap.String("catalog", m.catalogName),
		zap.Uint64("pipeline", p.id), zap.Uint64("dropped", dropped), zap.Uint64("assigned", v.Assigned-dropped))
}

func (m *Manager) forward(p *pipeline, t *task, kind StageKind) {
	next := t.forward(kind)
	if p.submit(next) {
		return
	}
	log.Warn("pipeline stage rejected task", zap.String("stage", kind.String()), zap.Stringer("transaction-id", t.txID),
		zap.Uint64("catalog-version", t.catalogVersion))
	m.invalidate(p, next, ErrQueueFull)
	if !next.recoverOnFailure {
		next.fail(ErrQueueFull)
	}
}

// IdentifyConflicts asks the conflict resolver to admit the transaction.
func (m *Manager) IdentifyConflicts(ctx context.Context, txID uuid.UUID, schemaVersionAtStart int) error {
	if err := m.conflictGuard.tryAcquire(); err != nil {
		return err
	}
	defer m.conflictGuard.release()
	return m.opts.ConflictResolver.IdentifyConflicts(ctx, txID, schemaVersionAtStart, m.versions.assigned.Load())
}

func (m *Manager) resolveConflicts(p *pipeline, t *task) {
	if err := m.IdentifyConflicts(p.ctx, t.txID, t.schemaVersionAtStart); err != nil {
		if p.ctx.Err() != nil {
			err = p.closeCause()
		}
		log.Debug("transaction rejected", zap.Stringer("transaction-id", t.txID), zap.Error(err))
		t.fail(err)
		return
	}
	t.catalogVersion = m.GetNextCatalogVersionToAssign()
	t.progress.ConflictResolved.Complete(CommitVersions{CatalogVersion: t.catalogVersion, SchemaVersion: t.schemaVersionAtStart})
	m.forward(p, t, StageWalAppending)
}

// GetNextCatalogVersionToAssign hands out the next catalog version. Conflict resolution calls it once per
// admitted transaction.
func (m *Manager) GetNextCatalogVersionToAssign() uint64 {
	return m.versions.NextToAssign()
}

func (m *Manager) appendWal(p *pipeline, t *task) {
	ref, err := t.isolated.WalReference()
	if err != nil {
		t.fail(err)
		m.invalidate(p, t, err)
		return
	}
	txm := &mutation.TransactionMutation{
		TransactionID:     t.txID,
		CatalogVersion:    t.catalogVersion,
		MutationCount:     uint32(t.isolated.MutationCount()),
		MutationSizeBytes: t.isolated.MutationSizeInBytes(),
		CommitTimestamp:   time.Now(),
	}
	if err := m.AppendWalAndDiscard(txm, ref); err != nil {
		log.Error("failed to append transaction to the wal", zap.Stringer("transaction-id", t.txID),
			zap.Uint64("catalog-version", t.catalogVersion), zap.Error(err))
		ref.Close()
		t.fail(err)
		m.invalidate(p, t, err)
		return
	}
	t.isolated = nil
	t.progress.WalAppended.Complete(CommitVersions{CatalogVersion: t.catalogVersion, SchemaVersion: t.schemaVersionAtStart})
	m.forward(p, t, StageTrunkIncorporation)
}

// AppendWalAndDiscard copies the isolated WAL behind ref into the shared WAL as the next catalog version.
func (m *Manager) AppendWalAndDiscard(txm *mutation.TransactionMutation, ref wal.Reference) error {
	if err := m.walGuard.tryAcquire(); err != nil {
		return err
	}
	defer m.walGuard.release()
	if written := m.versions.written.Load(); txm.CatalogVersion != written+1 {
		return internalErrorf("transaction %s carries catalog version %d, the next version to write is %d",
			txm.TransactionID, txm.CatalogVersion, written+1)
	}
	if err := m.versions.FinalizedCatalog().AppendWalAndDiscard(txm, ref); err != nil {
		return err
	}
	if err := m.UpdateLastWrittenCatalogVersion(txm.CatalogVersion); err != nil {
		return err
	}
	log.Debug("transaction appended to wal", zap.Stringer("transaction-id", txm.TransactionID),
		zap.Uint64("catalog-version", txm.CatalogVersion), zap.Uint32("mutations", txm.MutationCount),
		zap.Uint64("bytes", txm.MutationSizeBytes))
	return nil
}

func (m *Manager) incorporateIntoTrunk(p *pipeline, t *task) {
	if t.catalogVersion <= m.versions.finalized.Load() {
		// an earlier batch incorporated this transaction already
		if err := m.versions.WaitUntilLiveVersionReaches(p.ctx, t.catalogVersion); err != nil {
			m.recover(t)
			return
		}
		t.progress.ChangesVisible.Complete(CommitVersions{
			CatalogVersion: t.catalogVersion,
			SchemaVersion:  m.LivingCatalog().SchemaVersion(),
		})
		return
	}
	result, err := m.ProcessTransactions(p.ctx, t.catalogVersion, m.opts.FlushFrequency, true)
	if err == nil && result == nil {
		err = internalErrorf("catalog version %d was written but is missing in the mutation stream", t.catalogVersion)
	}
	if err != nil {
		if p.ctx.Err() == nil && !IsTimedOut(err) {
			log.Error("trunk incorporation failed", zap.Uint64("catalog-version", t.catalogVersion), zap.Error(err))
		}
		m.invalidate(p, t, err)
		return
	}
	t.catalog = result
	m.forward(p, t, StageCatalogPropagation)
}

// ProcessTransactions replays the transactions written to the shared WAL after the last finalized catalog and
// materializes them as one new catalog. It replays at least up to nextCatalogVersionAtLeast and keeps going while
// the time budget lasts and the WAL has more. With alive set the stream waits for transactions that are being
// appended concurrently.
//
// It returns a nil catalog when the WAL holds nothing new. On failure the volatile data of the replay are discarded
// and the batch can be retried from the same finalized version.
func (m *Manager) ProcessTransactions(ctx context.Context, nextCatalogVersionAtLeast uint64, timeout time.Duration, alive bool) (Catalog, error) {
	if err := m.trunkGuard.tryAcquire(); err != nil {
		return nil, err
	}
	defer m.trunkGuard.release()

	catalog := m.versions.FinalizedCatalog()
	lastFinalized := catalog.Version()
	from := lastFinalized + 1
	if lastFinalized == 0 {
		from = 2
	}

	var (
		stream wal.MutationIterator
		err    error
	)
	if alive {
		stream, err = catalog.CommittedLiveMutationStream(from, nextCatalogVersionAtLeast)
	} else {
		stream, err = catalog.CommittedMutationStream(from)
	}
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result, batch, err := m.replay(catalog, stream, from, nextCatalogVersionAtLeast, timeout)
	if err != nil {
		catalog.ForgetVolatileData()
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if err := m.UpdateLastFinalizedCatalog(result, result.Version()); err != nil {
		catalog.ForgetVolatileData()
		return nil, err
	}
	incorporatedTransactionsHistogram.Observe(float64(batch.transactions))
	replayedMutationsCounter.Add(float64(batch.localMutations))
	log.Info("catalog version materialized", zap.String("catalog", m.catalogName),
		zap.Uint64("catalog-version", result.Version()), zap.Uint64("previous-version", lastFinalized),
		zap.Int("transactions", batch.transactions), zap.Int("mutations", batch.localMutations),
		zap.Duration("took", batch.took))

	// at most one finalized catalog may wait for publication
	if err := m.versions.WaitUntilLiveVersionReaches(ctx, lastFinalized); err != nil {
		return result, errors.Annotatef(err, "catalog version %d was materialized but version %d was not published",
			result.Version(), lastFinalized)
	}
	return result, nil
}

type batchStats struct {
	transactions   int
	localMutations int
	took           time.Duration
}

func (m *Manager) replay(catalog Catalog, stream wal.MutationIterator, from, atLeast uint64, timeout time.Duration) (Catalog, batchStats, error) {
	var stats batchStats
	start := time.Now()
	deadline := start.Add(timeout)

	next, err := stream.Next()
	if err == io.EOF {
		return nil, stats, nil
	}
	if err != nil {
		return nil, stats, errors.Trace(err)
	}

	finalizer := NewTrunkFinalizer(catalog)
	layer := memory.NewLayer()
	expected := from
	var last *mutation.TransactionMutation
	for {
		txm, ok := next.(*mutation.TransactionMutation)
		if !ok {
			return nil, stats, internalErrorf("expected transaction mutation at catalog version %d, found %s", expected, next.Kind())
		}
		if txm.CatalogVersion != expected {
			return nil, stats, internalErrorf("expected catalog version %d in the mutation stream, found %d", expected, txm.CatalogVersion)
		}
		local, err := m.replayTransaction(catalog, finalizer, layer, stream, txm)
		if err != nil {
			return nil, stats, err
		}
		last = txm
		stats.localMutations += local
		expected = txm.CatalogVersion + 1

		if last.CatalogVersion >= atLeast && time.Now().After(deadline) {
			break
		}
		if catalog.LastCatalogVersionInMutationStream() <= last.CatalogVersion {
			break
		}
		next, err = stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, errors.Trace(err)
		}
	}
	if last.CatalogVersion < atLeast {
		return nil, stats, internalErrorf("mutation stream ended at catalog version %d before reaching version %d",
			last.CatalogVersion, atLeast)
	}

	stats.transactions = finalizer.Commits()
	result, err := finalizer.CommitCatalogChanges(last.CatalogVersion, last)
	if err != nil {
		return nil, stats, err
	}
	stats.took = time.Since(start)
	return result, stats, nil
}

// replayTransaction applies exactly MutationCount mutations of the transaction onto the shared layer.
func (m *Manager) replayTransaction(catalog Catalog, finalizer *TrunkFinalizer, layer *memory.Layer,
	stream wal.MutationIterator, txm *mutation.TransactionMutation) (int, error) {
	txn := memory.NewTransactionOnLayer(txm.TransactionID, finalizer, layer, true)
	local := 0
	for i := uint32(0); i < txm.MutationCount; i++ {
		mut, err := stream.Next()
		if err == io.EOF {
			return 0, internalErrorf("transaction %s at catalog version %d declares %d mutations but the stream ended after %d",
				txm.TransactionID, txm.CatalogVersion, txm.MutationCount, i)
		}
		if err != nil {
			return 0, errors.Trace(err)
		}
		if mut.Kind() == mutation.KindTransaction {
			return 0, internalErrorf("transaction %s at catalog version %d declares %d mutations but the next transaction starts after %d",
				txm.TransactionID, txm.CatalogVersion, txm.MutationCount, i)
		}
		if err := catalog.ApplyMutation(txn, mut); err != nil {
			return 0, errors.Annotatef(err, "replay %s of transaction %s", mut.Kind(), txm.TransactionID)
		}
		local += mutation.LocalMutationCount(mut)
	}
	if err := catalog.SetVersion(txn, txm.CatalogVersion); err != nil {
		return 0, err
	}
	if err := txn.Close(); err != nil {
		return 0, err
	}
	return local, nil
}

// ProcessWriteAheadLog replays everything the shared WAL holds beyond the finalized catalog and publishes the
// result. It is used on start-up, before any transaction is committed.
func (m *Manager) ProcessWriteAheadLog(ctx context.Context, timeout time.Duration) (Catalog, error) {
	for {
		v := m.versions.Snapshot()
		if v.Finalized >= v.Written {
			break
		}
		log.Info("replaying write-ahead log", zap.String("catalog", m.catalogName),
			zap.Uint64("from", v.Finalized+1), zap.Uint64("to", v.Written))
		result, err := m.ProcessTransactions(ctx, v.Written, timeout, false)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, internalErrorf("write-ahead log should contain catalog version %d", v.Written)
		}
		if err := m.PropagateCatalogSnapshot(result); err != nil {
			return nil, err
		}
	}
	return m.LivingCatalog(), nil
}

func (m *Manager) propagate(p *pipeline, t *task) {
	if err := m.PropagateCatalogSnapshot(t.catalog); err != nil {
		m.invalidate(p, t, err)
		return
	}
	t.progress.ChangesVisible.Complete(CommitVersions{CatalogVersion: t.catalogVersion, SchemaVersion: t.catalog.SchemaVersion()})
}

// PropagateCatalogSnapshot makes the catalog the living one. Catalogs older than the living one are ignored, they
// were published by the WAL draining task in the meantime.
func (m *Manager) PropagateCatalogSnapshot(catalog Catalog) error {
	if err := m.propagationGuard.tryAcquire(); err != nil {
		return err
	}
	defer m.propagationGuard.release()
	if catalog.Version() <= m.versions.living.Load() {
		return nil
	}
	if m.opts.OnPublish != nil {
		m.opts.OnPublish(catalog)
	}
	if err := m.NotifyCatalogPresentInLiveView(catalog); err != nil {
		return err
	}
	log.Debug("catalog published", zap.String("catalog", m.catalogName), zap.Uint64("catalog-version", catalog.Version()))
	return nil
}

// AdvanceVersion moves the assigned, written and finalized versions to the version.
func (m *Manager) AdvanceVersion(version uint64) error {
	defer m.versions.report(m.catalogName)
	return m.versions.Advance(version)
}

// NotifyCatalogPresentInLiveView records the catalog as the living one and releases commits waiting for it.
func (m *Manager) NotifyCatalogPresentInLiveView(catalog Catalog) error {
	if err := m.versions.PresentInLiveView(catalog); err != nil {
		return err
	}
	m.versions.report(m.catalogName)
	m.completeParked(catalog)
	return nil
}

// NotifyCatalogVersionDropped takes back n assigned versions that will never be written.
func (m *Manager) NotifyCatalogVersionDropped(n uint64) error {
	defer m.versions.report(m.catalogName)
	return m.versions.Dropped(n)
}

func (m *Manager) UpdateLastWrittenCatalogVersion(version uint64) error {
	defer m.versions.report(m.catalogName)
	return m.versions.UpdateWritten(version)
}

func (m *Manager) UpdateLastFinalizedCatalog(catalog Catalog, version uint64) error {
	defer m.versions.report(m.catalogName)
	return m.versions.UpdateFinalized(version, catalog)
}

func (m *Manager) LivingCatalog() Catalog {
	return m.versions.LivingCatalog()
}

func (m *Manager) LastFinalizedCatalog() Catalog {
	return m.versions.FinalizedCatalog()
}

func (m *Manager) Versions() Versions {
	return m.versions.Snapshot()
}

// recover leaves the transaction of a lost task to the WAL draining task.
func (m *Manager) recover(t *task) {
	m.parked.Store(t.catalogVersion, t.progress)
	if living := m.LivingCatalog(); living.Version() >= t.catalogVersion {
		m.completeParked(living)
		return
	}
	m.drainer.schedule(t.catalogVersion)
}

func (m *Manager) completeParked(catalog Catalog) {
	version := catalog.Version()
	m.parked.Range(func(v uint64, progress *CommitProgress) bool {
		if v > version {
			return false
		}
		progress.ChangesVisible.Complete(CommitVersions{CatalogVersion: v, SchemaVersion: catalog.SchemaVersion()})
		m.parked.Delete(v)
		return true
	})
}

// Close stops the pipeline and the WAL draining task. Commits waiting for visibility fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	p := m.pipeline
	m.pipeline = nil
	m.mu.Unlock()

	m.drainer.stop()
	if p != nil {
		p.stop(ErrManagerClosed)
		<-p.done
	}
	m.cancel()
	m.parked.Range(func(v uint64, progress *CommitProgress) bool {
		progress.CompleteExceptionally(ErrManagerClosed)
		m.parked.Delete(v)
		return true
	})
	log.Info("transaction manager closed", zap.String("catalog", m.catalogName), zap.Stringer("versions", m.Versions()))
	return nil
}
