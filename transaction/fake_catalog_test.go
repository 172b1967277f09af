package transaction

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/memory"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap-incubator/tinydoc/wal"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fakeLog is a shared WAL kept as a plain slice so tests can also write records the real WALs would refuse.
type fakeLog struct {
	mu      sync.Mutex
	records []mutation.Mutation
	last    uint64
}

func (l *fakeLog) append(records ...mutation.Mutation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		if txm, ok := r.(*mutation.TransactionMutation); ok {
			l.last = txm.CatalogVersion
		}
		l.records = append(l.records, r)
	}
}

func (l *fakeLog) from(version uint64) *sliceIterator {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.records {
		if txm, ok := r.(*mutation.TransactionMutation); ok && txm.CatalogVersion >= version {
			return &sliceIterator{records: append([]mutation.Mutation{}, l.records[i:]...)}
		}
	}
	return &sliceIterator{}
}

type sliceIterator struct {
	records []mutation.Mutation
	idx     int
}

func (it *sliceIterator) Next() (mutation.Mutation, error) {
	if it.idx >= len(it.records) {
		return nil, io.EOF
	}
	it.idx++
	return it.records[it.idx-1], nil
}

func (it *sliceIterator) Close() error { return nil }

type fakeStats struct {
	flushes atomic.Int32
	merges  atomic.Int32
	forgets atomic.Int32
}

type fakeKey struct{}

type fakeDiff struct {
	puts        map[int64]string
	removes     map[int64]bool
	schemaBumps int
	version     uint64
}

// fakeCatalog maps primary keys to the "code" attribute of their entities.
type fakeCatalog struct {
	version uint64
	schema  int
	data    map[int64]string

	log       *fakeLog
	stats     *fakeStats
	committer *Manager
	// failApply makes ApplyMutation fail for the given primary key while set
	failApply *atomic.Int64
}

func newFakeCatalog(version uint64) *fakeCatalog {
	return &fakeCatalog{
		version:   version,
		data:      map[int64]string{},
		log:       &fakeLog{},
		stats:     &fakeStats{},
		failApply: atomic.NewInt64(-1),
	}
}

func (c *fakeCatalog) Name() string { return "test" }

func (c *fakeCatalog) Version() uint64 { return c.version }

func (c *fakeCatalog) SchemaVersion() int { return c.schema }

func (c *fakeCatalog) diff(txn *memory.Transaction) *fakeDiff {
	return txn.Layer().GetOrCreate(fakeKey{}, func() interface{} {
		return &fakeDiff{puts: map[int64]string{}, removes: map[int64]bool{}}
	}).(*fakeDiff)
}

func (c *fakeCatalog) ApplyMutation(txn *memory.Transaction, m mutation.Mutation) error {
	d := c.diff(txn)
	switch mut := m.(type) {
	case *mutation.EntityUpsertMutation:
		if mut.PrimaryKey == c.failApply.Load() {
			return errors.Errorf("injected failure for entity %d", mut.PrimaryKey)
		}
		d.puts[mut.PrimaryKey] = mut.Attributes["code"]
		delete(d.removes, mut.PrimaryKey)
	case *mutation.EntityRemoveMutation:
		d.removes[mut.PrimaryKey] = true
		delete(d.puts, mut.PrimaryKey)
	case *mutation.ModifySchemaMutation:
		d.schemaBumps++
	default:
		return errors.Errorf("unexpected mutation %s", m.Kind())
	}
	return nil
}

func (c *fakeCatalog) SetVersion(txn *memory.Transaction, version uint64) error {
	c.diff(txn).version = version
	return nil
}

func (c *fakeCatalog) CreateCopyWithMergedLayer(layer *memory.Layer) (Catalog, error) {
	c.stats.merges.Inc()
	swept, ok := layer.Sweep(fakeKey{})
	if !ok {
		return nil, errors.New("nothing to merge")
	}
	d := swept.(*fakeDiff)
	data := make(map[int64]string, len(c.data)+len(d.puts))
	for k, v := range c.data {
		data[k] = v
	}
	for k := range d.removes {
		delete(data, k)
	}
	for k, v := range d.puts {
		data[k] = v
	}
	next := *c
	next.version = d.version
	next.schema = c.schema + d.schemaBumps
	next.data = data
	return &next, nil
}

func (c *fakeCatalog) Flush(version uint64, txm *mutation.TransactionMutation) error {
	c.stats.flushes.Inc()
	return nil
}

func (c *fakeCatalog) ForgetVolatileData() {
	c.stats.forgets.Inc()
}

func (c *fakeCatalog) CommittedMutationStream(fromVersion uint64) (wal.MutationIterator, error) {
	return c.log.from(fromVersion), nil
}

func (c *fakeCatalog) CommittedLiveMutationStream(fromVersion, toVersionAtLeast uint64) (wal.MutationIterator, error) {
	return c.log.from(fromVersion), nil
}

func (c *fakeCatalog) LastCatalogVersionInMutationStream() uint64 {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	return c.log.last
}

func (c *fakeCatalog) AppendWalAndDiscard(txm *mutation.TransactionMutation, ref wal.Reference) error {
	defer ref.Close()
	it, err := ref.Mutations()
	if err != nil {
		return err
	}
	defer it.Close()
	records := []mutation.Mutation{txm}
	for {
		m, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		records = append(records, m)
	}
	c.log.append(records...)
	return nil
}

func (c *fakeCatalog) CommitWal(txID uuid.UUID, schemaVersionAtStart int, isolated wal.IsolatedWal, progress *CommitProgress) error {
	return c.committer.Commit(txID, schemaVersionAtStart, isolated, progress)
}

func (c *fakeCatalog) CreateIsolatedWal(txID uuid.UUID) wal.IsolatedWal {
	return wal.NewSpillingWal("", 0)
}

const (
	testWait = 5 * time.Second
	testTick = 5 * time.Millisecond
)

type testEnv struct {
	t       *testing.T
	catalog *fakeCatalog
	m       *Manager
}

func testOptions() Options {
	return Options{
		QueueSize:           16,
		FlushFrequency:      50 * time.Millisecond,
		WalDrainingInterval: 10 * time.Millisecond,
	}
}

// newTestEnv creates a manager over a catalog at the given version. Transactions appended to the log by prepare
// are already in the shared WAL when the manager starts.
func newTestEnv(t *testing.T, version uint64, opts Options, prepare ...func(*fakeLog)) *testEnv {
	c := newFakeCatalog(version)
	for _, p := range prepare {
		p(c.log)
	}
	m := NewManager(c, opts)
	c.committer = m
	t.Cleanup(func() { m.Close() })
	return &testEnv{t: t, catalog: c, m: m}
}

func upsert(pk int64, code string) *mutation.EntityUpsertMutation {
	return &mutation.EntityUpsertMutation{Collection: "product", PrimaryKey: pk, Attributes: map[string]string{"code": code}}
}

func txMutation(version uint64, count uint32) *mutation.TransactionMutation {
	return &mutation.TransactionMutation{
		TransactionID:   uuid.New(),
		CatalogVersion:  version,
		MutationCount:   count,
		CommitTimestamp: time.Now(),
	}
}

// transactions writes one transaction per version, each upserting the entity with the version as primary key.
func transactions(from, to uint64) func(*fakeLog) {
	return func(l *fakeLog) {
		for v := from; v <= to; v++ {
			l.append(txMutation(v, 1), upsert(int64(v), "v"))
		}
	}
}

// commit runs a client transaction upserting the entities through the whole write path.
func (e *testEnv) commit(behavior CommitBehavior, pks ...int64) *CommitProgress {
	progress := NewCommitProgress(behavior)
	id := uuid.New()
	living := e.m.LivingCatalog()
	txn := memory.NewTransaction(id, NewWalFinalizer(living, id, progress), false)
	for _, pk := range pks {
		m := upsert(pk, "c")
		require.NoError(e.t, living.ApplyMutation(txn, m))
		require.NoError(e.t, txn.RegisterMutation(m))
	}
	txn.Close()
	return progress
}

// writeDirectly assigns the next version and appends a transaction to the shared WAL outside the pipeline.
func (e *testEnv) writeDirectly(pks ...int64) uint64 {
	version := e.m.GetNextCatalogVersionToAssign()
	iso := wal.NewSpillingWal("", 0)
	for _, pk := range pks {
		require.NoError(e.t, iso.Write(version-1, upsert(pk, "w")))
	}
	ref, err := iso.WalReference()
	require.NoError(e.t, err)
	require.NoError(e.t, e.m.AppendWalAndDiscard(txMutation(version, uint32(len(pks))), ref))
	return version
}

func (e *testEnv) living() *fakeCatalog {
	return e.m.LivingCatalog().(*fakeCatalog)
}

func (e *testEnv) requireInvariant() {
	v := e.m.Versions()
	require.LessOrEqual(e.t, v.Living, v.Finalized, "%s", v)
	require.LessOrEqual(e.t, v.Finalized, v.Written, "%s", v)
	require.LessOrEqual(e.t, v.Written, v.Assigned, "%s", v)
}
