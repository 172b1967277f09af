// Package catalog is the reference catalog of the write path: an immutable, versioned snapshot of entity
// collections. Transactions never change a snapshot, their mutations are kept in a memory layer and the next
// snapshot is created from the layer when the trunk incorporates a batch of transactions.
package catalog

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/memory"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap-incubator/tinydoc/transaction"
	"github.com/pingcap-incubator/tinydoc/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// InitialVersion is the version of an empty catalog. The first committed transaction gets version 2.
const InitialVersion uint64 = 1

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrEntityNotFound     = errors.New("entity not found")
	errReadOnly           = errors.New("catalog is not bound to a transaction manager")
)

// Committer takes over committed client transactions, transaction.Manager implements it.
type Committer interface {
	Commit(txID uuid.UUID, schemaVersionAtStart int, isolated wal.IsolatedWal, progress *transaction.CommitProgress) error
}

type Options struct {
	Name string
	// SpillDir is where isolated WALs larger than SpillThreshold are moved to, the system temp dir when empty.
	SpillDir       string
	SpillThreshold uint64
}

// volatileStats accumulates what replayed transactions changed since the last flush.
type volatileStats struct {
	entityDelta int
	schemaBumps int
	mutations   int
}

// lineage is shared by all snapshots of one catalog.
type lineage struct {
	opts Options
	wal  wal.CatalogWal

	mu        sync.Mutex
	committer Committer
	volatile  volatileStats
}

// Catalog is one immutable snapshot.
type Catalog struct {
	l             *lineage
	version       uint64
	schemaVersion int
	collections   map[string]*Collection
}

var _ transaction.Catalog = &Catalog{}

// New creates an empty catalog at InitialVersion on top of the shared WAL.
func New(opts Options, w wal.CatalogWal) *Catalog {
	return &Catalog{
		l:           &lineage{opts: opts, wal: w},
		version:     InitialVersion,
		collections: make(map[string]*Collection),
	}
}

// Bind routes client commits of all snapshots of the catalog to the committer.
func (c *Catalog) Bind(committer Committer) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	c.l.committer = committer
}

func (c *Catalog) Name() string { return c.l.opts.Name }

func (c *Catalog) Version() uint64 { return c.version }

func (c *Catalog) SchemaVersion() int { return c.schemaVersion }

// Collection returns the snapshot of the named collection.
func (c *Catalog) Collection(name string) (*Collection, bool) {
	coll, ok := c.collections[name]
	return coll, ok
}

// Collections returns the collection names in lexical order.
func (c *Catalog) Collections() []string {
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) EntityCount() int {
	count := 0
	for _, coll := range c.collections {
		count += coll.Len()
	}
	return count
}

type catalogKey struct{}

type collectionKey string

// catalogDiff holds the snapshot level changes of a layer.
type catalogDiff struct {
	version     uint64
	schemaBumps int
	// collection name to description, for created and modified collections
	schema map[string]string
}

func (c *Catalog) catalogDiff(txn *memory.Transaction) *catalogDiff {
	return txn.Layer().GetOrCreate(catalogKey{}, func() interface{} {
		return &catalogDiff{schema: make(map[string]string)}
	}).(*catalogDiff)
}

func (c *Catalog) hasCollection(txn *memory.Transaction, name string) bool {
	if _, ok := c.collections[name]; ok {
		return true
	}
	if txn == nil {
		return false
	}
	if d, ok := txn.Layer().Get(catalogKey{}); ok {
		_, ok = d.(*catalogDiff).schema[name]
		return ok
	}
	return false
}

// Get returns the entity as the transaction sees it. With a nil transaction it reads the snapshot only.
func (c *Catalog) Get(txn *memory.Transaction, collection string, pk int64) (*Entity, bool) {
	var base *Entity
	if coll, ok := c.collections[collection]; ok {
		base, _ = coll.Get(pk)
	}
	if txn == nil {
		return base, base != nil
	}
	d, ok := txn.Layer().Get(collectionKey(collection))
	if !ok {
		return base, base != nil
	}
	e, ok := resolve(base, d.(*collectionDiff).changes[pk])
	if ok {
		e.PrimaryKey = pk
	}
	return e, ok
}

// ApplyMutation records the mutation in the layer of txn. Removing a missing entity fails for client transactions
// and is ignored on replay, where a concurrent transaction may have removed it first.
func (c *Catalog) ApplyMutation(txn *memory.Transaction, m mutation.Mutation) error {
	var delta, bumps int
	switch mut := m.(type) {
	case *mutation.ModifySchemaMutation:
		if mut.Collection == "" {
			return errors.New("collection name must not be empty")
		}
		d := c.catalogDiff(txn)
		d.schema[mut.Collection] = mut.Description
		d.schemaBumps++
		bumps = 1
	case *mutation.EntityUpsertMutation:
		if !c.hasCollection(txn, mut.Collection) {
			return errors.Annotatef(ErrCollectionNotFound, "upsert entity %d into %s", mut.PrimaryKey, mut.Collection)
		}
		if _, ok := c.Get(txn, mut.Collection, mut.PrimaryKey); !ok {
			delta = 1
		}
		txn.Layer().GetOrCreate(collectionKey(mut.Collection), newCollectionDiff).(*collectionDiff).
			upsert(mut.PrimaryKey, mut.Attributes)
	case *mutation.EntityRemoveMutation:
		if _, ok := c.Get(txn, mut.Collection, mut.PrimaryKey); !ok {
			if txn.IsReplay() {
				return nil
			}
			return errors.Annotatef(ErrEntityNotFound, "remove entity %d from %s", mut.PrimaryKey, mut.Collection)
		}
		delta = -1
		txn.Layer().GetOrCreate(collectionKey(mut.Collection), newCollectionDiff).(*collectionDiff).remove(mut.PrimaryKey)
	default:
		return errors.Errorf("catalog %s cannot apply %s mutation", c.Name(), m.Kind())
	}
	if txn.IsReplay() {
		c.l.mu.Lock()
		c.l.volatile.entityDelta += delta
		c.l.volatile.schemaBumps += bumps
		c.l.volatile.mutations++
		c.l.mu.Unlock()
	}
	return nil
}

func (c *Catalog) SetVersion(txn *memory.Transaction, version uint64) error {
	if version <= c.version {
		return errors.Errorf("catalog %s at version %d cannot move to version %d", c.Name(), c.version, version)
	}
	c.catalogDiff(txn).version = version
	return nil
}

// CreateCopyWithMergedLayer sweeps the catalog diff and all collection diffs out of the layer.
func (c *Catalog) CreateCopyWithMergedLayer(layer *memory.Layer) (transaction.Catalog, error) {
	swept, ok := layer.Sweep(catalogKey{})
	if !ok {
		return nil, errors.Errorf("layer carries no version for catalog %s", c.Name())
	}
	d := swept.(*catalogDiff)
	next := &Catalog{
		l:             c.l,
		version:       d.version,
		schemaVersion: c.schemaVersion + d.schemaBumps,
		collections:   make(map[string]*Collection, len(c.collections)+len(d.schema)),
	}
	for name, coll := range c.collections {
		next.collections[name] = coll
	}
	for name, description := range d.schema {
		if coll, ok := next.collections[name]; ok {
			next.collections[name] = coll.withDescription(description)
		} else {
			next.collections[name] = newCollection(name, description)
		}
	}
	for _, producer := range layer.Producers() {
		key, ok := producer.(collectionKey)
		if !ok {
			continue
		}
		coll, ok := next.collections[string(key)]
		if !ok {
			return nil, errors.Annotatef(ErrCollectionNotFound, "merge %s", key)
		}
		diff, _ := layer.Sweep(key)
		next.collections[string(key)] = coll.merge(diff.(*collectionDiff))
	}
	return next, nil
}

// Flush stores the header of the catalog as it will look at the version once the replayed changes are merged.
func (c *Catalog) Flush(version uint64, txm *mutation.TransactionMutation) error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	h := &wal.CatalogHeader{
		CatalogName:     c.Name(),
		CatalogVersion:  version,
		SchemaVersion:   c.schemaVersion + c.l.volatile.schemaBumps,
		TransactionID:   txm.TransactionID.String(),
		EntityCount:     c.EntityCount() + c.l.volatile.entityDelta,
		CommitTimestamp: txm.CommitTimestamp,
	}
	if err := c.l.wal.StoreHeader(h); err != nil {
		return errors.Annotatef(err, "flush catalog %s at version %d", c.Name(), version)
	}
	log.Debug("catalog flushed", zap.String("catalog", c.Name()), zap.Uint64("catalog-version", version),
		zap.Int("mutations", c.l.volatile.mutations), zap.Int("entities", h.EntityCount))
	c.l.volatile = volatileStats{}
	return nil
}

func (c *Catalog) ForgetVolatileData() {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	if c.l.volatile.mutations > 0 {
		log.Info("discarding replayed changes", zap.String("catalog", c.Name()), zap.Uint64("catalog-version", c.version),
			zap.Int("mutations", c.l.volatile.mutations))
	}
	c.l.volatile = volatileStats{}
}

func (c *Catalog) CommittedMutationStream(fromVersion uint64) (wal.MutationIterator, error) {
	return c.l.wal.Stream(fromVersion)
}

func (c *Catalog) CommittedLiveMutationStream(fromVersion, toVersionAtLeast uint64) (wal.MutationIterator, error) {
	return c.l.wal.LiveStream(fromVersion, toVersionAtLeast)
}

func (c *Catalog) LastCatalogVersionInMutationStream() uint64 {
	return c.l.wal.LastVersion()
}

func (c *Catalog) AppendWalAndDiscard(txm *mutation.TransactionMutation, ref wal.Reference) error {
	defer ref.Close()
	return c.l.wal.Append(txm, ref)
}

func (c *Catalog) CommitWal(txID uuid.UUID, schemaVersionAtStart int, isolated wal.IsolatedWal, progress *transaction.CommitProgress) error {
	c.l.mu.Lock()
	committer := c.l.committer
	c.l.mu.Unlock()
	if committer == nil {
		isolated.Close()
		err := errors.Annotatef(errReadOnly, "commit transaction %s", txID)
		progress.CompleteExceptionally(err)
		return err
	}
	return committer.Commit(txID, schemaVersionAtStart, isolated, progress)
}

func (c *Catalog) CreateIsolatedWal(txID uuid.UUID) wal.IsolatedWal {
	return wal.NewSpillingWal(c.l.opts.SpillDir, c.l.opts.SpillThreshold)
}
