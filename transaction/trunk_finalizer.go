package transaction

import (
	"github.com/pingcap-incubator/tinydoc/memory"
	"github.com/pingcap-incubator/tinydoc/mutation"
)

// TrunkFinalizer collects replayed transactions of one incorporation batch in a single memory layer and
// materializes them as one catalog.
type TrunkFinalizer struct {
	catalog Catalog

	layer        *memory.Layer
	commits      int
	materialized bool
}

var _ Handler = (*TrunkFinalizer)(nil)

func NewTrunkFinalizer(catalog Catalog) *TrunkFinalizer {
	return &TrunkFinalizer{catalog: catalog}
}

// Commit accepts the layer of a replayed transaction. All transactions of the batch must share the same layer.
func (f *TrunkFinalizer) Commit(layer *memory.Layer) error {
	if f.materialized {
		return internalErrorf("trunk finalizer already materialized catalog, no more transactions can be committed")
	}
	if f.layer == nil {
		f.layer = layer
	} else if f.layer != layer {
		return internalErrorf("trunk finalizer received a different transactional layer after %d commits", f.commits)
	}
	f.commits++
	return nil
}

// Rollback always fails: replayed transactions are durable already.
func (f *TrunkFinalizer) Rollback(layer *memory.Layer, cause error) error {
	return internalErrorf("replayed transaction cannot be rolled back (cause: %v)", cause)
}

// RegisterMutation does nothing, replayed mutations are in the WAL already.
func (f *TrunkFinalizer) RegisterMutation(mutation.Mutation) error {
	return nil
}

// Commits returns the number of transactions accepted so far.
func (f *TrunkFinalizer) Commits() int {
	return f.commits
}

// CommitCatalogChanges flushes the catalog and creates the new catalog version from the collected layer. It can be
// called once.
func (f *TrunkFinalizer) CommitCatalogChanges(version uint64, last *mutation.TransactionMutation) (Catalog, error) {
	if f.materialized {
		return nil, internalErrorf("catalog changes of this batch were already committed")
	}
	f.materialized = true
	if f.layer == nil {
		return nil, internalErrorf("no transaction was committed before materializing catalog version %d", version)
	}
	if err := f.catalog.Flush(version, last); err != nil {
		return nil, err
	}
	next, err := f.catalog.CreateCopyWithMergedLayer(f.layer)
	if err != nil {
		return nil, err
	}
	if next.Version() != version {
		return nil, internalErrorf("materialized catalog carries version %d, expected %d", next.Version(), version)
	}
	if err := f.layer.VerifyLayerWasFullySwept(); err != nil {
		return nil, internalErrorf("%v", err)
	}
	return next, nil
}
