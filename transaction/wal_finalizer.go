package transaction

import (
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/memory"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap-incubator/tinydoc/wal"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// WalFinalizer finalizes a client transaction. Mutations go to an isolated WAL created on the first write, and on
// commit the WAL is handed over to the pipeline through the catalog.
type WalFinalizer struct {
	catalog              Catalog
	txID                 uuid.UUID
	schemaVersionAtStart int
	progress             *CommitProgress

	mu         sync.Mutex
	isolated   wal.IsolatedWal
	closeables []io.Closer
}

var _ Handler = (*WalFinalizer)(nil)

func NewWalFinalizer(catalog Catalog, txID uuid.UUID, progress *CommitProgress) *WalFinalizer {
	return &WalFinalizer{
		catalog:              catalog,
		txID:                 txID,
		schemaVersionAtStart: catalog.SchemaVersion(),
		progress:             progress,
	}
}

// RegisterCloseable adds a resource released when the transaction ends either way.
func (f *WalFinalizer) RegisterCloseable(c io.Closer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeables = append(f.closeables, c)
}

func (f *WalFinalizer) RegisterMutation(m mutation.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isolated == nil {
		f.isolated = f.catalog.CreateIsolatedWal(f.txID)
	}
	return f.isolated.Write(f.catalog.Version(), m)
}

// Commit hands the isolated WAL over to the pipeline, which becomes responsible for closing it. Transactions
// that wrote nothing complete right away with the versions of the catalog they read.
func (f *WalFinalizer) Commit(layer *memory.Layer) error {
	f.closeRegistered()
	f.mu.Lock()
	isolated := f.isolated
	f.isolated = nil
	f.mu.Unlock()

	if isolated == nil || isolated.MutationCount() == 0 {
		if isolated != nil {
			isolated.Close()
		}
		f.progress.Complete(CommitVersions{
			CatalogVersion: f.catalog.Version(),
			SchemaVersion:  f.catalog.SchemaVersion(),
		})
		return nil
	}
	return f.catalog.CommitWal(f.txID, f.schemaVersionAtStart, isolated, f.progress)
}

// Rollback discards the isolated WAL and fails the commit progress.
func (f *WalFinalizer) Rollback(layer *memory.Layer, cause error) error {
	f.closeRegistered()
	f.mu.Lock()
	isolated := f.isolated
	f.isolated = nil
	f.mu.Unlock()

	if isolated != nil {
		if err := isolated.Close(); err != nil {
			log.Warn("failed to discard isolated wal", zap.Stringer("transaction-id", f.txID), zap.Error(err))
		}
	}
	if cause != nil {
		f.progress.CompleteExceptionally(&RollbackError{Cause: cause})
	} else {
		f.progress.CompleteExceptionally(ErrRollback)
	}
	return nil
}

func (f *WalFinalizer) closeRegistered() {
	f.mu.Lock()
	closeables := f.closeables
	f.closeables = nil
	f.mu.Unlock()
	for _, c := range closeables {
		if err := c.Close(); err != nil {
			log.Warn("failed to close transactional resource", zap.Stringer("transaction-id", f.txID), zap.Error(err))
		}
	}
}
