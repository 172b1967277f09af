package transaction

import (
	"context"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/memory"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap-incubator/tinydoc/wal"
)

// Catalog is the immutable catalog snapshot the write path produces. Changes are never applied in place: they are
// recorded in a memory layer and a new snapshot is created from it.
type Catalog interface {
	Name() string
	Version() uint64
	SchemaVersion() int

	// ApplyMutation records the mutation in the layer of txn.
	ApplyMutation(txn *memory.Transaction, m mutation.Mutation) error
	// SetVersion records the version the snapshot created from the layer of txn will carry.
	SetVersion(txn *memory.Transaction, version uint64) error
	// CreateCopyWithMergedLayer creates the next snapshot with all diffs of the layer swept in.
	CreateCopyWithMergedLayer(layer *memory.Layer) (Catalog, error)

	// Flush makes the catalog durable at the given version.
	Flush(version uint64, txm *mutation.TransactionMutation) error
	// ForgetVolatileData discards whatever was written during a replay that is not durable yet.
	ForgetVolatileData()

	CommittedMutationStream(fromVersion uint64) (wal.MutationIterator, error)
	CommittedLiveMutationStream(fromVersion, toVersionAtLeast uint64) (wal.MutationIterator, error)
	LastCatalogVersionInMutationStream() uint64

	// AppendWalAndDiscard copies the isolated WAL behind ref into the shared WAL and releases ref.
	AppendWalAndDiscard(txm *mutation.TransactionMutation, ref wal.Reference) error
	// CommitWal hands a client transaction over to the write path.
	CommitWal(txID uuid.UUID, schemaVersionAtStart int, isolated wal.IsolatedWal, progress *CommitProgress) error
	// CreateIsolatedWal creates the WAL a client transaction records its mutations into.
	CreateIsolatedWal(txID uuid.UUID) wal.IsolatedWal
}

// ConflictResolver decides whether a transaction may be committed on top of the transactions committed since it
// started. Returning an error (typically wrapping ErrConflict) rejects the transaction.
type ConflictResolver interface {
	IdentifyConflicts(ctx context.Context, txID uuid.UUID, schemaVersionAtStart int, catalogVersion uint64) error
}

// AdmitAll is the default resolver: every transaction is serialized in commit order and none is rejected.
type AdmitAll struct{}

func (AdmitAll) IdentifyConflicts(context.Context, uuid.UUID, int, uint64) error { return nil }

// Handler finalizes the changes of a memory transaction. Both the per transaction WAL finalizer and the trunk
// finalizer implement it, so the memory layer does not need to know whether it runs inside a client transaction or
// a replay batch.
type Handler interface {
	memory.Handler
	memory.MutationRegistrar
}
