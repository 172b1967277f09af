package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/catalog"
	"github.com/pingcap-incubator/tinydoc/memory"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap-incubator/tinydoc/transaction"
)

// Tx is a client transaction. It reads the catalog it started on plus its own changes. It is not safe for
// concurrent use.
type Tx struct {
	catalog   *catalog.Catalog
	txn       *memory.Transaction
	finalizer *transaction.WalFinalizer
	progress  *transaction.CommitProgress
}

func newTx(c *catalog.Catalog, behavior transaction.CommitBehavior) *Tx {
	id := uuid.New()
	progress := transaction.NewCommitProgress(behavior)
	finalizer := transaction.NewWalFinalizer(c, id, progress)
	return &Tx{
		catalog:   c,
		txn:       memory.NewTransaction(id, finalizer, false),
		finalizer: finalizer,
		progress:  progress,
	}
}

func (tx *Tx) ID() uuid.UUID {
	return tx.txn.ID()
}

// CatalogVersion is the version of the catalog the transaction reads.
func (tx *Tx) CatalogVersion() uint64 {
	return tx.catalog.Version()
}

func (tx *Tx) apply(m mutation.Mutation) error {
	if err := tx.catalog.ApplyMutation(tx.txn, m); err != nil {
		return err
	}
	return tx.txn.RegisterMutation(m)
}

// DefineCollection creates the collection or updates its description.
func (tx *Tx) DefineCollection(name, description string) error {
	return tx.apply(&mutation.ModifySchemaMutation{Collection: name, Description: description})
}

// Upsert creates the entity or overwrites the given attributes of an existing one.
func (tx *Tx) Upsert(collection string, pk int64, attributes map[string]string) error {
	return tx.apply(&mutation.EntityUpsertMutation{Collection: collection, PrimaryKey: pk, Attributes: attributes})
}

func (tx *Tx) Remove(collection string, pk int64) error {
	return tx.apply(&mutation.EntityRemoveMutation{Collection: collection, PrimaryKey: pk})
}

func (tx *Tx) Get(collection string, pk int64) (*catalog.Entity, bool) {
	return tx.catalog.Get(tx.txn, collection, pk)
}

// CommitAsync commits the transaction without waiting.
func (tx *Tx) CommitAsync() (*transaction.CommitProgress, error) {
	if err := tx.txn.Close(); err != nil && !tx.progress.Milestone().IsDone() {
		return nil, err
	}
	return tx.progress, nil
}

// Commit commits the transaction and waits for the milestone of its commit behavior.
func (tx *Tx) Commit(ctx context.Context) (transaction.CommitVersions, error) {
	progress, err := tx.CommitAsync()
	if err != nil {
		return transaction.CommitVersions{}, err
	}
	return progress.Wait(ctx)
}

// Rollback discards the changes. If cause is not nil the commit progress reports it.
func (tx *Tx) Rollback(cause error) error {
	if cause != nil {
		tx.txn.SetRollbackOnly(cause)
		return tx.txn.Close()
	}
	return tx.txn.Rollback()
}
