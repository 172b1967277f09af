package transaction

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/wal"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// StageKind identifies a pipeline stage and the tasks it consumes.
type StageKind int

const (
	StageConflictResolution StageKind = iota
	StageWalAppending
	StageTrunkIncorporation
	StageCatalogPropagation

	stageCount
)

func (k StageKind) String() string {
	switch k {
	case StageConflictResolution:
		return "conflict-resolution"
	case StageWalAppending:
		return "wal-appending"
	case StageTrunkIncorporation:
		return "trunk-incorporation"
	case StageCatalogPropagation:
		return "catalog-propagation"
	}
	return "unknown"
}

// requiresRecovery reports whether losing a task of this kind leaves a transaction in the shared WAL that nobody
// will incorporate or publish.
func (k StageKind) requiresRecovery() bool {
	return k == StageTrunkIncorporation || k == StageCatalogPropagation
}

// task is the unit of work passed between stages. One task value travels through the pipeline per transaction,
// re-tagged by forward for every stage it enters.
type task struct {
	kind             StageKind
	recoverOnFailure bool

	txID                 uuid.UUID
	schemaVersionAtStart int
	isolated             wal.IsolatedWal
	progress             *CommitProgress

	// set by conflict resolution
	catalogVersion uint64
	// set by trunk incorporation
	catalog Catalog
}

func newConflictResolutionTask(txID uuid.UUID, schemaVersionAtStart int, isolated wal.IsolatedWal, progress *CommitProgress) *task {
	return &task{
		kind:                 StageConflictResolution,
		recoverOnFailure:     StageConflictResolution.requiresRecovery(),
		txID:                 txID,
		schemaVersionAtStart: schemaVersionAtStart,
		isolated:             isolated,
		progress:             progress,
	}
}

// forward creates the task for the next stage.
func (t *task) forward(kind StageKind) *task {
	next := *t
	next.kind = kind
	next.recoverOnFailure = kind.requiresRecovery()
	return &next
}

// fail releases the isolated WAL and fails every milestone the transaction has not reached.
func (t *task) fail(err error) {
	if t.isolated != nil {
		if closeErr := t.isolated.Close(); closeErr != nil {
			log.Warn("failed to discard isolated wal", zap.Stringer("transaction-id", t.txID), zap.Error(closeErr))
		}
	}
	t.progress.CompleteExceptionally(err)
}
