package transaction

import (
	"context"
	"fmt"
	"sync"
)

// CommitVersions is the outcome of a successful commit.
type CommitVersions struct {
	CatalogVersion uint64
	SchemaVersion  int
}

func (v CommitVersions) String() string {
	return fmt.Sprintf("catalog version %d, schema version %d", v.CatalogVersion, v.SchemaVersion)
}

// CommitBehavior selects the milestone a committing client waits for.
type CommitBehavior int

const (
	// WaitForChangesVisible returns once the changes are in the live catalog.
	WaitForChangesVisible CommitBehavior = iota
	// WaitForWalPersistence returns once the changes are in the shared WAL.
	WaitForWalPersistence
	// WaitForConflictResolution returns once the transaction was accepted and got its catalog version.
	WaitForConflictResolution
)

func (b CommitBehavior) String() string {
	switch b {
	case WaitForChangesVisible:
		return "wait-for-changes-visible"
	case WaitForWalPersistence:
		return "wait-for-wal-persistence"
	case WaitForConflictResolution:
		return "wait-for-conflict-resolution"
	}
	return fmt.Sprintf("unknown(%d)", int(b))
}

// Future is completed exactly once, either with versions or with an error.
type Future struct {
	once     sync.Once
	done     chan struct{}
	versions CommitVersions
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete returns false when the future was completed before.
func (f *Future) Complete(v CommitVersions) bool {
	completed := false
	f.once.Do(func() {
		f.versions = v
		close(f.done)
		completed = true
	})
	return completed
}

func (f *Future) CompleteExceptionally(err error) bool {
	completed := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) Wait(ctx context.Context) (CommitVersions, error) {
	select {
	case <-f.done:
		return f.versions, f.err
	case <-ctx.Done():
		return CommitVersions{}, ctx.Err()
	}
}

// CommitProgress reports the milestones of one commit back to the client.
type CommitProgress struct {
	behavior CommitBehavior

	ConflictResolved *Future
	WalAppended      *Future
	ChangesVisible   *Future
}

func NewCommitProgress(behavior CommitBehavior) *CommitProgress {
	return &CommitProgress{
		behavior:         behavior,
		ConflictResolved: newFuture(),
		WalAppended:      newFuture(),
		ChangesVisible:   newFuture(),
	}
}

func (p *CommitProgress) Behavior() CommitBehavior {
	return p.behavior
}

// Complete finishes all milestones at once, as happens for transactions with nothing to write.
func (p *CommitProgress) Complete(v CommitVersions) {
	p.ConflictResolved.Complete(v)
	p.WalAppended.Complete(v)
	p.ChangesVisible.Complete(v)
}

// CompleteExceptionally fails every milestone not reached yet.
func (p *CommitProgress) CompleteExceptionally(err error) {
	p.ConflictResolved.CompleteExceptionally(err)
	p.WalAppended.CompleteExceptionally(err)
	p.ChangesVisible.CompleteExceptionally(err)
}

// Milestone returns the future the configured behavior waits for.
func (p *CommitProgress) Milestone() *Future {
	switch p.behavior {
	case WaitForConflictResolution:
		return p.ConflictResolved
	case WaitForWalPersistence:
		return p.WalAppended
	default:
		return p.ChangesVisible
	}
}

func (p *CommitProgress) Wait(ctx context.Context) (CommitVersions, error) {
	return p.Milestone().Wait(ctx)
}
