package transaction

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// Versions is a point in time copy of the version counters.
type Versions struct {
	Assigned  uint64
	Written   uint64
	Finalized uint64
	Living    uint64
}

func (v Versions) String() string {
	return fmt.Sprintf("assigned %d, written %d, finalized %d, living %d", v.Assigned, v.Written, v.Finalized, v.Living)
}

// VersionState owns the version counters of a manager and the catalogs they refer to. Every mutation checks
// that living <= finalized <= written <= assigned keeps holding and that no counter moves backwards, the only
// exception being Dropped which takes back assigned versions that were never written.
//
// Counters are readable without locking. Mutations other than the assignment itself happen under mu, which also
// backs the condition trunk incorporation waits on for live view publication.
type VersionState struct {
	assigned  atomic.Uint64
	written   atomic.Uint64
	finalized atomic.Uint64
	living    atomic.Uint64

	mu               sync.Mutex
	published        *sync.Cond
	finalizedCatalog Catalog
	livingCatalog    Catalog
}

// NewVersionState starts the living and finalized counters at the version of the catalog. Versions found in the
// shared WAL beyond it count as assigned and written, they still wait for replay.
func NewVersionState(catalog Catalog, lastWalVersion uint64) *VersionState {
	v := catalog.Version()
	written := v
	if lastWalVersion > written {
		written = lastWalVersion
	}
	s := &VersionState{
		finalizedCatalog: catalog,
		livingCatalog:    catalog,
	}
	s.published = sync.NewCond(&s.mu)
	s.assigned.Store(written)
	s.written.Store(written)
	s.finalized.Store(v)
	s.living.Store(v)
	return s
}

func (s *VersionState) Snapshot() Versions {
	// read from the lowest counter up so that a concurrent advance never shows an inverted snapshot
	living := s.living.Load()
	finalized := s.finalized.Load()
	written := s.written.Load()
	return Versions{
		Assigned:  s.assigned.Load(),
		Written:   written,
		Finalized: finalized,
		Living:    living,
	}
}

func (s *VersionState) LivingCatalog() Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.livingCatalog
}

func (s *VersionState) FinalizedCatalog() Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizedCatalog
}

// NextToAssign hands out the next catalog version.
func (s *VersionState) NextToAssign() uint64 {
	return s.assigned.Inc()
}

// Dropped takes back n versions that were assigned but will never be written.
func (s *VersionState) Dropped(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		assigned := s.assigned.Load()
		written := s.written.Load()
		if n > assigned || assigned-n < written {
			return internalErrorf("cannot drop %d versions: assigned version %d would fall below written version %d",
				n, assigned, written)
		}
		if s.assigned.CAS(assigned, assigned-n) {
			return nil
		}
	}
}

// Advance moves all counters but the living one to the version, used when the catalog continues from a version
// that was not produced by this write path.
func (s *VersionState) Advance(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if assigned := s.assigned.Load(); assigned > version {
		return internalErrorf("cannot advance to version %d, version %d was already assigned", version, assigned)
	}
	if finalized := s.finalized.Load(); finalized > version {
		return internalErrorf("cannot advance to version %d, version %d was already finalized", version, finalized)
	}
	s.assigned.Store(version)
	s.written.Store(version)
	s.finalized.Store(version)
	return nil
}

// UpdateWritten records a version appended to the shared WAL.
func (s *VersionState) UpdateWritten(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if written := s.written.Load(); version <= written {
		return internalErrorf("written version must grow: %d is not greater than %d", version, written)
	}
	if assigned := s.assigned.Load(); version > assigned {
		return internalErrorf("written version %d was never assigned, last assigned version is %d", version, assigned)
	}
	s.written.Store(version)
	return nil
}

// UpdateFinalized records a newly materialized catalog.
func (s *VersionState) UpdateFinalized(version uint64, catalog Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if catalog.Version() != version {
		return internalErrorf("finalized catalog carries version %d, expected %d", catalog.Version(), version)
	}
	if finalized := s.finalized.Load(); version <= finalized {
		return internalErrorf("finalized version must grow: %d is not greater than %d", version, finalized)
	}
	if written := s.written.Load(); version > written {
		return internalErrorf("finalized version %d was never written, last written version is %d", version, written)
	}
	s.finalized.Store(version)
	s.finalizedCatalog = catalog
	return nil
}

// PresentInLiveView records the catalog readers see from now on and wakes up everyone waiting for it.
func (s *VersionState) PresentInLiveView(catalog Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := catalog.Version()
	if living := s.living.Load(); version <= living {
		return internalErrorf("live version must grow: %d is not greater than %d", version, living)
	}
	if finalized := s.finalized.Load(); version > finalized {
		return internalErrorf("catalog version %d cannot go live before it is finalized, last finalized version is %d",
			version, finalized)
	}
	s.living.Store(version)
	s.livingCatalog = catalog
	s.published.Broadcast()
	return nil
}

// WaitUntilLiveVersionReaches blocks until a catalog of at least the version is live or ctx is done.
func (s *VersionState) WaitUntilLiveVersionReaches(ctx context.Context, version uint64) error {
	if s.living.Load() >= version {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.published.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.living.Load() < version {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.published.Wait()
	}
	return nil
}
