// Package engine opens an embedded catalog: the shared WAL, the catalog replayed from it and the transaction
// manager that commits client transactions into it.
package engine

import (
	"context"
	"os"

	"github.com/pingcap-incubator/tinydoc/catalog"
	"github.com/pingcap-incubator/tinydoc/config"
	"github.com/pingcap-incubator/tinydoc/transaction"
	"github.com/pingcap-incubator/tinydoc/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("engine is closed")

type Engine struct {
	cfg     *config.Config
	wal     wal.CatalogWal
	manager *transaction.Manager
	closed  atomic.Bool
	// transactions begun and not yet committed or rolled back
	active atomic.Int64
}

// OpenWal opens the shared WAL the configuration points at.
func OpenWal(cfg *config.Config) (wal.CatalogWal, error) {
	switch cfg.WalEngine {
	case config.WalEngineMemory:
		return wal.NewMemoryWal(), nil
	case config.WalEngineBadger:
		if err := os.MkdirAll(cfg.WalDir(), 0o755); err != nil {
			return nil, errors.WithStack(err)
		}
		w, err := wal.OpenBadgerWal(cfg.WalDir(), cfg.SyncWrites)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, errors.Errorf("unknown wal engine %s", cfg.WalEngine)
}

// Open opens the catalog and replays every transaction of the shared WAL before returning.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir := cfg.SpillDir(); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	w, err := OpenWal(cfg)
	if err != nil {
		return nil, errors.Annotatef(err, "open wal of catalog %s", cfg.CatalogName)
	}

	c := catalog.New(catalog.Options{
		Name:           cfg.CatalogName,
		SpillDir:       cfg.SpillDir(),
		SpillThreshold: uint64(cfg.Transaction.IsolatedWalSpillThreshold),
	}, w)
	m := transaction.NewManager(c, transaction.Options{
		QueueSize:           cfg.ThreadPool.QueueSize,
		FlushFrequency:      cfg.Transaction.FlushFrequency.Duration,
		WalDrainingInterval: cfg.Transaction.WalDrainingInterval.Duration,
	})
	c.Bind(m)

	living, err := m.ProcessWriteAheadLog(context.Background(), cfg.Transaction.FlushFrequency.Duration)
	if err != nil {
		m.Close()
		w.Close()
		return nil, errors.Annotatef(err, "replay wal of catalog %s", cfg.CatalogName)
	}
	log.Info("catalog opened", zap.String("catalog", cfg.CatalogName), zap.String("wal-engine", cfg.WalEngine),
		zap.Uint64("catalog-version", living.Version()), zap.Int("schema-version", living.SchemaVersion()))
	return &Engine{cfg: cfg, wal: w, manager: m}, nil
}

// Begin starts a transaction that returns from Commit once its changes are visible.
func (e *Engine) Begin() (*Tx, error) {
	return e.BeginWith(transaction.WaitForChangesVisible)
}

// BeginWith starts a transaction whose Commit waits for the given milestone only.
func (e *Engine) BeginWith(behavior transaction.CommitBehavior) (*Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	tx := newTx(e.LivingCatalog(), behavior)
	e.active.Inc()
	tx.finalizer.RegisterCloseable(activeTxCloser{e})
	return tx, nil
}

// ActiveTransactions returns the number of transactions that were neither committed nor rolled back.
func (e *Engine) ActiveTransactions() int64 {
	return e.active.Load()
}

type activeTxCloser struct {
	e *Engine
}

func (c activeTxCloser) Close() error {
	c.e.active.Dec()
	return nil
}

// LivingCatalog returns the newest published catalog.
func (e *Engine) LivingCatalog() *catalog.Catalog {
	return e.manager.LivingCatalog().(*catalog.Catalog)
}

func (e *Engine) Versions() transaction.Versions {
	return e.manager.Versions()
}

func (e *Engine) Manager() *transaction.Manager {
	return e.manager
}

// Close stops the write path and closes the shared WAL. Transactions still waiting for their changes to be visible
// fail, their changes are replayed on the next Open.
func (e *Engine) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	if n := e.active.Load(); n > 0 {
		log.Warn("closing catalog with open transactions", zap.String("catalog", e.cfg.CatalogName),
			zap.Int64("transactions", n))
	}
	if err := e.manager.Close(); err != nil {
		log.Warn("failed to close transaction manager", zap.Error(err))
	}
	return errors.Trace(e.wal.Close())
}
