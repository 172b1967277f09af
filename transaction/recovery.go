package transaction

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// walDrainer incorporates transactions that reached the shared WAL but lost their pipeline task. It runs on a
// timer, at most once per interval, and reschedules itself until the recorded version is live.
type walDrainer struct {
	m       *Manager
	limiter *rate.Limiter

	mu             sync.Mutex
	versionToDrain uint64
	timer          *time.Timer
	stopped        bool
}

func newWalDrainer(m *Manager, interval time.Duration) *walDrainer {
	return &walDrainer{
		m:       m,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// schedule records the version and arms the timer unless a run is pending already.
func (d *walDrainer) schedule(version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if version > d.versionToDrain {
		d.versionToDrain = version
	}
	if d.stopped || d.timer != nil {
		return
	}
	delay := d.limiter.Reserve().Delay()
	d.timer = time.AfterFunc(delay, d.run)
	log.Info("wal draining scheduled", zap.String("catalog", d.m.catalogName),
		zap.Uint64("catalog-version", d.versionToDrain), zap.Duration("delay", delay))
}

func (d *walDrainer) run() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped {
		d.mu.Unlock()
		return
	}
	target := d.versionToDrain
	d.mu.Unlock()

	if d.m.drainWal(target) {
		walDrainingCounter.WithLabelValues("done").Inc()
		return
	}
	walDrainingCounter.WithLabelValues("rescheduled").Inc()
	d.schedule(target)
}

func (d *walDrainer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// drainWal publishes a finalized catalog whose propagation was lost and incorporates the WAL up to the target
// version. It returns false when the work has to be retried later.
func (m *Manager) drainWal(target uint64) bool {
	if finalized := m.LastFinalizedCatalog(); finalized.Version() > m.versions.living.Load() {
		if err := m.PropagateCatalogSnapshot(finalized); err != nil {
			log.Warn("wal draining could not publish finalized catalog", zap.Uint64("catalog-version", finalized.Version()),
				zap.Error(err))
			return false
		}
	}
	if target <= m.versions.finalized.Load() {
		return true
	}
	result, err := m.ProcessTransactions(m.ctx, target, m.opts.FlushFrequency, false)
	if err != nil {
		if IsInternal(err) {
			log.Error("wal draining failed", zap.String("catalog", m.catalogName), zap.Uint64("catalog-version", target),
				zap.Error(err))
		} else {
			log.Warn("wal draining postponed", zap.String("catalog", m.catalogName), zap.Uint64("catalog-version", target),
				zap.Error(err))
		}
		return m.ctx.Err() != nil
	}
	if result == nil {
		log.Error("wal draining found no transactions to incorporate", zap.Uint64("catalog-version", target))
		return true
	}
	if err := m.PropagateCatalogSnapshot(result); err != nil {
		// finalized already, the next run publishes it
		log.Warn("wal draining could not publish catalog", zap.Uint64("catalog-version", result.Version()), zap.Error(err))
		return false
	}
	log.Info("wal drained", zap.String("catalog", m.catalogName), zap.Uint64("catalog-version", result.Version()))
	return true
}
