package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinydoc/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pipeline is one incarnation of the four linked stages. It is never restarted: when it is invalidated the
// manager builds a new one on the next commit.
type pipeline struct {
	id     uint64
	stages [stageCount]*worker.Worker
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	invalidated atomic.Bool
	mu          sync.Mutex
	cause       error
	// closed once all stage goroutines exited and the versions they dropped were reconciled
	done chan struct{}
}

func newPipeline(id uint64, m *Manager) *pipeline {
	ctx, cancel := context.WithCancel(m.ctx)
	group, ctx := errgroup.WithContext(ctx)
	p := &pipeline{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		group:  group,
		cause:  ErrPipelineClosed,
		done:   make(chan struct{}),
	}
	for kind := StageConflictResolution; kind < stageCount; kind++ {
		w := worker.NewWorker(kind.String(), m.opts.QueueSize)
		h := &stageHandler{m: m, p: p, kind: kind}
		p.stages[kind] = w
		group.Go(func() error {
			w.Run(h)
			return nil
		})
	}
	go func() {
		group.Wait()
		m.reconcileDroppedVersions(p)
		close(p.done)
	}()
	log.Info("transaction pipeline started", zap.String("catalog", m.catalogName), zap.Uint64("pipeline", id),
		zap.Int("queue-size", m.opts.QueueSize))
	return p
}

// submit offers the task to its stage without blocking.
func (p *pipeline) submit(t *task) bool {
	w := p.stages[t.kind]
	if w.TrySend(t) {
		stageQueueLengthGauge.WithLabelValues(w.Name()).Set(float64(w.Len()))
		return true
	}
	// a stopped stage is not saturated
	if !w.Stopped() {
		stageRejectedCounter.WithLabelValues(w.Name()).Inc()
	}
	return false
}

// stop tears the pipeline down. The first cause is reported to transactions still queued. It does not wait, use
// done for that.
func (p *pipeline) stop(cause error) bool {
	if !p.invalidated.CAS(false, true) {
		return false
	}
	p.mu.Lock()
	if cause != nil {
		p.cause = cause
	}
	p.mu.Unlock()
	p.cancel()
	for _, w := range p.stages {
		w.Stop()
	}
	return true
}

func (p *pipeline) closeCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// stageHandler runs the tasks of one stage on the stage's worker goroutine.
type stageHandler struct {
	m    *Manager
	p    *pipeline
	kind StageKind
}

func (h *stageHandler) Handle(t worker.Task) {
	tk := t.(*task)
	start := time.Now()
	switch h.kind {
	case StageConflictResolution:
		h.m.resolveConflicts(h.p, tk)
	case StageWalAppending:
		h.m.appendWal(h.p, tk)
	case StageTrunkIncorporation:
		h.m.incorporateIntoTrunk(h.p, tk)
	case StageCatalogPropagation:
		h.m.propagate(h.p, tk)
	}
	stageHandleDuration.WithLabelValues(h.kind.String()).Observe(time.Since(start).Seconds())
}

// Drain is called for tasks still queued when the pipeline stops.
func (h *stageHandler) Drain(t worker.Task) {
	tk := t.(*task)
	if tk.recoverOnFailure {
		h.m.recover(tk)
		return
	}
	tk.fail(h.p.closeCause())
}
