package transaction

import (
	"go.uber.org/atomic"
)

// stageGuard asserts that a stage is never driven by two callers at once. It fails immediately instead of
// waiting.
type stageGuard struct {
	stage string
	busy  atomic.Bool
}

func newStageGuard(stage string) *stageGuard {
	return &stageGuard{stage: stage}
}

func (g *stageGuard) tryAcquire() error {
	if !g.busy.CAS(false, true) {
		stageGuardTimeoutCounter.WithLabelValues(g.stage).Inc()
		return &TimedOutError{Stage: g.stage}
	}
	return nil
}

func (g *stageGuard) release() {
	g.busy.Store(false)
}
