package transaction

import "github.com/prometheus/client_golang/prometheus"

var (
	stageHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "stage_handle_duration_seconds",
			Help:      "Bucketed histogram of the time a pipeline stage spends on one task.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		}, []string{"stage"})

	stageRejectedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "stage_rejected_total",
			Help:      "Counter of tasks a pipeline stage could not accept.",
		}, []string{"stage"})

	stageQueueLengthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "stage_queue_length",
			Help:      "Tasks queued at a pipeline stage when the last one was submitted.",
		}, []string{"stage"})

	stageGuardTimeoutCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "stage_guard_timeout_total",
			Help:      "Counter of stage guards found busy.",
		}, []string{"stage"})

	pipelineInvalidatedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "pipeline_invalidated_total",
			Help:      "Counter of pipeline teardowns by the stage that caused them.",
		}, []string{"stage"})

	catalogVersionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "catalog_version",
			Help:      "Catalog version counters of the write path.",
		}, []string{"catalog", "counter"})

	incorporatedTransactionsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "incorporated_transactions_per_catalog",
			Help:      "Bucketed histogram of transactions coalesced into one materialized catalog.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})

	replayedMutationsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "replayed_mutations_total",
			Help:      "Counter of local mutations replayed into new catalog versions.",
		})

	walDrainingCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydoc",
			Subsystem: "transaction",
			Name:      "wal_draining_total",
			Help:      "Counter of WAL draining runs by result.",
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(stageHandleDuration)
	prometheus.MustRegister(stageRejectedCounter)
	prometheus.MustRegister(stageQueueLengthGauge)
	prometheus.MustRegister(stageGuardTimeoutCounter)
	prometheus.MustRegister(pipelineInvalidatedCounter)
	prometheus.MustRegister(catalogVersionGauge)
	prometheus.MustRegister(incorporatedTransactionsHistogram)
	prometheus.MustRegister(replayedMutationsCounter)
	prometheus.MustRegister(walDrainingCounter)
}

func (s *VersionState) report(catalog string) {
	v := s.Snapshot()
	catalogVersionGauge.WithLabelValues(catalog, "assigned").Set(float64(v.Assigned))
	catalogVersionGauge.WithLabelValues(catalog, "written").Set(float64(v.Written))
	catalogVersionGauge.WithLabelValues(catalog, "finalized").Set(float64(v.Finalized))
	catalogVersionGauge.WithLabelValues(catalog, "living").Set(float64(v.Living))
}
