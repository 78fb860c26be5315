// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"firestige.xyz/capmux/internal/diag"
)

var (
	// SourceFramesTotal counts frames read from each capture source
	SourceFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_source_frames_total",
			Help: "Total number of frames captured per source",
		},
		[]string{"source"},
	)

	// SourceDropsTotal counts frames lost at a source ("queue" or "kernel")
	SourceDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_source_drops_total",
			Help: "Total number of frames dropped at the source",
		},
		[]string{"source", "reason"},
	)

	// MergeRecordsTotal counts records emitted by the merge stage
	MergeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_merge_records_total",
			Help: "Total number of records emitted by the merge stage",
		},
		[]string{"kind"},
	)

	// OrderingViolationsTotal counts out-of-order records seen by the merge
	OrderingViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_ordering_violations_total",
			Help: "Total number of records behind the merge watermark",
		},
		[]string{"source", "policy"},
	)

	// MergeStalledSources tracks inputs currently skipped after max_wait
	MergeStalledSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capmux_merge_stalled_sources",
			Help: "Number of merge inputs currently marked stalled",
		},
	)

	// FilterResultsTotal counts frame verdicts ("match", "nomatch", "error")
	FilterResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_filter_results_total",
			Help: "Total number of filter verdicts",
		},
		[]string{"result"},
	)

	// FilterLatencySeconds measures rule chain evaluation time
	FilterLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capmux_filter_latency_seconds",
			Help:    "Latency of filter rule evaluation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// QueueOverflowTotal counts records lost to a full queue
	QueueOverflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_queue_overflow_total",
			Help: "Total number of records dropped by bounded queues",
		},
		[]string{"queue"},
	)

	// SinkRecordsTotal counts records appended to each sink
	SinkRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_sink_records_total",
			Help: "Total number of records written per sink",
		},
		[]string{"sink"},
	)

	// SinkErrorsTotal counts failed sink appends
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_sink_errors_total",
			Help: "Total number of sink write errors",
		},
		[]string{"sink"},
	)

	// SinkBatchSize tracks the number of records per sink append
	SinkBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capmux_sink_batch_size",
			Help:    "Number of records per sink append",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"sink"},
	)

	// SinkQueueDepth tracks records waiting in each sink queue
	SinkQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capmux_sink_queue_depth",
			Help: "Current number of records queued per sink",
		},
		[]string{"sink"},
	)

	// DiagEventsTotal counts diagnostics events by kind
	DiagEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmux_diag_events_total",
			Help: "Total number of diagnostics events",
		},
		[]string{"kind"},
	)
)

// DiagHandler counts every diagnostics event by kind, weighted by its
// count.
func DiagHandler() diag.Handler {
	return func(e diag.Event) {
		DiagEventsTotal.WithLabelValues(string(e.Kind)).Add(float64(e.Count))
	}
}
