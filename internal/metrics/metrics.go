package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	RecordsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transferpipe_records_accepted_total",
			Help: "Raw records accepted into the ingestion buffer",
		},
		[]string{"format", "validity"},
	)

	IngestBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transferpipe_ingest_bytes_total",
			Help: "Total bytes of raw data accepted",
		},
	)

	// Batching metrics
	BatchesSealed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transferpipe_batches_sealed_total",
			Help: "Batches sealed, by trigger (time, count, bytes, flush)",
		},
		[]string{"trigger"},
	)

	SealedQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transferpipe_sealed_queue_depth",
			Help: "Sealed batches waiting for commit",
		},
	)

	// Commit metrics
	RecordsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transferpipe_records_committed_total",
			Help: "Canonical records committed",
		},
	)

	RecordsDiverted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transferpipe_records_diverted_total",
			Help: "Records diverted to the dead-letter store",
		},
	)

	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transferpipe_commit_duration_seconds",
			Help:    "Duration of batch commits in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transferpipe_commit_errors_total",
			Help: "Batch commit attempts rejected by the canonical store",
		},
	)

	// Aggregation metrics
	AggregatedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transferpipe_aggregated_records_total",
			Help: "Canonical records merged into daily aggregates",
		},
	)

	AggregationWatermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transferpipe_aggregation_watermark",
			Help: "Commit sequence up to which aggregation has consumed",
		},
	)

	// Retention metrics
	RecordsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transferpipe_records_reclaimed_total",
			Help: "Rows removed by retention sweeps, by store",
		},
		[]string{"store"},
	)

	// Alert metrics
	SignalsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transferpipe_signals_fired_total",
			Help: "Threshold signals fired, by signal name",
		},
		[]string{"signal"},
	)
)
