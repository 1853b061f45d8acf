package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for pipeline operations.
var (
	batchesSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yotpo_ingest_batches_sealed_total",
		Help: "Total batches sealed by the accumulator",
	})

	batchSizeRecords = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "yotpo_ingest_batch_size_records",
		Help:    "Record count per sealed batch",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	})

	batchesUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yotpo_ingest_batches_uploaded_total",
		Help: "Total batches uploaded successfully",
	})

	batchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yotpo_ingest_batch_failures_total",
		Help: "Total batches whose upload failed terminally",
	})

	uploadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yotpo_ingest_upload_queue_depth",
		Help: "Batches currently queued for upload",
	})

	runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "yotpo_ingest_run_duration_seconds",
		Help:    "Wall-clock duration of complete pipeline runs",
		Buckets: []float64{1, 10, 30, 60, 300, 900, 3600},
	})
)
