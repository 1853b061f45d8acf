// Package metrics provides the centralized Prometheus registry reference for
// the ingest job. All metrics are defined in their respective packages
// (yotpo, td, pipeline, ratelimit, retry, tokencache) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the ingest job.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Source Metrics (pkg/yotpo):
//   - yotpo_ingest_source_requests_total{endpoint, status} (Counter): Yotpo API requests by endpoint and HTTP status
//   - yotpo_ingest_source_request_duration_seconds{endpoint} (Histogram): Yotpo request duration by endpoint
//   - yotpo_ingest_pages_fetched_total (Counter): Customer pages consumed by the paginator
//   - yotpo_ingest_records_fetched_total (Counter): Customer records read from the source
//
// Destination Metrics (pkg/td):
//   - yotpo_ingest_destination_requests_total{status} (Counter): Treasure Data import requests by HTTP status
//   - yotpo_ingest_destination_request_duration_seconds (Histogram): Import request duration
//   - yotpo_ingest_destination_payload_bytes (Histogram): Compressed msgpack.gz payload sizes
//
// Pipeline Metrics (pkg/pipeline):
//   - yotpo_ingest_batches_sealed_total (Counter): Batches sealed by the accumulator
//   - yotpo_ingest_batch_size_records (Histogram): Records per sealed batch
//   - yotpo_ingest_batches_uploaded_total (Counter): Batches successfully uploaded
//   - yotpo_ingest_batch_failures_total (Counter): Batches that exhausted their upload attempts
//   - yotpo_ingest_upload_queue_depth (Gauge): Sealed batches waiting for an upload worker
//   - yotpo_ingest_run_duration_seconds (Histogram): Wall-clock duration of pipeline runs
//
// Rate Limit Metrics (pkg/ratelimit):
//   - yotpo_ingest_ratelimit_acquires_total{limiter} (Counter): Tokens granted per limiter
//   - yotpo_ingest_ratelimit_wait_seconds{limiter} (Histogram): Time spent waiting for a token
//
// Retry Metrics (pkg/retry):
//   - yotpo_ingest_retries_total{op} (Counter): Retry attempts by operation
//   - yotpo_ingest_retry_backoff_seconds{op} (Histogram): Backoff duration by operation
//   - yotpo_ingest_retry_exhausted_total{op} (Counter): Operations that exhausted max attempts
//
// Token Cache Metrics (pkg/tokencache):
//   - yotpo_ingest_token_cache_hits_total (Counter): Access tokens served from redis
//   - yotpo_ingest_token_cache_misses_total (Counter): Token lookups that missed
//   - yotpo_ingest_token_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Source throughput (records/s)
//   rate(yotpo_ingest_records_fetched_total[5m])
//
//   # Batch failure ratio
//   rate(yotpo_ingest_batch_failures_total[5m]) /
//   rate(yotpo_ingest_batches_sealed_total[5m])
//
//   # P95 import latency
//   histogram_quantile(0.95, rate(yotpo_ingest_destination_request_duration_seconds_bucket[5m]))
//
//   # Time lost to rate limiting
//   sum(rate(yotpo_ingest_ratelimit_wait_seconds_sum[5m])) by (limiter)
//
//   # Token cache hit rate
//   sum(rate(yotpo_ingest_token_cache_hits_total[5m])) /
//   (sum(rate(yotpo_ingest_token_cache_hits_total[5m])) + sum(rate(yotpo_ingest_token_cache_misses_total[5m])))
