// Package td ships sealed record batches to Treasure Data's streaming-import
// API.
//
// Each batch becomes one gzip-compressed msgpack stream, PUT to the
// import_with_id endpoint under the batch's ID. The ID is stable across
// attempts, so Treasure Data deduplicates replays and a retried batch lands
// at most once.
package td

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nvalander/yotpo-ingest/pkg/apierror"
	"github.com/nvalander/yotpo-ingest/pkg/logging"
	"github.com/nvalander/yotpo-ingest/pkg/pipeline"
	"github.com/nvalander/yotpo-ingest/pkg/ratelimit"
	"github.com/nvalander/yotpo-ingest/pkg/retry"
)

var (
	destRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yotpo_ingest_destination_requests_total",
		Help: "Import requests to Treasure Data by HTTP status code.",
	}, []string{"status"})

	destRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "yotpo_ingest_destination_request_duration_seconds",
		Help:    "Duration of Treasure Data import requests in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	destPayloadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "yotpo_ingest_destination_payload_bytes",
		Help:    "Compressed payload size of Treasure Data imports in bytes.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})
)

const (
	// DefaultEndpoint is the Treasure Data REST API in the US region.
	DefaultEndpoint = "https://api.treasuredata.com"

	// DefaultTimeout bounds a single import request. Import payloads run to
	// megabytes, so this sits well above the source client's timeout.
	DefaultTimeout = 2 * time.Minute

	endpointImport = "import_with_id"
)

// row is the destination table schema: the raw record payload plus the
// ingestion timestamp in Unix seconds.
type row struct {
	JSONResponse string `msgpack:"json_response"`
	Time         int64  `msgpack:"time"`
}

// importResponse is the body Treasure Data returns on a successful import.
type importResponse struct {
	MD5Hex      string  `json:"md5_hex"`
	ElapsedTime float64 `json:"elapsed_time"`
}

// Config holds the importer configuration.
type Config struct {
	// Endpoint is the Treasure Data API base URL (default: DefaultEndpoint).
	Endpoint string

	// APIKey authenticates import requests (TD1 scheme).
	APIKey string

	// Database is the destination database name.
	Database string

	// Table is the destination table name.
	Table string

	// HTTPClient is the client for import requests (default: DefaultTimeout).
	HTTPClient *http.Client

	// Limiter, when set, gates each upload attempt. The destination has no
	// published rate ceiling, so most deployments leave it nil.
	Limiter *ratelimit.Limiter

	// Retry is the retry policy for upload attempts (default: retry.DefaultPolicy).
	Retry retry.Policy
}

// Importer uploads batches to a single Treasure Data table. It satisfies
// pipeline.Uploader.
type Importer struct {
	config     Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      retry.Policy
	logger     zerolog.Logger
}

// New creates an Importer from the given configuration.
func New(cfg Config) (*Importer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Importer{
		config:     cfg,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		retry:      cfg.Retry,
		logger:     logging.NewLogger("td").With().Str("database", cfg.Database).Str("table", cfg.Table).Logger(),
	}, nil
}

// Upload encodes the batch and PUTs it to the import_with_id endpoint under
// the importer's retry policy. The returned error is terminal: retryable
// failures have already been retried.
func (im *Importer) Upload(ctx context.Context, batch *pipeline.Batch) error {
	if len(batch.Records) == 0 {
		im.logger.Warn().Int("batch_seq", batch.Seq).Msg("Skipping empty batch")
		return nil
	}

	payload, err := encodeBatch(batch)
	if err != nil {
		return fmt.Errorf("encode batch %d: %w", batch.Seq, err)
	}
	sum := md5.Sum(payload)
	wantMD5 := hex.EncodeToString(sum[:])

	uploadURL := fmt.Sprintf("%s/v3/table/import_with_id/%s/%s/%s/msgpack.gz",
		im.config.Endpoint,
		url.PathEscape(im.config.Database),
		url.PathEscape(im.config.Table),
		url.PathEscape(batch.ID))

	start := time.Now()
	err = im.retry.Do(ctx, "upload_batch", func() error {
		if im.limiter != nil {
			if err := im.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		return im.putOnce(ctx, uploadURL, payload, wantMD5)
	})
	if err != nil {
		return fmt.Errorf("upload batch %d (%s): %w", batch.Seq, batch.ID, err)
	}

	destPayloadBytes.Observe(float64(len(payload)))
	im.logger.Info().
		Int("batch_seq", batch.Seq).
		Str("batch_id", batch.ID).
		Int("records", len(batch.Records)).
		Int("bytes", len(payload)).
		Dur("duration", time.Since(start)).
		Msg("Batch imported")
	return nil
}

// putOnce performs a single import attempt. The request body is rebuilt from
// the buffered payload so every attempt sends the full stream.
func (im *Importer) putOnce(ctx context.Context, uploadURL string, payload []byte, wantMD5 string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "TD1 "+im.config.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(payload))

	start := time.Now()
	resp, err := im.httpClient.Do(req)
	destRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		destRequestsTotal.WithLabelValues("error").Inc()
		return apierror.Network(endpointImport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		destRequestsTotal.WithLabelValues("error").Inc()
		return apierror.Network(endpointImport, err)
	}
	destRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		apiErr := apierror.FromResponse(endpointImport, resp.StatusCode, resp.Header, body)
		im.logger.Warn().
			Int("status", resp.StatusCode).
			Str("class", string(apiErr.Class)).
			Msg("Import request failed")
		return apiErr
	}

	// Treasure Data echoes the digest of what it stored. A mismatch means
	// the stream was corrupted in transit; the replay is deduplicated by
	// the batch ID, so retrying is safe.
	var echo importResponse
	if err := json.Unmarshal(body, &echo); err != nil {
		return &apierror.APIError{
			StatusCode: resp.StatusCode,
			Class:      apierror.ClassServer,
			Endpoint:   endpointImport,
			Message:    "unreadable import response",
			Err:        err,
		}
	}
	if echo.MD5Hex != wantMD5 {
		return &apierror.APIError{
			StatusCode: resp.StatusCode,
			Class:      apierror.ClassServer,
			Endpoint:   endpointImport,
			Message:    fmt.Sprintf("md5 mismatch: sent %s, stored %s", wantMD5, echo.MD5Hex),
		}
	}
	return nil
}

// encodeBatch renders the batch as a gzip-compressed msgpack stream, one row
// per record, all rows stamped with the batch's seal time.
func encodeBatch(batch *pipeline.Batch) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := msgpack.NewEncoder(gz)

	for i, rec := range batch.Records {
		r := row{JSONResponse: string(rec), Time: batch.Time}
		if err := enc.Encode(&r); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}
