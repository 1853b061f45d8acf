package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvalander/yotpo-ingest/pkg/logging"
)

// Source yields successive pages of records. It returns io.EOF when the
// collection is exhausted; any other error is terminal for the fetch path.
type Source interface {
	NextPage(ctx context.Context) ([]json.RawMessage, error)
}

// Config holds the pipeline configuration.
type Config struct {
	// BatchSize is the number of records per sealed batch
	// (default: DefaultBatchSize).
	BatchSize int

	// Workers is the number of concurrent upload workers (default: 2).
	Workers int

	// QueueDepth bounds the batch hand-off queue (default: 2).
	QueueDepth int
}

// Result summarizes a run. Every record read from the source is accounted
// for: it was uploaded in a batch, sits in a failed batch in Failures, or
// both counts plus the run error describe the partial progress.
type Result struct {
	// Pages is the number of pages consumed from the source.
	Pages int

	// Records is the number of records read.
	Records int

	// Batches is the number of batches sealed.
	Batches int

	// Uploaded is the number of batches delivered to the destination.
	Uploaded int

	// Failures lists batches whose upload failed terminally, in seal order.
	Failures []BatchFailure

	// Duration is the wall-clock run time.
	Duration time.Duration
}

// Pipeline drives one ingestion run: fetch pages sequentially, seal batches,
// upload them concurrently, and report the outcome.
type Pipeline struct {
	cfg      Config
	source   Source
	uploader Uploader
	logger   zerolog.Logger
}

// New creates a pipeline over the given source and uploader.
func New(cfg Config, source Source, uploader Uploader) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Pipeline{
		cfg:      cfg,
		source:   source,
		uploader: uploader,
		logger:   logging.NewLogger("pipeline"),
	}, nil
}

// Run executes the pipeline until the source is exhausted or fails, then
// drains the upload pool and returns the Result.
//
// A fetch-path failure stops fetching but still flushes and drains what was
// already read; Run then returns the fetch error alongside the partial
// Result. Upload failures alone are not an error from Run: they are reported
// in Result.Failures and the caller decides what they mean.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	acc := NewAccumulator(p.cfg.BatchSize)
	pool := NewPool(PoolConfig{Workers: p.cfg.Workers, QueueDepth: p.cfg.QueueDepth}, p.uploader)
	pool.Start(ctx)

	p.logger.Info().
		Int("batch_size", p.cfg.BatchSize).
		Int("workers", p.cfg.Workers).
		Int("queue_depth", p.cfg.QueueDepth).
		Msg("Pipeline run started")

	res := &Result{}
	var fetchErr error

	// Batches the pool never accepted (submission failed) are recorded
	// here and merged into the failure list at the end.
	var orphaned []BatchFailure

fetch:
	for {
		records, err := p.source.NextPage(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			fetchErr = err
			p.logger.Error().Err(err).Int("pages", res.Pages).Msg("Fetch path failed")
			break
		}

		res.Pages++
		res.Records += len(records)

		for _, rec := range records {
			batch := acc.Add(rec)
			if batch == nil {
				continue
			}
			res.Batches++
			if err := pool.Submit(ctx, batch); err != nil {
				orphaned = append(orphaned, BatchFailure{Batch: batch, Err: err})
				fetchErr = err
				break fetch
			}
		}
	}

	// Flush the partial batch even when fetching failed: records already
	// read are never dropped on the floor.
	if batch := acc.Flush(); batch != nil {
		res.Batches++
		if err := pool.Submit(ctx, batch); err != nil {
			orphaned = append(orphaned, BatchFailure{Batch: batch, Err: err})
		}
	}

	pool.Close()
	res.Failures = append(pool.Wait(), orphaned...)
	sort.Slice(res.Failures, func(i, j int) bool {
		return res.Failures[i].Batch.Seq < res.Failures[j].Batch.Seq
	})
	res.Uploaded = pool.Uploaded()
	res.Duration = time.Since(start)
	runDurationSeconds.Observe(res.Duration.Seconds())

	summary := p.logger.Info()
	if fetchErr != nil || len(res.Failures) > 0 {
		summary = p.logger.Warn()
	}
	summary.
		Int("pages", res.Pages).
		Int("records", res.Records).
		Int("batches", res.Batches).
		Int("uploaded", res.Uploaded).
		Int("failed", len(res.Failures)).
		Dur("duration", res.Duration).
		Msg("Pipeline run finished")

	if fetchErr != nil {
		return res, fmt.Errorf("fetch: %w", fetchErr)
	}
	return res, nil
}
