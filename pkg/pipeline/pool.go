package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nvalander/yotpo-ingest/pkg/logging"
)

// Default pool sizing. Two workers with a two-deep queue cap in-flight work
// at four batches; beyond that, Submit blocks and throttles the fetch path.
const (
	DefaultWorkers    = 2
	DefaultQueueDepth = 2
)

// Uploader ships one sealed batch to the destination store. Implementations
// own their retry behavior; an error from Upload is terminal for the batch.
type Uploader interface {
	Upload(ctx context.Context, batch *Batch) error
}

// BatchFailure records a batch whose upload failed terminally. The batch is
// kept whole, records included, so callers can account for or re-drive it.
type BatchFailure struct {
	Batch *Batch
	Err   error
}

// PoolConfig holds the upload pool configuration.
type PoolConfig struct {
	// Workers is the number of concurrent upload workers (default: 2).
	Workers int

	// QueueDepth bounds the hand-off queue between the fetch path and the
	// workers (default: 2).
	QueueDepth int
}

// Pool uploads sealed batches with a fixed set of workers over a bounded
// queue. One batch's failure never blocks or cancels its siblings: failures
// are recorded and the worker moves on.
type Pool struct {
	uploader Uploader
	queue    chan *Batch
	workers  int
	logger   zerolog.Logger
	wg       sync.WaitGroup

	mu       sync.Mutex
	failures []BatchFailure
	uploaded int
}

// NewPool creates a pool delivering batches to the given uploader.
func NewPool(cfg PoolConfig, uploader Uploader) *Pool {
	if uploader == nil {
		panic("uploader cannot be nil")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Pool{
		uploader: uploader,
		queue:    make(chan *Batch, depth),
		workers:  workers,
		logger:   logging.NewLogger("upload-pool"),
	}
}

// Start launches the workers. They run until Close is called and the queue
// drains. Cancelling ctx aborts in-flight uploads through the uploader and
// turns still-queued batches into recorded failures; nothing is dropped
// silently.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit hands a sealed batch to the pool, blocking while the queue is full.
// The only error is ctx.Err() when the context dies before the batch is
// accepted; the caller still owns the batch in that case.
func (p *Pool) Submit(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.queue <- batch:
		uploadQueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends submission. Workers finish the queued batches and exit; no
// Submit may follow.
func (p *Pool) Close() {
	close(p.queue)
}

// Wait blocks until all workers have drained the queue, then returns the
// terminal failures in batch seal order. An empty slice means every
// submitted batch was uploaded.
func (p *Pool) Wait() []BatchFailure {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	sort.Slice(p.failures, func(i, j int) bool {
		return p.failures[i].Batch.Seq < p.failures[j].Batch.Seq
	})
	return p.failures
}

// Uploaded reports how many batches were uploaded successfully.
func (p *Pool) Uploaded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for batch := range p.queue {
		uploadQueueDepth.Dec()

		// A dead context means this batch will never be attempted.
		if err := ctx.Err(); err != nil {
			p.recordFailure(batch, err)
			continue
		}

		p.logger.Debug().
			Int("worker", id).
			Int("batch_seq", batch.Seq).
			Str("batch_id", batch.ID).
			Int("records", len(batch.Records)).
			Msg("Uploading batch")

		if err := p.uploader.Upload(ctx, batch); err != nil {
			p.recordFailure(batch, err)
			continue
		}

		p.mu.Lock()
		p.uploaded++
		p.mu.Unlock()
		batchesUploadedTotal.Inc()

		p.logger.Info().
			Int("batch_seq", batch.Seq).
			Str("batch_id", batch.ID).
			Int("records", len(batch.Records)).
			Msg("Batch uploaded")
	}
}

func (p *Pool) recordFailure(batch *Batch, err error) {
	p.mu.Lock()
	p.failures = append(p.failures, BatchFailure{Batch: batch, Err: err})
	p.mu.Unlock()
	batchFailuresTotal.Inc()

	p.logger.Error().
		Err(err).
		Int("batch_seq", batch.Seq).
		Str("batch_id", batch.ID).
		Int("records", len(batch.Records)).
		Msg("Batch upload failed")
}
