// Package pipeline wires the stages of an ingestion run: a paginated record
// source feeds a batch accumulator, sealed batches flow through a bounded
// worker pool to an uploader, and the run reports exactly what happened to
// every record it read.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultBatchSize is the number of records per sealed batch.
const DefaultBatchSize = 100_000

// Batch is a sealed set of records bound for the destination store. Sealed
// batches are immutable and owned by exactly one upload worker at a time.
type Batch struct {
	// Seq is the 1-based seal order.
	Seq int

	// ID is the batch's stable unique identifier. Upload retries reuse it,
	// which lets the destination deduplicate replays.
	ID string

	// Records holds the raw payloads in arrival order.
	Records []json.RawMessage

	// Time is the seal timestamp in Unix seconds, shared by every record
	// in the batch.
	Time int64
}

// Accumulator groups incoming records into fixed-size batches. It is not
// safe for concurrent use; the fetch loop is its only caller.
type Accumulator struct {
	size    int
	seq     int
	pending []json.RawMessage
	now     func() time.Time
}

// NewAccumulator creates an accumulator sealing batches of the given size.
// A non-positive size falls back to DefaultBatchSize.
func NewAccumulator(size int) *Accumulator {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Accumulator{size: size, now: time.Now}
}

// Add appends rec to the open batch. When the batch reaches the configured
// size it is sealed and returned; otherwise Add returns nil.
func (a *Accumulator) Add(rec json.RawMessage) *Batch {
	a.pending = append(a.pending, rec)
	if len(a.pending) < a.size {
		return nil
	}
	return a.seal()
}

// Flush seals and returns the final partial batch, or nil when no records
// are pending.
func (a *Accumulator) Flush() *Batch {
	if len(a.pending) == 0 {
		return nil
	}
	return a.seal()
}

// Pending reports how many records sit in the open batch.
func (a *Accumulator) Pending() int {
	return len(a.pending)
}

func (a *Accumulator) seal() *Batch {
	a.seq++
	batch := &Batch{
		Seq:     a.seq,
		ID:      uuid.NewString(),
		Records: a.pending,
		Time:    a.now().Unix(),
	}
	// Ownership of the record slice moves to the batch.
	a.pending = nil

	batchesSealedTotal.Inc()
	batchSizeRecords.Observe(float64(len(batch.Records)))
	return batch
}
