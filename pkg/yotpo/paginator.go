package yotpo

import (
	"context"
	"encoding/json"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for pagination progress.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yotpo_ingest_pages_fetched_total",
		Help: "Total pages fetched from the customers collection",
	})

	recordsFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yotpo_ingest_records_fetched_total",
		Help: "Total customer records fetched",
	})
)

// Pages is a lazy, forward-only iterator over the customers collection. It
// is not safe for concurrent use and cannot be restarted: cursor chaining is
// inherently sequential, so there is exactly one fetch in flight at a time
// and no page is refetched after it has been returned.
type Pages struct {
	client *Client
	cursor string
	count  int
	done   bool
	err    error
}

// Pages returns an iterator starting at cursor ("" = first page).
func (c *Client) Pages(cursor string) *Pages {
	return &Pages{client: c, cursor: cursor}
}

// Next fetches and returns the next page. It returns io.EOF once the
// collection is exhausted, on every subsequent call. A terminal fetch
// failure is sticky: the same error comes back from every later call, since
// the cursor chain is broken and cannot advance past the failed page.
func (p *Pages) Next(ctx context.Context) (*Page, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.done {
		return nil, io.EOF
	}

	page, err := p.client.FetchPage(ctx, p.cursor)
	if err != nil {
		p.err = err
		return nil, err
	}

	p.count++
	pagesFetchedTotal.Inc()
	recordsFetchedTotal.Add(float64(len(page.Records)))

	switch {
	case page.NextCursor == "":
		p.done = true
	case page.NextCursor == page.Cursor:
		// A cursor that does not advance would refetch this page forever.
		p.client.logger.Warn().
			Str("cursor", page.Cursor).
			Msg("Next cursor equals current cursor, ending pagination")
		p.done = true
	default:
		p.cursor = page.NextCursor
	}

	return page, nil
}

// Count reports how many pages have been returned so far.
func (p *Pages) Count() int {
	return p.count
}

// NextPage implements the pipeline's record source: it unwraps the next
// page into its records, translating end-of-collection into io.EOF.
func (p *Pages) NextPage(ctx context.Context) ([]json.RawMessage, error) {
	page, err := p.Next(ctx)
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}
