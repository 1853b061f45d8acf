// Package retry provides bounded retry with exponential backoff and jitter
// for calls against the source and destination APIs.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/nvalander/yotpo-ingest/pkg/apierror"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yotpo_ingest_retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"op"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yotpo_ingest_retry_backoff_seconds",
		Help:    "Backoff duration before retries by operation",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yotpo_ingest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"op"})
)

// ErrAttemptsExhausted marks an operation that failed on every allowed
// attempt. The terminal error wraps both this sentinel and the last
// underlying error.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy holds the retry configuration.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first).
	MaxAttempts int

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
	}
}

// Do runs fn up to MaxAttempts times, sleeping an exponentially growing,
// jittered delay between attempts. It stops early when fn succeeds, when the
// error is classified non-retryable, or when ctx is cancelled. A server
// Retry-After hint on the error raises the delay when it exceeds the
// computed backoff. op labels log lines and metrics.
//
// The policy carries no state across calls and is safe for concurrent use.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := p.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("op", op).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !apierror.IsRetryable(err) {
			return err
		}

		if attempt >= attempts {
			break
		}

		retriesTotal.WithLabelValues(op).Inc()

		// Jitter (±20%) spreads retries from concurrent workers apart.
		delay := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		if hint := apierror.RetryAfterHint(err); hint > delay {
			delay = hint
		}
		retryBackoffSeconds.WithLabelValues(op).Observe(delay.Seconds())

		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}

	retryExhaustedTotal.WithLabelValues(op).Inc()
	log.Warn().
		Str("op", op).
		Int("max_attempts", attempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrAttemptsExhausted, attempts, lastErr)
}
