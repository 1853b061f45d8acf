// Package ratelimit implements a token-bucket limiter that paces outbound
// API requests to a fixed requests-per-second ceiling. Fractional rates such
// as 4.5 requests/second are honored exactly.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for limiter operations.
var (
	acquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yotpo_ingest_ratelimit_acquires_total",
		Help: "Total token acquisitions by limiter",
	}, []string{"limiter"})

	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yotpo_ingest_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a token by limiter",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"limiter"})
)

// capacity is the bucket size in tokens. With a single token the limiter
// allows no bursts: acquisition i+1 starts at least 1/rate after i.
const capacity = 1.0

// Limiter is a token-bucket rate limiter. Tokens accrue continuously at the
// configured rate and every acquisition consumes exactly one. Safe for
// concurrent use; waiters are not FIFO but none can starve, since each sleeps
// only its own token deficit before re-competing.
type Limiter struct {
	name string
	rate float64

	mu     sync.Mutex
	tokens float64
	last   time.Time

	logger zerolog.Logger
}

// New creates a limiter allowing rps acquisitions per second. The name labels
// log lines and metrics. A non-positive rps disables limiting entirely:
// Acquire returns immediately.
func New(name string, rps float64) *Limiter {
	return &Limiter{
		name:   name,
		rate:   rps,
		tokens: capacity,
		last:   time.Now(),
		logger: log.With().Str("component", "ratelimit").Str("limiter", name).Logger(),
	}
}

// Rate returns the configured requests-per-second ceiling.
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Acquire blocks until a whole token is available and consumes it. The only
// failure mode is context cancellation while waiting, in which case the
// token state is untouched and ctx.Err() is returned.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.rate <= 0 {
		acquiresTotal.WithLabelValues(l.name).Inc()
		return nil
	}

	start := time.Now()
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			acquiresTotal.WithLabelValues(l.name).Inc()
			waitSeconds.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
			return nil
		}
		wait := l.tokenDeficit()
		l.mu.Unlock()

		l.logger.Debug().
			Dur("wait", wait).
			Msg("Waiting for rate limit token")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill credits tokens for the time elapsed since the last refill, capped at
// the bucket capacity. Callers must hold l.mu.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > capacity {
		l.tokens = capacity
	}
	l.last = now
}

// tokenDeficit returns the time until a whole token has accrued.
// Callers must hold l.mu.
func (l *Limiter) tokenDeficit() time.Duration {
	missing := 1.0 - l.tokens
	return time.Duration(missing / l.rate * float64(time.Second))
}
