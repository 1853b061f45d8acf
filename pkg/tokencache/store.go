// Package tokencache stores Yotpo access tokens in Redis so repeated runs
// skip the access-token handshake. The cache is strictly an optimization:
// callers treat every failure as a miss and fall back to re-authenticating.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// Prometheus metrics for token cache operations.
var (
	tokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yotpo_ingest_token_cache_hits_total",
		Help: "Total number of access-token cache hits",
	})

	tokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yotpo_ingest_token_cache_misses_total",
		Help: "Total number of access-token cache misses",
	})

	tokenCacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yotpo_ingest_token_cache_errors_total",
		Help: "Total number of token cache operation errors",
	}, []string{"operation"}) // "get", "set", "delete"
)

// ErrMiss indicates no token is cached for the store.
var ErrMiss = errors.New("token cache miss")

const keyPrefix = "yotpo:token:"

// Store caches access tokens in Redis, one entry per Yotpo store.
type Store struct {
	redis *redis.Client
}

// New creates a token store backed by the given Redis client.
func New(redisClient *redis.Client) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Store{redis: redisClient}
}

// Get returns the cached token for storeID, or ErrMiss.
func (s *Store) Get(ctx context.Context, storeID string) (string, error) {
	token, err := s.redis.Get(ctx, key(storeID)).Result()
	if err != nil {
		if err == redis.Nil {
			tokenCacheMisses.Inc()
			return "", ErrMiss
		}
		tokenCacheErrors.WithLabelValues("get").Inc()
		return "", fmt.Errorf("redis get: %w", err)
	}

	tokenCacheHits.Inc()
	return token, nil
}

// Set caches the token for storeID with the given TTL. A non-positive TTL
// caches nothing.
func (s *Store) Set(ctx context.Context, storeID, token string, ttl time.Duration) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if ttl <= 0 {
		return nil
	}

	if err := s.redis.Set(ctx, key(storeID), token, ttl).Err(); err != nil {
		tokenCacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete drops the cached token for storeID. Deleting an absent token is
// not an error.
func (s *Store) Delete(ctx context.Context, storeID string) error {
	if err := s.redis.Del(ctx, key(storeID)).Err(); err != nil {
		tokenCacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func key(storeID string) string {
	return keyPrefix + storeID
}
