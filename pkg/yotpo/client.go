// Package yotpo implements the Yotpo Core API v3 client used to extract
// customer loyalty profiles: the access-token handshake, rate-limited page
// fetches with retry, and a forward-only paginator over the customers
// collection.
package yotpo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nvalander/yotpo-ingest/pkg/apierror"
	"github.com/nvalander/yotpo-ingest/pkg/logging"
	"github.com/nvalander/yotpo-ingest/pkg/ratelimit"
	"github.com/nvalander/yotpo-ingest/pkg/retry"
	"github.com/nvalander/yotpo-ingest/pkg/tokencache"
)

// Prometheus metrics for Yotpo API operations.
var (
	sourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yotpo_ingest_source_requests_total",
		Help: "Total requests against the Yotpo API by endpoint and status",
	}, []string{"endpoint", "status"})

	sourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yotpo_ingest_source_request_duration_seconds",
		Help:    "Yotpo API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})
)

// DefaultBaseURL is the production Yotpo Core API v3 endpoint.
const DefaultBaseURL = "https://api.yotpo.com/core/v3"

// DefaultPageLimit is the page size requested from the customers endpoint.
const DefaultPageLimit = 100

// TokenStore caches access tokens across runs so repeated invocations skip
// the handshake. Implementations return tokencache.ErrMiss when no token is
// cached. A nil store disables caching.
type TokenStore interface {
	Get(ctx context.Context, storeID string) (string, error)
	Set(ctx context.Context, storeID, token string, ttl time.Duration) error
	Delete(ctx context.Context, storeID string) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the Yotpo Core API (default: DefaultBaseURL).
	BaseURL string

	// StoreID identifies the Yotpo store (REQUIRED).
	StoreID string

	// ClientSecret authenticates the access-token handshake (REQUIRED).
	ClientSecret string

	// PageLimit is the page size for the first request (default: 100).
	// Follow-up requests carry the cursor instead; the API fixes their size.
	PageLimit int

	// HTTPClient performs the requests (default: 30s timeout).
	HTTPClient *http.Client

	// Limiter paces requests against the API. Every attempt, including
	// retries, acquires a token first. nil disables pacing.
	Limiter *ratelimit.Limiter

	// Retry is the retry policy for handshake and page fetches
	// (zero value: retry.DefaultPolicy()).
	Retry retry.Policy

	// Tokens optionally caches access tokens across runs.
	Tokens TokenStore

	// TokenTTL bounds how long a cached token is reused (default: 1h).
	TokenTTL time.Duration
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig(storeID, clientSecret string) Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		StoreID:      storeID,
		ClientSecret: clientSecret,
		PageLimit:    DefaultPageLimit,
		Retry:        retry.DefaultPolicy(),
		TokenTTL:     time.Hour,
	}
}

// Client is the Yotpo Core API v3 client.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      retry.Policy
	tokens     TokenStore
	logger     zerolog.Logger

	mu    sync.Mutex
	token string
}

// New creates a new Yotpo client.
func New(cfg Config) (*Client, error) {
	if cfg.StoreID == "" {
		return nil, fmt.Errorf("store id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		retry:      cfg.Retry,
		tokens:     cfg.Tokens,
		logger:     logging.NewLogger("yotpo"),
	}, nil
}

// Authenticate obtains an access token, preferring the token cache when one
// is configured. Cache failures degrade to a fresh handshake, never to an
// error.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.tokens != nil {
		token, err := c.tokens.Get(ctx, c.config.StoreID)
		switch {
		case err == nil && token != "":
			c.setToken(token)
			c.logger.Debug().Msg("Using cached access token")
			return nil
		case errors.Is(err, tokencache.ErrMiss):
			c.logger.Debug().Msg("No cached access token")
		case err != nil:
			c.logger.Warn().Err(err).Msg("Token cache unavailable, authenticating")
		}
	}

	endpoint := "access_tokens"
	target := fmt.Sprintf("%s/stores/%s/access_tokens", c.config.BaseURL, c.config.StoreID)
	payload, err := json.Marshal(tokenRequest{Secret: c.config.ClientSecret})
	if err != nil {
		return fmt.Errorf("encode token request: %w", err)
	}

	c.logger.Info().Str("op", "authenticate").Msg("Requesting access token")

	var token string
	err = c.retry.Do(ctx, "authenticate", func() error {
		if err := c.acquire(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		status, header, body, err := c.roundTrip(endpoint, req)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return apierror.FromResponse(endpoint, status, header, body)
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return apierror.Parse(endpoint, err)
		}
		if tr.AccessToken == "" {
			return apierror.Parse(endpoint, errors.New("access_token missing from response"))
		}
		token = tr.AccessToken
		return nil
	})
	if err != nil {
		return fmt.Errorf("authenticate store %s: %w", c.config.StoreID, err)
	}

	c.setToken(token)
	c.logger.Info().Msg("Access token received")

	if c.tokens != nil {
		if err := c.tokens.Set(ctx, c.config.StoreID, token, c.config.TokenTTL); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache access token")
		}
	}
	return nil
}

// FetchPage fetches one page of the customers collection. An empty cursor
// fetches the first page. Each attempt waits for the rate limiter before
// touching the network; retryable failures are re-attempted under the
// client's retry policy.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	endpoint := "customers"
	target := c.pageURL(cursor)

	var page *Page
	err := c.retry.Do(ctx, "fetch_page", func() error {
		if err := c.acquire(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Yotpo-Token", c.currentToken())

		status, header, body, err := c.roundTrip(endpoint, req)
		if err != nil {
			return err
		}

		switch {
		case status == http.StatusOK:
			parsed, err := parsePage(cursor, body)
			if err != nil {
				return apierror.Parse(endpoint, err)
			}
			page = parsed
			return nil

		// The API answers 400 with "no results found" for an empty
		// collection; that is an empty terminal page, not a failure.
		case status == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "no results found"):
			c.logger.Debug().Str("cursor", cursor).Msg("No results found, treating as end of data")
			page = &Page{Cursor: cursor}
			return nil

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			c.dropToken(ctx)
			return apierror.FromResponse(endpoint, status, header, body)

		default:
			return apierror.FromResponse(endpoint, status, header, body)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page (cursor %q): %w", cursor, err)
	}

	c.logger.Debug().
		Str("cursor", cursor).
		Str("next_cursor", page.NextCursor).
		Int("records", len(page.Records)).
		Msg("Page fetched")

	return page, nil
}

// acquire waits for the rate limiter when one is configured.
func (c *Client) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx)
}

// roundTrip executes the request and drains the body, recording metrics.
// Transport failures come back as network-class API errors.
func (c *Client) roundTrip(endpoint string, req *http.Request) (int, http.Header, []byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	sourceRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		sourceRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Request failed")
		return 0, nil, nil, apierror.Network(endpoint, err)
	}
	defer resp.Body.Close()

	sourceRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, apierror.Network(endpoint, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Msg("Yotpo API error response")
	}

	return resp.StatusCode, resp.Header, body, nil
}

// pageURL builds the customers URL for a cursor. The first page carries the
// page limit; follow-up pages carry only the cursor, as the API dictates.
func (c *Client) pageURL(cursor string) string {
	q := url.Values{}
	if cursor != "" {
		q.Set("page_info", cursor)
	} else {
		q.Set("limit", strconv.Itoa(c.config.PageLimit))
	}
	q.Set("include_custom_properties", "true")
	q.Set("expand", "loyalty")
	return fmt.Sprintf("%s/stores/%s/customers?%s", c.config.BaseURL, c.config.StoreID, q.Encode())
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.currentToken() != "" {
		return nil
	}
	return c.Authenticate(ctx)
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// dropToken discards the in-memory and cached token after an auth rejection
// so the next run performs a fresh handshake.
func (c *Client) dropToken(ctx context.Context) {
	c.setToken("")
	if c.tokens == nil {
		return
	}
	if err := c.tokens.Delete(ctx, c.config.StoreID); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to drop cached access token")
	} else {
		c.logger.Info().Msg("Dropped cached access token after auth rejection")
	}
}

type tokenRequest struct {
	Secret string `json:"secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}
