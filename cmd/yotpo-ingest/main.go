// Command yotpo-ingest fetches every customer profile from a Yotpo store and
// bulk-imports them into a Treasure Data table. It is a batch job: one run
// walks the full customer list and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvalander/yotpo-ingest/pkg/config"
	"github.com/nvalander/yotpo-ingest/pkg/logging"
	"github.com/nvalander/yotpo-ingest/pkg/pipeline"
	"github.com/nvalander/yotpo-ingest/pkg/ratelimit"
	"github.com/nvalander/yotpo-ingest/pkg/retry"
	"github.com/nvalander/yotpo-ingest/pkg/td"
	"github.com/nvalander/yotpo-ingest/pkg/tokencache"
	"github.com/nvalander/yotpo-ingest/pkg/yotpo"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (empty: defaults + environment)")
	dryRun := flag.Bool("dry-run", false, "fetch and batch but log batches instead of uploading")
	flag.Parse()

	os.Exit(run(*configPath, *dryRun))
}

// run wires the pipeline and executes one ingest. Exit status 0 means every
// record landed; 1 means the fetch path failed or at least one batch did.
func run(configPath string, dryRun bool) int {
	logger := logging.Setup(logging.DefaultConfig())

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	logger = logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Token cache is optional: no redis URL, no cache.
	var tokens yotpo.TokenStore
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid redis URL")
			return 1
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error().Err(err).Str("url", cfg.Redis.URL).Msg("Failed to connect to redis")
			return 1
		}
		logger.Info().Str("url", cfg.Redis.URL).Msg("Token cache enabled")
		tokens = tokencache.New(redisClient)
	}

	// Metrics listener is optional: no address, no listener.
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn().Err(err).Msg("Metrics listener failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics listener started")
	}

	retryPolicy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
		MaxDelay:    cfg.Retry.MaxDelay(),
		Multiplier:  cfg.Retry.Multiplier,
	}

	client, err := yotpo.New(yotpo.Config{
		BaseURL:      cfg.Yotpo.BaseURL,
		StoreID:      cfg.Yotpo.StoreID,
		ClientSecret: cfg.Yotpo.ClientSecret,
		PageLimit:    cfg.Yotpo.PageLimit,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout()},
		Limiter:      ratelimit.New("yotpo", cfg.Yotpo.Rate),
		Retry:        retryPolicy,
		Tokens:       tokens,
		TokenTTL:     cfg.Yotpo.TokenTTL(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create Yotpo client")
		return 1
	}

	var uploader pipeline.Uploader
	if dryRun {
		logger.Info().Msg("Dry run: batches will be logged and dropped")
		uploader = &logUploader{logger: logging.NewLogger("dry_run")}
	} else {
		var destLimiter *ratelimit.Limiter
		if cfg.TD.Rate > 0 {
			destLimiter = ratelimit.New("td", cfg.TD.Rate)
		}
		uploader, err = td.New(td.Config{
			Endpoint: cfg.TD.Endpoint,
			APIKey:   cfg.TD.APIKey,
			Database: cfg.TD.Database,
			Table:    cfg.TD.Table,
			Limiter:  destLimiter,
			Retry:    retryPolicy,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Treasure Data importer")
			return 1
		}
	}

	// Fail fast on bad credentials before the pipeline spins up.
	if err := client.Authenticate(ctx); err != nil {
		logger.Error().Err(err).Msg("Yotpo authentication failed")
		return 1
	}

	pipe, err := pipeline.New(pipeline.Config{
		BatchSize:  cfg.Pipeline.BatchSize,
		Workers:    cfg.Pipeline.Workers,
		QueueDepth: cfg.Pipeline.QueueDepth,
	}, client.Pages(""), uploader)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create pipeline")
		return 1
	}

	res, runErr := pipe.Run(ctx)
	if runErr != nil {
		logger.Error().Err(runErr).
			Int("records", res.Records).
			Int("uploaded", res.Uploaded).
			Msg("Ingest aborted")
		return 1
	}
	if len(res.Failures) > 0 {
		for _, f := range res.Failures {
			logger.Error().Err(f.Err).
				Int("batch_seq", f.Batch.Seq).
				Str("batch_id", f.Batch.ID).
				Int("records", len(f.Batch.Records)).
				Msg("Batch lost")
		}
		logger.Error().
			Int("failed_batches", len(res.Failures)).
			Msg("Ingest finished with batch failures")
		return 1
	}

	logger.Info().
		Int("pages", res.Pages).
		Int("records", res.Records).
		Int("batches", res.Batches).
		Dur("duration", res.Duration).
		Msg("Ingest complete")
	return 0
}

// logUploader drops batches after logging them; it backs -dry-run.
type logUploader struct {
	logger zerolog.Logger
}

func (u *logUploader) Upload(ctx context.Context, batch *pipeline.Batch) error {
	u.logger.Info().
		Int("batch_seq", batch.Seq).
		Str("batch_id", batch.ID).
		Int("records", len(batch.Records)).
		Msg("Would upload batch")
	return nil
}
