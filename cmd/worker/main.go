// Command worker pulls pending batches for one backfill run and processes
// them under the shared rate budget. Many worker processes can point at the
// same run; coordination happens entirely through the shared store.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/skylens/backfill/pkg/config"
	"github.com/skylens/backfill/pkg/fetch"
	"github.com/skylens/backfill/pkg/logging"
	"github.com/skylens/backfill/pkg/ratelimit"
	"github.com/skylens/backfill/pkg/sink"
	"github.com/skylens/backfill/pkg/state"
	"github.com/skylens/backfill/pkg/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		runID    = flag.String("run", config.GetEnv("RUN_ID", ""), "Run id to work. Env: RUN_ID")
		workerID = flag.String("worker-id", config.GetEnv("WORKER_ID", ""), "Stable worker identity; generated when empty. Env: WORKER_ID")
		baseURL  = flag.String("base-url", config.GetEnv("FETCH_BASE_URL", ""), "Upstream endpoint prefix. Env: FETCH_BASE_URL")
		sinkKind = flag.String("sink", config.GetEnv("SINK", "redis"), "Record sink: redis or postgres. Env: SINK")
	)
	flag.Parse()

	logger := logging.Setup(logging.FromEnv())

	if *runID == "" {
		logger.Error().Msg("-run is required")
		return 2
	}

	cfg := config.DefaultConfig()
	cfg.Run = *runID
	cfg.BatchSize = config.GetEnvInt("BATCH_SIZE", cfg.BatchSize)
	cfg.LeaseTTL = config.GetEnvDuration("LEASE_TTL", cfg.LeaseTTL)
	cfg.RenewInterval = config.GetEnvDuration("RENEW_INTERVAL", cfg.RenewInterval)
	cfg.SweepInterval = config.GetEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.IdleBackoff = config.GetEnvDuration("IDLE_BACKOFF", cfg.IdleBackoff)
	cfg.MaxItemRetries = config.GetEnvInt("MAX_ITEM_RETRIES", cfg.MaxItemRetries)
	cfg.RateLimit = config.GetEnvInt("RATE_LIMIT", cfg.RateLimit)
	cfg.RateWindow = config.GetEnvDuration("RATE_WINDOW", cfg.RateWindow)
	cfg.RateSafetyFactor = config.GetEnvFloat("RATE_SAFETY_FACTOR", cfg.RateSafetyFactor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr: config.GetEnv("REDIS_URL", "localhost:6379"),
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Msg("Failed to connect to Redis")
		return 2
	}

	store := state.NewRedisStore(redisClient, cfg.Run, logger)

	limiter, err := ratelimit.NewRedisLimiter(redisClient, cfg.Run, ratelimit.Config{
		Limit:        cfg.RateLimit,
		Window:       cfg.RateWindow,
		SafetyFactor: cfg.RateSafetyFactor,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid rate limit configuration")
		return 2
	}

	fetcher, err := fetch.NewHTTPFetcher(fetch.HTTPConfig{
		BaseURL:   *baseURL,
		UserAgent: config.GetEnv("USER_AGENT", "skylens-backfill/1.0 (ops@skylens.dev)"),
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid fetcher configuration")
		return 2
	}

	var recordSink sink.Sink
	switch *sinkKind {
	case "postgres":
		pgSink, err := sink.NewPostgresSink(ctx, config.GetEnv("PG_DSN", ""), cfg.Run, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open Postgres sink")
			return 2
		}
		defer pgSink.Close()
		recordSink = pgSink
	case "redis":
		recordSink = sink.NewRedisSink(redisClient, cfg.Run, logger)
	default:
		logger.Error().Str("sink", *sinkKind).Msg("Unknown sink kind")
		return 2
	}

	w, err := worker.New(store, limiter, fetcher, recordSink, cfg, *workerID, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid worker configuration")
		return 2
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Worker failed")
		return 1
	}
	return 0
}
