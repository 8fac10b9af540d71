// Command coordinator seeds a backfill run from an input file of
// identifiers, reclaims expired leases on an interval, and exits with the
// run's final status: 0 when every batch finished done, 1 when any batch
// ended partially_failed, 2 on configuration errors.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skylens/backfill/pkg/config"
	"github.com/skylens/backfill/pkg/coordinator"
	"github.com/skylens/backfill/pkg/logging"
	"github.com/skylens/backfill/pkg/state"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		inputPath = flag.String("input", config.GetEnv("INPUT_FILE", ""), "File with one identifier per line. Env: INPUT_FILE")
		runID     = flag.String("run", config.GetEnv("RUN_ID", ""), "Run id; defaults to a fresh one. Env: RUN_ID")
		batchSize = flag.Int("batch-size", config.GetEnvInt("BATCH_SIZE", 100), "Identifiers per batch. Env: BATCH_SIZE")
		resume    = flag.Bool("resume", config.GetEnvBool("RESUME", false), "Resume an existing run; input may be omitted. Env: RESUME")
		redrive   = flag.Bool("redrive", false, "Re-drive failed items of partially_failed batches before running")
	)
	flag.Parse()

	logger := logging.Setup(logging.FromEnv())

	cfg := config.DefaultConfig()
	cfg.BatchSize = *batchSize
	cfg.LeaseTTL = config.GetEnvDuration("LEASE_TTL", cfg.LeaseTTL)
	cfg.SweepInterval = config.GetEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.RenewInterval = config.GetEnvDuration("RENEW_INTERVAL", cfg.RenewInterval)
	cfg.RateLimit = config.GetEnvInt("RATE_LIMIT", cfg.RateLimit)
	cfg.RateWindow = config.GetEnvDuration("RATE_WINDOW", cfg.RateWindow)
	cfg.RateSafetyFactor = config.GetEnvFloat("RATE_SAFETY_FACTOR", cfg.RateSafetyFactor)
	cfg.MaxItemRetries = config.GetEnvInt("MAX_ITEM_RETRIES", cfg.MaxItemRetries)

	if *runID != "" {
		cfg.Run = *runID
	} else if *resume {
		logger.Error().Msg("-resume requires -run")
		return 2
	} else {
		cfg.Run = coordinator.NewRunID()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: config.GetEnv("REDIS_URL", "localhost:6379"),
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Msg("Failed to connect to Redis")
		return 2
	}

	store := state.NewRedisStore(redisClient, cfg.Run, logger)
	coord, err := coordinator.New(store, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 2
	}
	logger.Info().Str("run", cfg.Run).Msg("Coordinator started")

	if *inputPath != "" {
		ids, err := readIDs(*inputPath)
		if err != nil {
			logger.Error().Err(err).Str("path", *inputPath).Msg("Failed to read input file")
			return 2
		}
		if _, err := coord.PartitionAndSeed(ctx, ids); err != nil {
			logger.Error().Err(err).Msg("Seeding failed")
			return 2
		}
	} else if !*resume {
		logger.Error().Msg("Either -input or -resume is required")
		return 2
	}

	if *redrive {
		n, err := coord.RedriveFailed(ctx, cfg.MaxItemRetries*3)
		if err != nil {
			logger.Error().Err(err).Msg("Re-drive failed")
			return 1
		}
		logger.Info().Int("items", n).Msg("Re-drive complete")
	}

	go coord.RunSweeper(ctx)

	// Wait for the run to drain, checking on the sweep cadence.
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Interrupted; run state is preserved for resume")
			return 1
		case <-ticker.C:
		}

		summary, err := coord.Summary(ctx, 0)
		if err != nil {
			logger.Warn().Err(err).Msg("Summary unavailable, retrying")
			continue
		}
		if summary.Done {
			return printFinalSummary(ctx, coord, logger)
		}
	}
}

// printFinalSummary emits the end-of-run report and maps it to an exit code.
func printFinalSummary(ctx context.Context, coord *coordinator.Coordinator, logger zerolog.Logger) int {
	summary, err := coord.Summary(ctx, 100)
	if err != nil {
		logger.Error().Err(err).Msg("Final summary unavailable")
		return 1
	}

	event := logger.Info().
		Int("total", summary.Total).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed)
	for status, n := range summary.Batches {
		event = event.Int("batches_"+string(status), n)
	}
	event.Msg("Backfill run finished")

	if len(summary.FailedIDs) > 0 {
		logger.Warn().
			Strs("failed_ids", summary.FailedIDs).
			Msg("Failed identifiers (re-drive with -redrive)")
	}
	if summary.PartiallyFailed {
		return 1
	}
	return 0
}

// readIDs loads identifiers one per line, skipping blanks and comments.
func readIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return ids, nil
}
