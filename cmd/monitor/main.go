// Command monitor is the read-only observer for a backfill run: it polls the
// aggregate summary, logs throughput / ETA / failure rate, and serves the
// Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/skylens/backfill/pkg/config"
	"github.com/skylens/backfill/pkg/coordinator"
	"github.com/skylens/backfill/pkg/logging"
	"github.com/skylens/backfill/pkg/monitor"
	"github.com/skylens/backfill/pkg/state"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		runID       = flag.String("run", config.GetEnv("RUN_ID", ""), "Run id to observe. Env: RUN_ID")
		interval    = flag.Duration("interval", config.GetEnvDuration("POLL_INTERVAL", 0), "Polling interval. Env: POLL_INTERVAL")
		metricsAddr = flag.String("metrics-addr", config.GetEnv("METRICS_ADDR", ":9090"), "Prometheus listen address. Env: METRICS_ADDR")
	)
	flag.Parse()

	logger := logging.Setup(logging.FromEnv())

	if *runID == "" {
		logger.Error().Msg("-run is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr: config.GetEnv("REDIS_URL", "localhost:6379"),
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Msg("Failed to connect to Redis")
		return 2
	}

	cfg := config.DefaultConfig()
	cfg.Run = *runID

	store := state.NewRedisStore(redisClient, cfg.Run, logger)
	coord, err := coordinator.New(store, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 2
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", *metricsAddr).Msg("Metrics endpoint listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	defer server.Shutdown(context.Background())

	m := monitor.New(coord, *interval, logger)
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Monitor failed")
		return 1
	}
	return 0
}
