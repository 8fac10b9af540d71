package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skylens/backfill/pkg/fetch"
)

// RedisSink appends records into a Redis hash keyed by identifier. HSETNX
// makes the append idempotent: a re-processed item after crash recovery is a
// no-op instead of a duplicate.
type RedisSink struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

// NewRedisSink creates a sink writing to "backfill:<run>:records".
func NewRedisSink(client *redis.Client, run string, logger zerolog.Logger) *RedisSink {
	return &RedisSink{
		client: client,
		key:    "backfill:" + run + ":records",
		logger: logger.With().Str("component", "sink").Str("run", run).Logger(),
	}
}

// Append writes the record unless one already exists for the id.
func (s *RedisSink) Append(ctx context.Context, id string, record *fetch.RawRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		appendErrorsTotal.Inc()
		return fmt.Errorf("marshal record %s: %w", id, err)
	}

	written, err := s.client.HSetNX(ctx, s.key, id, data).Result()
	if err != nil {
		appendErrorsTotal.Inc()
		return fmt.Errorf("redis append record %s: %w", id, err)
	}
	if !written {
		recordsAppendedTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug().Str("id", id).Msg("Record already present, skipping")
		return nil
	}
	recordsAppendedTotal.WithLabelValues("written").Inc()
	return nil
}
