package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/skylens/backfill/pkg/fetch"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS backfill_records (
	id          text PRIMARY KEY,
	run_id      text NOT NULL,
	payload     bytea NOT NULL,
	fetched_at  timestamptz NOT NULL,
	inserted_at timestamptz NOT NULL DEFAULT now()
)`

// PostgresSink appends records into a single table. The ON CONFLICT DO
// NOTHING clause gives the idempotence the at-least-once delivery requires.
type PostgresSink struct {
	pool   *pgxpool.Pool
	run    string
	logger zerolog.Logger
}

// NewPostgresSink connects a pool and ensures the records table exists.
func NewPostgresSink(ctx context.Context, dsn, run string, logger zerolog.Logger) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createRecordsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure records table: %w", err)
	}
	return &PostgresSink{
		pool:   pool,
		run:    run,
		logger: logger.With().Str("component", "sink").Str("run", run).Logger(),
	}, nil
}

// Append inserts the record, skipping ids already present.
func (s *PostgresSink) Append(ctx context.Context, id string, record *fetch.RawRecord) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO backfill_records (id, run_id, payload, fetched_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		id, s.run, record.Payload, record.FetchedAt)
	if err != nil {
		appendErrorsTotal.Inc()
		return fmt.Errorf("postgres append record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		recordsAppendedTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug().Str("id", id).Msg("Record already present, skipping")
		return nil
	}
	recordsAppendedTotal.WithLabelValues("written").Inc()
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
