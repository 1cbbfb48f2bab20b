package destinations

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// Postgres writes each batch in one transaction through a pgx batch
type Postgres struct {
	pool    *pgxpool.Pool
	builder *sqlBuilder
	logger  logging.Logger
}

func buildPostgres(ctx context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config SQLConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewPostgres(ctx, config, deps.Logger)
}

// NewPostgres connects a pool to the configured database
func NewPostgres(ctx context.Context, config SQLConfig, logger logging.Logger) (*Postgres, error) {
	builder, err := newSQLBuilder(config, func(i int) string { return "$" + strconv.Itoa(i) })
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, errors.ConfigError("invalid postgres dsn", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = int32(config.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	return &Postgres{pool: pool, builder: builder, logger: logging.OrGlobal(logger)}, nil
}

// Deliver inserts every record or none of them
func (p *Postgres) Deliver(ctx context.Context, records []record.Record) (int, error) {
	stmt, err := p.builder.build(records)
	if err != nil {
		return 0, delivery.Permanent(err)
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		args, err := stmt.args(r)
		if err != nil {
			return 0, delivery.Permanent(err)
		}
		batch.Queue(stmt.sql, args...)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPgError(fmt.Errorf("failed to commit: %w", err))
	}

	p.logger.WithContext(ctx).Debug("Inserted batch", logging.Int("rows", len(records)))
	return len(records), nil
}

// Close releases the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// classifyPgError treats data, integrity and syntax errors as permanent
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return delivery.Permanent(err)
		}
	}
	return delivery.Retryable(err)
}
