package destinations

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// SQLite writes each batch in one transaction
type SQLite struct {
	db      *sql.DB
	builder *sqlBuilder
	logger  logging.Logger
}

func buildSQLite(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config SQLConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewSQLite(config, deps.Logger)
}

// NewSQLite opens the database at config.DSN
func NewSQLite(config SQLConfig, logger logging.Logger) (*SQLite, error) {
	builder, err := newSQLBuilder(config, func(int) string { return "?" })
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite serialises writers
	db.SetMaxOpenConns(1)

	return &SQLite{db: db, builder: builder, logger: logging.OrGlobal(logger)}, nil
}

// DB exposes the underlying handle
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Deliver inserts every record or none of them
func (s *SQLite) Deliver(ctx context.Context, records []record.Record) (int, error) {
	stmt, err := s.builder.build(records)
	if err != nil {
		return 0, delivery.Permanent(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifySQLiteError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	prepared, err := tx.PrepareContext(ctx, stmt.sql)
	if err != nil {
		return 0, classifySQLiteError(fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer prepared.Close()

	for _, r := range records {
		args, err := stmt.args(r)
		if err != nil {
			return 0, delivery.Permanent(err)
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return 0, classifySQLiteError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classifySQLiteError(fmt.Errorf("failed to commit: %w", err))
	}

	s.logger.WithContext(ctx).Debug("Inserted batch", logging.Int("rows", len(records)))
	return len(records), nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

// classifySQLiteError retries busy and locked databases only
func classifySQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return delivery.Retryable(err)
		}
		return delivery.Permanent(err)
	}
	return delivery.Retryable(err)
}
