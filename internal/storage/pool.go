// Package storage provides the PostgreSQL storage layer for keisan.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY, embedded migrations, and the metric definition and metric
// value queries the calculated-metrics service runs.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY (which must bypass any transaction-mode pooler).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger

	// upsertBatchSize bounds the number of rows written per statement.
	upsertBatchSize int
}

// DefaultUpsertBatchSize is used when New is given a non-positive batch size.
const DefaultUpsertBatchSize = 1000

// New creates a new DB with a connection pool.
// notifyDSN may be empty, in which case Listen and WaitForNotification fail
// and only Notify (which goes through the pool) is available.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "keisan"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:            pool,
		notifyConn:      notifyConn,
		logger:          logger,
		upsertBatchSize: DefaultUpsertBatchSize,
	}, nil
}

// SetUpsertBatchSize changes how many rows each upsert statement carries.
// Non-positive values restore the default.
func (db *DB) SetUpsertBatchSize(n int) {
	if n <= 0 {
		n = DefaultUpsertBatchSize
	}
	db.upsertBatchSize = n
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a dedicated LISTEN connection is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
