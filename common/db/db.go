package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/mediacache/common/config"
	"github.com/lyzr/mediacache/common/logger"
)

const healthTimeout = 3 * time.Second

// DB is the cache_assets connection pool
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New opens the pool and pings it once within Database.ConnectTimeout
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	timeout := cfg.Database.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s/%s: %w", pc.ConnConfig.Host, pc.ConnConfig.Database, err)
	}

	log.Info("database connected",
		"host", pc.ConnConfig.Host,
		"db", pc.ConnConfig.Database,
		"application_name", pc.ConnConfig.RuntimeParams["application_name"],
		"max_conns", pc.MaxConns,
		"statement_timeout", cfg.Database.StatementTimeout,
	)
	return &DB{Pool: pool, log: log}, nil
}

// poolConfig turns the service config into pgx pool settings. Each worker slot holds at most one
// connection while it updates an asset row, so the pool never has fewer connections than slots.
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	d := cfg.Database
	maxConns := max(d.MaxConns, cfg.Queue.Concurrency, 1)
	pc.MaxConns = int32(maxConns)
	pc.MinConns = int32(min(max(d.MinConns, 0), maxConns))
	pc.MaxConnLifetime = d.MaxLifetime
	pc.MaxConnIdleTime = d.MaxIdleTime

	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	// a DSN that names itself wins
	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok && cfg.Service.Name != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.Service.Name
	}
	if d.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(d.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// Close closes the pool
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health pings the database
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}
