package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/logging"
	"github.com/ekaya-inc/ekaya-reports/pkg/retry"
)

// DB wraps a pgxpool connection pool for the metadata store.
type DB struct {
	*pgxpool.Pool
}

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// Retry controls startup retries; nil uses retry.StartupConfig.
	Retry *retry.Config
}

// NewConnection creates a connection pool and waits for the server to accept a
// ping, retrying transient failures such as a database container still booting.
func NewConnection(ctx context.Context, cfg *Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %s", logging.SanitizeError(err))
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 10
	}

	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}

	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = time.Minute * 30
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempt := 0
	_, err = retry.DoWithResult(ctx, cfg.Retry, func() (struct{}, error) {
		attempt++
		pingErr := pool.Ping(ctx)
		if pingErr != nil {
			logger.Warn("Metadata database not reachable yet",
				zap.Int("attempt", attempt),
				zap.String("error", logging.SanitizeError(pingErr)))
		}
		return struct{}{}, pingErr
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
