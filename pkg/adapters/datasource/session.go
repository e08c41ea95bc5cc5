package datasource

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/logging"
)

// WithSession opens a connection for cfg, verifies it within ConnectTimeout, runs
// fn with a context bounded by QueryTimeout and closes the connection on every
// path. A close failure is merged with fn's error rather than replacing it.
//
// Open and ping failures are returned wrapped in apperrors.ErrConnectivity with
// credentials redacted.
func WithSession(
	ctx context.Context,
	opener Opener,
	cfg ConnectionConfig,
	opts SessionOptions,
	logger *zap.Logger,
	fn func(ctx context.Context, q Querier) error,
) (err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := opener.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: open data source: %s", apperrors.ErrConnectivity, logging.SanitizeError(err))
	}

	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close data source connection",
				zap.String("host", cfg.Host),
				zap.String("error", logging.SanitizeError(closeErr)))
			err = multierror.Append(err, fmt.Errorf("close data source: %w", closeErr)).ErrorOrNil()
		}
	}()

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	pingCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: connect to data source: %s", apperrors.ErrConnectivity, logging.SanitizeError(err))
	}

	queryCtx := ctx
	if opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, opts.QueryTimeout)
		defer cancel()
	}

	return fn(queryCtx, db)
}
